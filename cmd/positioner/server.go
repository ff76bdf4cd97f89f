package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/w1xm/positioner/rotator"
	"github.com/w1xm/positioner/station"
)

// Server exposes the station over HTTP. Positions are reported and
// accepted in the mount's calibrated frame.
type Server struct {
	st *station.Station
	p  *rotator.Offset
	eq *rotator.Transformer // nil without a configured latitude
}

func NewServer(st *station.Station, p *rotator.Offset, latitude *float64) *Server {
	s := &Server{st: st, p: p}
	if latitude != nil {
		s.eq = rotator.NewTransformer(p, *latitude)
	}
	return s
}

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Status struct {
	rotator.Status
	HourAngle   *float64 `json:",omitempty"`
	Declination *float64 `json:",omitempty"`
}

func (s *Server) status() Status {
	status := Status{Status: s.p.Status()}
	if s.eq != nil {
		ha, dec := s.eq.Equatorial()
		status.HourAngle, status.Declination = &ha, &dec
	}
	return status
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(s.status())
	if err != nil {
		log.Print(err)
		return
	}
	w.Write(data)
}

type Command struct {
	Command     string  `json:"command"`
	Azimuth     float64 `json:"azimuth"`
	Elevation   float64 `json:"elevation"`
	Speed       float64 `json:"speed"`
	HourAngle   float64 `json:"hour_angle"`
	Declination float64 `json:"declination"`
}

func (s *Server) dispatch(msg Command) error {
	switch msg.Command {
	case "set_position":
		if msg.Speed != 0 {
			return s.p.SetPositionSpeed(msg.Azimuth, msg.Elevation, msg.Speed)
		}
		return s.p.SetPosition(msg.Azimuth, msg.Elevation)
	case "set_equatorial":
		if s.eq == nil {
			return fmt.Errorf("no latitude configured")
		}
		return s.eq.SetEquatorialPosition(msg.HourAngle, msg.Declination)
	case "stop":
		s.p.Stop()
	case "home":
		return s.p.Home()
	case "emergency_stop":
		s.p.EmergencyStop()
	case "reset":
		return s.p.Reset()
	default:
		return fmt.Errorf("unknown command %q", msg.Command)
	}
	return nil
}

type commandResult struct {
	Error     string            `json:"error,omitempty"`
	ErrorCode rotator.ErrorCode `json:"error_code,omitempty"`
}

// CommandHandler runs one JSON command posted in the request body.
func (s *Server) CommandHandler(w http.ResponseWriter, r *http.Request) {
	var msg Command
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var result commandResult
	w.Header().Set("Content-Type", "application/json")
	if err := s.dispatch(msg); err != nil {
		result.Error = err.Error()
		result.ErrorCode, _ = rotator.Code(err)
		w.WriteHeader(http.StatusConflict)
	}
	json.NewEncoder(w).Encode(result)
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	defer conn.Close()
	// The HTTP server's deadlines outlive the upgrade.
	conn.SetReadDeadline(time.Time{})

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if err := s.dispatch(msg); err != nil {
				log.Printf("%s: %s: %v", r.RemoteAddr, msg.Command, err)
			}
		}
	}()

	var seq uint64
	for {
		var err error
		if _, seq, err = s.st.Next(ctx, seq); err != nil {
			return
		}
		data, err := json.Marshal(s.status())
		if err != nil {
			log.Print(err)
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Print(err)
			return
		}
	}
}
