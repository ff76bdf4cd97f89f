// Package rotctld implements the Hamlib rotctld network protocol on top of a
// rotator.Positioner.
package rotctld

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/w1xm/positioner/axis"
	"github.com/w1xm/positioner/rotator"
)

// RPRT values.
const (
	rprtOK       = 0
	rprtNotImpl  = -4
	rprtRejected = -9
	rprtInvalid  = -22
)

type Server struct {
	p      rotator.Positioner
	az, el axis.Config
}

func NewServer(p rotator.Positioner, az, el axis.Config) *Server {
	return &Server{p: p, az: az, el: el}
}

func (s *Server) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		log.Print("shutdown; closing rotctld socket")
		ln.Close()
	}()
	go func() {
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("failed to accept: %v", err)
				}
				continue
			}
			go func() {
				defer conn.Close()
				log.Printf("accepted connection from %v", conn.RemoteAddr())
				s.handle(conn, conn.RemoteAddr().String())
			}()
		}
	}()
	return nil
}

// clientAzimuth maps the controller's azimuth into the range advertised by
// dump_caps when clients expect a signed azimuth.
func (s *Server) clientAzimuth(az float64) float64 {
	if s.az.MinAngle < 0 && az > 180 {
		az -= 360
	}
	return az
}

func (s *Server) controllerAzimuth(az float64) float64 {
	if s.az.MinAngle >= 0 && az < 0 {
		az += 360
	}
	return az
}

func (s *Server) handle(rw io.ReadWriter, remote string) {
	scanner := bufio.NewScanner(rw)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" (or "\") followed
		// by command name.
		cmd := strings.TrimSpace(scanner.Text())
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if cmd[0] == '+' || cmd[0] == '\\' {
			extended = cmd[0] == '+'
			parts := strings.Fields(strings.TrimLeft(cmd, `+\`))
			if len(parts) == 0 {
				fmt.Fprintf(rw, "RPRT %d\n", rprtInvalid)
				continue
			}
			cmd = parts[0]
			args = parts[1:]
			if extended {
				fmt.Fprintf(rw, "%s:\n", cmd)
			}
		} else {
			// Space after command is optional.
			if len(cmd) > 1 {
				args = strings.Fields(cmd[1:])
			}
			cmd = string(cmd[0])
		}
		log.Printf("%v command: %q args: %#v", remote, cmd, args)
		rprt := rprtNotImpl
		switch cmd {
		case "q", "Q", "quit":
			return
		case "1", "dump_caps":
			fmt.Fprintf(rw, `Model name: Positioner
Mfg name: W1XM
Rot type: Az-El
Min Azimuth: %.2f
Max Azimuth: %.2f
Min Elevation: %.2f
Max Elevation: %.2f
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: Y
Can Reset: Y
Can Move: N
Can get Info: Y
`, s.az.MinAngle, s.az.MaxAngle, s.el.MinAngle, s.el.MaxAngle)
			rprt = rprtOK
		case "_", "get_info":
			st := s.p.Status()
			if extended {
				fmt.Fprintf(rw, "Info: ")
			}
			fmt.Fprintf(rw, "%s %s\n", st.State, st.LastError.String())
			rprt = rprtOK
		case "S", "stop":
			extended = true // always print RPRT
			s.p.Stop()
			rprt = rprtOK
		case "R", "reset", "K", "park":
			extended = true // always print RPRT
			rprt = rprtOK
			if err := s.p.Home(); err != nil {
				log.Printf("%v %s: %v", remote, cmd, err)
				rprt = rprtRejected
			}
		case "P", "set_pos":
			extended = true // always print RPRT
			if len(args) != 2 {
				rprt = rprtInvalid
				break
			}
			az, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				rprt = rprtInvalid
				break
			}
			el, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				rprt = rprtInvalid
				break
			}
			rprt = rprtOK
			if err := s.p.SetPosition(s.controllerAzimuth(az), el); err != nil {
				log.Printf("%v set_pos: %v", remote, err)
				rprt = rprtRejected
				if code, ok := rotator.Code(err); ok && code == rotator.ErrorInvalidPosition {
					rprt = rprtInvalid
				}
			}
		case "p", "get_pos":
			st := s.p.Status()
			az := s.clientAzimuth(st.AzimuthPosition())
			if extended {
				fmt.Fprintf(rw, "Azimuth: %.6f\nElevation: %.6f\n", az, st.ElevationPosition())
			} else {
				fmt.Fprintf(rw, "%.6f\n%.6f\n", az, st.ElevationPosition())
			}
			rprt = rprtOK
		}
		if extended || rprt != rprtOK {
			fmt.Fprintf(rw, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("reading from %v: %v", remote, err)
	}
}
