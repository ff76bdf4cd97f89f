package easycomm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"reflect"
	"regexp"
	"sync"
	"time"

	"github.com/tarm/serial"
	"github.com/w1xm/positioner/easycomm/internal/status"
	"github.com/w1xm/positioner/rotator"
	"golang.org/x/sync/errgroup"
)

// Server answers EasyComm commands on behalf of a positioner. Besides the
// standard AZ, EL, SA, SE, GS, GE and VE commands it understands HO (home),
// ES (emergency stop) and RS (reset, if the positioner supports it).
type Server struct {
	p       rotator.Positioner
	version string

	// OnCommError, if set, is called for every line that could not be
	// interpreted.
	OnCommError func(err error)

	mu         sync.Mutex
	commErrors int
}

func NewServer(p rotator.Positioner, version string) *Server {
	return &Server{p: p, version: version}
}

// CommErrors returns the number of malformed commands received so far.
func (s *Server) CommErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commErrors
}

var cmdRE = regexp.MustCompile(`^([A-Z]+)(.*)$`)

func commError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", rotator.ErrorCommunication, fmt.Sprintf(format, args...))
}

// handle executes one command word. Malformed input is reported as an
// error wrapping rotator.ErrorCommunication; any other error is a failure
// to write the reply.
func (s *Server) handle(w io.Writer, input string) error {
	parts := cmdRE.FindStringSubmatch(input)
	if parts == nil {
		return commError("unrecognized command %q", input)
	}
	cmd, arg := parts[1], parts[2]
	switch cmd {
	case "AZ", "EL":
		if arg == "" {
			return s.report(w, cmd)
		}
		var angle float64
		if err := status.ParseFloat(&angle, arg); err != nil {
			return commError("%q: %v", input, err)
		}
		// A bare AZ or EL keeps the other axis where it is headed.
		st := s.p.Status()
		az, el := st.Position.Azimuth, st.Position.Elevation
		if st.HasTarget {
			az, el = st.Target.TargetAzimuth, st.Target.TargetElevation
		}
		if cmd == "AZ" {
			az = angle
		} else {
			el = angle
		}
		return s.reject(w, input, s.p.SetPosition(az, el))
	case "SA", "SE":
		s.p.Stop()
		return nil
	case "HO":
		return s.reject(w, input, s.p.Home())
	case "ES":
		s.p.EmergencyStop()
		return nil
	case "RS":
		r, ok := s.p.(rotator.Resetter)
		if !ok {
			return commError("reset not supported")
		}
		return s.reject(w, input, r.Reset())
	case "GS", "GE", "VE":
		if arg == "" {
			return s.report(w, cmd)
		}
	}
	return commError("unknown command %q", input)
}

// reject tells the host why a command was refused. Refusals with an error
// code answer GE, others answer the current GS register.
func (s *Server) reject(w io.Writer, input string, err error) error {
	if err == nil {
		return nil
	}
	log.Printf("easycomm %q rejected: %v", input, err)
	if code, ok := rotator.Code(err); ok {
		return send(w, "GE%d", uint64(code))
	}
	return s.report(w, "GS")
}

// report sends the status fields tagged with cmd.
func (s *Server) report(w io.Writer, cmd string) error {
	st := status.FromRotator(s.p.Status(), s.version)
	v := reflect.ValueOf(st)
	for i := 0; i < v.NumField(); i++ {
		field := v.Type().Field(i)
		tag := field.Tag.Get("report")
		if tag == "" || tag == "-" || tag != cmd {
			continue
		}
		fv := v.Field(i)
		value := fv.Interface()
		switch fv.Kind() {
		case reflect.Float32, reflect.Float64:
			return send(w, "%s%.1f", tag, value)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return send(w, "%s%d", tag, value)
		case reflect.String:
			return send(w, "%s%s", tag, value)
		default:
			return fmt.Errorf("don't know how to send %s: %q (value %+v)", field.Name, tag, value)
		}
	}
	return commError("nothing to report for %q", cmd)
}

func send(w io.Writer, cmd string, fields ...interface{}) error {
	_, err := fmt.Fprintf(w, cmd+"\n", fields...)
	return err
}

func (s *Server) commError(err error) {
	s.mu.Lock()
	s.commErrors++
	s.mu.Unlock()
	log.Printf("easycomm: %v", err)
	if s.OnCommError != nil {
		s.OnCommError(err)
	}
}

// Serve handles commands from conn until it is closed or ctx is canceled.
// It returns io.EOF when the peer hangs up.
func (s *Server) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Wait for context to be canceled, then close connection.
		<-ctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(conn)
		scanner.Split(bufio.ScanWords)
		for scanner.Scan() {
			input := scanner.Text()
			err := s.handle(conn, input)
			if errors.Is(err, rotator.ErrorCommunication) {
				s.commError(err)
				if err := send(conn, "GE%d", uint64(rotator.ErrorCommunication)); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading port: %w", err)
		}
		return io.EOF
	})
	return g.Wait()
}

// ListenTCP accepts EasyComm clients on addr until ctx is canceled.
func (s *Server) ListenTCP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		log.Print("shutdown; closing easycomm socket")
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
				log.Printf("accepted easycomm connection from %v", conn.RemoteAddr())
				if err := s.Serve(ctx, conn); err != nil && err != io.EOF && ctx.Err() == nil {
					log.Printf("easycomm %v: %v", conn.RemoteAddr(), err)
				}
			}()
		}
	}()
	return nil
}

// ServeSerial serves a host on a serial line, reopening it whenever it
// fails, until ctx is canceled.
func (s *Server) ServeSerial(ctx context.Context, port string, baud int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
		p, err := serial.OpenPort(&serial.Config{Name: port, Baud: baud})
		if err != nil {
			log.Printf("opening %q: %v", port, err)
			continue
		}
		log.Printf("opened %q", port)
		if err := s.Serve(ctx, p); err != nil && ctx.Err() == nil {
			log.Printf("serial %q: %v", port, err)
		}
	}
}
