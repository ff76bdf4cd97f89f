// Package easycomm speaks the EasyComm II/III rotator protocol, both as the
// rotator (Server) and as the host (Rotator).
package easycomm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/w1xm/positioner/easycomm/internal/status"
	"golang.org/x/sync/errgroup"
)

// Protocol docs at https://github.com/Hamlib/Hamlib/blob/master/rotators/easycomm/easycomm.txt

type Status = status.Status

type StatusCallback func(status Status)

// PollInterval is how often a connected Rotator asks for status.
const PollInterval = 1 * time.Second

// Rotator is a host-side connection to an EasyComm rotator.
type Rotator struct {
	statusCallback StatusCallback

	mu     sync.Mutex
	conn   io.ReadWriteCloser
	status Status
}

// New wraps an open connection. Call Run to start reading from it.
func New(conn io.ReadWriteCloser, statusCallback StatusCallback) *Rotator {
	return &Rotator{conn: conn, statusCallback: statusCallback}
}

// ConnectTCP keeps a polling connection to addr open until ctx is canceled.
func ConnectTCP(ctx context.Context, addr string, statusCallback StatusCallback) *Rotator {
	r := &Rotator{statusCallback: statusCallback}
	go r.reconnectLoop(ctx, addr)
	return r
}

func (r *Rotator) reconnectLoop(ctx context.Context, addr string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
		dialer := &net.Dialer{
			Timeout: time.Second,
		}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			log.Printf("opening %q: %v", addr, err)
			continue
		}
		log.Printf("opened %q", addr)
		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
		if err := r.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("%q: %v", addr, err)
		}
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
	}
}

// Run reads replies and polls for status every PollInterval until the
// connection fails or ctx is canceled. It returns io.EOF if the rotator
// hangs up.
func (r *Rotator) Run(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
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
			if err := r.parseInput(input); err != nil {
				log.Printf("parsing %q: %v", input, err)
				continue
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading port: %w", err)
		}
		return io.EOF
	})
	g.Go(func() error {
		for {
			if err := r.Poll(); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(PollInterval):
			}
		}
	})
	return g.Wait()
}

// Poll asks for every status register once.
func (r *Rotator) Poll() error {
	return r.send("AZ EL GS GE VE")
}

func (r *Rotator) parseInput(input string) error {
	if len(input) < 2 {
		return errors.New("truncated output")
	}
	r.mu.Lock()
	old := r.status
	defer func() {
		new := r.status
		r.mu.Unlock()
		if new != old {
			r.notifyStatus()
		}
	}()
	switch input[:2] {
	case "AZ": // AZxxx.x
		return status.ParseFloat(&r.status.AzPos, input[2:])
	case "EL": // ELxxx.x
		return status.ParseFloat(&r.status.ElPos, input[2:])
	case "GS": // GSxxx
		i, err := strconv.ParseUint(input[2:], 10, 64)
		if err != nil {
			return err
		}
		r.status.StatusRegister = i
		r.status.Decode()
	case "GE": // GExxx
		i, err := strconv.ParseUint(input[2:], 10, 64)
		if err != nil {
			return err
		}
		r.status.ErrorRegister = i
		r.status.Decode()
	case "VE": // VEaaaaaa
		r.status.Version = input[2:]
	default:
		return errors.New("unknown rotator output")
	}
	return nil
}

func (r *Rotator) notifyStatus() {
	r.mu.Lock()
	status := r.status
	r.mu.Unlock()
	if r.statusCallback != nil {
		r.statusCallback(status)
	}
}

func (r *Rotator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Rotator) send(cmd string) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	_, err := conn.Write([]byte(cmd + "\n"))
	return err
}

func (r *Rotator) SetPosition(az, el float64) error {
	return r.send(fmt.Sprintf("AZ%.1f EL%.1f", az, el))
}

func (r *Rotator) Stop() error {
	return r.send("SA SE")
}

func (r *Rotator) Home() error {
	return r.send("HO")
}

func (r *Rotator) EmergencyStop() error {
	return r.send("ES")
}

func (r *Rotator) Reset() error {
	return r.send("RS")
}
