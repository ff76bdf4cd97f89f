// Package modbus keeps a Modbus connection to a driver board open, either
// over a local RTU serial port or through a modbus_bridge HTTP endpoint.
package modbus

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

type modbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// ErrNotConnected is returned by Connected clients that have not completed
// a poll since their last failure.
var ErrNotConnected = errors.New("modbus: not connected")

type Client struct {
	// Port and BaudRate create a local serial connection
	Port string
	// BaudRate defaults to 19200
	BaudRate int
	SlaveId  byte
	// URL creates a remote connection
	URL string
	// Password is sent to remote connections with HTTP basic auth.
	Password string
	// Debug logs every frame.
	Debug bool

	// Poll function to be called in a loop while the connection is active
	Poll func() error
	// PollInterval is the pause between polls. Zero polls back to back.
	PollInterval time.Duration

	handler modbusHandler
	modbus.Client

	mu        sync.Mutex
	connected bool
}

func (c *Client) Connect(ctx context.Context) error {
	if c.URL != "" {
		h := NewHTTPClient(c.URL, c.Password)
		h.SlaveId = c.SlaveId
		c.handler = h
	} else {
		if c.Port == "" {
			return errors.New("modbus: no port or URL")
		}
		handler := modbus.NewRTUClientHandler(c.Port)
		handler.BaudRate = c.BaudRate
		if handler.BaudRate == 0 {
			handler.BaudRate = 19200
		}
		handler.DataBits = 8
		handler.Parity = "N"
		handler.StopBits = 1
		handler.Timeout = 1 * time.Second
		handler.SlaveId = c.SlaveId
		if c.Debug {
			handler.Logger = log.New(os.Stderr, "modbus: ", log.Ldate|log.Ltime|log.Lmicroseconds)
		}
		c.handler = handler
	}
	c.Client = modbus.NewClient(c.handler)
	go c.reconnectLoop(ctx)
	return nil
}

func (c *Client) name() string {
	if c.URL != "" {
		return c.URL
	}
	return c.Port
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

// Connected reports whether the last poll succeeded.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) reconnectLoop(ctx context.Context) {
	port := c.name()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}

		err := c.handler.Connect()
		if err != nil {
			log.Printf("opening %q: %v", port, err)
			continue
		}
		if err := c.watch(ctx); err != nil && ctx.Err() == nil {
			log.Printf("watching %q: %v", port, err)
		}
	}
}

func (c *Client) watch(ctx context.Context) error {
	defer c.handler.Close()
	defer c.setConnected(false)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := c.Poll(); err != nil {
			return err
		}
		c.setConnected(true)
		if c.PollInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.PollInterval):
			}
		}
	}
}

func (c *Client) WriteCoil(coil int, value bool) error {
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := c.WriteSingleCoil(uint16(coil), v)
	return err
}

func BytesToBits(bs []byte) []bool {
	var out []bool
	for _, b := range bs {
		for i := 0; i < 8; i++ {
			out = append(out, (b>>uint(i)&1) == 1)
		}
	}
	return out
}
