package modbus

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/positioner/internal/modbus/modbustest"
)

func TestBytesToBits(t *testing.T) {
	for _, test := range []struct {
		in   []byte
		want []bool
	}{
		{nil, nil},
		{[]byte{0x01}, []bool{true, false, false, false, false, false, false, false}},
		{[]byte{0x80, 0x03}, []bool{
			false, false, false, false, false, false, false, true,
			true, true, false, false, false, false, false, false,
		}},
	} {
		if diff := cmp.Diff(test.want, BytesToBits(test.in)); diff != "" {
			t.Errorf("BytesToBits(%x): (-want +got):\n%s", test.in, diff)
		}
	}
}

func TestHTTPClient(t *testing.T) {
	board := modbustest.NewBoard(1, 8)
	board.Do(func(b *modbustest.Board) {
		b.DiscreteInputs[1] = true
		b.Input[2] = 0xBEEF
	})
	srv := httptest.NewServer(SendHandler(board, "secret"))
	defer srv.Close()

	client := modbus.NewClient(NewHTTPClient(srv.URL, "secret"))
	bits, err := client.ReadDiscreteInputs(0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0x02}, bits); diff != "" {
		t.Errorf("ReadDiscreteInputs: (-want +got):\n%s", diff)
	}
	regs, err := client.ReadInputRegisters(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0xBE, 0xEF}, regs); diff != "" {
		t.Errorf("ReadInputRegisters: (-want +got):\n%s", diff)
	}
	if _, err := client.WriteSingleRegister(3, 7); err != nil {
		t.Fatal(err)
	}
	board.Do(func(b *modbustest.Board) {
		if b.Holding[3] != 7 {
			t.Errorf("holding register 3 = %d, want 7", b.Holding[3])
		}
	})
	// Exceptions come back as Modbus errors.
	if _, err := client.ReadCoils(6, 4); err == nil {
		t.Error("reading past the coil bank succeeded")
	}

	wrong := modbus.NewClient(NewHTTPClient(srv.URL, "guess"))
	if _, err := wrong.ReadCoils(0, 1); err == nil {
		t.Error("wrong password accepted")
	}
}

type failingSender struct{}

func (failingSender) Send([]byte) ([]byte, error) {
	return nil, errors.New("serial timeout")
}

func TestHTTPClientRemoteError(t *testing.T) {
	srv := httptest.NewServer(SendHandler(failingSender{}, ""))
	defer srv.Close()
	h := NewHTTPClient(srv.URL, "")
	if _, err := h.Send([]byte{1, 2, 3, 4}); err == nil || err.Error() != "serial timeout" {
		t.Errorf("Send = %v, want the remote error", err)
	}
}

func TestClientPollsOverHTTP(t *testing.T) {
	board := modbustest.NewBoard(1, 8)
	srv := httptest.NewServer(SendHandler(board, ""))
	defer srv.Close()

	polled := make(chan []bool, 1)
	c := &Client{URL: srv.URL, SlaveId: 1, PollInterval: 10 * time.Millisecond}
	c.Poll = func() error {
		coils, err := c.ReadCoils(0, 2)
		if err != nil {
			return err
		}
		select {
		case polled <- BytesToBits(coils)[:2]:
		default:
		}
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteCoil(1, true); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-polled:
			if !got[1] {
				continue
			}
			for !c.Connected() {
				select {
				case <-deadline:
					t.Fatal("Connected() never became true")
				case <-time.After(5 * time.Millisecond):
				}
			}
			return
		case <-deadline:
			t.Fatal("poll never saw the coil")
		}
	}
}

func TestConnectNeedsTransport(t *testing.T) {
	c := &Client{}
	if err := c.Connect(context.Background()); err == nil {
		t.Error("Connect without port or URL succeeded")
	}
}
