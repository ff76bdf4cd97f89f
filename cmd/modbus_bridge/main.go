// Command modbus_bridge exposes a motor board's RTU line over HTTP, so the
// positioner can run on a different host than the serial port.
package main

import (
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/goburrow/modbus"
	"github.com/gorilla/mux"
	imodbus "github.com/w1xm/positioner/internal/modbus"
	"github.com/w1xm/positioner/internal/modbus/modbustest"
)

var (
	addr       = flag.String("addr", "127.0.0.1:8502", "address to listen on")
	password   = flag.String("password", "", "password to require on remote connections")
	serialPort = flag.String("serial", "", "motor board serial port name")
	baud       = flag.Int("baud", 19200, "motor board baud rate")
	slaveId    = flag.Int("slave_id", 1, "motor board slave ID")
	simulate   = flag.Bool("simulate", false, "answer from an in-memory board instead of the serial port")
)

func newRTUHandler(port string, baud int) *modbus.RTUClientHandler {
	handler := modbus.NewRTUClientHandler(port)
	handler.BaudRate = baud
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = 1 * time.Second
	handler.SlaveId = byte(*slaveId)
	return handler
}

// simulatedBoard moves its step counters when the step registers are
// written with the matching relay closed.
func simulatedBoard() *modbustest.Board {
	b := modbustest.NewBoard(byte(*slaveId), 8)
	b.OnWriteRegister = func(b *modbustest.Board, addr, value uint16) {
		if addr < 2 && b.Coils[addr] {
			b.Input[addr] = uint16(int16(b.Input[addr]) + int16(value))
		}
	}
	return b
}

func main() {
	flag.Parse()
	var sender imodbus.Sender
	switch {
	case *simulate:
		log.Print("answering from a simulated board")
		sender = simulatedBoard()
	case *serialPort != "":
		handler := newRTUHandler(*serialPort, *baud)
		defer handler.Close()
		sender = handler
	default:
		log.Fatal("-serial or -simulate is required")
	}
	r := mux.NewRouter()
	r.Handle("/api/send", imodbus.SendHandler(sender, *password)).Methods(http.MethodPost)
	r.PathPrefix("/debug").Handler(http.DefaultServeMux)
	srv := &http.Server{
		Handler:      r,
		Addr:         *addr,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	log.Printf("Listening on %v", srv.Addr)
	log.Fatal(srv.ListenAndServe())
}
