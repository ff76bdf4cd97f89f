// Command antennactl drives a positioner over EasyComm.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/w1xm/positioner/easycomm"
)

var (
	addr    = flag.String("addr", "127.0.0.1:4535", "EasyComm TCP address")
	timeout = flag.Duration("timeout", 5*time.Second, "how long to wait for the positioner")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: %s [flags] command
commands:
  pos            print position and state
  goto AZ EL     point at azimuth AZ, elevation EL
  stop           stop both axes
  home           drive to the home position
  estop          emergency stop
  reset          release an emergency stop
  watch          print every status change
flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func format(s easycomm.Status) string {
	return fmt.Sprintf("az=%.1f el=%.1f az_state=%s el_state=%s error=%s", s.AzPos, s.ElPos, s.AzFlags, s.ElFlags, s.LastError.String())
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	conn, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		log.Fatal(err)
	}
	updates := make(chan easycomm.Status, 16)
	r := easycomm.New(conn, func(s easycomm.Status) {
		select {
		case updates <- s:
		default:
		}
	})
	go func() {
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
			log.Print(err)
		}
		stop()
	}()

	// VE is the last register of a poll.
	wait := func() easycomm.Status {
		deadline := time.After(*timeout)
		for {
			select {
			case s := <-updates:
				if s.Version != "" {
					return s
				}
			case <-deadline:
				log.Fatalf("no reply from %s", *addr)
			case <-ctx.Done():
				os.Exit(1)
			}
		}
	}
	status := wait()

	var cmdErr error
	switch args[0] {
	case "pos":
		fmt.Println(format(status))
		return
	case "watch":
		fmt.Println(format(status))
		for {
			select {
			case s := <-updates:
				fmt.Println(format(s))
			case <-ctx.Done():
				return
			}
		}
	case "goto":
		if len(args) != 3 {
			usage()
			os.Exit(2)
		}
		az, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			log.Fatalf("azimuth: %v", err)
		}
		el, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			log.Fatalf("elevation: %v", err)
		}
		cmdErr = r.SetPosition(az, el)
	case "stop":
		cmdErr = r.Stop()
	case "home":
		cmdErr = r.Home()
	case "estop":
		cmdErr = r.EmergencyStop()
	case "reset":
		cmdErr = r.Reset()
	default:
		usage()
		os.Exit(2)
	}
	if cmdErr != nil {
		log.Fatal(cmdErr)
	}
	if err := r.Poll(); err != nil {
		log.Fatal(err)
	}
	// Replies only trigger updates on change; give the poll time to land.
	time.Sleep(100 * time.Millisecond)
	fmt.Println(format(r.Status()))
}
