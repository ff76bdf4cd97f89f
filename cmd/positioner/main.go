// Command positioner runs the antenna control loop and serves it over
// EasyComm, rotctld and HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/w1xm/positioner/actuator/gpio"
	"github.com/w1xm/positioner/actuator/modbus"
	"github.com/w1xm/positioner/actuator/sim"
	"github.com/w1xm/positioner/config"
	"github.com/w1xm/positioner/controller"
	"github.com/w1xm/positioner/easycomm"
	igpio "github.com/w1xm/positioner/internal/gpio"
	"github.com/w1xm/positioner/metrics"
	"github.com/w1xm/positioner/rotator"
	"github.com/w1xm/positioner/rotctld"
	"github.com/w1xm/positioner/station"
	"github.com/w1xm/positioner/telemetry"
	"golang.org/x/sync/errgroup"
)

const version = "positioner-1.0"

var (
	configPath     = flag.String("config", "", "YAML configuration file")
	simulate       = flag.Bool("simulate", false, "drive a simulated actuator regardless of the configuration")
	easycommSerial = flag.String("easycomm_serial", "", "EasyComm serial port name")
	easycommListen = flag.String("easycomm_listen", "", "EasyComm TCP address")
	rotctldListen  = flag.String("rotctld_listen", "", "rotctld TCP address")
	httpListen     = flag.String("http_listen", "", "HTTP address")
	staticDir      = flag.String("static_dir", "", "directory containing static files")
)

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "simulate":
			if *simulate {
				cfg.Actuator.Type = config.ActuatorSim
			}
		case "easycomm_serial":
			cfg.EasyComm.Serial = *easycommSerial
		case "easycomm_listen":
			cfg.EasyComm.Listen = *easycommListen
		case "rotctld_listen":
			cfg.Rotctld.Listen = *rotctldListen
		case "http_listen":
			cfg.HTTP.Listen = *httpListen
		case "static_dir":
			cfg.HTTP.StaticDir = *staticDir
		}
	})
	if server := os.Getenv("INFLUX_SERVER"); server != "" {
		cfg.Influx.Server = server
	}
	if token := os.Getenv("INFLUX_TOKEN"); token != "" {
		cfg.Influx.Token = token
	}
	return cfg, cfg.Validate()
}

// newActuator returns the configured actuator and a function releasing it.
func newActuator(ctx context.Context, cfg *config.Config) (rotator.Actuator, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Actuator.Type {
	case config.ActuatorGPIO:
		drv, err := igpio.NewDriver(cfg.Actuator.MockGPIO)
		if err != nil {
			return nil, nil, err
		}
		a, err := gpio.New(drv, cfg.Actuator.GPIO)
		if err != nil {
			drv.Close()
			return nil, nil, err
		}
		return a, a.Close, nil
	case config.ActuatorModbus:
		a, err := modbus.Connect(ctx, cfg.Actuator.Modbus, nil)
		if err != nil {
			return nil, nil, err
		}
		readyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := a.WaitReady(readyCtx); err != nil {
			return nil, nil, fmt.Errorf("waiting for motor board: %w", err)
		}
		return a, nop, nil
	default:
		return sim.New(cfg.Controller.Azimuth, cfg.Controller.Elevation), nop, nil
	}
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	act, closeActuator, err := newActuator(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer closeActuator()
	log.Printf("using %s actuator", cfg.Actuator.Type)

	c, err := controller.New(cfg.Controller, act, rotator.NewSystemClock())
	if err != nil {
		log.Fatal(err)
	}
	if err := c.Init(); err != nil {
		// The controller stays in ERROR; a reset or home clears it.
		log.Printf("init: %v", err)
	}
	st := station.New(c, cfg.TickInterval)

	collector, err := metrics.New(nil)
	if err != nil {
		log.Fatal(err)
	}
	st.OnStatus(collector.Observe)

	if cfg.Influx.Server != "" {
		rec := telemetry.Connect(cfg.Influx.Server, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket, cfg.Influx.Interval)
		defer rec.Close()
		st.OnStatus(rec.Observe)
	}

	p := rotator.NewOffset(st, cfg.Mount.AzimuthOffset, cfg.Mount.ElevationOffset)
	p.SetAzimuthRange(cfg.Controller.Azimuth.MinAngle, cfg.Controller.Azimuth.MaxAngle)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return st.Run(ctx)
	})

	ec := easycomm.NewServer(p, version)
	ec.OnCommError = collector.CommError("easycomm")
	if cfg.EasyComm.Serial != "" {
		g.Go(func() error {
			ec.ServeSerial(ctx, cfg.EasyComm.Serial, cfg.EasyComm.Baud)
			return nil
		})
	}
	if cfg.EasyComm.Listen != "" {
		g.Go(func() error {
			return ec.ListenTCP(ctx, cfg.EasyComm.Listen)
		})
	}
	if cfg.Rotctld.Listen != "" {
		rs := rotctld.NewServer(p, cfg.Controller.Azimuth, cfg.Controller.Elevation)
		g.Go(func() error {
			return rs.Listen(ctx, cfg.Rotctld.Listen)
		})
	}
	if cfg.HTTP.Listen != "" {
		var latitude *float64
		if cfg.Mount.Latitude != 0 {
			latitude = &cfg.Mount.Latitude
		}
		srv := &http.Server{
			Handler:      newRouter(NewServer(st, p, latitude), collector, cfg.HTTP.StaticDir),
			Addr:         cfg.HTTP.Listen,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			log.Printf("serving HTTP on %s", cfg.HTTP.Listen)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		log.Fatal(err)
	}
}

func newRouter(s *Server, collector *metrics.Collector, staticDir string) http.Handler {
	r := mux.NewRouter()
	r.Use(collector.Middleware)
	r.HandleFunc("/api/status", s.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/command", s.CommandHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/ws", s.StatusSocketHandler)
	r.Handle("/metrics", collector.Handler())
	if staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir)))
	}
	return r
}
