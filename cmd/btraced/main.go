package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/user/btraced/central"
	"github.com/user/btraced/link"
	"github.com/user/btraced/logger"
	"github.com/user/btraced/radio"
	"github.com/user/btraced/sink"
)

// transport is what main needs beyond link.Transport
type transport interface {
	link.Transport
	Start() error
	Events() <-chan link.Event
	Close()
}

// deliveries forwards completed messages to main
type deliveries chan []byte

func (d deliveries) LogLine(string) {}

func (d deliveries) DeliverMessage(msg []byte) {
	select {
	case d <- msg:
	default:
	}
}

func main() {
	defaults := link.DefaultConfig()
	transportName := flag.String("transport", "sim", "Transport: sim (Unix sockets) or radio (host Bluetooth adapter)")
	id := flag.String("id", "", "Simulated device id (default: random)")
	service := flag.String("service", defaults.Service.String(), "Transfer service UUID")
	characteristic := flag.String("characteristic", defaults.Characteristic.String(), "Transfer characteristic UUID")
	rssiMin := flag.Int("rssi-min", defaults.Gate.Low, "Accept signals stronger than this (dBm, exclusive)")
	rssiMax := flag.Int("rssi-max", defaults.Gate.High, "Accept signals weaker than this (dBm, exclusive)")
	connectTimeout := flag.Duration("connect-timeout", defaults.ConnectTimeout, "Give up on a connection attempt after this long (0 disables)")
	discoveryTimeout := flag.Duration("discovery-timeout", defaults.DiscoveryTimeout, "Give up on discovery and subscription after this long (0 disables)")
	maxMessage := flag.Int("max-message", 0, "Largest message in bytes (0 for unbounded)")
	listen := flag.String("listen", "", "Serve the display over HTTP/websocket on this address, e.g. :8080")
	logLevel := flag.String("log-level", "", "Log level: TRACE, DEBUG, INFO, WARN, ERROR (default $BTRACED_LOG_LEVEL or INFO)")
	once := flag.Bool("once", false, "Exit after the first delivered message")
	flag.Parse()

	if *logLevel != "" {
		logger.SetLevel(logger.ParseLevel(*logLevel))
	} else {
		logger.SetLevel(logger.LevelFromEnv(logger.INFO))
	}

	cfg := defaults
	var err error
	if cfg.Service, err = uuid.Parse(*service); err != nil {
		log.Fatalf("Invalid -service: %v", err)
	}
	if cfg.Characteristic, err = uuid.Parse(*characteristic); err != nil {
		log.Fatalf("Invalid -characteristic: %v", err)
	}
	cfg.Gate = link.Gate{Low: *rssiMin, High: *rssiMax}
	cfg.ConnectTimeout = *connectTimeout
	cfg.DiscoveryTimeout = *discoveryTimeout
	cfg.MaxMessageSize = *maxMessage
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	tr, err := newTransport(*transportName, *id)
	if err != nil {
		log.Fatalf("Failed to create transport: %v", err)
	}

	ring := sink.NewRing(0, 0)
	display := sink.Multi{ring, sink.Logger{}}
	var hub *sink.Hub
	if *listen != "" {
		hub = sink.NewHub(0)
		display = append(display, hub)
	}
	delivered := make(deliveries, 4)
	display = append(display, delivered)

	m, err := link.NewMachine(cfg, tr, sink.Timestamped{Sink: display})
	if err != nil {
		log.Fatalf("Failed to create link: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if hub != nil {
		srv = &http.Server{Addr: *listen, Handler: displayMux(ring, hub)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP", "display server failed: %v", err)
				stop()
			}
		}()
		logger.Info("HTTP", "display at http://%s/ (websocket /ws)", *listen)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(ctx, tr.Events()) }()

	if err := tr.Start(); err != nil {
		log.Fatalf("Failed to start %s transport: %v", *transportName, err)
	}

	for running := true; running; {
		select {
		case msg := <-delivered:
			fmt.Printf("%s\n", msg)
			if *once {
				stop()
			}
		case err := <-runDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Link", "stopped: %v", err)
			}
			running = false
		}
	}

	tr.Close()
	if hub != nil {
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP", "display server shutdown: %v", err)
		}
		cancel()
	}
}

func newTransport(name, id string) (transport, error) {
	switch strings.ToLower(name) {
	case "sim":
		if id == "" {
			id = "central-" + uuid.NewString()[:8]
		}
		return central.NewManager(id, nil)
	case "radio":
		return radio.New(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want sim or radio)", name)
	}
}

// displayMux serves the ring as plain text at /, messages as JSON at
// /messages and the live stream at /ws.
func displayMux(ring *sink.Ring, hub *sink.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		msgs := ring.Messages()
		out := make([]string, len(msgs))
		for i, m := range msgs {
			out[i] = string(m)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			logger.Warn("HTTP", "failed to write messages to %s: %v", r.RemoteAddr, err)
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, line := range ring.Lines() {
			fmt.Fprintln(w, line)
		}
	})
	return mux
}
