package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/user/btraced/logger"
	"github.com/user/btraced/peripheral"
)

func main() {
	defaults := peripheral.DefaultConfig("")
	id := flag.String("id", "", "Device id (default: random)")
	name := flag.String("name", defaults.Name, "Advertised local name")
	message := flag.String("message", "Hello from btraced", "Message sent to each subscribing central")
	chunk := flag.Int("chunk", defaults.ChunkSize, "Notification payload size in bytes")
	interval := flag.Duration("interval", 0, "Pause between notifications")
	service := flag.String("service", defaults.Service.String(), "Transfer service UUID")
	characteristic := flag.String("characteristic", defaults.Characteristic.String(), "Transfer characteristic UUID")
	baseRSSI := flag.Int("base-rssi", 0, "RSSI scanners see for this device (0 for their default)")
	once := flag.Bool("once", false, "Stop advertising and exit after one transfer")
	logLevel := flag.String("log-level", "", "Log level: TRACE, DEBUG, INFO, WARN, ERROR (default $BTRACED_LOG_LEVEL or INFO)")
	flag.Parse()

	if *logLevel != "" {
		logger.SetLevel(logger.ParseLevel(*logLevel))
	} else {
		logger.SetLevel(logger.LevelFromEnv(logger.INFO))
	}

	cfg := defaults
	cfg.ID = *id
	if cfg.ID == "" {
		cfg.ID = "peripheral-" + uuid.NewString()[:8]
	}
	cfg.Name = *name
	cfg.Message = []byte(*message)
	cfg.ChunkSize = *chunk
	cfg.ChunkInterval = *interval
	cfg.BaseRSSI = *baseRSSI
	cfg.Once = *once

	var err error
	if cfg.Service, err = uuid.Parse(*service); err != nil {
		log.Fatalf("Invalid -service: %v", err)
	}
	if cfg.Characteristic, err = uuid.Parse(*characteristic); err != nil {
		log.Fatalf("Invalid -characteristic: %v", err)
	}

	p, err := peripheral.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create peripheral: %v", err)
	}
	if err := p.Start(); err != nil {
		log.Fatalf("Failed to start peripheral: %v", err)
	}
	defer p.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case central := <-p.Completed():
			logger.Info("Main", "delivered to %s", central)
			if *once {
				return
			}
		}
	}
}
