// Command vision-producer detects the target in stereo frames and broadcasts
// its position to every pursuit device on the vision channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/banshee-data/pursuit/internal/config"
	"github.com/banshee-data/pursuit/internal/monitoring"
	"github.com/banshee-data/pursuit/internal/timeutil"
	"github.com/banshee-data/pursuit/internal/version"
	"github.com/banshee-data/pursuit/internal/vision"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Device configuration file")
	deviceID    = flag.String("device", "", "Device whose vision settings to use (broadcast ports, fps)")
	devMode     = flag.Bool("dev", false, "Use a synthetic frame source and an orbiting target")
	pcapFile    = flag.String("pcap", "", "Replay recorded vision traffic from a pcap file instead of detecting")
	speed       = flag.Float64("speed", 1, "Replay speed multiplier for -pcap; 0 replays without pacing")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println("vision-producer", version.String())
		return
	}

	cfg, err := loadDevice()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := uuid.NewString()
	log.Printf("vision-producer %s session %s: broadcasting to %s ports %v",
		version.String(), session, cfg.GetBroadcastAddr(), cfg.GetBroadcastPorts())

	b, err := vision.NewBroadcaster(ctx, cfg.GetBroadcastAddr(), cfg.GetBroadcastPorts())
	if err != nil {
		log.Fatalf("Failed to open broadcast socket: %v", err)
	}
	defer b.Close()

	if *pcapFile != "" {
		err = replay(ctx, b)
	} else {
		err = produce(ctx, cfg, b)
	}
	sent, failed := b.Stats()
	log.Printf("Session %s finished: %d datagrams sent, %d failed", session, sent, failed)
	if err != nil {
		log.Fatalf("vision-producer: %v", err)
	}
}

// loadDevice returns the device's config, or an empty one using defaults
// when no device is named.
func loadDevice() (*config.DeviceConfig, error) {
	if *deviceID == "" {
		return &config.DeviceConfig{}, nil
	}
	file, err := config.LoadFile(*configPath)
	if err != nil {
		return nil, err
	}
	cfg, ok := file[*deviceID]
	if !ok || cfg == nil {
		return nil, &config.ConfigError{Device: *deviceID, Key: *deviceID, Reason: "no configuration for device"}
	}
	cfg.ID = *deviceID
	return cfg, nil
}

func produce(ctx context.Context, cfg *config.DeviceConfig, b *vision.Broadcaster) error {
	if !*devMode {
		return errors.New("no camera source available in this build; use -dev or -pcap")
	}
	clock := timeutil.RealClock{}
	p := &vision.Producer{
		Source:   &vision.SyntheticSource{FPS: cfg.GetVisionFPS(), Clock: clock},
		Detector: vision.NewOrbitDetector(),
		Sender:   b,
		Clock:    clock,
	}
	return p.Run(ctx)
}

func replay(ctx context.Context, b *vision.Broadcaster) error {
	malformed := monitoring.NewSampler(100)
	_, err := vision.ReplayCapture(ctx, *pcapFile, vision.ReplayOptions{Speed: *speed}, func(payload []byte) {
		p, err := vision.Decode(payload)
		if err != nil {
			malformed.Logf("Skipping recorded datagram: %v", err)
			return
		}
		b.Send(p)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
