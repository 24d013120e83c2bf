// Command pursuit runs the mirror tracking loop for one device.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/pursuit/internal/config"
	"github.com/banshee-data/pursuit/internal/db"
	"github.com/banshee-data/pursuit/internal/devices"
	"github.com/banshee-data/pursuit/internal/pursuit"
	"github.com/banshee-data/pursuit/internal/serialport"
	"github.com/banshee-data/pursuit/internal/telemetry"
	"github.com/banshee-data/pursuit/internal/timeutil"
	"github.com/banshee-data/pursuit/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Device configuration file")
	deviceID    = flag.String("device", "", "Device identity to run (e.g. DART_1)")
	dbPath      = flag.String("db", db.DefaultPath, "SQLite database for telemetry and lens state; empty disables recording")
	lensState   = flag.String("lens-state", "db", "Where lens positions persist between runs: db or config")
	devMode     = flag.Bool("dev", false, "Use simulated actuator, lens and measurement source")
	debugListen = flag.String("debug-listen", "", "Serve /debug/ admin routes on this address (e.g. localhost:8081)")
	plotDir     = flag.String("plot-dir", "", "Write tracking plots to this directory at exit")
	realTime    = flag.Bool("rt", true, "Raise the control loop's scheduling priority")
	listPorts   = flag.Bool("list-ports", false, "List serial ports and exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("pursuit", version.String())
		return
	}
	if *listPorts {
		ports, err := serialport.ListPorts()
		if err != nil {
			log.Fatalf("Failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	file, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *deviceID == "" {
		log.Fatalf("-device is required; configured devices: %s", strings.Join(file.IDs(), ", "))
	}
	cfg, err := file.Device(*deviceID)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	log.Printf("pursuit %s starting for %s (%s mode)", version.String(), cfg.ID, cfg.GetMode())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("pursuit: %v", err)
	}
}

func run(ctx context.Context, cfg *config.DeviceConfig) error {
	clock := timeutil.RealClock{}

	registry := devices.NewRegistry()
	var producerArgs []string
	if *devMode {
		log.Printf("Dev mode: using simulated devices")
		registry = devices.NewSimulatedRegistry(clock)
		producerArgs = []string{"-dev"}
	}

	var database *db.DB
	if *dbPath != "" {
		var err error
		database, err = db.NewDB(*dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()
	}

	var store pursuit.LensStateStore
	switch *lensState {
	case "db":
		if database != nil {
			store = database
		}
	case "config":
		store = config.NewFileLensStore(*configPath)
	default:
		return fmt.Errorf("unknown -lens-state %q", *lensState)
	}

	queue := telemetry.NewQueue(cfg.GetTelemetryQueue())
	o, err := pursuit.New(cfg, pursuit.Deps{
		Registry:     registry,
		Clock:        clock,
		LensStore:    store,
		Telemetry:    queue,
		ConfigPath:   *configPath,
		ProducerArgs: producerArgs,
		RealTime:     *realTime,
	})
	if err != nil {
		return err
	}

	var runID string
	var recorderStore telemetry.Store
	if database != nil {
		tr, err := database.CreateTelemetryRun(cfg.ID, cfg.GetMode(), clock.Now())
		if err != nil {
			log.Printf("Failed to create telemetry run, samples will not be recorded: %v", err)
		} else {
			runID = tr.RunID
			recorderStore = database
			log.Printf("Recording telemetry as run %s", runID)
		}
	}

	recorder := telemetry.NewRecorder(queue, recorderStore, runID)
	recorder.Clock = clock
	if *plotDir != "" {
		recorder.Plotter = telemetry.NewPlotter(cfg.ID)
		if err := recorder.Plotter.Start(*plotDir); err != nil {
			log.Printf("Plotting disabled: %v", err)
			recorder.Plotter = nil
		}
	}

	var wg sync.WaitGroup
	recCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := recorder.Run(recCtx); err != nil {
			log.Printf("Telemetry recorder finished with error: %v", err)
		}
	}()

	var server *http.Server
	if *debugListen != "" {
		mux := http.NewServeMux()
		o.AttachAdminRoutes(mux)
		if database != nil {
			database.AttachAdminRoutes(mux)
		}
		server = &http.Server{Addr: *debugListen, Handler: mux}
		go func() {
			log.Printf("Debug server listening on %s", *debugListen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Debug server failed: %v", err)
			}
		}()
	}

	runErr := o.Run(ctx)

	// The loop has stopped pushing; let the recorder flush what is queued.
	stopRecorder()
	wg.Wait()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Debug server shutdown error: %v", err)
		}
		cancel()
	}

	st := o.Stats()
	if database != nil && runID != "" {
		if err := database.FinishTelemetryRun(runID, clock.Now(), int64(st.Iterations), st.ControlHz, st.TelemetryDropped); err != nil {
			log.Printf("Failed to finish telemetry run %s: %v", runID, err)
		}
	}
	if recorder.Plotter != nil {
		if err := recorder.Plotter.GeneratePlots(); err != nil {
			log.Printf("Failed to generate plots: %v", err)
		} else {
			log.Printf("Plots written to %s", *plotDir)
		}
	}

	if runErr != nil {
		return fmt.Errorf("shutdown completed with errors: %w", runErr)
	}
	return nil
}
