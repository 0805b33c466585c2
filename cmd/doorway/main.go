package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/doorway.report/internal/api"
	"github.com/banshee-data/doorway.report/internal/config"
	"github.com/banshee-data/doorway.report/internal/db"
	"github.com/banshee-data/doorway.report/internal/monitoring"
	"github.com/banshee-data/doorway.report/internal/pipeline"
	"github.com/banshee-data/doorway.report/internal/serialmux"
	"github.com/banshee-data/doorway.report/internal/version"
)

var (
	configPath   = flag.String("config", "", "Path to a JSON config file such as "+config.DefaultConfigPath+" (defaults are built in)")
	listen       = flag.String("listen", "", "Listen address (overrides config)")
	port         = flag.String("port", "", "Serial port to use (overrides config, ignored in dev mode)")
	dbPath       = flag.String("db", "", "SQLite event log path (overrides config)")
	devMode      = flag.Bool("dev", false, "Replay a recorded scan instead of opening the serial port")
	fixture      = flag.String("fixture", "", "Raw LD20 capture to replay in dev mode (defaults to a synthetic scan)")
	disableLidar = flag.Bool("disable-lidar", false, "Run the HTTP service without a sensor attached")
	debug        = flag.Bool("debug", false, "Log per-packet diagnostics")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

// devReplayInterval paces dev-mode replay at roughly the sensor's byte rate.
const devReplayInterval = 10 * time.Millisecond

func loadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			return nil, err
		}
	}
	cfg.ApplyOverrides(*listen, *port, *dbPath)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openSerial picks the byte source: a replayed capture, nothing at all, or
// the configured serial port.
func openSerial(cfg *config.Config) (serialmux.SerialMuxInterface, error) {
	switch {
	case *disableLidar:
		log.Print("lidar disabled, serving without a sensor")
		return serialmux.NewDisabledSerialMux(), nil

	case *devMode:
		data := serialmux.DemoScan()
		if *fixture != "" {
			var err error
			if data, err = os.ReadFile(*fixture); err != nil {
				return nil, fmt.Errorf("failed to read fixture: %w", err)
			}
			if len(data) == 0 {
				return nil, fmt.Errorf("fixture %s is empty", *fixture)
			}
		}
		log.Printf("dev mode: replaying %d bytes", len(data))
		return serialmux.NewMockSerialMux(data, serialmux.DefaultReplayChunk, devReplayInterval), nil

	default:
		opts, err := cfg.PortOptions().Normalise()
		if err != nil {
			return nil, err
		}
		mux, err := serialmux.NewRealSerialMux(cfg.GetSerialPort(), opts)
		if err != nil {
			return nil, err
		}
		log.Printf("opened %s at %s", cfg.GetSerialPort(), opts)
		return mux, nil
	}
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetDebug(*debug)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	log.Print(version.String())

	lidarSerial, err := openSerial(cfg)
	if err != nil {
		log.Fatalf("failed to create lidar port: %v", err)
	}
	defer lidarSerial.Close()

	metrics, err := monitoring.NewCollector(nil)
	if err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	if err := metrics.WatchSerialDrops(lidarSerial.Dropped); err != nil {
		log.Fatalf("failed to register serial metrics: %v", err)
	}

	eventDB, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer eventDB.Close()

	p, err := pipeline.New(pipeline.Options{
		Thresholds:      cfg.Thresholds(),
		HistoryCapacity: cfg.GetHistoryCapacity(),
		VerifyChecksum:  cfg.GetVerifyChecksum(),
		AutoCloseAfter:  cfg.GetAutoCloseAfter(),
		Metrics:         metrics,
	})
	if err != nil {
		log.Fatalf("failed to create pipeline: %v", err)
	}

	// Create a wait group for the HTTP server, serial monitor, pipeline and event log routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the decoder cannot recover from a hole in the byte stream, so it takes
	// a lossless subscription before any bytes flow; only the debug tail may
	// drop chunks
	pipelineSub, chunks := lidarSerial.SubscribeLossless()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := lidarSerial.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
		// without a byte source there is nothing left to serve
		stop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer lidarSerial.Unsubscribe(pipelineSub)
		if err := p.Run(ctx, chunks); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("pipeline stopped: %v", err)
		}
		log.Print("pipeline routine terminated")
	}()

	// the event channel closes when the pipeline exits
	wg.Add(1)
	go func() {
		defer wg.Done()
		n := eventDB.RecordEvents(p.Events())
		log.Printf("event log routine terminated after %d events", n)
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		apiServer := api.NewServer(p, api.Options{
			Events:      eventDB,
			Metrics:     metrics.Handler(),
			CORSOrigins: cfg.GetCORSOrigins(),
		})
		mux := apiServer.ServeMux()

		lidarSerial.AttachAdminRoutes(mux)
		apiServer.AttachAdminRoutes(mux)
		if err := eventDB.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach db admin routes: %v", err)
		}

		server := &http.Server{
			Addr:    cfg.GetListen(),
			Handler: apiServer.Handler(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
