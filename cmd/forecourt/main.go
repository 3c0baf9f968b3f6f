package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/forecourt/internal/api"
	"github.com/banshee-data/forecourt/internal/config"
	"github.com/banshee-data/forecourt/internal/httputil"
	"github.com/banshee-data/forecourt/internal/journal"
	"github.com/banshee-data/forecourt/internal/lifecycle"
	"github.com/banshee-data/forecourt/internal/reconcile"
	"github.com/banshee-data/forecourt/internal/region"
	"github.com/banshee-data/forecourt/internal/remote"
	"github.com/banshee-data/forecourt/internal/version"
)

var (
	configFile  = flag.String("config", config.DefaultConfigPath, "Path to JSON configuration file")
	listen      = flag.String("listen", ":8080", "Listen address")
	journalPath = flag.String("journal", "", "Path to the SQLite event journal (disabled when empty)")
	replayPath  = flag.String("replay", "", "Replay JSON-lines frames from a file (\"-\" for stdin) instead of serving HTTP")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// shutdownTimeout bounds how long in-flight remote calls may take to settle.
const shutdownTimeout = 15 * time.Second

// engineConfig translates the file configuration into engine settings. A
// nil httpClient uses a real client with the configured request timeout.
func engineConfig(cfg *config.Config, httpClient httputil.HTTPClient, onEvent func(lifecycle.Event)) (reconcile.Config, error) {
	client := remote.NewClient(remote.Config{
		BaseURL:    cfg.GetBaseURL(),
		SiteID:     cfg.GetSiteID(),
		PumpNumber: cfg.GetPumpNumber(),
		Timeout:    cfg.GetRequestTimeout(),
		HTTPClient: httpClient,
	})

	ec := reconcile.Config{
		Store: lifecycle.StoreConfig{
			GracePeriod:       cfg.GetGracePeriod(),
			MaxPostAttempts:   cfg.GetMaxPostAttempts(),
			MaxPutAttempts:    cfg.GetMaxPutAttempts(),
			ExitOverrideAfter: cfg.GetExitOverrideAfter(),
			AuditCapacity:     cfg.GetAuditCapacity(),
			OnEvent:           onEvent,
		},
		Remote:         client,
		MaxInFlight:    cfg.GetMaxInFlight(),
		RetryInterval:  cfg.GetRetryInterval(),
		ReaperInterval: cfg.GetReaperInterval(),
		MaxDwell:       cfg.GetMaxDwell(),
		Retention:      cfg.GetRetention(),
	}

	if len(cfg.Region) > 0 {
		vertices := make([]region.Point, len(cfg.Region))
		for i, p := range cfg.Region {
			vertices[i] = region.Point{X: p.X, Y: p.Y}
		}
		poly, err := region.NewPolygon(vertices)
		if err != nil {
			return reconcile.Config{}, fmt.Errorf("region: %w", err)
		}
		ec.Inside = poly.Contains
	}
	return ec, nil
}

// replayFrames feeds one frame per line of r into the engine. Blank lines
// are skipped; a malformed line stops the replay.
func replayFrames(ctx context.Context, engine *reconcile.Engine, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	frames := 0
	line := 0
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return frames, ctx.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var frame api.FrameRequest
		if err := json.Unmarshal([]byte(text), &frame); err != nil {
			return frames, fmt.Errorf("line %d: %w", line, err)
		}
		if _, err := engine.ProcessFrame(frame.Detections); err != nil {
			return frames, fmt.Errorf("line %d: %w", line, err)
		}
		frames++
	}
	return frames, scanner.Err()
}

func openReplay(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" && *replayPath == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("forecourt %s site=%s pump=%s remote=%s", version.String(), cfg.GetSiteID(), cfg.GetPumpNumber(), cfg.GetBaseURL())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	var (
		jr       *journal.Journal
		recorder *journal.Recorder
		onEvent  func(lifecycle.Event)
	)
	if *journalPath != "" {
		jr, err = journal.Open(*journalPath)
		if err != nil {
			log.Fatalf("failed to open journal: %v", err)
		}
		defer jr.Close()
		recorder = journal.NewRecorder(jr, 1024)
		onEvent = recorder.Record
	}

	ec, err := engineConfig(cfg, nil, onEvent)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	engine := reconcile.New(ec)
	engine.Start(ctx)

	// The recorder outlives the engine so shutdown events are journalled.
	recCtx, recCancel := context.WithCancel(context.Background())
	var recWG sync.WaitGroup
	if recorder != nil {
		recWG.Add(1)
		go func() {
			defer recWG.Done()
			if err := recorder.Run(recCtx); err != nil {
				log.Printf("journal recorder stopped: %v", err)
			}
		}()
	}

	if *replayPath != "" {
		in, err := openReplay(*replayPath)
		if err != nil {
			log.Fatalf("failed to open replay input: %v", err)
		}
		n, err := replayFrames(ctx, engine, in)
		in.Close()
		if err != nil {
			log.Printf("replay stopped after %d frames: %v", n, err)
		} else {
			log.Printf("replayed %d frames", n)
		}
		idleCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		if err := engine.WaitIdle(idleCtx); err != nil {
			log.Printf("replay: outstanding writes at exit: %v", err)
		}
		cancel()
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(engine.Stats()); err != nil {
			log.Printf("failed to write stats: %v", err)
		}
	} else {
		// HTTP server goroutine
		wg.Add(1)
		go func() {
			defer wg.Done()

			apiServer := api.NewServer(engine, jr)
			mux := apiServer.ServeMux()
			apiServer.AttachAdminRoutes(mux)
			if jr != nil {
				if err := jr.AttachAdminRoutes(mux); err != nil {
					log.Fatalf("failed to attach journal admin routes: %v", err)
				}
			}

			server := &http.Server{
				Addr:    *listen,
				Handler: api.LoggingMiddleware(mux),
			}

			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("failed to start server: %v", err)
				}
			}()
			log.Printf("listening on %s", *listen)

			<-ctx.Done()
			log.Println("shutting down HTTP server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				if err := server.Close(); err != nil {
					log.Printf("HTTP server force close error: %v", err)
				}
			}

			log.Printf("HTTP server routine stopped")
		}()

		wg.Wait()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Printf("engine shutdown: %v", err)
	}
	cancel()

	recCancel()
	recWG.Wait()
	if recorder != nil {
		log.Printf("journal: %d events written, %d dropped", recorder.Written(), recorder.Dropped())
	}
	log.Printf("Graceful shutdown complete")
}
