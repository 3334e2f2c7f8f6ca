// lp-server runs the realtime update server: WebSocket hub, job-event
// bridge, queue metrics, and the optional NATS relay for multi-node
// deployments.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/arthurozassa/LP-TRACKER-sub003/internal/config"
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/bridge"
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/hub"
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/jobs"
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/relay"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (watched for changes)")
	demo := flag.Bool("demo", false, "emit a synthetic job lifecycle for user \"demo\" every 10s")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadAndValidate(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	h, err := hub.New(
		hub.WithLogger(logger),
		hub.WithAcceptOptions(&websocket.AcceptOptions{OriginPatterns: cfg.Server.AllowedOrigins}),
		hub.WithPingInterval(cfg.Hub.PingInterval),
		hub.WithWriteTimeout(cfg.Hub.WriteTimeout),
		hub.WithSendBuffer(cfg.Hub.SendBuffer),
	)
	if err != nil {
		logger.Error("create hub failed", "err", err)
		os.Exit(1)
	}

	var deliverer bridge.Deliverer = h
	var rly *relay.Relay
	if cfg.NATS.Enabled {
		rly, err = relay.New(cfg.NATS.URL, h,
			relay.WithLogger(logger),
			relay.WithSubjectPrefix(cfg.NATS.SubjectPrefix),
			relay.WithName("lp-server"),
		)
		if err != nil {
			logger.Error("connect relay failed", "url", cfg.NATS.URL, "err", err)
			os.Exit(1)
		}
		deliverer = rly
	}

	bus := jobs.NewBus(0, jobs.WithBusLogger(logger))

	br, err := bridge.New(deliverer,
		bridge.WithLogger(logger),
		bridge.WithBroadcastPolicy(cfg.Bridge.Broadcast),
		bridge.WithMetricsInterval(cfg.Bridge.MetricsInterval),
	)
	if err != nil {
		logger.Error("create bridge failed", "err", err)
		os.Exit(1)
	}
	if err := br.Start(bus.Subscribe(rootCtx)); err != nil {
		logger.Error("start bridge failed", "err", err)
		os.Exit(1)
	}

	if *demo {
		q := newDemoQueue()
		br.AddQueue(q)
		go runDemoJobs(rootCtx, bus, q, logger)
		logger.Info("demo job producer running", "queue", q.Name())
	}

	// Live-apply the reloadable settings whenever the config file changes.
	var watcher *config.Watcher
	if *configPath != "" {
		watcher, err = config.Watch(*configPath, logger, func(next *config.Config) {
			if err := br.SetBroadcastPolicy(next.Bridge.Broadcast); err != nil {
				logger.Warn("apply broadcast policy failed", "err", err)
			}
			if err := br.SetMetricsInterval(next.Bridge.MetricsInterval); err != nil {
				logger.Warn("apply metrics interval failed", "err", err)
			}
		})
		if err != nil {
			logger.Error("watch config failed", "err", err)
			os.Exit(1)
		}
	}

	r := chi.NewRouter()
	r.Get("/ws", h.UpgradeHandler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "OK")
	})
	r.Get("/statz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		snapshot := struct {
			Hub           hub.Stats `json:"hub"`
			BridgeDropped int64     `json:"bridgeDropped"`
		}{h.Stats(), br.Dropped()}
		if err := json.NewEncoder(w).Encode(snapshot); err != nil {
			logger.Warn("encode stats failed", "err", err)
		}
	})

	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr, "ws", "/ws")
		serverErrChan <- httpServer.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if watcher != nil {
		_ = watcher.Stop()
	}
	rootCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	br.Close()
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Error("hub shutdown", "err", err)
	}
	bus.Close()
	if rly != nil {
		if err := rly.Close(); err != nil {
			logger.Error("relay close", "err", err)
		}
	}
	logger.Info("shutdown complete")
}

// demoQueue fakes queue counts so the metrics broadcast has something
// to report when running without a real job system.
type demoQueue struct {
	start time.Time
}

func newDemoQueue() *demoQueue {
	return &demoQueue{start: time.Now()}
}

func (q *demoQueue) Name() string { return "demo" }

func (q *demoQueue) Counts(context.Context) (jobs.Counts, error) {
	completed := int(time.Since(q.start) / (10 * time.Second))
	return jobs.Counts{Active: 1, Waiting: 2, Completed: completed}, nil
}

// runDemoJobs emits one full job lifecycle every ten seconds. Connect a
// client authenticated as user "demo" to watch the messages arrive.
func runDemoJobs(ctx context.Context, bus *jobs.Bus, q *demoQueue, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ticker.C:
			n++
			job := jobs.Job{
				ID:    fmt.Sprintf("demo-%d", n),
				Name:  "sync-positions",
				Queue: q.Name(),
				Meta:  jobs.Meta{UserID: "demo"},
			}
			logger.Info("demo job running", "job", job.ID)
			bus.EmitStarted(job)
			for p := 25.0; p <= 75; p += 25 {
				bus.EmitProgress(job, p)
			}
			bus.EmitCompleted(job, 1200*time.Millisecond, json.RawMessage(`{"positions":3}`))
		case <-ctx.Done():
			return
		}
	}
}
