// lp-client is a terminal subscriber for poking at a running lp-server:
// it connects, authenticates, subscribes to one topic, and prints every
// message the server pushes. Reconnection stats are printed on exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/client"
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/wire"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "server WebSocket URL")
	token := flag.String("token", "", "auth token")
	user := flag.String("user", "", "user id to authenticate as")
	wallet := flag.String("wallet", "", "wallet address filter")
	topic := flag.String("topic", wire.TopicPositions, "topic to subscribe to")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	opts := []client.Option{client.WithLogger(logger)}
	if *token != "" || *user != "" || *wallet != "" {
		opts = append(opts, client.WithCredentials(*token, *user, *wallet))
	}

	cli, err := client.New(*url, opts...)
	if err != nil {
		logger.Error("create client failed", "err", err)
		os.Exit(1)
	}
	defer cli.Close()

	registerListeners(cli, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = cli.Connect(ctx)
	cancel()
	if err != nil {
		logger.Error("connect failed", "url", *url, "err", err)
		os.Exit(1)
	}
	logger.Info("connected", "connection_id", cli.ConnectionID())

	sub := wire.Subscription{Topic: *topic}
	if *wallet != "" {
		sub.Filters = map[string][]string{"walletAddress": {*wallet}}
	}
	unsubscribe, err := cli.Subscribe(sub)
	if err != nil {
		logger.Error("subscribe failed", "topic", *topic, "err", err)
		os.Exit(1)
	}
	defer unsubscribe()
	logger.Info("subscribed", "topic", *topic, "wallet", *wallet)

	// Surface connection health while idle.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			state := cli.State()
			logger.Info("connection state",
				"connected", state.IsConnected,
				"reconnecting", state.IsReconnecting,
				"avg_latency", cli.AverageLatency(),
			)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	stats := cli.ReconnectStats()
	fmt.Println()
	logger.Info("session summary",
		"reconnect_attempts", stats.TotalAttempts,
		"reconnect_successes", stats.Successes,
		"total_downtime", stats.TotalDowntime,
		"avg_latency", cli.AverageLatency(),
		"latency_samples", cli.LatencySamples(),
	)
}

func registerListeners(cli *client.Client, logger *slog.Logger) {
	cli.AddListener(wire.TypeConnectionEstablished, func(msg *wire.Message) {
		var est wire.ConnectionEstablished
		if err := msg.DecodeData(&est); err != nil {
			return
		}
		logger.Info("connection established", "connection_id", est.ConnectionID, "server_time", est.ServerTime)
	})
	cli.AddListener(wire.TypeJobStarted, func(msg *wire.Message) {
		var p wire.JobStarted
		if err := msg.DecodeData(&p); err != nil {
			return
		}
		logger.Info("job started", "job", p.JobID, "name", p.JobName, "queue", p.Queue)
	})
	cli.AddListener(wire.TypeJobProgress, func(msg *wire.Message) {
		var p wire.JobProgress
		if err := msg.DecodeData(&p); err != nil {
			return
		}
		logger.Info("job progress", "job", p.JobID, "pct", p.Progress)
	})
	cli.AddListener(wire.TypeJobCompleted, func(msg *wire.Message) {
		var p wire.JobCompleted
		if err := msg.DecodeData(&p); err != nil {
			return
		}
		logger.Info("job completed", "job", p.JobID, "duration_ms", p.DurationMS, "result", string(p.Result))
	})
	cli.AddListener(wire.TypeJobFailed, func(msg *wire.Message) {
		var p wire.JobFailed
		if err := msg.DecodeData(&p); err != nil {
			return
		}
		logger.Warn("job failed", "job", p.JobID, "duration_ms", p.DurationMS, "error", p.Error)
	})
	cli.AddListener(wire.TypeQueueMetrics, func(msg *wire.Message) {
		var m wire.QueueMetrics
		if err := msg.DecodeData(&m); err != nil {
			return
		}
		for _, q := range m.Queues {
			logger.Info("queue metrics",
				"queue", q.Name, "active", q.Active, "waiting", q.Waiting,
				"completed", q.Completed, "failed", q.Failed)
		}
	})
	cli.AddListener(wire.TypeNotification, func(msg *wire.Message) {
		var n wire.Notification
		if err := msg.DecodeData(&n); err != nil {
			return
		}
		logger.Info("notification", "level", n.Level, "title", n.Title, "body", n.Body)
	})
}
