package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"courier/connector"
	"courier/internal/config"
	"courier/internal/logging"
	"courier/internal/telemetry"
)

func main() {
	logging.InitFromEnv()

	cfgPath := os.Getenv("COURIER_CONFIG")
	if cfgPath == "" {
		cfgPath = "courier.yml"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	var topics []config.TopicSpec
	if cfg.TopicsFile != "" {
		if topics, err = config.LoadTopics(cfg.TopicsFile); err != nil {
			log.Fatalf("topics: %v", err)
		}
	}

	telemetry.Expose(cfg.MetricsPort)

	provider, err := connector.NewProvider(ctx, cfg, topics, logging.L())
	if err != nil {
		log.Fatalf("provider: %v", err)
	}
	defer provider.Close()

	if len(topics) == 0 {
		<-ctx.Done()
		return
	}

	// tail the first declared topic until signalled
	cons, err := provider.Consumer(topics[0].Name, cfg.ClientID)
	if err != nil {
		log.Fatalf("consumer: %v", err)
	}
	for ctx.Err() == nil {
		recs, err := cons.Peek(ctx, time.Second)
		if err != nil {
			break
		}
		for _, r := range recs {
			logging.L().Info("record", "topic", r.Topic,
				"partition", r.Partition, "offset", r.Offset, "bytes", len(r.Value))
		}
		if len(recs) > 0 {
			if err := cons.Commit(ctx); err != nil {
				logging.L().Warn("commit failed", "error", err)
			}
		}
	}
}
