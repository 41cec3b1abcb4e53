// Copyright 2025 James Ross
package obs

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/media-convert-orchestrator/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartQueueLengthUpdater samples the Redis dispatch list and the per-slot
// processing lists and publishes their depth as the conversion_queue_depth
// gauge, labeled by list name.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pending, err := rdb.LLen(ctx, cfg.Queue.DispatchListKey).Result()
				if err != nil {
					log.Debug("queue length poll error", String("list", cfg.Queue.DispatchListKey), Err(err))
				} else {
					QueueDepth.WithLabelValues("pending").Set(float64(pending))
				}

				var processingTotal int64
				for i := 0; i < cfg.Queue.MaxConcurrentConversions; i++ {
					slot := fmt.Sprintf(cfg.Queue.ProcessingListPattern, fmt.Sprintf("slot-%d", i))
					n, err := rdb.LLen(ctx, slot).Result()
					if err != nil {
						continue
					}
					processingTotal += n
				}
				QueueDepth.WithLabelValues("processing").Set(float64(processingTotal))
			}
		}
	}()
}
