// Package bootstrap checks the queue topology before consumers attach.
package bootstrap

import (
	"context"

	"github.com/SkynetNext/iot-gateway/internal/logger"
	"go.uber.org/zap"
)

// Queues is the queue client surface used at startup
type Queues interface {
	EnsureQueue(ctx context.Context, name string) bool
	DeclareQueue(ctx context.Context, name string) error
}

// Bootstrap checks every queue in order and returns the ones that are still
// missing. With declare set, missing queues are created first.
func Bootstrap(ctx context.Context, q Queues, queues []string, declare bool) []string {
	var missing []string
	for _, name := range queues {
		if q.EnsureQueue(ctx, name) {
			continue
		}
		if declare {
			if err := q.DeclareQueue(ctx, name); err != nil {
				logger.L.Error("failed to declare queue",
					zap.String("queue", name),
					zap.Error(err),
				)
			} else {
				logger.L.Info("declared missing queue", zap.String("queue", name))
				continue
			}
		}
		missing = append(missing, name)
	}

	if len(missing) > 0 {
		logger.L.Warn("queue topology incomplete", zap.Strings("missing", missing))
	} else {
		logger.L.Info("queue topology ready", zap.Int("queues", len(queues)))
	}
	return missing
}

// Required returns the names in need that appear in missing
func Required(missing, need []string) []string {
	set := make(map[string]struct{}, len(missing))
	for _, m := range missing {
		set[m] = struct{}{}
	}
	var out []string
	for _, n := range need {
		if _, ok := set[n]; ok {
			out = append(out, n)
		}
	}
	return out
}
