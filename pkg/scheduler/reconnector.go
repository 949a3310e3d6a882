package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/microbotd/microbotd/pkg/hub"
	"github.com/microbotd/microbotd/pkg/logger"
	"github.com/microbotd/microbotd/pkg/metrics"
	"github.com/microbotd/microbotd/pkg/transport"
)

// ReconnectDelay is the minimum spacing between reconnect attempts for any
// one microbot, whether the prior attempt succeeded or timed out.
const ReconnectDelay = 60 * time.Second

// ReconnectTick is how often the reconnector sweeps the registry.
const ReconnectTick = 5 * time.Second

// Reconnector is the scheduler's sibling task: it reconnects every paired
// but disconnected microbot the Hub currently knows about.
type Reconnector struct {
	hub *hub.Hub
	log *logger.Logger

	mu   sync.Mutex
	next map[transport.UID]time.Time
}

// NewReconnector constructs a Reconnector over h's registry.
func NewReconnector(h *hub.Hub, log *logger.Logger) *Reconnector {
	if log == nil {
		log = logger.Global()
	}
	return &Reconnector{hub: h, log: log, next: make(map[transport.UID]time.Time)}
}

// Run sweeps the registry every ReconnectTick until ctx is done.
func (r *Reconnector) Run(ctx context.Context) error {
	ticker := time.NewTicker(ReconnectTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reconnector) sweep(ctx context.Context) {
	now := time.Now()
	for _, dev := range r.hub.Registry().List() {
		if !dev.IsPaired() || dev.IsConnected() {
			continue
		}

		r.mu.Lock()
		due := r.next[dev.UID()]
		r.mu.Unlock()
		if now.Before(due) {
			continue
		}

		dctx, cancel := context.WithTimeout(ctx, 20*time.Second)
		err := dev.Connect(dctx)
		cancel()

		r.mu.Lock()
		r.next[dev.UID()] = time.Now().Add(ReconnectDelay)
		r.mu.Unlock()

		if err != nil {
			metrics.IncReconnectAttempt(metrics.OutcomeFailed)
			r.log.Debug("reconnect attempt failed", "uid", dev.UID(), "err", err)
		} else {
			metrics.IncReconnectAttempt(metrics.OutcomeSuccess)
			r.log.Info("reconnected microbot", "uid", dev.UID())
		}
	}
}
