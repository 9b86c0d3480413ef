package gameserver

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// IdleRooms drops in-memory rooms that have been quiet for too long.
type IdleRooms interface {
	EvictIdle(maxIdle time.Duration) []string
}

// Evictor periodically evicts idle rooms. Evicted rooms keep their log and
// are rebuilt on next use.
//
// Invariant: at most one sweep runs per interval.
type Evictor struct {
	rooms    IdleRooms
	interval time.Duration
	maxIdle  time.Duration
	logger   *zap.Logger
}

// NewEvictor returns an evictor that sweeps every interval.
//
// Precondition: interval and maxIdle must be > 0.
func NewEvictor(rooms IdleRooms, interval, maxIdle time.Duration, logger *zap.Logger) *Evictor {
	if interval <= 0 || maxIdle <= 0 {
		panic("gameserver.NewEvictor: interval and maxIdle must be > 0")
	}
	return &Evictor{rooms: rooms, interval: interval, maxIdle: maxIdle, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (e *Evictor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// Sweep evicts idle rooms once and returns their ids.
func (e *Evictor) Sweep() []string {
	start := time.Now()
	evicted := e.rooms.EvictIdle(e.maxIdle)
	e.logger.Debug("idle sweep",
		zap.Int("evicted", len(evicted)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return evicted
}
