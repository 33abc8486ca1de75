package blobkv

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/blobkv/internal/clock"
	"pkt.systems/blobkv/internal/kv"
	"pkt.systems/blobkv/internal/loggingutil"
)

// SweeperOptions configures a Sweeper.
type SweeperOptions struct {
	// Namespaces to sweep each pass. Empty sweeps the store's default
	// namespace.
	Namespaces []string
	Interval   time.Duration
	Logger     pslog.Logger
	Clock      clock.Clock
}

// Sweeper periodically removes expired entries.
type Sweeper struct {
	store      *kv.Store
	namespaces []string
	interval   time.Duration
	logger     pslog.Logger
	clock      clock.Clock

	mu   sync.Mutex
	last kv.SweepStats
	runs int
}

// NewSweeper returns a sweeper for store. A non-positive interval falls back
// to DefaultSweepInterval.
func NewSweeper(store *kv.Store, opts SweeperOptions) *Sweeper {
	namespaces := opts.Namespaces
	if len(namespaces) == 0 {
		namespaces = []string{""}
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:      store,
		namespaces: namespaces,
		interval:   interval,
		logger:     loggingutil.WithSubsystem(opts.Logger, "kv.sweeper"),
		clock:      clock.Or(opts.Clock),
	}
}

// Run sweeps immediately and then once per interval until ctx is done. A
// failed pass is logged and the loop continues.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("kv.sweeper.start", "interval", s.interval, "namespaces", s.namespaces)
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("kv.sweeper.iteration_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("kv.sweeper.stop")
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-s.clock.After(s.interval):
		}
	}
}

// RunOnce sweeps every configured namespace and returns the combined stats.
// It stops at the first namespace that fails.
func (s *Sweeper) RunOnce(ctx context.Context) (kv.SweepStats, error) {
	begin := s.clock.Now()
	var total kv.SweepStats
	for _, ns := range s.namespaces {
		stats, err := s.store.RemoveExpired(ctx, ns)
		total.Scanned += stats.Scanned
		total.Expired += stats.Expired
		total.Deleted += stats.Deleted
		total.Skipped += stats.Skipped
		if err != nil {
			s.record(total)
			return total, err
		}
	}
	s.record(total)
	s.logger.Info("kv.sweeper.pass",
		"scanned", total.Scanned,
		"deleted", total.Deleted,
		"skipped", total.Skipped,
		"elapsed", s.clock.Now().Sub(begin),
	)
	return total, nil
}

func (s *Sweeper) record(stats kv.SweepStats) {
	s.mu.Lock()
	s.last = stats
	s.runs++
	s.mu.Unlock()
}

// Last returns the stats of the most recent pass and how many passes ran.
func (s *Sweeper) Last() (kv.SweepStats, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.runs
}
