// Package scheduler runs the distribution fetch for every configured
// taxpayer and document type on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dfeingest/internal/config"
	"dfeingest/internal/dfe"
	"dfeingest/internal/model"
)

// Fetcher is the part of dfe.Fetcher the scheduler drives.
type Fetcher interface {
	Fetch(ctx context.Context, taxpayerID string, docType model.DocumentType) (*dfe.FetchResult, error)
}

// Target is one (taxpayer, document type) pair.
type Target struct {
	TaxpayerID   string
	DocumentType model.DocumentType
}

// RunSummary aggregates one pass over all targets.
type RunSummary struct {
	Targets     int
	Succeeded   int
	RateLimited int
	Failed      int
	Documents   int
}

type Scheduler struct {
	fetcher     Fetcher
	targets     []Target
	interval    time.Duration
	concurrency int
	log         *zap.Logger

	mu      sync.Mutex
	running bool
}

// New expands the configured taxpayers and document types into targets.
// Unknown document type names are logged and skipped.
func New(cfg config.SchedulerConfig, fetcher Fetcher, log *zap.Logger) *Scheduler {
	log = log.With(zap.String("component", "scheduler"))
	var types []model.DocumentType
	for _, name := range cfg.DocumentTypes {
		dt, err := model.ParseDocumentType(name)
		if err != nil {
			log.Warn("scheduler_unknown_document_type", zap.String("document_type", name))
			continue
		}
		types = append(types, dt)
	}
	var targets []Target
	for _, tp := range cfg.Taxpayers {
		for _, dt := range types {
			targets = append(targets, Target{TaxpayerID: tp, DocumentType: dt})
		}
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		fetcher:     fetcher,
		targets:     targets,
		interval:    cfg.Interval,
		concurrency: concurrency,
		log:         log,
	}
}

func (s *Scheduler) Targets() []Target { return s.targets }

// Run performs a pass immediately and then once per interval until ctx is
// done. A pass still in flight when the ticker fires is not overlapped.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 || len(s.targets) == 0 {
		s.log.Info("scheduler_disabled", zap.Int("targets", len(s.targets)), zap.Duration("interval", s.interval))
		return
	}
	s.log.Info("scheduler_started",
		zap.Int("targets", len(s.targets)),
		zap.Duration("interval", s.interval),
		zap.Int("concurrency", s.concurrency),
	)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			s.log.Info("scheduler_stopped")
			return
		}
	}
}

// RunOnce fetches every target with bounded concurrency. A failing target
// never stops the others; rate-limited targets are counted separately.
func (s *Scheduler) RunOnce(ctx context.Context) RunSummary {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("scheduler_pass_skipped", zap.String("reason", "previous pass still running"))
		return RunSummary{}
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	start := time.Now()
	var (
		mu  sync.Mutex
		sum = RunSummary{Targets: len(s.targets)}
	)
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, t := range s.targets {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res, err := s.fetcher.Fetch(ctx, t.TaxpayerID, t.DocumentType)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, dfe.ErrRateLimited):
				sum.RateLimited++
			case err != nil:
				sum.Failed++
			default:
				sum.Succeeded++
			}
			if res != nil {
				sum.Documents += res.Documents
			}
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info("scheduler_pass_completed",
		zap.Int("targets", sum.Targets),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("rate_limited", sum.RateLimited),
		zap.Int("failed", sum.Failed),
		zap.Int("documents", sum.Documents),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return sum
}
