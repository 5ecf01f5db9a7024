package services

import (
	"context"
	"sync"
	"time"

	"triggerflow/internal/models"

	"github.com/sirupsen/logrus"
)

// SweepResult 一次扫描的统计
type SweepResult struct {
	StaleFailed int64 `json:"stale_failed"`
	Due         int   `json:"due"`
	Claimed     int   `json:"claimed"`
	Sent        int   `json:"sent"`
	Failed      int   `json:"failed"`
}

type SweeperOptions struct {
	Interval          time.Duration
	BatchSize         int
	StaleClaimTimeout time.Duration
}

// DispatchSweeper periodically dispatches pending entries whose scheduled time has passed.
type DispatchSweeper struct {
	queue    DispatchQueue
	executor *DispatchExecutor
	opts     SweeperOptions
	logger   *logrus.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatchSweeper(queue DispatchQueue, executor *DispatchExecutor, opts SweeperOptions, logger *logrus.Logger) *DispatchSweeper {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	return &DispatchSweeper{
		queue:    queue,
		executor: executor,
		opts:     opts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *DispatchSweeper) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SweepOnce fails stale claims, then dispatches one batch of due entries.
func (s *DispatchSweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()

	if s.opts.StaleClaimTimeout > 0 {
		n, err := s.queue.FailStale(ctx, now.Add(-s.opts.StaleClaimTimeout), now)
		if err != nil {
			return res, err
		}
		res.StaleFailed = n
		if n > 0 {
			s.logger.Warnf("automation: failed %d stale dispatch claims", n)
		}
	}

	ids, err := s.queue.Due(ctx, now, s.opts.BatchSize)
	if err != nil {
		return res, err
	}
	res.Due = len(ids)
	if len(ids) == 0 {
		return res, nil
	}

	results, err := s.executor.DispatchAll(ctx, ids)
	for _, r := range results {
		if !r.Claimed {
			continue
		}
		res.Claimed++
		switch r.Status {
		case models.DispatchSent:
			res.Sent++
		case models.DispatchFailed:
			res.Failed++
		}
	}
	return res, err
}

// Start 启动后台扫描，重复调用无效
func (s *DispatchSweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		s.runOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}(s.done)
	s.logger.Infof("automation: dispatch sweeper started (interval %s)", s.opts.Interval)
}

func (s *DispatchSweeper) runOnce(ctx context.Context) {
	res, err := s.SweepOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Errorf("automation: sweep failed: %v", err)
		}
		return
	}
	if res.Due > 0 || res.StaleFailed > 0 {
		s.logger.WithFields(logrus.Fields{
			"due":          res.Due,
			"claimed":      res.Claimed,
			"sent":         res.Sent,
			"failed":       res.Failed,
			"stale_failed": res.StaleFailed,
		}).Info("automation: sweep finished")
	}
}

// Stop cancels the loop and waits for the in-flight sweep to return.
func (s *DispatchSweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
