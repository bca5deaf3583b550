package services

import (
	"context"
	"errors"
	"log"
	"time"

	"coinledger/internal/metrics"
	"coinledger/internal/models"
)

type SweepConfig struct {
	PendingTimeout  time.Duration
	AcceptedTimeout time.Duration
	MaxDuration     time.Duration
	BatchSize       int
}

// Sweeper resolves sessions nobody will finish and releases holds a failed
// release left behind, so holds never leak. Each session
// is re-checked under its row lock, which makes a sweep safe to run alongside
// user actions and to retry.
type Sweeper struct {
	sessions SessionStore
	ctrl     *SessionController
	holds    *HoldManager
	cfg      SweepConfig
	now      func() time.Time
}

func NewSweeper(sessions SessionStore, ctrl *SessionController, holds *HoldManager, cfg SweepConfig) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{sessions: sessions, ctrl: ctrl, holds: holds, cfg: cfg, now: time.Now}
}

type SweepReport struct {
	Expired   int `json:"expired"`
	Cancelled int `json:"cancelled"`
	Ended     int `json:"ended"`
	Released  int `json:"released"`
	Failed    int `json:"failed"`
}

// ExpirePending marks unanswered requests missed.
func (s *Sweeper) ExpirePending(ctx context.Context) (int, int, error) {
	return s.sweep(ctx, "expire_pending", models.SessionPending, s.cfg.PendingTimeout, func(id string) (bool, error) {
		return s.ctrl.abandon(ctx, id, models.SessionPending, models.SessionMissed, "request_timeout")
	})
}

// CancelStaleAccepted cancels accepted sessions that never connected.
func (s *Sweeper) CancelStaleAccepted(ctx context.Context) (int, int, error) {
	return s.sweep(ctx, "cancel_accepted", models.SessionAccepted, s.cfg.AcceptedTimeout, func(id string) (bool, error) {
		return s.ctrl.abandon(ctx, id, models.SessionAccepted, models.SessionCancelled, "start_timeout")
	})
}

// EndOverlong force-ends active sessions through the normal settlement path.
func (s *Sweeper) EndOverlong(ctx context.Context) (int, int, error) {
	return s.sweep(ctx, "end_overlong", models.SessionActive, s.cfg.MaxDuration, func(id string) (bool, error) {
		result, err := s.ctrl.ForceEnd(ctx, id, "max_duration_exceeded")
		if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrNotActive) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return !result.Replayed, nil
	})
}

// ReleaseOrphaned frees holds left active behind a closed session.
func (s *Sweeper) ReleaseOrphaned(ctx context.Context) (int, error) {
	ids, err := s.holds.Orphaned(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	var released int
	for _, id := range ids {
		if ctx.Err() != nil {
			return released, ctx.Err()
		}
		if s.holds.ReleaseHoldBestEffort(ctx, id) {
			released++
			metrics.SweepCleaned.WithLabelValues("release_orphaned").Inc()
		}
	}
	return released, nil
}

// Run performs every sweep. One failing sweep does not stop the others.
func (s *Sweeper) Run(ctx context.Context) SweepReport {
	var report SweepReport
	var failed int
	var err error
	report.Expired, failed, err = s.ExpirePending(ctx)
	report.Failed += failed
	if err != nil {
		log.Printf("sweep expire pending: %v", err)
	}
	report.Cancelled, failed, err = s.CancelStaleAccepted(ctx)
	report.Failed += failed
	if err != nil {
		log.Printf("sweep cancel accepted: %v", err)
	}
	report.Ended, failed, err = s.EndOverlong(ctx)
	report.Failed += failed
	if err != nil {
		log.Printf("sweep end overlong: %v", err)
	}
	report.Released, err = s.ReleaseOrphaned(ctx)
	if err != nil {
		log.Printf("sweep release orphaned holds: %v", err)
	}
	return report
}

// sweep returns (cleaned, failed). An error means the candidate list itself
// could not be read.
func (s *Sweeper) sweep(ctx context.Context, name string, status models.SessionStatus, timeout time.Duration, clean func(id string) (bool, error)) (int, int, error) {
	cutoff := s.now().UTC().Add(-timeout)
	ids, err := s.sessions.ListStale(ctx, status, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, 0, err
	}
	var cleaned, failed int
	for _, id := range ids {
		if ctx.Err() != nil {
			return cleaned, failed, ctx.Err()
		}
		ok, err := clean(id)
		if err != nil {
			failed++
			metrics.SweepFailures.WithLabelValues(name).Inc()
			log.Printf("sweep %s session %s: %v", name, id, err)
			continue
		}
		if ok {
			cleaned++
			metrics.SweepCleaned.WithLabelValues(name).Inc()
		}
	}
	return cleaned, failed, nil
}
