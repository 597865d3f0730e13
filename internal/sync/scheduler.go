package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nhle/mail-triage/internal/model"
	"github.com/nhle/mail-triage/internal/store"
	"github.com/nhle/mail-triage/internal/triage"
)

// Scheduler runs periodic sync-then-classify passes over every configured
// account. Passes never overlap: a tick that fires while the previous pass
// is still running is skipped.
type Scheduler struct {
	syncer       *Syncer
	orchestrator *triage.Orchestrator
	store        store.Store
	cfg          model.TriageConfig
	interval     time.Duration
	log          *zap.Logger

	cron    *cron.Cron
	entryID cron.EntryID

	mu      sync.Mutex
	running bool
	inPass  bool
}

// NewScheduler creates a scheduler that runs a pass every
// sync.interval_minutes.
func NewScheduler(sy *Syncer, orch *triage.Orchestrator, st store.Store, triageCfg model.TriageConfig, syncCfg model.SyncConfig, log *zap.Logger) *Scheduler {
	minutes := syncCfg.IntervalMinutes
	if minutes <= 0 {
		minutes = 5
	}
	return &Scheduler{
		syncer:       sy,
		orchestrator: orch,
		store:        st,
		cfg:          triageCfg,
		interval:     time.Duration(minutes) * time.Minute,
		log:          log,
		cron:         cron.New(),
	}
}

// Start begins the periodic passes. Calling Start on a running scheduler
// is an error.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}

	// cron keeps entries across Stop; drop the old one so a restart
	// does not double-schedule the pass.
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}

	spec := fmt.Sprintf("@every %s", s.interval)
	id, err := s.cron.AddFunc(spec, func() { s.tick(ctx) })
	if err != nil {
		return fmt.Errorf("scheduling sync pass: %w", err)
	}
	s.entryID = id
	s.cron.Start()
	s.running = true

	s.log.Info("scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop halts the periodic passes and waits for an in-flight pass to
// finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// NextRun returns when the next pass is due, or the zero time when the
// scheduler is stopped.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// tick runs one pass unless the previous one is still in flight.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	if s.inPass {
		s.mu.Unlock()
		s.log.Warn("previous sync pass still running, skipping tick")
		return
	}
	s.inPass = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inPass = false
		s.mu.Unlock()
	}()

	if err := s.RunOnce(ctx); err != nil {
		s.log.Error("sync pass failed", zap.Error(err))
	}
}

// RunOnce executes a single full pass: sync every account, classify the
// newly synced mail, then sweep dismissed emails whose reclassification
// cooldown has elapsed. Per-account failures are logged and do not stop
// the pass.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}

	for _, account := range accounts {
		newIDs, err := s.syncer.SyncAccount(ctx, account)
		if err != nil {
			s.log.Error("account sync failed",
				zap.String("account_id", account.ID), zap.Error(err))
			continue
		}
		if !s.cfg.AutoClassify || len(newIDs) == 0 {
			continue
		}

		result, err := s.orchestrator.ClassifyAndTriage(ctx, newIDs, s.cfg.ConfidenceThreshold)
		if err != nil {
			s.log.Error("classification pass failed",
				zap.String("account_id", account.ID), zap.Error(err))
			continue
		}
		s.log.Info("classification pass complete",
			zap.String("account_id", account.ID),
			zap.Int("classified", result.Classified),
			zap.Int("triaged", result.Triaged),
			zap.Int("skipped", result.Skipped),
			zap.Int("errors", len(result.Errors)))
	}

	if s.cfg.AutoClassify {
		s.reclassifyCooledDown(ctx)
	}

	return ctx.Err()
}

// reclassifyCooledDown retries dismissed emails whose cooldown has
// elapsed. Ineligible emails are silently skipped; the window may close
// between the eligibility query and the per-email check.
func (s *Scheduler) reclassifyCooledDown(ctx context.Context) {
	ids, err := s.store.ListReclassifiable(ctx, s.cfg.ReclassifyCooldownDays)
	if err != nil {
		s.log.Error("listing reclassifiable emails failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		diff, err := s.orchestrator.Reclassify(ctx, id)
		if errors.Is(err, triage.ErrNotEligible) {
			continue
		}
		if err != nil {
			s.log.Warn("reclassification failed",
				zap.String("email_id", id), zap.Error(err))
			continue
		}
		s.log.Info("dismissed email reclassified",
			zap.String("email_id", id),
			zap.String("previous_folder", diff.PreviousFolder),
			zap.String("new_folder", diff.NewFolder))
	}
}
