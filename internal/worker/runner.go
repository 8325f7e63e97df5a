package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"lead-validator/internal/archive"
	"lead-validator/internal/config"
	"lead-validator/internal/identifier"
	"lead-validator/internal/models"
	"lead-validator/internal/notify"
	"lead-validator/internal/registry"
	"lead-validator/internal/store"
	"lead-validator/internal/telemetry"
)

// Outcome reasons recorded in the audit log and the job's last_error.
const (
	outcomeOK         = "ok"
	reasonNoClaim     = "no_claim"
	reasonRateLimited = "rate_limited"
	reasonLookupError = "lookup_error"
	reasonNotFound    = "lookup_not_found"
	reasonMismatch    = "mismatch"
	reasonTimeout     = "timeout_exceeded"
	reasonMemberRead  = "member_read_error"
)

// Store is the slice of the Job Store the runner depends on.
type Store interface {
	RequeueStale(ctx context.Context, ttl time.Duration) (int64, error)
	FailExhausted(ctx context.Context, maxAttempts int) (int64, error)
	ClaimNext(ctx context.Context, req store.ClaimRequest) (models.Job, bool, error)
	FinalizeOwned(ctx context.Context, req store.FinalizeRequest) (bool, error)
	GetMember(ctx context.Context, id int64) (models.Member, error)
	SetMemberValidation(ctx context.Context, id int64, status string, source *string) error
	AppendAudit(ctx context.Context, memberID int64, source, outcome string, detail map[string]any) error
	CancelSiblings(ctx context.Context, contactChannel string, exceptJobID int64) (int64, error)
	HasSucceededSibling(ctx context.Context, contactChannel string) (bool, error)
	PendingJobs(ctx context.Context) (int64, error)
}

// Notifier delivers terminal-outcome messages. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, member models.Member, outcome string) error
}

// Limiter bounds lookup calls against the public registry.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Deps wires the runner's collaborators. Notifier, Limiter and Archiver are
// optional; a nil value disables that concern.
type Deps struct {
	Store    Store
	Lookup   registry.Lookup
	Notifier Notifier
	Limiter  Limiter
	Archiver archive.Archiver
	Log      *logrus.Logger
}

// Runner drives the validation loop: claim a job, verify the member's
// registration claim against the registry, and finalize exactly one outcome.
type Runner struct {
	cfg      config.Config
	store    Store
	lookup   registry.Lookup
	notifier Notifier
	limiter  Limiter
	archiver archive.Archiver
	log      *logrus.Entry
	workerID string
}

// New constructs a runner with a worker ID used for log correlation.
func New(cfg config.Config, deps Deps, workerID string) *Runner {
	logger := deps.Log
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{
		cfg:      cfg,
		store:    deps.Store,
		lookup:   deps.Lookup,
		notifier: deps.Notifier,
		limiter:  deps.Limiter,
		archiver: deps.Archiver,
		log:      logger.WithField("worker_id", workerID),
		workerID: workerID,
	}
}

// Run polls until context cancellation. Store outages back off the whole
// poll cycle with jitter; per-job errors never escape the loop.
func (r *Runner) Run(ctx context.Context) error {
	storeFailures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := r.pollOnce(ctx)
		if err != nil {
			storeFailures++
			wait := backoffWithJitter(r.cfg.BackoffInitial, r.cfg.BackoffMax, storeFailures)
			r.log.WithError(err).WithField("backoff", wait.String()).Warn("store unavailable, backing off")
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		storeFailures = 0
		if !worked {
			if !sleepCtx(ctx, r.cfg.PollInterval) {
				return ctx.Err()
			}
		}
	}
}

// pollOnce runs one cycle: watchdog sweep, exhausted sweep, then at most one
// claim. Returns worked=false when no job was eligible.
func (r *Runner) pollOnce(ctx context.Context) (bool, error) {
	if n, err := r.store.RequeueStale(ctx, r.cfg.ValidationTTL); err != nil {
		return false, fmt.Errorf("requeue stale: %w", err)
	} else if n > 0 {
		telemetry.StaleRequeued.Add(float64(n))
		r.log.WithField("count", n).Warn("requeued stale jobs")
	}
	if n, err := r.store.FailExhausted(ctx, r.cfg.MaxAttempts); err != nil {
		return false, fmt.Errorf("fail exhausted: %w", err)
	} else if n > 0 {
		telemetry.JobsFailed.Add(float64(n))
		r.log.WithField("count", n).Warn("failed jobs with exhausted attempts")
	}
	if depth, err := r.store.PendingJobs(ctx); err == nil {
		telemetry.PendingGauge.Set(float64(depth))
	}

	job, claimed, err := r.store.ClaimNext(ctx, store.ClaimRequest{MaxAttempts: r.cfg.MaxAttempts})
	if err != nil {
		return false, fmt.Errorf("claim next: %w", err)
	}
	if !claimed {
		return false, nil
	}
	telemetry.JobsClaimed.Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	r.process(ctx, job)
	return true, nil
}

// decision is the outcome of one claim's validation.
type decision struct {
	ok        bool
	reason    string
	matched   bool
	expected  string
	extracted []string
	trail     []string
	elapsed   time.Duration
}

func (r *Runner) process(ctx context.Context, job models.Job) {
	log := r.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"member_id": job.MemberID,
		"attempt":   job.Attempts,
	})
	log.Info("job claimed")

	member, err := r.store.GetMember(ctx, job.MemberID)
	if err != nil {
		log.WithError(err).Error("member read failed")
		r.finish(ctx, log, job, member, decision{
			reason: reasonMemberRead,
			trail:  []string{fmt.Sprintf("member read: %v", err)},
		})
		return
	}
	d := r.validate(ctx, job, member)
	r.finish(ctx, log, job, member, d)
}

// validate performs steps 1-4 of the per-claim algorithm: short-circuit on an
// empty claim, rate-limit, look up, pool identifiers, match, and distrust any
// result that arrived after the TTL budget.
func (r *Runner) validate(ctx context.Context, job models.Job, member models.Member) decision {
	expected := strings.TrimSpace(member.ExpectedIdentifier)
	if expected == "" {
		// Never call the registry without a claim to verify.
		return decision{reason: reasonNoClaim, trail: []string{"expected identifier empty"}}
	}

	if r.limiter != nil {
		allowed, _, err := r.limiter.Allow(ctx, r.cfg.LookupRateKey)
		if err == nil && !allowed {
			return decision{expected: expected, reason: reasonRateLimited, trail: []string{"lookup budget exhausted"}}
		}
		// A broken limiter fails open; the registry call still has a TTL.
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.cfg.ValidationTTL)
	defer cancel()
	start := time.Now()
	res, err := r.lookup.Lookup(lookupCtx, job.DisplayName)
	elapsed := time.Since(start)
	telemetry.LookupDuration.Observe(elapsed.Seconds())

	d := decision{expected: expected, trail: res.Trail, elapsed: elapsed}
	switch {
	case err != nil:
		d.reason = reasonLookupError
		d.trail = append(d.trail, fmt.Sprintf("lookup error: %v", err))
	case !res.OK || len(res.Identifiers) == 0:
		d.reason = reasonNotFound
	default:
		d.extracted = identifier.SortedForms(identifier.PoolForms(res.Identifiers))
		d.matched = identifier.Matches(expected, res.Identifiers)
		if d.matched {
			d.ok = true
			d.reason = outcomeOK
		} else {
			d.reason = reasonMismatch
		}
	}

	if elapsed > r.cfg.ValidationTTL {
		// The watchdog may already have reclaimed this job, so a late
		// success cannot be trusted even when the match was positive.
		d.ok = false
		d.reason = reasonTimeout
	}
	return d
}

// finish performs steps 5-8: audit, finalize conditioned on ownership, member
// update, dedup coordination, and notification.
func (r *Runner) finish(ctx context.Context, log *logrus.Entry, job models.Job, member models.Member, d decision) {
	detail := map[string]any{
		"job_id":     job.ID,
		"attempt":    job.Attempts,
		"expected":   d.expected,
		"extracted":  d.extracted,
		"match":      d.matched,
		"elapsed_ms": d.elapsed.Milliseconds(),
		"trail":      d.trail,
	}
	if err := r.store.AppendAudit(ctx, job.MemberID, job.Source, d.reason, detail); err != nil {
		log.WithError(err).Warn("audit append failed")
	}
	r.archiveTrail(ctx, log, job, d)

	req := store.FinalizeRequest{JobID: job.ID}
	switch {
	case d.ok:
		req.Status = models.StatusSucceeded
	case job.Attempts < r.cfg.MaxAttempts:
		reason := d.reason
		req.Status = models.StatusPending
		req.LastError = &reason
	default:
		reason := d.reason
		req.Status = models.StatusFailed
		req.LastError = &reason
	}

	owned, err := r.store.FinalizeOwned(ctx, req)
	if err != nil {
		// Leave the row RUNNING; the watchdog will recover it. Treating the
		// job as done here could silently lose the outcome.
		log.WithError(err).Error("finalize failed, leaving job for the watchdog")
		return
	}
	if !owned {
		telemetry.JobsDiscarded.Inc()
		log.WithField("reason", d.reason).Info("job ownership lost, outcome discarded")
		return
	}

	switch req.Status {
	case models.StatusSucceeded:
		source := job.Source
		if err := r.store.SetMemberValidation(ctx, job.MemberID, models.ValidationApproved, &source); err != nil {
			log.WithError(err).Error("member approval update failed")
		}
		if n, err := r.store.CancelSiblings(ctx, job.ContactChannel, job.ID); err != nil {
			log.WithError(err).Warn("sibling cancellation failed")
		} else if n > 0 {
			telemetry.SiblingsCancelled.Add(float64(n))
			log.WithField("count", n).Info("cancelled sibling jobs")
		}
		telemetry.JobsSucceeded.Inc()
		log.Info("job succeeded")
		r.sendNotification(ctx, log, member, notify.OutcomeApproved)

	case models.StatusPending:
		if err := r.store.SetMemberValidation(ctx, job.MemberID, models.ValidationPending, nil); err != nil {
			log.WithError(err).Warn("member update failed")
		}
		telemetry.JobsRetried.Inc()
		log.WithField("reason", d.reason).Info("job requeued for retry")

	case models.StatusFailed:
		if err := r.store.SetMemberValidation(ctx, job.MemberID, models.ValidationPending, nil); err != nil {
			log.WithError(err).Warn("member update failed")
		}
		telemetry.JobsFailed.Inc()
		log.WithField("reason", d.reason).Warn("job failed")

		suppressed := false
		if job.ContactChannel != "" {
			if ok, err := r.store.HasSucceededSibling(ctx, job.ContactChannel); err != nil {
				log.WithError(err).Warn("sibling success check failed")
			} else if ok {
				suppressed = true
			}
		}
		if suppressed {
			telemetry.NotifySuppressed.Inc()
			log.Info("rejection notification suppressed by sibling success")
			return
		}
		r.sendNotification(ctx, log, member, notify.OutcomeRejected)
	}
}

func (r *Runner) sendNotification(ctx context.Context, log *logrus.Entry, member models.Member, outcome string) {
	if r.notifier == nil || member.ID == 0 {
		return
	}
	if err := r.notifier.Notify(ctx, member, outcome); err != nil {
		log.WithError(err).WithField("outcome", outcome).Warn("notification failed")
	}
}

func (r *Runner) archiveTrail(ctx context.Context, log *logrus.Entry, job models.Job, d decision) {
	if r.archiver == nil || len(d.trail) == 0 {
		return
	}
	key, err := r.archiver.Archive(ctx, archive.Trail{
		JobID:    job.ID,
		MemberID: job.MemberID,
		Outcome:  d.reason,
		Steps:    d.trail,
	})
	if err != nil {
		log.WithError(err).Warn("trail archive failed")
		return
	}
	log.WithField("key", key).Debug("trail archived")
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = time.Minute
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
