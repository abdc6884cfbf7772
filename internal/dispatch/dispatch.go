package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signalq/internal/limiter"
	"signalq/internal/metrics"
	"signalq/internal/model"
	"signalq/internal/store"
)

// ErrCorrupt reports a broken store invariant, e.g. a claim handing out a
// mention some other caller owns. It is fatal: the loop aborts rather than
// silently tolerating it.
var ErrCorrupt = errors.New("queue invariant violation")

// Executor performs the external action for a claimed mention and reports
// the outcome. When the response carried rate-limit headers they come back
// in RateInfo for reconciliation.
type Executor interface {
	Reply(ctx context.Context, m model.Mention) (model.RateInfo, error)
}

// Dispatcher composes the rate limiter, the mention queue, and the
// executor. It holds no persistent state of its own: each cycle reads
// remaining capacity, claims an admissible batch, and routes outcomes back
// into the stores.
type Dispatcher struct {
	DB       *store.DB
	Limiter  *limiter.Limiter
	Exec     Executor
	Endpoint string
	CallerID string
	// Priority tier this worker admits at; tier 0 bypasses fair share.
	Priority   int
	BatchSize  int
	MaxRetries int
	ClaimTTL   time.Duration
	Clock      func() time.Time
	Log        *zap.SugaredLogger
}

func (d *Dispatcher) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now().UTC()
}

// RunOnce executes one dispatch cycle. It returns the backoff the rate
// limiter asked for, or zero when the cycle was not capacity-bound.
func (d *Dispatcher) RunOnce(ctx context.Context) (time.Duration, error) {
	now := d.now()
	swept, err := d.DB.SweepExpiredClaims(ctx, now.Add(-d.ClaimTTL), d.MaxRetries)
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		metrics.SweepReclaimed.Add(float64(swept))
		d.Log.Warnw("reclaimed expired claims", "count", swept)
	}

	remaining, err := d.Limiter.Remaining(ctx, d.Endpoint)
	if err != nil {
		return 0, err
	}
	n := d.BatchSize
	if remaining >= 0 && remaining < n {
		n = remaining
	}
	if n == 0 {
		dec, err := d.Limiter.TryAdmit(ctx, d.Endpoint, d.CallerID, d.Priority)
		if err != nil {
			return 0, err
		}
		return dec.RetryAfter, nil
	}

	items, err := d.DB.ClaimMentions(ctx, d.CallerID, n, -1, now)
	if err != nil {
		return 0, err
	}
	metrics.MentionsClaimed.Add(float64(len(items)))

	var backoff time.Duration
	for i, m := range items {
		if m.Status != model.StatusProcessing || m.ClaimedBy != d.CallerID {
			return 0, fmt.Errorf("%w: claim returned mention %d in state %s owned by %q", ErrCorrupt, m.ID, m.Status, m.ClaimedBy)
		}
		dec, err := d.Limiter.TryAdmit(ctx, d.Endpoint, d.CallerID, m.Priority)
		if err != nil {
			return 0, err
		}
		if !dec.Allowed {
			// a denial is not a failure: put this and the rest of the
			// batch back unchanged
			for _, rest := range items[i:] {
				if err := d.DB.ReleaseMention(ctx, rest.ID); err != nil {
					return 0, err
				}
			}
			d.Log.Infow("admission denied", "mention", m.ID, "reason", dec.Reason, "retry_after", dec.RetryAfter)
			backoff = dec.RetryAfter
			break
		}
		if err := d.execute(ctx, m); err != nil {
			return 0, err
		}
	}
	d.observeDepth(ctx)
	return backoff, nil
}

func (d *Dispatcher) execute(ctx context.Context, m model.Mention) error {
	ri, execErr := d.Exec.Reply(ctx, m)
	var reset *time.Time
	if ri.OK && !ri.ResetAt.IsZero() {
		t := ri.ResetAt.UTC()
		reset = &t
	}
	if execErr != nil {
		if err := d.Limiter.RecordUsage(ctx, d.Endpoint, d.CallerID, false, reset); err != nil {
			return err
		}
		if err := d.DB.FailMention(ctx, m.ID, execErr.Error(), d.MaxRetries, d.now()); err != nil {
			return err
		}
		terminal := m.RetryCount+1 >= d.MaxRetries
		metrics.MentionsFailed.WithLabelValues(fmt.Sprintf("%t", terminal)).Inc()
		d.Log.Warnw("reply failed", "mention", m.ID, "retry", m.RetryCount+1, "terminal", terminal, "error", execErr)
	} else {
		if err := d.Limiter.RecordUsage(ctx, d.Endpoint, d.CallerID, true, reset); err != nil {
			return err
		}
		if err := d.DB.CompleteMention(ctx, m.ID, d.now()); err != nil {
			return err
		}
		metrics.MentionsCompleted.Inc()
		d.Log.Infow("reply sent", "mention", m.ID, "author", m.Handle)
	}
	if ri.OK {
		if _, err := d.Limiter.Reconcile(ctx, d.Endpoint, ri.Limit, ri.Remaining, ri.ResetAt); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) observeDepth(ctx context.Context) {
	counts, err := d.DB.CountByStatus(ctx)
	if err != nil {
		return
	}
	for _, s := range []model.Status{model.StatusPending, model.StatusProcessing, model.StatusCompleted, model.StatusFailed} {
		metrics.QueueDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// Run dispatches on an interval until ctx is cancelled. When the limiter
// denies with a retry delay longer than the interval, the next cycle waits
// exactly that long instead of polling aggressively.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			d.Log.Infow("dispatch loop stop")
			return ctx.Err()
		case <-timer.C:
		}
		wait := interval
		backoff, err := d.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, ErrCorrupt) {
				return err
			}
			d.Log.Errorw("dispatch cycle error", "error", err)
		}
		if backoff > wait {
			wait = backoff
		}
		timer.Reset(wait)
	}
}
