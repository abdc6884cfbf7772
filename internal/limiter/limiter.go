package limiter

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"signalq/internal/config"
	"signalq/internal/metrics"
	"signalq/internal/store"
)

// Window kinds, in increasing duration order.
const (
	KindShort  = "short"
	KindMedium = "medium"
	KindLong   = "long"
)

// Window is one capacity bucket for an endpoint.
type Window struct {
	Kind     string
	Capacity int
	Duration time.Duration
}

// Endpoint is the static limit configuration for one remote endpoint.
// Windows are kept sorted by duration ascending; Windows[0] is the
// shortest and is the one fair share is computed against.
type Endpoint struct {
	FairShare bool
	Windows   []Window
}

// Decision is the outcome of an admission check. RetryAfter is how long the
// caller must back off when denied; a denial is a normal outcome, not an
// error.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string
}

// WindowStore persists per-window usage counters.
type WindowStore interface {
	WindowUsage(ctx context.Context, endpoint, kind string, windowStart int64) (store.WindowUsage, error)
	IncrementWindow(ctx context.Context, endpoint, kind string, windowStart int64, callerID string, resetAt *time.Time) error
	SetWindowReset(ctx context.Context, endpoint, kind string, windowStart int64, resetAt time.Time) error
	ClearElapsedReset(ctx context.Context, endpoint, kind string, windowStart int64, now time.Time) error
}

// Limiter decides whether a caller may act now, given per-endpoint quotas
// over concurrent windows, per-worker fair share, and authoritative reset
// times reported by the remote service. Endpoints with no configuration are
// always admitted.
type Limiter struct {
	Store  WindowStore
	Limits map[string]Endpoint
	// Workers are the configured logical callers. Fair share counts the
	// larger of this set and the callers observed in the current window;
	// the observed count is a heuristic that misses idle callers and
	// forgets callers once their window expires.
	Workers []string
	Clock   func() time.Time
	// DriftTolerance is the reconcile discrepancy treated as noise.
	DriftTolerance int
	Log            *zap.SugaredLogger
}

// FromConfig converts YAML endpoint limits into the limiter's form.
func FromConfig(limits map[string]config.EndpointLimits) map[string]Endpoint {
	out := make(map[string]Endpoint, len(limits))
	for name, lc := range limits {
		ep := Endpoint{FairShare: lc.FairShare}
		for kind, w := range lc.Windows {
			ep.Windows = append(ep.Windows, Window{Kind: kind, Capacity: w.Capacity, Duration: w.Duration.Std()})
		}
		sort.Slice(ep.Windows, func(i, j int) bool { return ep.Windows[i].Duration < ep.Windows[j].Duration })
		out[name] = ep
	}
	return out
}

func (r *Limiter) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

// windowStart aligns now to the window grid anchored at the Unix epoch, so
// bucket boundaries are reproducible across restarts.
func windowStart(now time.Time, d time.Duration) int64 {
	sec := int64(d / time.Second)
	if sec <= 0 {
		sec = 1
	}
	return now.Unix() - now.Unix()%sec
}

// usage returns the effective usage for one window. Once an authoritative
// reset has elapsed the discard is persisted, not just applied to the read:
// leaving the stale reset on the row would zero every later increment too,
// unbounding the rest of the window.
func (r *Limiter) usage(ctx context.Context, endpoint string, w Window, now time.Time) (store.WindowUsage, int64, error) {
	ws := windowStart(now, w.Duration)
	u, err := r.Store.WindowUsage(ctx, endpoint, w.Kind, ws)
	if err != nil {
		return u, ws, err
	}
	if u.ResetAt != nil && !now.Before(*u.ResetAt) {
		if err := r.Store.ClearElapsedReset(ctx, endpoint, w.Kind, ws, now); err != nil {
			return u, ws, err
		}
		u.Used = 0
		u.Callers = map[string]int{}
		u.ResetAt = nil
	}
	return u, ws, nil
}

// TryAdmit reports whether a caller may issue one request against endpoint.
// Windows are checked shortest first and the first exhausted window denies.
// When fair share is enabled and the request is not top tier (priority 0),
// the caller is additionally held to its even split of the shortest window.
func (r *Limiter) TryAdmit(ctx context.Context, endpoint, callerID string, priority int) (Decision, error) {
	ep, ok := r.Limits[endpoint]
	if !ok {
		// unconfigured endpoints are assumed unconstrained
		metrics.AdmitAllowed.WithLabelValues(endpoint).Inc()
		return Decision{Allowed: true}, nil
	}
	now := r.now()
	for i, w := range ep.Windows {
		u, ws, err := r.usage(ctx, endpoint, w, now)
		if err != nil {
			return Decision{}, err
		}
		windowEnd := time.Unix(ws, 0).Add(w.Duration)
		if u.Used >= w.Capacity {
			retry := windowEnd.Sub(now)
			if u.ResetAt != nil && u.ResetAt.After(now) {
				retry = u.ResetAt.Sub(now)
			}
			return r.deny(endpoint, "window:"+w.Kind, retry), nil
		}
		if i == 0 && ep.FairShare && priority > 0 {
			active := len(u.Callers)
			if _, seen := u.Callers[callerID]; !seen {
				active++
			}
			if len(r.Workers) > active {
				active = len(r.Workers)
			}
			if active < 1 {
				active = 1
			}
			share := w.Capacity / active
			if u.Callers[callerID] >= share {
				return r.deny(endpoint, "fair_share", windowEnd.Sub(now)), nil
			}
		}
	}
	metrics.AdmitAllowed.WithLabelValues(endpoint).Inc()
	return Decision{Allowed: true}, nil
}

func (r *Limiter) deny(endpoint, reason string, retry time.Duration) Decision {
	if retry < 0 {
		retry = 0
	}
	metrics.AdmitDenied.WithLabelValues(endpoint, reason).Inc()
	return Decision{Allowed: false, RetryAfter: retry, Reason: reason}
}

// RecordUsage charges one call against every configured window of the
// endpoint. Only successful calls increment counters; a failed call still
// stores a reported authoritative reset, which takes precedence over the
// computed window boundary until it elapses.
func (r *Limiter) RecordUsage(ctx context.Context, endpoint, callerID string, success bool, resetAt *time.Time) error {
	ep, ok := r.Limits[endpoint]
	if !ok {
		return nil
	}
	now := r.now()
	for _, w := range ep.Windows {
		// settle any elapsed reset first so the write lands on a clean row
		_, ws, err := r.usage(ctx, endpoint, w, now)
		if err != nil {
			return err
		}
		if !success {
			if resetAt != nil {
				if err := r.Store.SetWindowReset(ctx, endpoint, w.Kind, ws, *resetAt); err != nil {
					return err
				}
			}
			continue
		}
		if err := r.Store.IncrementWindow(ctx, endpoint, w.Kind, ws, callerID, resetAt); err != nil {
			return err
		}
	}
	if success {
		metrics.UsageRecorded.WithLabelValues(endpoint).Inc()
	}
	return nil
}

// Remaining returns the smallest remaining capacity across the endpoint's
// windows, used to bound claim batch sizes. Unconfigured endpoints return
// -1, meaning unbounded.
func (r *Limiter) Remaining(ctx context.Context, endpoint string) (int, error) {
	ep, ok := r.Limits[endpoint]
	if !ok {
		return -1, nil
	}
	now := r.now()
	rem := -1
	for _, w := range ep.Windows {
		u, _, err := r.usage(ctx, endpoint, w, now)
		if err != nil {
			return 0, err
		}
		left := w.Capacity - u.Used
		if left < 0 {
			left = 0
		}
		if rem < 0 || left < rem {
			rem = left
		}
	}
	return rem, nil
}

// Reconcile compares locally tracked usage against a remote-reported
// remaining count. Drift beyond the tolerance is observable (warning log and
// gauge) but never blocks operation. The reported reset time is stored for
// the matching window. Returns the absolute drift.
func (r *Limiter) Reconcile(ctx context.Context, endpoint string, limit, remaining int, resetAt time.Time) (int, error) {
	ep, ok := r.Limits[endpoint]
	if !ok || len(ep.Windows) == 0 {
		return 0, nil
	}
	// match the reported limit to a window; default to the shortest
	w := ep.Windows[0]
	for _, cand := range ep.Windows {
		if cand.Capacity == limit {
			w = cand
			break
		}
	}
	now := r.now()
	u, ws, err := r.usage(ctx, endpoint, w, now)
	if err != nil {
		return 0, err
	}
	if err := r.Store.SetWindowReset(ctx, endpoint, w.Kind, ws, resetAt); err != nil {
		return 0, err
	}
	local := w.Capacity - u.Used
	if local < 0 {
		local = 0
	}
	drift := local - remaining
	if drift < 0 {
		drift = -drift
	}
	metrics.ReconcileDrift.WithLabelValues(endpoint).Set(float64(drift))
	if drift > r.DriftTolerance && r.Log != nil {
		r.Log.Warnw("rate limit drift", "endpoint", endpoint, "window", w.Kind,
			"local_remaining", local, "remote_remaining", remaining, "drift", drift)
	}
	return drift, nil
}
