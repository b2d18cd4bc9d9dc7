// Package guardrail admits or rejects digest requests before any scraping
// or model spend happens. It enforces per-caller rate ceilings and a
// per-caller daily token budget.
package guardrail

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/trendsift/trendsift/internal/digest"
	"github.com/trendsift/trendsift/internal/telemetry"
)

// Bounds accepted for request parameters.
const (
	MinDaysBack    = 1
	MaxDaysBack    = 365
	MinMaxClusters = 1
	MaxMaxClusters = 10
)

// Config holds guardrail configuration.
type Config struct {
	RequestsPerMinute int
	RequestsPerHour   int
	DailyTokens       int64
	TokensPerSource   int64
}

// Guardrail tracks per-caller limiters and token ledgers.
type Guardrail struct {
	cfg   Config
	clock digest.Clock

	mu      sync.Mutex
	callers map[string]*callerState
}

type callerState struct {
	minute  *rate.Limiter
	hour    *rate.Limiter
	dayKey  string
	spent   int64
	flagged bool
}

// rollover resets the caller's token ledger when the UTC day changes.
func (s *callerState) rollover(now time.Time) {
	key := now.Format("2006-01-02")
	if key != s.dayKey {
		s.dayKey = key
		s.spent = 0
	}
}

// New creates a Guardrail.
func New(cfg Config, clock digest.Clock) *Guardrail {
	return &Guardrail{
		cfg:     cfg,
		clock:   clock,
		callers: make(map[string]*callerState),
	}
}

// Authorize validates the request shape, then checks the caller's rate
// ceilings, then the caller's daily token budget, in that order: a caller
// over both limits is told about the rate limit first since that clears
// sooner. It returns the token estimate reserved against the budget.
// Denials never consume rate tokens or budget.
func (g *Guardrail) Authorize(req digest.Request) (int64, error) {
	if err := validate(req); err != nil {
		telemetry.ObserveGuardrail("invalid")
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now().UTC()
	state := g.callerLocked(req.CallerID)
	state.rollover(now)

	minuteRes := state.minute.Reserve()
	if delay := minuteRes.Delay(); delay > 0 {
		minuteRes.Cancel()
		telemetry.ObserveGuardrail("rate_limited")
		return 0, &digest.RateLimitedError{
			Reason:     "per-minute request ceiling exceeded",
			RetryAfter: delay,
		}
	}
	hourRes := state.hour.Reserve()
	if delay := hourRes.Delay(); delay > 0 {
		hourRes.Cancel()
		minuteRes.Cancel()
		telemetry.ObserveGuardrail("rate_limited")
		return 0, &digest.RateLimitedError{
			Reason:     "per-hour request ceiling exceeded",
			RetryAfter: delay,
		}
	}

	est := int64(len(req.Sources)) * g.cfg.TokensPerSource
	if state.spent+est > g.cfg.DailyTokens {
		hourRes.Cancel()
		minuteRes.Cancel()
		telemetry.ObserveGuardrail("budget_exhausted")
		return 0, &digest.RateLimitedError{
			Reason:     "daily token budget exhausted",
			RetryAfter: untilNextDay(now),
		}
	}

	state.spent += est
	telemetry.ObserveGuardrail("allowed")
	return est, nil
}

// Reconcile replaces the admission-time estimate with the actual token
// spend once a run finishes. Callers whose actual usage overruns the
// estimate are flagged and get a halved per-minute ceiling.
func (g *Guardrail) Reconcile(callerID string, estimated, actual int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.callerLocked(callerID)
	state.rollover(g.clock.Now().UTC())
	state.spent += actual - estimated
	if state.spent < 0 {
		state.spent = 0
	}

	if actual <= estimated {
		return
	}
	if state.flagged {
		return
	}
	state.flagged = true
	perMinute := g.cfg.RequestsPerMinute / 2
	if perMinute < 1 {
		perMinute = 1
	}
	state.minute = newWindowLimiter(perMinute, time.Minute)
}

// SpentToday reports tokens consumed during the current UTC day summed
// across all callers.
func (g *Guardrail) SpentToday() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now().UTC()
	var total int64
	for _, state := range g.callers {
		state.rollover(now)
		total += state.spent
	}
	return total
}

// SpentTodayBy reports tokens the given caller consumed during the current
// UTC day.
func (g *Guardrail) SpentTodayBy(callerID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.callers[callerID]
	if !ok {
		return 0
	}
	state.rollover(g.clock.Now().UTC())
	return state.spent
}

func (g *Guardrail) callerLocked(callerID string) *callerState {
	state, ok := g.callers[callerID]
	if !ok {
		state = &callerState{
			minute: newWindowLimiter(g.cfg.RequestsPerMinute, time.Minute),
			hour:   newWindowLimiter(g.cfg.RequestsPerHour, time.Hour),
		}
		g.callers[callerID] = state
	}
	return state
}

func newWindowLimiter(n int, window time.Duration) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(n)/window.Seconds()), n)
}

func untilNextDay(now time.Time) time.Duration {
	next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return next.Sub(now)
}

func validate(req digest.Request) error {
	if len(req.Sources) == 0 {
		return &digest.ClientError{Reason: "sources must not be empty"}
	}
	for _, s := range req.Sources {
		if strings.TrimSpace(s) == "" {
			return &digest.ClientError{Reason: "sources must not contain blank entries"}
		}
	}
	if req.DaysBack < MinDaysBack || req.DaysBack > MaxDaysBack {
		return &digest.ClientError{
			Reason: fmt.Sprintf("days_back must be between %d and %d", MinDaysBack, MaxDaysBack),
		}
	}
	if req.MaxClusters < MinMaxClusters || req.MaxClusters > MaxMaxClusters {
		return &digest.ClientError{
			Reason: fmt.Sprintf("max_clusters must be between %d and %d", MinMaxClusters, MaxMaxClusters),
		}
	}
	return nil
}
