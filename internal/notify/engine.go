package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/manugarri/crab/internal/filter"
	"github.com/manugarri/crab/internal/monitor"
	"github.com/manugarri/crab/internal/store"
)

const (
	// DefaultCooldown suppresses repeat alerts of an unchanged state.
	DefaultCooldown = time.Hour

	// DefaultRateLimit / DefaultRatePeriod bound each rule to a token
	// bucket of 10 alerts per 5 minutes.
	DefaultRateLimit  = 10
	DefaultRatePeriod = 5 * time.Minute

	// DefaultMaxAttempts bounds dispatch retries per alert.
	DefaultMaxAttempts = 5

	// DefaultFlushTimeout bounds how long Run keeps draining queued
	// alerts after the delta channel closes.
	DefaultFlushTimeout = 30 * time.Second

	workerQueueSize  = 64
	overflowCapacity = 128
)

// Config carries the engine's tunables; zero values take the defaults.
type Config struct {
	DefaultCooldown time.Duration
	RateLimit       int
	RatePeriod      time.Duration
	MaxAttempts     int
	// RetryInterval is the first retry backoff delay; later delays grow
	// by the backoff package's default factor (1.5, randomised).
	RetryInterval time.Duration
	FlushTimeout  time.Duration
	// Timezone is the display zone for formatted alerts.
	Timezone *time.Location
}

// dispatchItem is one alert handed to a transport worker.
type dispatchItem struct {
	rule     store.Rule
	change   monitor.StatusChange
	subject  string
	body     string
	alertID  string
	severity filter.State
}

// Engine consumes status changes from the monitor fan-out, applies the rule
// set (matching, severity threshold, dedup, rate limiting), and dispatches
// alerts through one worker goroutine per transport so that a failing
// transport never blocks the others.
type Engine struct {
	store      store.Store
	logger     *slog.Logger
	cfg        Config
	transports map[string]Transport

	mu       sync.Mutex
	rules    []store.Rule
	limiters map[int64]*rate.Limiter
	overflow []dispatchItem

	workers map[string]chan dispatchItem
	wg      sync.WaitGroup

	// Dropped counts alerts shed because a backlog was full.
	Dropped atomic.Int64
}

// New creates an Engine over st using the given transport instances, keyed
// by the names notification rules refer to.
func New(st store.Store, logger *slog.Logger, cfg Config, transports map[string]Transport) *Engine {
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = DefaultCooldown
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RatePeriod <= 0 {
		cfg.RatePeriod = DefaultRatePeriod
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      st,
		logger:     logger.With(slog.String("component", "notify")),
		cfg:        cfg,
		transports: transports,
		limiters:   make(map[int64]*rate.Limiter),
		workers:    make(map[string]chan dispatchItem),
	}
}

// Reload refreshes the cached rule set from the Store. The server calls it
// after a notification-config replace; Run also calls it periodically.
func (e *Engine) Reload(ctx context.Context) error {
	rules, err := e.store.GetNotifications(ctx)
	if err != nil {
		return fmt.Errorf("notify: reload rules: %w", err)
	}
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	return nil
}

// Run consumes deltas until the channel closes, then flushes the transport
// queues for at most FlushTimeout and abandons the rest.
func (e *Engine) Run(ctx context.Context, deltas <-chan monitor.StatusChange) {
	if err := e.Reload(ctx); err != nil {
		e.logger.Error("initial rule load failed", slog.Any("error", err))
	}

	for name, tr := range e.transports {
		ch := make(chan dispatchItem, workerQueueSize)
		e.workers[name] = ch
		e.wg.Add(1)
		go e.worker(ctx, name, tr, ch)
	}

	reload := time.NewTicker(time.Minute)
	defer reload.Stop()
	drain := time.NewTicker(time.Second)
	defer drain.Stop()

	for {
		select {
		case sc, ok := <-deltas:
			if !ok {
				e.shutdown()
				return
			}
			e.handle(ctx, sc)
		case <-reload.C:
			if err := e.Reload(ctx); err != nil {
				e.logger.Warn("rule reload failed", slog.Any("error", err))
			}
		case <-drain.C:
			e.drainOverflow()
		}
	}
}

// shutdown closes the worker queues and waits for them to drain, bounded by
// the flush timeout.
func (e *Engine) shutdown() {
	for _, ch := range e.workers {
		close(ch)
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.FlushTimeout):
		e.logger.Warn("flush timeout reached; abandoning queued alerts")
	}
}

// handle matches one status change against the rule set.
func (e *Engine) handle(ctx context.Context, sc monitor.StatusChange) {
	severity := sc.New
	if evSev := filter.EventSeverity(sc.Event); filter.Rank(evSev) > filter.Rank(severity) {
		severity = evSev
	}
	if filter.Rank(severity) < 0 {
		return // UNKNOWN / RUNNING are not alertable
	}

	e.mu.Lock()
	rules := e.rules
	e.mu.Unlock()

	for _, rule := range rules {
		if !ruleMatches(rule, sc.Job) {
			continue
		}
		if filter.Rank(severity) < filter.Rank(filter.State(rule.MinSeverity)) {
			continue
		}
		if severity == filter.StateOK && rule.SkipOK {
			continue
		}
		if e.suppressed(ctx, rule, sc) {
			continue
		}
		e.submit(ctx, rule, sc, severity)
	}
}

func ruleMatches(r store.Rule, j store.Job) bool {
	if r.Host != "" && r.Host != j.Host {
		return false
	}
	if r.Crabid != "" && r.Crabid != j.Crabid {
		return false
	}
	return true
}

// suppressed applies the per-(rule, job) dedup window: an alert repeating
// the same derived state is dropped inside the cool-down; a state change
// always passes.
func (e *Engine) suppressed(ctx context.Context, rule store.Rule, sc monitor.StatusChange) bool {
	if sc.Old != sc.New {
		return false
	}
	last, err := e.store.LastAlert(ctx, rule.ID, sc.Job.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		e.logger.Warn("dedup lookup failed", slog.Any("error", err))
		return false
	}
	cooldown := rule.Cooldown
	if cooldown <= 0 {
		cooldown = e.cfg.DefaultCooldown
	}
	return last.State == string(sc.New) && sc.At.Sub(last.DispatchedAt) < cooldown
}

// submit formats the alert and routes it through the rule's token bucket to
// its transport worker.
func (e *Engine) submit(ctx context.Context, rule store.Rule, sc monitor.StatusChange, severity filter.State) {
	recent, err := e.store.GetLatestEvents(ctx, sc.Job.ID, 10)
	if err != nil {
		e.logger.Warn("could not load recent events for alert", slog.Any("error", err))
	}
	var stdout, stderr string
	if rule.IncludeOutput && sc.Event.HasOutput {
		stdout, stderr, err = e.store.GetOutput(ctx, sc.Event.ID)
		if err != nil {
			e.logger.Warn("could not load output for alert", slog.Any("error", err))
		}
	}
	subject, body := Format(sc, recent, e.cfg.Timezone, stdout, stderr)

	item := dispatchItem{
		rule:     rule,
		change:   sc,
		subject:  subject,
		body:     body,
		alertID:  uuid.NewString(),
		severity: severity,
	}

	// Record the alert row up front so the dedup window opens the moment
	// the alert is decided, not when a possibly-slow transport gets to it.
	// The dispatch worker updates the row with each attempt's outcome.
	if item.change.Event.ID != 0 {
		a := store.Alert{
			ID:           item.alertID,
			RuleID:       rule.ID,
			JobID:        sc.Job.ID,
			EventID:      sc.Event.ID,
			State:        string(sc.New),
			DispatchedAt: time.Now().UTC(),
			Result:       "queued",
		}
		if err := e.store.RecordAlert(ctx, a); err != nil {
			e.logger.Error("could not record alert", slog.Any("error", err))
		}
	}

	if e.limiter(rule.ID).Allow() {
		e.enqueue(item)
		return
	}

	// Token bucket exhausted: queue the overflow up to its bounded
	// backlog; beyond that the alert is dropped and counted.
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.overflow) >= overflowCapacity {
		e.Dropped.Add(1)
		e.logger.Warn("alert dropped: overflow backlog full",
			slog.Int64("rule", rule.ID),
			slog.Int64("job", sc.Job.ID))
		return
	}
	e.overflow = append(e.overflow, item)
}

func (e *Engine) limiter(ruleID int64) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[ruleID]
	if !ok {
		l = rate.NewLimiter(rate.Every(e.cfg.RatePeriod/time.Duration(e.cfg.RateLimit)), e.cfg.RateLimit)
		e.limiters[ruleID] = l
	}
	return l
}

// drainOverflow moves queued-over-limit items whose token bucket has
// refilled onto their transport workers.
func (e *Engine) drainOverflow() {
	e.mu.Lock()
	pending := e.overflow
	e.overflow = nil
	e.mu.Unlock()

	for i, item := range pending {
		if e.limiter(item.rule.ID).Allow() {
			e.enqueue(item)
			continue
		}
		// Bucket still dry: push the remainder back, preserving order.
		e.mu.Lock()
		e.overflow = append(pending[i:], e.overflow...)
		e.mu.Unlock()
		return
	}
}

// enqueue hands an item to its transport worker without blocking; a full
// worker queue sheds the alert.
func (e *Engine) enqueue(item dispatchItem) {
	ch, ok := e.workers[item.rule.Transport]
	if !ok {
		e.logger.Warn("rule references unconfigured transport",
			slog.Int64("rule", item.rule.ID),
			slog.String("transport", item.rule.Transport))
		return
	}
	select {
	case ch <- item:
	default:
		e.Dropped.Add(1)
		e.logger.Warn("alert dropped: transport queue full",
			slog.String("transport", item.rule.Transport))
	}
}

// worker dispatches alerts for one transport, retrying with exponential
// backoff up to MaxAttempts. Every attempt's outcome is recorded on the
// alert row, so a failure followed by a successful retry leaves the row
// marked ok.
func (e *Engine) worker(ctx context.Context, name string, tr Transport, ch <-chan dispatchItem) {
	defer e.wg.Done()
	for item := range ch {
		e.dispatch(ctx, name, tr, item)
	}
}

func (e *Engine) dispatch(ctx context.Context, name string, tr Transport, item dispatchItem) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryInterval
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		lastErr = tr.Dispatch(ctx, item.rule.Address, item.subject, item.body)
		e.recordAttempt(ctx, item, lastErr)
		if lastErr == nil {
			return
		}
		e.logger.Warn("dispatch failed",
			slog.String("transport", name),
			slog.Int("attempt", attempt),
			slog.Any("error", lastErr))

		if attempt == e.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
	e.logger.Error("alert permanently failed",
		slog.String("transport", name),
		slog.Int64("rule", item.rule.ID),
		slog.Any("error", lastErr))
}

// recordAttempt upserts the alert row for this dispatch. Alerts must
// reference an event; a clock-derived transition with no trigger event is
// dispatched but leaves no row.
func (e *Engine) recordAttempt(ctx context.Context, item dispatchItem, dispatchErr error) {
	if item.change.Event.ID == 0 {
		return
	}
	a := store.Alert{
		ID:           item.alertID,
		RuleID:       item.rule.ID,
		JobID:        item.change.Job.ID,
		EventID:      item.change.Event.ID,
		State:        string(item.change.New),
		DispatchedAt: time.Now().UTC(),
		OK:           dispatchErr == nil,
	}
	if dispatchErr != nil {
		a.Result = dispatchErr.Error()
	} else {
		a.Result = "sent"
	}
	if err := e.store.RecordAlert(ctx, a); err != nil {
		e.logger.Error("could not record alert", slog.Any("error", err))
	}
}

// Degraded broadcasts a single notifications-degraded warning through every
// configured rule's transport. It bypasses dedup and rate limiting and
// records no alert rows (there is no event to reference).
func (e *Engine) Degraded() {
	subject := "crab: notifications degraded"
	body := "The monitor's status-change backlog exceeded its ceiling and " +
		"some notifications were dropped. Job state in the dashboard is " +
		"still accurate; recent alerts may be missing.\n"

	e.mu.Lock()
	rules := e.rules
	e.mu.Unlock()

	seen := make(map[string]bool)
	for _, rule := range rules {
		key := rule.Transport + "\x00" + rule.Address
		if seen[key] {
			continue
		}
		seen[key] = true
		tr, ok := e.transports[rule.Transport]
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := tr.Dispatch(ctx, rule.Address, subject, body); err != nil {
			e.logger.Error("degraded notice dispatch failed", slog.Any("error", err))
		}
		cancel()
	}
}

// ValidateRules checks a rule set before it is stored: the transport must
// be registered with the engine and the severity must name a known state.
func (e *Engine) ValidateRules(rules []store.Rule) error {
	for i, r := range rules {
		if _, ok := e.transports[r.Transport]; !ok {
			return fmt.Errorf("notify: rule %d: unknown transport %q", i, r.Transport)
		}
		if !filter.ValidSeverity(filter.State(r.MinSeverity)) {
			return fmt.Errorf("notify: rule %d: unknown severity %q", i, r.MinSeverity)
		}
		if strings.TrimSpace(r.Address) == "" {
			return fmt.Errorf("notify: rule %d: address is required", i)
		}
	}
	return nil
}
