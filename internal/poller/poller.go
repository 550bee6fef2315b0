package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/fentz26/lexgate/internal/errs"
	"github.com/fentz26/lexgate/internal/metrics"
	"github.com/fentz26/lexgate/internal/models"
	"github.com/fentz26/lexgate/internal/snapshot"
	"github.com/fentz26/lexgate/internal/store"
)

// Source names.
const (
	SourceStage      = "stage"
	SourceAgents     = "agents"
	SourceArtifacts  = "artifacts"
	SourceReviews    = "reviews"
	SourceExecutions = "executions"
)

// State is the poller run state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
	// StateMaxRetries is terminal until Restart is called.
	StateMaxRetries State = "max_retries_reached"
)

// Reader is the read side of the store the poller compiles from.
type Reader interface {
	StageHistory(ctx context.Context) ([]models.StageEntry, error)
	ListAgents(ctx context.Context) ([]models.Agent, error)
	ListArtifacts(ctx context.Context, f store.ArtifactFilter) ([]models.Artifact, error)
	ListReviewItems(ctx context.Context, f store.ReviewFilter) ([]models.ReviewItem, error)
	ListExecutions(ctx context.Context, approval models.Decision) ([]models.ExecutionRequest, error)
}

// Corroborator reports agents whose process is observed alive.
type Corroborator func(agents []models.Agent) map[string]bool

// Status describes the poller for health checks.
type Status struct {
	State        State          `json:"state"`
	LastPoll     *time.Time     `json:"last_poll,omitempty"`
	FailedCycles map[string]int `json:"failed_cycles,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	Subscribers  int            `json:"subscribers"`
	Dropped      uint64         `json:"dropped"`
}

// Poller compiles a snapshot every interval, one cycle at a time.
type Poller struct {
	reader      Reader
	signals     *Signals
	corroborate Corroborator
	metrics     *metrics.Metrics
	logger      *zap.Logger
	config      Config
	now         func() time.Time

	hub  *Hub
	last atomic.Pointer[snapshot.Snapshot]

	// cycleMu keeps cycles from overlapping.
	cycleMu sync.Mutex
	cache   snapshot.Inputs

	mu        sync.Mutex
	state     State
	failed    map[string]int
	lastError string
	lastPoll  *time.Time
	parent    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a poller. signals and corroborate may be nil.
func New(r Reader, signals *Signals, corroborate Corroborator, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if signals == nil {
		signals = NewSignals()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxFailedCycles < 1 {
		cfg.MaxFailedCycles = 1
	}
	return &Poller{
		reader:      r,
		signals:     signals,
		corroborate: corroborate,
		metrics:     m,
		logger:      logger,
		config:      cfg,
		now:         func() time.Time { return time.Now().UTC() },
		hub:         NewHub(),
		state:       StateIdle,
		failed:      make(map[string]int),
	}
}

// SetClock replaces the time source. Tests only.
func (p *Poller) SetClock(now func() time.Time) {
	p.now = now
}

// Hub returns the delta fan-out.
func (p *Poller) Hub() *Hub {
	return p.hub
}

// Signals returns the external signal set.
func (p *Poller) Signals() *Signals {
	return p.signals
}

// Last returns the most recent snapshot, or nil before the first cycle.
func (p *Poller) Last() *snapshot.Snapshot {
	return p.last.Load()
}

// Start begins the poll loop. The first cycle runs immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateRunning {
		return errs.Conflict("poller is already running")
	}
	p.parent = ctx
	p.startLocked()
	return nil
}

func (p *Poller) startLocked() {
	if p.parent == nil {
		p.parent = context.Background()
	}
	ctx, cancel := context.WithCancel(p.parent)
	p.cancel = cancel
	p.state = StateRunning
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("poller started", zap.Duration("interval", p.config.Interval))
}

// Stop gracefully stops the poller.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	if p.state == StateRunning {
		p.state = StateStopped
	}
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.logger.Info("poller stopped")
}

// Restart leaves the terminal max-retries state, or a stopped state, and
// polls again with fresh failure counters.
func (p *Poller) Restart() error {
	p.mu.Lock()
	switch p.state {
	case StateRunning:
		p.mu.Unlock()
		return errs.Conflict("poller is running")
	case StateIdle:
		p.mu.Unlock()
		return errs.Conflict("poller was never started")
	}
	cancel := p.cancel
	p.mu.Unlock()

	// The previous loop may still be waiting for its next tick.
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateRunning {
		return errs.Conflict("poller restarted concurrently")
	}
	p.failed = make(map[string]int)
	p.lastError = ""
	p.logger.Info("poller restarting", zap.String("from", string(p.state)))
	p.startLocked()
	return nil
}

// Status returns the current run state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	failed := make(map[string]int, len(p.failed))
	for k, v := range p.failed {
		if v > 0 {
			failed[k] = v
		}
	}
	return Status{
		State:        p.state,
		LastPoll:     p.lastPoll,
		FailedCycles: failed,
		LastError:    p.lastError,
		Subscribers:  p.hub.Count(),
		Dropped:      p.hub.Dropped(),
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		if p.state == StateRunning {
			p.state = StateStopped
		}
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		if _, _, err := p.Poll(ctx); err != nil {
			if errors.Is(err, errs.ErrMaxRetries) || ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one cycle: read every source with retries, compile, diff
// against the previous snapshot and publish a non-empty delta. A source
// that stays unreadable is reported stale and its last good value is
// reused. Once any source is stale for MaxFailedCycles consecutive
// cycles the poller enters StateMaxRetries and Poll returns
// errs.ErrMaxRetries.
func (p *Poller) Poll(ctx context.Context) (*snapshot.Snapshot, snapshot.Delta, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	if p.Status().State == StateMaxRetries {
		return nil, snapshot.Delta{}, fmt.Errorf("%w: restart the poller", errs.ErrMaxRetries)
	}

	in := p.cache
	var stale []string
	note := func(err error) {
		var se *errs.StaleSourceError
		if errors.As(err, &se) {
			stale = append(stale, se.Source)
			p.logger.Warn("source stale", zap.String("source", se.Source), zap.Error(se.Err))
		}
	}

	if v, err := read(ctx, p, SourceStage, p.reader.StageHistory); err != nil {
		note(err)
	} else {
		in.History = v
	}
	if v, err := read(ctx, p, SourceAgents, p.reader.ListAgents); err != nil {
		note(err)
	} else {
		in.Agents = v
	}
	if v, err := read(ctx, p, SourceArtifacts, func(ctx context.Context) ([]models.Artifact, error) {
		return p.reader.ListArtifacts(ctx, store.ArtifactFilter{})
	}); err != nil {
		note(err)
	} else {
		in.Artifacts = v
	}
	if v, err := read(ctx, p, SourceReviews, func(ctx context.Context) ([]models.ReviewItem, error) {
		return p.reader.ListReviewItems(ctx, store.ReviewFilter{})
	}); err != nil {
		note(err)
	} else {
		in.Reviews = v
	}
	if v, err := read(ctx, p, SourceExecutions, func(ctx context.Context) ([]models.ExecutionRequest, error) {
		return p.reader.ListExecutions(ctx, "")
	}); err != nil {
		note(err)
	} else {
		in.Executions = v
	}

	if err := ctx.Err(); err != nil {
		return nil, snapshot.Delta{}, err
	}

	p.cache = in
	in.Now = p.now()
	in.Health = p.signals.Health()
	in.KPIs = p.signals.KPIs()
	if p.corroborate != nil {
		in.Corroborated = p.corroborate(in.Agents)
	}
	sort.Strings(stale)
	in.StaleSources = stale

	cur := snapshot.Compile(in, p.config.Policy)
	var prev snapshot.Snapshot
	if last := p.last.Load(); last != nil {
		prev = *last
	}
	delta := snapshot.Diff(prev, cur)
	p.last.Store(&cur)
	if !delta.Empty() {
		p.hub.Publish(delta)
	}
	p.metrics.ObserveSnapshot(&cur)

	exhausted := p.countFailures(stale, in.Now)
	switch {
	case exhausted != "":
		p.metrics.ObservePollCycle(string(StateMaxRetries))
		p.logger.Error("poller giving up",
			zap.String("source", exhausted),
			zap.Int("failed_cycles", p.config.MaxFailedCycles))
		return &cur, delta, fmt.Errorf("%w: source %s stale for %d cycles", errs.ErrMaxRetries, exhausted, p.config.MaxFailedCycles)
	case len(stale) > 0:
		p.metrics.ObservePollCycle("stale")
	default:
		p.metrics.ObservePollCycle("ok")
	}

	p.logger.Debug("snapshot compiled",
		zap.String("stage", string(cur.Stage.Current)),
		zap.Int("changes", len(delta.Changes)),
		zap.Strings("stale", stale))
	return &cur, delta, nil
}

// countFailures updates the consecutive stale counters and returns the
// first source that reached the limit.
func (p *Poller) countFailures(stale []string, at time.Time) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastPoll = &at
	isStale := make(map[string]bool, len(stale))
	for _, s := range stale {
		isStale[s] = true
	}
	exhausted := ""
	for _, src := range []string{SourceStage, SourceAgents, SourceArtifacts, SourceReviews, SourceExecutions} {
		if !isStale[src] {
			p.failed[src] = 0
			continue
		}
		p.failed[src]++
		if exhausted == "" && p.failed[src] >= p.config.MaxFailedCycles {
			exhausted = src
		}
	}
	if len(stale) > 0 {
		p.lastError = fmt.Sprintf("stale sources: %v", stale)
	} else {
		p.lastError = ""
	}
	if exhausted != "" {
		p.state = StateMaxRetries
	}
	return exhausted
}

// read calls fn with capped exponential backoff. Exhausted retries become
// a *errs.StaleSourceError for source.
func read[T any](ctx context.Context, p *Poller, source string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.BaseBackoff
	b.MaxInterval = p.config.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0

	v, err := backoff.Retry(ctx, func() (T, error) {
		return fn(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.config.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Debug("source read failed, retrying",
				zap.String("source", source),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		var zero T
		return zero, &errs.StaleSourceError{Source: source, Err: err}
	}
	return v, nil
}
