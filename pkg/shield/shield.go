// Package shield assembles the full request pipeline: circuit breaker, user
// budget, request guard, response cache, context trimmer, model router and
// prefix optimizer, with the cost ledger closing the loop after the
// provider responds.
package shield

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/llmshield/internal/metrics"
	"github.com/amerfu/llmshield/pkg/breaker"
	"github.com/amerfu/llmshield/pkg/broadcast"
	"github.com/amerfu/llmshield/pkg/budget"
	"github.com/amerfu/llmshield/pkg/cache"
	"github.com/amerfu/llmshield/pkg/events"
	"github.com/amerfu/llmshield/pkg/guard"
	"github.com/amerfu/llmshield/pkg/ledger"
	"github.com/amerfu/llmshield/pkg/pipeline"
	"github.com/amerfu/llmshield/pkg/prefix"
	"github.com/amerfu/llmshield/pkg/pricing"
	"github.com/amerfu/llmshield/pkg/router"
	"github.com/amerfu/llmshield/pkg/storage"
	"github.com/amerfu/llmshield/pkg/trim"
)

// AbortReasonCacheHit marks a pipeline terminated by a cache hit: the
// caller returns the cached response instead of calling the provider.
const AbortReasonCacheHit = "cache-hit"

// Stage names in execution order.
const (
	StageBreaker    = "breaker"
	StageUserBudget = "userBudget"
	StageGuard      = "guard"
	StageCache      = "cache"
	StageContext    = "context"
	StageRouter     = "router"
	StagePrefix     = "prefix"
)

// Callbacks is the optional notification surface. Panics inside any
// callback never propagate into the pipeline.
type Callbacks struct {
	OnBlocked        func(reason string)
	OnDryRun         func(module, description string, estimatedSavings float64)
	OnWarning        func(breaker.Event)
	OnTripped        func(breaker.Event)
	OnReset          func(breaker.Window)
	OnBudgetExceeded func(userID string, e budget.Event)
	OnBudgetWarning  func(userID string, e budget.Event)
	OnStorageError   func(err error)
}

// Config wires the whole shield. Nil sub-configs disable the corresponding
// stage; the runner always executes whatever remains in declared order.
type Config struct {
	BreakerLimits breaker.Limits
	BreakerAction breaker.Action

	// Budget enables per-user quotas; GetUserID supplies the opaque key.
	Budget    *budget.Config
	GetUserID func() string

	Guard *guard.Config
	Cache *cache.Config

	// Trimming.
	MaxInputTokens    int
	ReserveForOutput  int
	ToolTokenOverhead int

	RouterTiers      []router.Tier
	HoldbackFraction float64
	PrefixProvider   prefix.Provider

	Pricing     pricing.Table
	CountTokens pricing.TokenCounter

	Persist   bool
	KeyPrefix string
	Storage   storage.Adapter
	Broadcast broadcast.Channel

	// EstOutputTokens sizes admission estimates. Defaults to 500.
	EstOutputTokens int

	// EnableMetrics attaches the Prometheus collector to the event bus.
	EnableMetrics bool

	DryRun    bool
	Clock     func() time.Time
	Logger    *zap.Logger
	Callbacks Callbacks
	Hooks     pipeline.Hooks
}

// Shield owns the pipeline components for one process.
type Shield struct {
	cfg    Config
	logger *zap.Logger
	bus    *events.Bus

	runner    *pipeline.Runner
	collector *metrics.Collector

	breaker *breaker.CostBreaker
	budget  *budget.Manager
	guard   *guard.Guard
	cache   *cache.ResponseCache
	trimmer *trim.Trimmer
	router  *router.ModelRouter
	prefix  *prefix.Optimizer
	ledger  *ledger.Ledger
}

// Request is one admitted pipeline run awaiting its provider response.
type Request struct {
	Ctx    *pipeline.Context
	Entry  *ledger.Entry // set when the run short-circuited (cache hit / block)
	Handle *guard.Handle

	shield   *Shield
	prompt   string
	estIn    int
	reserved float64
	userID   string
	started  time.Time
	settled  bool
}

// Usage is the provider-reported token accounting for a completed call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CachedTokens int
	Feature      string
}

// New builds a Shield from the config.
func New(cfg Config) *Shield {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.CountTokens == nil {
		cfg.CountTokens = pricing.EstimateTokens
	}
	if cfg.EstOutputTokens == 0 {
		cfg.EstOutputTokens = 500
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "llmshield:"
	}

	s := &Shield{
		cfg:    cfg,
		logger: cfg.Logger,
		bus:    events.NewBus(),
	}

	s.breaker = breaker.New(breaker.Config{
		Limits:     cfg.BreakerLimits,
		Action:     cfg.BreakerAction,
		Pricing:    cfg.Pricing,
		Persist:    cfg.Persist,
		StorageKey: "shield",
		Storage:    cfg.Storage,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
		Bus:        s.bus,
		OnWarning:  cfg.Callbacks.OnWarning,
		OnTripped:  cfg.Callbacks.OnTripped,
		OnReset:    cfg.Callbacks.OnReset,
	})

	if cfg.Budget != nil {
		bc := *cfg.Budget
		if bc.Pricing == nil {
			bc.Pricing = cfg.Pricing
		}
		if bc.Clock == nil {
			bc.Clock = cfg.Clock
		}
		if bc.Logger == nil {
			bc.Logger = cfg.Logger
		}
		bc.Bus = s.bus
		if bc.OnBudgetExceeded == nil {
			bc.OnBudgetExceeded = cfg.Callbacks.OnBudgetExceeded
		}
		if bc.OnBudgetWarning == nil {
			bc.OnBudgetWarning = cfg.Callbacks.OnBudgetWarning
		}
		s.budget = budget.NewManager(bc)
	}

	if cfg.Guard != nil {
		gc := *cfg.Guard
		if gc.Pricing == nil {
			gc.Pricing = cfg.Pricing
		}
		if gc.CountTokens == nil {
			gc.CountTokens = cfg.CountTokens
		}
		if gc.Clock == nil {
			gc.Clock = cfg.Clock
		}
		if gc.Logger == nil {
			gc.Logger = cfg.Logger
		}
		gc.Bus = s.bus
		if gc.OnBlocked == nil {
			gc.OnBlocked = cfg.Callbacks.OnBlocked
		}
		if gc.EstOutputTokens == 0 {
			gc.EstOutputTokens = cfg.EstOutputTokens
		}
		s.guard = guard.New(gc)
	}

	if cfg.Cache != nil {
		cc := *cfg.Cache
		if cc.Storage == nil {
			cc.Storage = cfg.Storage
		}
		if cc.Clock == nil {
			cc.Clock = cfg.Clock
		}
		if cc.Logger == nil {
			cc.Logger = cfg.Logger
		}
		if cc.KeyPrefix == "" {
			cc.KeyPrefix = cfg.KeyPrefix
		}
		cc.Bus = s.bus
		if cc.OnStorageError == nil {
			cc.OnStorageError = cfg.Callbacks.OnStorageError
		}
		s.cache = cache.New(cc)
	}

	s.trimmer = trim.New(cfg.CountTokens, cfg.Logger, s.bus)

	if len(cfg.RouterTiers) > 0 {
		s.router = router.New(router.Config{
			Tiers:            cfg.RouterTiers,
			Pricing:          cfg.Pricing,
			HoldbackFraction: cfg.HoldbackFraction,
			EstOutputTokens:  cfg.EstOutputTokens,
			Logger:           cfg.Logger,
			Bus:              s.bus,
		})
	}

	if cfg.PrefixProvider != "" {
		s.prefix = prefix.New(prefix.Config{
			Provider:       cfg.PrefixProvider,
			Pricing:        cfg.Pricing,
			CountTokens:    cfg.CountTokens,
			ReservedOutput: cfg.ReserveForOutput,
			Logger:         cfg.Logger,
			Bus:            s.bus,
		})
	}

	s.ledger = ledger.New(ledger.Config{
		Pricing:   cfg.Pricing,
		Persist:   cfg.Persist,
		KeyPrefix: cfg.KeyPrefix,
		Storage:   cfg.Storage,
		Broadcast: cfg.Broadcast,
		Clock:     cfg.Clock,
		Logger:    cfg.Logger,
		Bus:       s.bus,
	})

	if cfg.EnableMetrics {
		s.collector = metrics.NewCollector(s.bus)
	}

	s.runner = s.buildRunner()
	return s
}

// Close detaches the metrics collector from the bus. Safe to call when
// metrics were never enabled.
func (s *Shield) Close() {
	if s.collector != nil {
		s.collector.Close()
		s.collector = nil
	}
}

// Bus exposes the observability event bus.
func (s *Shield) Bus() *events.Bus { return s.bus }

// Ledger exposes the cost ledger.
func (s *Shield) Ledger() *ledger.Ledger { return s.ledger }

// Cache exposes the response cache; nil when disabled.
func (s *Shield) Cache() *cache.ResponseCache { return s.cache }

// Breaker exposes the circuit breaker.
func (s *Shield) Breaker() *breaker.CostBreaker { return s.breaker }

// Guard exposes the request guard; nil when disabled.
func (s *Shield) Guard() *guard.Guard { return s.guard }

// Budget exposes the user budget manager; nil when disabled.
func (s *Shield) Budget() *budget.Manager { return s.budget }

// Runner exposes the stage runner for stage list inspection.
func (s *Shield) Runner() *pipeline.Runner { return s.runner }

func (s *Shield) buildRunner() *pipeline.Runner {
	r := pipeline.NewRunner(s.logger).WithHooks(s.cfg.Hooks)

	r.Use(pipeline.Stage{Name: StageBreaker, Run: s.breakerStage})
	if s.budget != nil {
		r.Use(pipeline.Stage{Name: StageUserBudget, Run: s.budgetStage})
	}
	if s.guard != nil {
		r.Use(pipeline.Stage{Name: StageGuard, Run: s.guardStage})
	}
	if s.cache != nil {
		r.Use(pipeline.Stage{Name: StageCache, Run: s.cacheStage})
	}
	if s.cfg.MaxInputTokens > 0 {
		r.Use(pipeline.Stage{Name: StageContext, Run: s.contextStage})
	}
	if s.router != nil {
		r.Use(pipeline.Stage{Name: StageRouter, Run: s.routerStage})
	}
	if s.prefix != nil {
		r.Use(pipeline.Stage{Name: StagePrefix, Run: s.prefixStage})
	}
	return r
}

// PreRequest runs the pipeline over the context and returns the admitted
// request. When the context comes back aborted the caller must not call the
// provider: a cache hit carries the response in Ctx.Meta.CacheHit, anything
// else is an admission denial.
func (s *Shield) PreRequest(ctx context.Context, pc *pipeline.Context) *Request {
	req := &Request{
		Ctx:     pc,
		shield:  s,
		prompt:  pc.LastUser(),
		started: s.cfg.Clock(),
	}
	req.estIn = s.totalTokens(pc.Messages)
	if pc.Meta.OriginalInputTokens == 0 {
		pc.Meta.OriginalInputTokens = req.estIn
	}

	s.runner.Run(ctx, pc)

	req.reserved = pc.Meta.UserBudgetInflight
	req.userID = pc.Meta.UserID

	if pc.Aborted {
		// Reservations never survive an abort: either the call is not
		// happening, or the cache already answered it.
		s.releaseReservation(req)
		switch {
		case pc.AbortReason == AbortReasonCacheHit && pc.Meta.CacheHit != nil:
			hit := pc.Meta.CacheHit
			e := s.ledger.RecordCacheHit(hit.Model, hit.InputTokens, hit.OutputTokens, "")
			req.Entry = &e
		case pc.Meta.Denied:
			e := s.ledger.RecordBlocked(pc.ModelID, req.estIn, s.cfg.EstOutputTokens, "")
			req.Entry = &e
		}
		// A stage failure (neither denial nor cache hit) records nothing:
		// the caller treats it as a cancelled provider call.
		return req
	}

	if s.guard != nil && !s.cfg.DryRun {
		req.Handle = s.guard.StartRequest(req.prompt)
	}
	return req
}

// Complete settles a request after the provider responded: the guard cost
// log, breaker and user budget records are updated and the ledger entry is
// written with the savings accumulated in the context metadata.
func (r *Request) Complete(response string, usage Usage, latency time.Duration) ledger.Entry {
	s := r.shield
	r.settled = true

	if s.guard != nil && !s.cfg.DryRun {
		s.guard.CompleteRequest(r.prompt, usage.InputTokens, usage.OutputTokens, r.Ctx.ModelID)
	}

	actualCost := s.cfg.Pricing.Cost(r.Ctx.ModelID, usage.InputTokens, usage.OutputTokens, usage.CachedTokens)
	s.breaker.RecordSpend(actualCost, r.Ctx.ModelID)
	if s.budget != nil && r.userID != "" {
		s.budget.RecordSpend(r.userID, actualCost, r.reserved, r.Ctx.ModelID)
		r.reserved = 0
	}

	if s.cache != nil && response != "" && !s.cfg.DryRun {
		s.cache.Store(context.Background(), r.prompt, response, r.Ctx.ModelID, usage.InputTokens, usage.OutputTokens)
	}

	price, _ := s.cfg.Pricing.Lookup(r.Ctx.ModelID)
	contextSaved := float64(r.Ctx.Meta.ContextSaved) / 1e6 * price.InputPerMillion

	return s.ledger.Record(ledger.RecordInput{
		Model:        r.Ctx.ModelID,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CachedTokens: usage.CachedTokens,
		Savings: ledger.Savings{
			Context: contextSaved,
			Router:  r.Ctx.Meta.RouterSaved,
			Prefix:  r.Ctx.Meta.PrefixSaved,
		},
		Feature:             usage.Feature,
		LatencyMs:           latency.Milliseconds(),
		OriginalModel:       r.Ctx.Meta.OriginalModel,
		OriginalInputTokens: r.Ctx.Meta.OriginalInputTokens,
	})
}

// Fail releases everything held for a request whose provider call failed or
// was cancelled. Safe to call after an aborted PreRequest.
func (r *Request) Fail() {
	s := r.shield
	if r.settled {
		return
	}
	r.settled = true
	s.releaseReservation(r)
	if r.Handle != nil {
		s.guard.CancelRequest(r.prompt)
	}
}

func (s *Shield) releaseReservation(r *Request) {
	if s.budget != nil && r.reserved > 0 && r.userID != "" {
		s.budget.ReleaseInflight(r.userID, r.reserved)
		r.reserved = 0
		r.Ctx.Meta.UserBudgetInflight = 0
	}
}

func (s *Shield) totalTokens(messages []pipeline.Message) int {
	total := 0
	for _, m := range messages {
		total += s.cfg.CountTokens(m.Content)
	}
	return total
}

func (s *Shield) dryRun(module, description string, estimatedSavings float64) {
	if s.cfg.Callbacks.OnDryRun == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Debug("OnDryRun callback panicked", zap.Any("panic", rec))
		}
	}()
	s.cfg.Callbacks.OnDryRun(module, description, estimatedSavings)
}

func (s *Shield) fireBlocked(reason string) {
	if s.cfg.Callbacks.OnBlocked == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Debug("OnBlocked callback panicked", zap.Any("panic", rec))
		}
	}()
	s.cfg.Callbacks.OnBlocked(reason)
}

// --- stages ---

func (s *Shield) breakerStage(_ context.Context, pc *pipeline.Context) error {
	if s.cfg.DryRun {
		st := s.breaker.Status()
		if st.Tripped {
			s.dryRun(StageBreaker, "would block: spend limit tripped", 0)
		}
		return nil
	}
	res := s.breaker.Check(pc.ModelID, s.totalTokens(pc.Messages), s.cfg.EstOutputTokens)
	if !res.Allowed {
		s.fireBlocked(res.Reason)
		pc.Meta.Denied = true
		pc.Abort(res.Reason)
	}
	return nil
}

func (s *Shield) budgetStage(_ context.Context, pc *pipeline.Context) error {
	if s.cfg.GetUserID == nil {
		return nil
	}
	userID := s.cfg.GetUserID()
	if userID == "" {
		return nil
	}
	pc.Meta.UserID = userID
	s.budget.ApplyTier(pc, userID)

	estCost := s.cfg.Pricing.Cost(pc.ModelID, s.totalTokens(pc.Messages), s.cfg.EstOutputTokens, 0)
	if s.cfg.DryRun {
		return nil
	}
	res := s.budget.CheckAndReserve(userID, estCost)
	if !res.Allowed {
		s.fireBlocked(res.Reason)
		pc.Meta.Denied = true
		pc.Abort(res.Reason)
		return nil
	}
	pc.Meta.UserBudgetInflight = estCost
	return nil
}

func (s *Shield) guardStage(_ context.Context, pc *pipeline.Context) error {
	if s.cfg.DryRun {
		stats := s.guard.GetSnapshot()
		s.dryRun(StageGuard, "admission snapshot only", stats.TotalSaved)
		return nil
	}
	res := s.guard.Check(pc.LastUser(), pc.ModelID)
	if !res.Allowed {
		pc.Meta.GuardSaved = res.EstimatedCost
		pc.Meta.Denied = true
		pc.Abort(res.Reason)
	}
	return nil
}

func (s *Shield) cacheStage(ctx context.Context, pc *pipeline.Context) error {
	prompt := pc.LastUser()
	if prompt == "" {
		return nil
	}
	var res cache.Result
	if s.cfg.DryRun {
		res = s.cache.Peek(ctx, prompt, pc.ModelID)
		if res.Hit {
			saved := s.cfg.Pricing.Cost(pc.ModelID, res.Entry.InputTokens, res.Entry.OutputTokens, 0)
			s.dryRun(StageCache, "would serve cached response", saved)
		}
		return nil
	}
	res = s.cache.Lookup(ctx, prompt, pc.ModelID)
	if !res.Hit {
		return nil
	}
	pc.Meta.CacheHit = &pipeline.CacheHitInfo{
		Response:     res.Entry.Response,
		Model:        res.Entry.Model,
		Type:         res.Type,
		Similarity:   res.Similarity,
		InputTokens:  res.Entry.InputTokens,
		OutputTokens: res.Entry.OutputTokens,
	}
	pc.Abort(AbortReasonCacheHit)
	return nil
}

func (s *Shield) contextStage(_ context.Context, pc *pipeline.Context) error {
	res := s.trimmer.Fit(pc.Messages, s.cfg.MaxInputTokens, s.cfg.ReserveForOutput, s.cfg.ToolTokenOverhead)
	pc.Messages = res.Messages
	pc.Meta.ContextSaved += res.TrimmedTokens
	return nil
}

func (s *Shield) routerStage(_ context.Context, pc *pipeline.Context) error {
	s.router.Route(pc)
	return nil
}

func (s *Shield) prefixStage(_ context.Context, pc *pipeline.Context) error {
	s.prefix.Optimize(pc)
	return nil
}
