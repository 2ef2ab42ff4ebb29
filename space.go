package agentmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/BaSui01/agentmemory/config"
	"github.com/BaSui01/agentmemory/memory"
	"github.com/BaSui01/agentmemory/memory/transition"
	"github.com/BaSui01/agentmemory/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/BaSui01/agentmemory"

// MetricsRecorder receives tier and transition counters.
// internal/metrics.Collector implements it.
type MetricsRecorder interface {
	memory.Recorder
	transition.EventRecorder
}

// Option configures a MemorySpace.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	storage   memory.Storage
	index     memory.Index
	extractor memory.Extractor
	embedder  memory.Embedder
	tokens    memory.TokenCounter
	metrics   MetricsRecorder
	tracer    trace.Tracer
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStorage mirrors every tier write to s.
func WithStorage(s memory.Storage) Option {
	return func(o *options) { o.storage = s }
}

// WithIndex keeps idx in sync with tier writes and enables Search.
func WithIndex(idx memory.Index) Option {
	return func(o *options) { o.index = idx }
}

// WithExtractor sets the concept extractor of the semantic tier.
func WithExtractor(e memory.Extractor) Option {
	return func(o *options) { o.extractor = e }
}

// WithEmbedder enables embedding similarity for concept merging.
func WithEmbedder(e memory.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithTokenCounter overrides the counter used for the working token budget.
func WithTokenCounter(tc memory.TokenCounter) Option {
	return func(o *options) { o.tokens = tc }
}

// WithMetrics reports counters to r.
func WithMetrics(r MetricsRecorder) Option {
	return func(o *options) { o.metrics = r }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// CleanupReport counts the units and concepts removed by Cleanup.
type CleanupReport struct {
	Working  int `json:"working"`
	Episodic int `json:"episodic"`
	Semantic int `json:"semantic"`
}

// Total returns the number of removed items over all tiers.
func (r CleanupReport) Total() int { return r.Working + r.Episodic + r.Semantic }

// MemorySpace owns one set of memory tiers and the machinery that moves units
// between them.
type MemorySpace struct {
	config config.MemoryConfig

	working    *memory.WorkingMemory
	episodic   *memory.EpisodicMemory
	semantic   *memory.SemanticMemory
	procedural *memory.ProceduralMemory

	transitions *transition.Manager
	evaluator   *transition.ThresholdEvaluator
	index       memory.Index

	tracer trace.Tracer
	logger *zap.Logger

	mu      sync.Mutex
	running bool
}

// New builds a memory space from cfg. The built-in monitors are registered and
// activated; nothing runs in the background until Start.
func New(cfg config.MemoryConfig, opts ...Option) (*MemorySpace, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(instrumentationName)
	}
	if o.tokens == nil && cfg.Working.TokenBudget > 0 {
		o.tokens = memory.NewTiktokenCounter(cfg.TokenEncoding, o.logger)
	}

	memOpts := []memory.Option{memory.WithTracer(o.tracer)}
	if o.storage != nil {
		memOpts = append(memOpts, memory.WithStorage(o.storage))
	}
	if o.index != nil {
		memOpts = append(memOpts, memory.WithIndex(o.index))
	}
	if o.metrics != nil {
		memOpts = append(memOpts, memory.WithRecorder(o.metrics))
	}
	if o.embedder != nil {
		memOpts = append(memOpts, memory.WithEmbedder(o.embedder))
	}
	if o.tokens != nil {
		memOpts = append(memOpts, memory.WithTokenCounter(o.tokens))
	}

	s := &MemorySpace{
		config: cfg,
		index:  o.index,
		tracer: o.tracer,
		logger: o.logger.With(zap.String("component", "memory_space")),
	}
	s.episodic = memory.NewEpisodicMemory(cfg.Episodic, o.logger, memOpts...)
	s.semantic = memory.NewSemanticMemory(cfg.Semantic, nil, o.extractor, o.logger, memOpts...)
	procCfg := cfg.Procedural
	if procCfg.Now == nil {
		procCfg.Now = cfg.Working.Now
	}
	s.procedural = memory.NewProceduralMemory(procCfg, o.logger, memOpts...)
	s.working = memory.NewWorkingMemory(cfg.Working, s.episodic, o.logger, memOpts...)

	var managerOpts []transition.Option
	if o.metrics != nil {
		managerOpts = append(managerOpts, transition.WithRecorder(o.metrics))
	}
	s.transitions = transition.NewManager(cfg.Transition, o.logger, managerOpts...)
	s.evaluator = transition.NewThresholdEvaluator(cfg.Threshold, s.working,
		map[types.MemoryCategory]memory.Sink{
			types.MemoryEpisodic:   s.episodic,
			types.MemorySemantic:   s.semantic,
			types.MemoryProcedural: s.procedural,
		}, s.transitions, o.logger)

	if err := s.installMonitors(); err != nil {
		s.transitions.Close()
		return nil, err
	}
	return s, nil
}

func (s *MemorySpace) installMonitors() error {
	mc := s.config.Monitors
	monitors := []transition.Monitor{
		transition.CapacityPressureMonitor(s.transitions, s.evaluator, mc.CapacityThreshold),
		transition.EmotionPeakMonitor(s.evaluator, mc.EmotionThreshold),
	}
	if mc.ConsolidateOnGoal {
		monitors = append(monitors, transition.GoalCompletionMonitor(s.transitions, s.episodic))
	}
	if mc.CleanupCron != "" || mc.CleanupInterval > 0 {
		cleanup := transition.PeriodicCleanupMonitor(s.transitions, mc.CleanupInterval, s.cleanupTotal)
		if mc.CleanupCron != "" {
			cleanup.Trigger = transition.OnCron(mc.CleanupCron)
		}
		monitors = append(monitors, cleanup)
	}

	for _, mon := range monitors {
		if err := s.transitions.RegisterMonitor(mon); err != nil {
			return fmt.Errorf("register monitor %s: %w", mon.ID, err)
		}
		if err := s.transitions.StartMonitoring(mon.ID); err != nil {
			return fmt.Errorf("start monitor %s: %w", mon.ID, err)
		}
	}
	return nil
}

// Working returns the working tier.
func (s *MemorySpace) Working() *memory.WorkingMemory { return s.working }

// Episodic returns the episodic tier.
func (s *MemorySpace) Episodic() *memory.EpisodicMemory { return s.episodic }

// Semantic returns the semantic tier.
func (s *MemorySpace) Semantic() *memory.SemanticMemory { return s.semantic }

// Procedural returns the procedural tier.
func (s *MemorySpace) Procedural() *memory.ProceduralMemory { return s.procedural }

// Transitions returns the transition manager.
func (s *MemorySpace) Transitions() *transition.Manager { return s.transitions }

// Evaluator returns the threshold evaluator.
func (s *MemorySpace) Evaluator() *transition.ThresholdEvaluator { return s.evaluator }

// Start runs the working cleanup loop, the threshold scan and the transition
// timers until Stop or ctx cancellation.
func (s *MemorySpace) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("memory space already running")
	}
	if err := s.working.Start(ctx); err != nil {
		return err
	}
	if err := s.evaluator.Start(ctx); err != nil {
		s.working.Stop()
		return err
	}
	if err := s.transitions.Start(ctx); err != nil {
		s.evaluator.Stop()
		s.working.Stop()
		return err
	}
	s.running = true
	s.logger.Info("memory space started",
		zap.Int("working_capacity", s.working.Capacity()),
		zap.Int("monitors", len(s.transitions.Monitors())))
	return nil
}

// Stop halts background work and runs a last working cleanup so that expired
// units reach the episodic tier. Turn counters are reset.
func (s *MemorySpace) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.transitions.Stop()
	s.evaluator.Stop()
	s.working.Stop()
	s.running = false

	_, err := s.working.Cleanup(ctx)
	s.logger.Info("memory space stopped")
	return err
}

// Running reports whether Start has been called without a matching Stop.
func (s *MemorySpace) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close stops the space and ends all event subscriptions.
func (s *MemorySpace) Close(ctx context.Context) error {
	err := s.Stop(ctx)
	s.transitions.Close()
	return err
}

// Reconfigure applies the runtime-tunable parts of cfg: promotion thresholds
// and the capacity and emotion monitor thresholds. Other fields need a restart.
func (s *MemorySpace) Reconfigure(cfg config.MemoryConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.Threshold.Now == nil {
		cfg.Threshold.Now = s.config.Threshold.Now
	}
	s.evaluator.SetConfig(cfg.Threshold)
	s.config.Threshold = cfg.Threshold

	var errs []error
	if err := s.transitions.SetThreshold(transition.MonitorCapacityPressure, cfg.Monitors.CapacityThreshold); err != nil {
		errs = append(errs, err)
	} else {
		s.config.Monitors.CapacityThreshold = cfg.Monitors.CapacityThreshold
	}
	if err := s.transitions.SetThreshold(transition.MonitorEmotionPeak, cfg.Monitors.EmotionThreshold); err != nil {
		errs = append(errs, err)
	} else {
		s.config.Monitors.EmotionThreshold = cfg.Monitors.EmotionThreshold
	}
	return errors.Join(errs...)
}

// Remember stores content in working memory and reports the resulting capacity
// usage and emotional salience to the transition manager.
func (s *MemorySpace) Remember(ctx context.Context, content string, meta types.Metadata) (*types.MemoryUnit, error) {
	ctx, span := s.tracer.Start(ctx, "memory.space.remember")
	var err error
	defer func() { finishSpan(span, err) }()

	unit, err := s.working.Store(ctx, content, meta)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("memory.id", unit.ID))

	s.transitions.Signal(ctx, transition.Signal{
		Type:   transition.TriggerCapacityThreshold,
		Value:  s.working.Usage(),
		UnitID: unit.ID,
	})
	if v := unit.Metadata.EmotionalSignificance; v > 0 {
		s.transitions.Signal(ctx, transition.Signal{
			Type:   transition.TriggerEmotionPeak,
			Value:  v,
			UnitID: unit.ID,
		})
	}
	return unit, nil
}

// Promote moves a working unit to target, keeping its id.
func (s *MemorySpace) Promote(ctx context.Context, id string, target types.MemoryCategory) error {
	ctx, span := s.tracer.Start(ctx, "memory.space.promote", trace.WithAttributes(
		attribute.String("memory.id", id),
		attribute.String("memory.target", string(target))))
	err := s.evaluator.Promote(ctx, id, target, transition.ReasonManual)
	finishSpan(span, err)
	return err
}

// Cleanup runs the cleanup of every tier concurrently.
func (s *MemorySpace) Cleanup(ctx context.Context) (CleanupReport, error) {
	ctx, span := s.tracer.Start(ctx, "memory.space.cleanup")
	var report CleanupReport
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		report.Working, err = s.working.Cleanup(gctx)
		return err
	})
	g.Go(func() (err error) {
		report.Episodic, err = s.episodic.Cleanup(gctx)
		return err
	})
	g.Go(func() (err error) {
		report.Semantic, err = s.semantic.Cleanup(gctx)
		return err
	})
	err := g.Wait()
	span.SetAttributes(attribute.Int("memory.removed", report.Total()))
	finishSpan(span, err)
	if err != nil {
		return report, fmt.Errorf("memory cleanup: %w", err)
	}
	return report, nil
}

func (s *MemorySpace) cleanupTotal(ctx context.Context) (int, error) {
	report, err := s.Cleanup(ctx)
	return report.Total(), err
}

// Lookup finds a unit by id in any tier without counting an access.
func (s *MemorySpace) Lookup(ctx context.Context, id string) (*types.MemoryUnit, error) {
	if u, ok := s.working.Peek(id); ok {
		return u, nil
	}
	if u, err := s.procedural.Unit(ctx, id); err == nil {
		return u, nil
	} else if !types.IsNotFound(err) {
		return nil, err
	}
	if u, err := s.episodic.Get(ctx, id); err == nil {
		return u, nil
	} else if !types.IsNotFound(err) {
		return nil, err
	}
	if u, err := s.semantic.Get(ctx, id); err == nil {
		return u, nil
	} else if !types.IsNotFound(err) {
		return nil, err
	}
	return nil, types.NewNotFoundError("memory unit", id)
}

// Search runs query against the index and resolves hits to units, best first.
// Hits whose unit is gone from every tier are skipped.
func (s *MemorySpace) Search(ctx context.Context, query string, limit int) ([]*types.MemoryUnit, error) {
	if s.index == nil {
		return nil, types.NewValidationError("search index not configured")
	}
	ctx, span := s.tracer.Start(ctx, "memory.space.search")
	hits, err := s.index.Search(ctx, query, limit)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}
	out := make([]*types.MemoryUnit, 0, len(hits))
	for _, hit := range hits {
		u, err := s.Lookup(ctx, hit.ID)
		if types.IsNotFound(err) {
			continue
		}
		if err != nil {
			finishSpan(span, err)
			return nil, err
		}
		out = append(out, u)
	}
	span.SetAttributes(attribute.Int("memory.hits", len(out)))
	finishSpan(span, nil)
	return out, nil
}

// Stats reports per-tier statistics.
func (s *MemorySpace) Stats() []types.MemoryStats {
	return []types.MemoryStats{
		s.working.Stats(),
		s.episodic.Stats(),
		s.semantic.Stats(),
		s.procedural.Stats(),
	}
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
