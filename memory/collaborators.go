package memory

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/agentmemory/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/BaSui01/agentmemory/memory"

// Storage persists memory units outside the process. Tiers mirror their writes to
// it when configured.
type Storage interface {
	Save(ctx context.Context, unit *types.MemoryUnit) error
	Load(ctx context.Context, id string) (*types.MemoryUnit, error)
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, filter types.Filter) ([]*types.MemoryUnit, error)
	Close() error
}

// BatchStorage is implemented by storage that saves a group of units atomically.
// Tiers use it for writes that must land together, such as consolidation.
type BatchStorage interface {
	SaveAll(ctx context.Context, units []*types.MemoryUnit) error
}

// SearchHit is one result of an Index search.
type SearchHit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Index is a full-text index over memory units.
type Index interface {
	Index(ctx context.Context, unit *types.MemoryUnit) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query string, limit int) ([]SearchHit, error)
}

// Sink receives units displaced from a tier, by overflow, expiry or promotion.
type Sink interface {
	Accept(ctx context.Context, unit *types.MemoryUnit) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, unit *types.MemoryUnit) error

// Accept implements Sink.
func (f SinkFunc) Accept(ctx context.Context, unit *types.MemoryUnit) error { return f(ctx, unit) }

// Recorder receives tier level counters. Implemented by internal/metrics.Collector.
type Recorder interface {
	CacheRecorder
	RecordStore(tier string)
	RecordPromotion(from, to string)
	RecordConsolidation(groupSize int)
	RecordTierSize(tier string, size int)
}

type nopRecorder struct{}

func (nopRecorder) RecordCacheHit(string)              {}
func (nopRecorder) RecordCacheMiss(string)             {}
func (nopRecorder) RecordCacheEviction(string, string) {}
func (nopRecorder) RecordStore(string)                 {}
func (nopRecorder) RecordPromotion(string, string)     {}
func (nopRecorder) RecordConsolidation(int)            {}
func (nopRecorder) RecordTierSize(string, int)         {}

// Option configures optional collaborators of a tier.
type Option func(*options)

type options struct {
	storage  Storage
	index    Index
	recorder Recorder
	tokens   TokenCounter
	embedder Embedder
	tracer   trace.Tracer
}

func buildOptions(opts []Option) options {
	o := options{
		recorder: nopRecorder{},
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithStorage mirrors tier writes to s.
func WithStorage(s Storage) Option {
	return func(o *options) { o.storage = s }
}

// WithIndex keeps idx in sync with tier writes.
func WithIndex(idx Index) Option {
	return func(o *options) { o.index = idx }
}

// WithRecorder reports counters to r.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithTokenCounter enables token accounting.
func WithTokenCounter(tc TokenCounter) Option {
	return func(o *options) { o.tokens = tc }
}

// WithEmbedder sets the embedder used for concept similarity.
func WithEmbedder(e Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// mirror writes unit through to storage and index.
func (o options) mirror(ctx context.Context, unit *types.MemoryUnit) error {
	if o.storage != nil {
		if err := o.storage.Save(ctx, unit); err != nil {
			return types.NewCollaboratorError("storage", "save memory unit", err)
		}
	}
	if o.index != nil {
		if err := o.index.Index(ctx, unit); err != nil {
			return types.NewCollaboratorError("index", "index memory unit", err)
		}
	}
	return nil
}

// mirrorAll writes a group of units through. The group lands in storage and index
// together or not at all: with BatchStorage the save is atomic, otherwise units
// already written are put back to their previous state on failure.
func (o options) mirrorAll(ctx context.Context, units []*types.MemoryUnit, previous map[string]*types.MemoryUnit) error {
	if o.storage != nil {
		if err := o.saveAll(ctx, units, previous); err != nil {
			return err
		}
	}
	if o.index == nil {
		return nil
	}
	for i, u := range units {
		if err := o.index.Index(ctx, u); err != nil {
			restoreErr := o.restoreIndex(ctx, units[:i], previous)
			if o.storage != nil {
				restoreErr = errors.Join(restoreErr, o.restoreStorage(ctx, units, previous))
			}
			return types.NewCollaboratorError("index", "index memory units", errors.Join(err, restoreErr))
		}
	}
	return nil
}

func (o options) saveAll(ctx context.Context, units []*types.MemoryUnit, previous map[string]*types.MemoryUnit) error {
	if batch, ok := o.storage.(BatchStorage); ok {
		if err := batch.SaveAll(ctx, units); err != nil {
			return types.NewCollaboratorError("storage", "save memory units", err)
		}
		return nil
	}
	for i, u := range units {
		if err := o.storage.Save(ctx, u); err != nil {
			restoreErr := o.restoreStorage(ctx, units[:i], previous)
			return types.NewCollaboratorError("storage", "save memory units", errors.Join(err, restoreErr))
		}
	}
	return nil
}

// restoreStorage saves the previous version of every written unit. It runs even
// when ctx is already cancelled.
func (o options) restoreStorage(ctx context.Context, written []*types.MemoryUnit, previous map[string]*types.MemoryUnit) error {
	restored := previousOf(written, previous)
	if len(restored) == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	if batch, ok := o.storage.(BatchStorage); ok {
		return batch.SaveAll(ctx, restored)
	}
	var errs []error
	for _, u := range restored {
		if err := o.storage.Save(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o options) restoreIndex(ctx context.Context, written []*types.MemoryUnit, previous map[string]*types.MemoryUnit) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, u := range previousOf(written, previous) {
		if err := o.index.Index(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func previousOf(written []*types.MemoryUnit, previous map[string]*types.MemoryUnit) []*types.MemoryUnit {
	out := make([]*types.MemoryUnit, 0, len(written))
	for _, u := range written {
		if p, ok := previous[u.ID]; ok {
			out = append(out, p)
		}
	}
	return out
}

// forget removes id from storage and index.
func (o options) forget(ctx context.Context, id string) error {
	if o.storage != nil {
		if err := o.storage.Delete(ctx, id); err != nil && !types.IsNotFound(err) {
			return types.NewCollaboratorError("storage", "delete memory unit", err)
		}
	}
	if o.index != nil {
		if err := o.index.Remove(ctx, id); err != nil {
			return types.NewCollaboratorError("index", "remove memory unit", err)
		}
	}
	return nil
}

func (o options) startSpan(ctx context.Context, name string, tier types.MemoryCategory,
	attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("memory.tier", string(tier)))
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// MarkPromoted rewrites unit for its new tier. The id is preserved.
func MarkPromoted(unit *types.MemoryUnit, to types.MemoryCategory, now time.Time) {
	from := unit.Category
	unit.Metadata.Promoted = true
	unit.Metadata.PromotedFrom = string(from)
	t := now
	unit.Metadata.PromotedAt = &t
	unit.Category = to
	unit.ExpiresAt = nil
}

func loggerOrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
