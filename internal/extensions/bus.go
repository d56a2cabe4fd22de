package extensions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/pkg/models"
)

// Handler processes one bus event. Handlers run synchronously on the
// publishing goroutine; long work belongs in a goroutine the handler
// spawns itself.
type Handler func(ctx context.Context, ev *Event) error

// ContextTransform rewrites the message array before it is sent to the
// model. Returning a nil slice with a nil error leaves the messages
// unchanged.
type ContextTransform func(ctx context.Context, msgs []models.Message) ([]models.Message, error)

// Priority determines the order handlers are called.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 25
	PriorityNormal  Priority = 50
	PriorityLow     Priority = 75
	PriorityLowest  Priority = 100
)

// Registration is one registered handler.
type Registration struct {
	// ID is the handle returned by Register, used to unregister.
	ID string

	// Type is the event this handler listens for.
	Type Type

	Handler Handler

	// Priority determines call order (lower = earlier). Handlers with
	// equal priority run in registration order.
	Priority Priority

	// Name is a human-readable label for logs.
	Name string

	// Source identifies where the handler came from, typically the
	// extension that installed it.
	Source string
}

// RegisterOption configures a registration.
type RegisterOption func(*Registration)

// WithPriority sets the handler priority.
func WithPriority(p Priority) RegisterOption {
	return func(r *Registration) { r.Priority = p }
}

// WithName sets the handler name for logs.
func WithName(name string) RegisterOption {
	return func(r *Registration) { r.Name = name }
}

// WithSource labels the handler with the extension that installed it.
func WithSource(source string) RegisterOption {
	return func(r *Registration) { r.Source = source }
}

type transform struct {
	id       string
	fn       ContextTransform
	priority Priority
	name     string
	source   string
}

// Bus dispatches lifecycle events to registered handlers.
type Bus struct {
	mu         sync.RWMutex
	handlers   map[Type][]*Registration
	byID       map[string]*Registration
	transforms []*transform
	logger     *observability.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *observability.Logger) *Bus {
	if logger != nil {
		logger = logger.WithFields("component", "extensions")
	}
	return &Bus{
		handlers: make(map[Type][]*Registration),
		byID:     make(map[string]*Registration),
		logger:   logger,
	}
}

// Register adds a handler for an event type and returns its
// registration id.
func (b *Bus) Register(t Type, handler Handler, opts ...RegisterOption) string {
	reg := &Registration{
		ID:       uuid.NewString(),
		Type:     t,
		Handler:  handler,
		Priority: PriorityNormal,
	}
	for _, opt := range opts {
		opt(reg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[t] = append(b.handlers[t], reg)
	b.byID[reg.ID] = reg
	sort.SliceStable(b.handlers[t], func(i, j int) bool {
		return b.handlers[t][i].Priority < b.handlers[t][j].Priority
	})

	if b.logger != nil {
		b.logger.Debug(context.Background(), "registered handler",
			"id", reg.ID,
			"event", string(t),
			"name", reg.Name,
			"source", reg.Source)
	}
	return reg.ID
}

// RegisterContextTransform adds a hook that rewrites the outgoing
// message array before each model request. Transforms run in priority
// order, each receiving the previous one's output.
func (b *Bus) RegisterContextTransform(fn ContextTransform, opts ...RegisterOption) string {
	reg := &Registration{ID: uuid.NewString(), Priority: PriorityNormal}
	for _, opt := range opts {
		opt(reg)
	}
	tr := &transform{
		id:       reg.ID,
		fn:       fn,
		priority: reg.Priority,
		name:     reg.Name,
		source:   reg.Source,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.transforms = append(b.transforms, tr)
	sort.SliceStable(b.transforms, func(i, j int) bool {
		return b.transforms[i].priority < b.transforms[j].priority
	})
	return reg.ID
}

// Unregister removes a handler or transform by its registration id.
func (b *Bus) Unregister(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if reg, ok := b.byID[id]; ok {
		delete(b.byID, id)
		regs := b.handlers[reg.Type]
		for i, r := range regs {
			if r.ID == id {
				b.handlers[reg.Type] = append(regs[:i], regs[i+1:]...)
				break
			}
		}
		return true
	}
	for i, tr := range b.transforms {
		if tr.id == id {
			b.transforms = append(b.transforms[:i], b.transforms[i+1:]...)
			return true
		}
	}
	return false
}

// UnregisterSource removes every handler and transform installed by the
// given source and returns how many were removed.
func (b *Bus) UnregisterSource(source string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for t, regs := range b.handlers {
		kept := regs[:0]
		for _, r := range regs {
			if r.Source == source {
				delete(b.byID, r.ID)
				removed++
				continue
			}
			kept = append(kept, r)
		}
		b.handlers[t] = kept
	}
	keptTr := b.transforms[:0]
	for _, tr := range b.transforms {
		if tr.source == source {
			removed++
			continue
		}
		keptTr = append(keptTr, tr)
	}
	b.transforms = keptTr
	return removed
}

// Clear removes all handlers and transforms.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[Type][]*Registration)
	b.byID = make(map[string]*Registration)
	b.transforms = nil
}

// Trigger dispatches an event to its handlers in priority order,
// awaiting each. Handler errors and panics are logged and do not stop
// later handlers; the first error is returned. Dispatch does stop once
// a handler cancels a cancellable event, so handlers after the veto
// never observe the doomed operation.
func (b *Bus) Trigger(ctx context.Context, ev *Event) error {
	if ev == nil {
		return fmt.Errorf("event is nil")
	}

	b.mu.RLock()
	regs := b.handlers[ev.Type]
	snapshot := make([]*Registration, len(regs))
	copy(snapshot, regs)
	b.mu.RUnlock()

	var firstErr error
	for _, reg := range snapshot {
		if err := b.callHandler(ctx, reg, ev); err != nil {
			if b.logger != nil {
				b.logger.Warn(ctx, "handler failed",
					"event", string(ev.Type),
					"handler", reg.Name,
					"source", reg.Source,
					"error", err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
		if ev.Cancelled() {
			if b.logger != nil {
				b.logger.Debug(ctx, "operation vetoed",
					"event", string(ev.Type),
					"handler", reg.Name,
					"reason", ev.CancelReason())
			}
			break
		}
	}
	return firstErr
}

func (b *Bus) callHandler(ctx context.Context, reg *Registration, ev *Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return reg.Handler(ctx, ev)
}

// TransformContext runs every registered context transform over the
// message array. A transform that fails or panics is skipped and the
// previous messages carry forward, so one broken extension cannot sink
// the model request.
func (b *Bus) TransformContext(ctx context.Context, msgs []models.Message) []models.Message {
	b.mu.RLock()
	snapshot := make([]*transform, len(b.transforms))
	copy(snapshot, b.transforms)
	b.mu.RUnlock()

	for _, tr := range snapshot {
		out, err := b.applyTransform(ctx, tr, msgs)
		if err != nil {
			if b.logger != nil {
				b.logger.Warn(ctx, "context transform failed",
					"transform", tr.name,
					"source", tr.source,
					"error", err)
			}
			continue
		}
		if out != nil {
			msgs = out
		}
	}
	return msgs
}

func (b *Bus) applyTransform(ctx context.Context, tr *transform, msgs []models.Message) (out []models.Message, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transform panic: %v", p)
		}
	}()
	return tr.fn(ctx, msgs)
}

// HandlerCount returns the number of handlers for an event type.
func (b *Bus) HandlerCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}

// ListRegistrations returns the handlers for an event type in dispatch
// order.
func (b *Bus) ListRegistrations(t Type) []*Registration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Registration, len(b.handlers[t]))
	copy(out, b.handlers[t])
	return out
}
