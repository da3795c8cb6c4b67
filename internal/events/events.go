package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/loggo"

	"github.com/jpvargasdev/Auspex/internal/model"
)

var logger = loggo.GetLogger("auspex.events")

// Type names double as the agent stream frame types.
type Type string

const (
	ContainerAdded   Type = "wud:container-added"
	ContainerUpdated Type = "wud:container-updated"
	ContainerRemoved Type = "wud:container-removed"
)

// Event is a store mutation.
type Event struct {
	Type      Type
	Container model.Container
}

// Emitter accepts store mutations. Emit is called with the store locked and
// must not block.
type Emitter interface {
	Emit(e Event)
}

// ChanEmitter is a buffered channel emitter that drops when the reader falls behind.
type ChanEmitter chan Event

func (c ChanEmitter) Emit(e Event) {
	if !c.TryEmit(e) {
		logger.Warningf("buffer full, dropping %s for container %s", e.Type, e.Container.ID)
	}
}

// TryEmit buffers e and reports false when the buffer is full.
func (c ChanEmitter) TryEmit(e Event) bool {
	select {
	case c <- e:
		return true
	default:
		return false
	}
}

// Subscription is one reader of store mutations. Events are never dropped
// silently: a subscriber whose buffer overflows is cut off, Lost is closed
// and nothing more is delivered, so the reader can resync from a snapshot.
type Subscription struct {
	ch   ChanEmitter
	lost chan struct{}
	once sync.Once
}

// Events delivers mutations in emission order until the subscription is
// cancelled.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Lost is closed once an event could not be buffered.
func (s *Subscription) Lost() <-chan struct{} { return s.lost }

func (s *Subscription) deliver(e Event) {
	select {
	case <-s.lost:
		return
	default:
	}
	if !s.ch.TryEmit(e) {
		s.once.Do(func() {
			logger.Warningf("subscriber fell behind at %s for container %s, cutting it off", e.Type, e.Container.ID)
			close(s.lost)
		})
	}
}

// ReportHandler receives one container report (simple-mode triggers).
type ReportHandler func(ctx context.Context, report model.ContainerReport)

// ReportsHandler receives all reports of one watch cycle (batch-mode triggers).
type ReportsHandler func(ctx context.Context, reports []model.ContainerReport)

// Bus fans store mutations out to subscribers and watch reports out to triggers.
// Store mutations are delivered asynchronously through per-subscriber buffers;
// reports are delivered synchronously in registration order.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	report  []ReportHandler
	reports []ReportsHandler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]*Subscription)}
}

// Subscribe registers a subscriber holding up to buffer undelivered
// mutations. The cancel func unregisters it and closes its event channel.
func (b *Bus) Subscribe(buffer int) (*Subscription, func()) {
	id := uuid.NewString()
	sub := &Subscription{ch: make(ChanEmitter, buffer), lost: make(chan struct{})}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.deliver(e)
	}
}

func (b *Bus) OnContainerReport(h ReportHandler) {
	b.mu.Lock()
	b.report = append(b.report, h)
	b.mu.Unlock()
}

func (b *Bus) OnContainerReports(h ReportsHandler) {
	b.mu.Lock()
	b.reports = append(b.reports, h)
	b.mu.Unlock()
}

func (b *Bus) EmitContainerReport(ctx context.Context, r model.ContainerReport) {
	b.mu.RLock()
	handlers := append([]ReportHandler(nil), b.report...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, r)
	}
}

func (b *Bus) EmitContainerReports(ctx context.Context, rs []model.ContainerReport) {
	b.mu.RLock()
	handlers := append([]ReportsHandler(nil), b.reports...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, rs)
	}
}
