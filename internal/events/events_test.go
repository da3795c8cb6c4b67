package events

import (
	"context"
	"testing"

	"github.com/jpvargasdev/Auspex/internal/model"
)

func TestBus_SubscribeReceivesInOrder(t *testing.T) {
	bus := NewBus()
	sub, cancel := bus.Subscribe(8)
	defer cancel()
	ch := sub.Events()

	bus.Emit(Event{Type: ContainerAdded, Container: model.Container{ID: "a"}})
	bus.Emit(Event{Type: ContainerUpdated, Container: model.Container{ID: "a"}})
	bus.Emit(Event{Type: ContainerRemoved, Container: model.Container{ID: "a"}})

	want := []Type{ContainerAdded, ContainerUpdated, ContainerRemoved}
	for _, w := range want {
		e := <-ch
		if e.Type != w {
			t.Fatalf("got %s, want %s", e.Type, w)
		}
	}
}

func TestBus_CancelClosesAndUnsubscribes(t *testing.T) {
	bus := NewBus()
	sub, cancel := bus.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("channel must be closed")
	}
	// must not panic on a closed subscriber
	bus.Emit(Event{Type: ContainerAdded})
}

func TestChanEmitter_DropsWhenFull(t *testing.T) {
	ch := make(ChanEmitter, 1)
	ch.Emit(Event{Type: ContainerAdded})
	ch.Emit(Event{Type: ContainerUpdated})
	if len(ch) != 1 {
		t.Fatalf("want 1 buffered event, got %d", len(ch))
	}
	if e := <-ch; e.Type != ContainerAdded {
		t.Fatalf("first event must be kept, got %s", e.Type)
	}
}

func TestBus_OverflowCutsSubscriberOff(t *testing.T) {
	bus := NewBus()
	slow, cancelSlow := bus.Subscribe(2)
	defer cancelSlow()
	fast, cancelFast := bus.Subscribe(8)
	defer cancelFast()

	for _, id := range []string{"a", "b", "c", "d"} {
		bus.Emit(Event{Type: ContainerAdded, Container: model.Container{ID: id}})
	}

	select {
	case <-slow.Lost():
	default:
		t.Fatalf("overflowing subscriber must be marked lost")
	}
	if n := len(slow.Events()); n != 2 {
		t.Fatalf("lost subscriber keeps %d events, want the 2 buffered before overflow", n)
	}
	for _, want := range []string{"a", "b"} {
		if e := <-slow.Events(); e.Container.ID != want {
			t.Fatalf("got %s, want %s", e.Container.ID, want)
		}
	}
	// nothing is delivered after the cut, even with room in the buffer
	bus.Emit(Event{Type: ContainerRemoved, Container: model.Container{ID: "a"}})
	if n := len(slow.Events()); n != 0 {
		t.Fatalf("event delivered after overflow")
	}

	select {
	case <-fast.Lost():
		t.Fatalf("subscriber with room must not be marked lost")
	default:
	}
	if n := len(fast.Events()); n != 5 {
		t.Fatalf("fast subscriber got %d events, want 5", n)
	}
}

func TestBus_Reports(t *testing.T) {
	bus := NewBus()
	var single []string
	var batches int
	bus.OnContainerReport(func(_ context.Context, r model.ContainerReport) {
		single = append(single, r.Container.ID)
	})
	bus.OnContainerReports(func(_ context.Context, rs []model.ContainerReport) {
		batches++
		if len(rs) != 2 {
			t.Errorf("want 2 reports, got %d", len(rs))
		}
	})

	reports := []model.ContainerReport{
		{Container: model.Container{ID: "a"}, Changed: true},
		{Container: model.Container{ID: "b"}},
	}
	for _, r := range reports {
		bus.EmitContainerReport(context.Background(), r)
	}
	bus.EmitContainerReports(context.Background(), reports)

	if len(single) != 2 || single[0] != "a" || single[1] != "b" {
		t.Fatalf("unexpected single reports %v", single)
	}
	if batches != 1 {
		t.Fatalf("want 1 batch, got %d", batches)
	}
}
