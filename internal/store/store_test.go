package store

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/jpvargasdev/Auspex/internal/events"
	"github.com/jpvargasdev/Auspex/internal/model"
	"github.com/jpvargasdev/Auspex/internal/state"
)

func newContainer(id, watcher, agent, name string) model.Container {
	return model.Container{
		ID:      id,
		Name:    name,
		Watcher: watcher,
		Agent:   agent,
		Image:   model.Image{Name: "library/nginx", Tag: model.Tag{Value: "1.10", Semver: true}},
	}
}

func drain(ch events.ChanEmitter) []events.Type {
	var out []events.Type
	for {
		select {
		case e := <-ch:
			out = append(out, e.Type)
		default:
			return out
		}
	}
}

func TestInsertUpdateDelete(t *testing.T) {
	ch := make(events.ChanEmitter, 16)
	s := New(ch, nil)

	c := newContainer("a", "local", "", "web")
	if _, err := s.Insert(c); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.Insert(c); !errors.Is(err, errors.AlreadyExists) {
		t.Fatalf("duplicate insert must fail, got %v", err)
	}

	c.Result = &model.Result{Tag: "1.11"}
	got, err := s.Update(c)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !got.UpdateAvailable {
		t.Fatalf("derived fields must be recomputed on write")
	}
	if _, err := s.Update(newContainer("missing", "local", "", "x")); !errors.Is(err, errors.NotFound) {
		t.Fatalf("update of missing container must be NotFound, got %v", err)
	}

	if _, ok := s.Delete("a"); !ok {
		t.Fatalf("delete failed")
	}
	if _, ok := s.Get("a"); ok {
		t.Fatalf("container still present after delete")
	}

	want := []events.Type{events.ContainerAdded, events.ContainerUpdated, events.ContainerRemoved}
	got2 := drain(ch)
	if len(got2) != len(want) {
		t.Fatalf("events = %v, want %v", got2, want)
	}
	for i := range want {
		if got2[i] != want[i] {
			t.Fatalf("events = %v, want %v", got2, want)
		}
	}
}

// recorder keeps every event in the order Emit was called.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func TestConcurrentWritesEmitInMapOrder(t *testing.T) {
	rec := &recorder{}
	s := New(rec, nil)
	c := newContainer("a", "local", "", "web")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.Upsert(c)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.Delete("a")
			}
		}()
	}
	wg.Wait()

	// replaying the events must reproduce every transition of the map
	present := false
	for i, e := range rec.events {
		switch e.Type {
		case events.ContainerAdded:
			if present {
				t.Fatalf("event %d: added while present", i)
			}
			present = true
		case events.ContainerUpdated:
			if !present {
				t.Fatalf("event %d: updated while absent", i)
			}
		case events.ContainerRemoved:
			if !present {
				t.Fatalf("event %d: removed while absent", i)
			}
			present = false
		}
	}
	if _, ok := s.Get("a"); ok != present {
		t.Fatalf("store has container=%t but the last event says %t", ok, present)
	}
}

func TestUpsertReportsChanges(t *testing.T) {
	s := New(nil, nil)
	c := newContainer("a", "local", "", "web")
	c.Result = &model.Result{Tag: "1.11"}

	if r := s.Upsert(c); !r.Changed {
		t.Fatalf("first observation is a change")
	}
	if r := s.Upsert(c); r.Changed {
		t.Fatalf("same result is not a change")
	}
	c.Result = &model.Result{Tag: "1.12"}
	if r := s.Upsert(c); !r.Changed {
		t.Fatalf("new tag is a change")
	}
}

func TestUpsertKeepsResultOnError(t *testing.T) {
	s := New(nil, nil)
	c := newContainer("a", "local", "", "web")
	c.Result = &model.Result{Tag: "1.11"}
	s.Upsert(c)

	failed := newContainer("a", "local", "", "web")
	failed.Error = &model.Error{Message: "registry down"}
	r := s.Upsert(failed)
	if r.Changed {
		t.Fatalf("a failed resolution keeps the previous result and is not a change")
	}
	stored, _ := s.Get("a")
	if stored.Result == nil || stored.Result.Tag != "1.11" || stored.Error == nil {
		t.Fatalf("unexpected stored container %+v", stored)
	}
}

func TestListSortedAndFiltered(t *testing.T) {
	s := New(nil, nil)
	s.Upsert(newContainer("3", "remote", "edge", "db"))
	s.Upsert(newContainer("2", "local", "", "web"))
	s.Upsert(newContainer("1", "local", "", "api"))

	all := s.List(nil)
	if len(all) != 3 || all[0].ID != "1" || all[1].ID != "2" || all[2].ID != "3" {
		t.Fatalf("unexpected order %v", ids(all))
	}
	if got := s.List(ByAgent("edge")); len(got) != 1 || got[0].ID != "3" {
		t.Fatalf("agent filter returned %v", ids(got))
	}
	if got := s.List(Partition("local", "")); len(got) != 2 {
		t.Fatalf("partition filter returned %v", ids(got))
	}
}

func TestPrune(t *testing.T) {
	s := New(nil, nil)
	s.Upsert(newContainer("edge:1", "local", "edge", "a"))
	s.Upsert(newContainer("edge:2", "local", "edge", "b"))
	s.Upsert(newContainer("edge:3", "local", "edge", "c"))
	s.Upsert(newContainer("4", "local", "", "d"))

	removed := s.Prune("local", "edge", set.NewStrings("edge:1", "edge:3"))
	if len(removed) != 1 || removed[0] != "edge:2" {
		t.Fatalf("removed %v", removed)
	}
	if got := len(s.List(ByAgent("edge"))); got != 2 {
		t.Fatalf("want 2 agent containers left, got %d", got)
	}
	if _, ok := s.Get("4"); !ok {
		t.Fatalf("other partitions must be untouched")
	}
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wud.json")
	s := New(nil, state.New(path))
	c := newContainer("a", "local", "", "web")
	c.Result = &model.Result{Tag: "1.11"}
	s.Upsert(c)

	reloaded := New(nil, state.New(path))
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := reloaded.Get("a")
	if !ok || !got.UpdateAvailable {
		t.Fatalf("container not restored: %+v", got)
	}
}

func ids(cs []model.Container) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}
