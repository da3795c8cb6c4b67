// Package store keeps the container inventory. Containers are keyed by id
// and partitioned by (watcher, agent); every write is published on the bus.
package store

import (
	"sort"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/jpvargasdev/Auspex/internal/events"
	"github.com/jpvargasdev/Auspex/internal/model"
	"github.com/jpvargasdev/Auspex/internal/state"
)

var logger = loggo.GetLogger("auspex.store")

// Filter selects containers.
type Filter func(model.Container) bool

// Partition selects the containers of one watcher on one agent ("" is local).
func Partition(watcher, agent string) Filter {
	return func(c model.Container) bool { return c.Watcher == watcher && c.Agent == agent }
}

// ByAgent selects the containers mirrored from one agent.
func ByAgent(agent string) Filter {
	return func(c model.Container) bool { return c.Agent == agent }
}

type Store struct {
	mu         sync.RWMutex
	containers map[string]model.Container
	emitter    events.Emitter
	file       *state.File
}

// New creates a store publishing on emitter. file may be nil to disable persistence.
func New(emitter events.Emitter, file *state.File) *Store {
	return &Store{
		containers: make(map[string]model.Container),
		emitter:    emitter,
		file:       file,
	}
}

// Load restores the snapshot without emitting events.
func (s *Store) Load() error {
	if s.file == nil {
		return nil
	}
	containers, err := s.file.Load()
	if err != nil {
		return errors.Annotate(err, "loading store")
	}
	s.mu.Lock()
	for _, c := range containers {
		c.Refresh()
		s.containers[c.ID] = c
	}
	s.mu.Unlock()
	logger.Infof("loaded %d containers from %s", len(containers), s.file.Path())
	return nil
}

// Insert adds a container; it fails when the id already exists.
func (s *Store) Insert(c model.Container) (model.Container, error) {
	s.mu.Lock()
	if _, ok := s.containers[c.ID]; ok {
		s.mu.Unlock()
		return model.Container{}, errors.AlreadyExistsf("container %s", c.ID)
	}
	c.Refresh()
	s.containers[c.ID] = c.Clone()
	s.emit(events.ContainerAdded, c)
	s.mu.Unlock()

	s.persist()
	return c, nil
}

// Update replaces an existing container.
func (s *Store) Update(c model.Container) (model.Container, error) {
	s.mu.Lock()
	if _, ok := s.containers[c.ID]; !ok {
		s.mu.Unlock()
		return model.Container{}, errors.NotFoundf("container %s", c.ID)
	}
	c.Refresh()
	s.containers[c.ID] = c.Clone()
	s.emit(events.ContainerUpdated, c)
	s.mu.Unlock()

	s.persist()
	return c, nil
}

// Upsert inserts or replaces a container and reports whether its
// resolution outcome changed. A container carrying an error and no result
// keeps the result previously stored.
func (s *Store) Upsert(c model.Container) model.ContainerReport {
	s.mu.Lock()
	prev, exists := s.containers[c.ID]
	if exists && c.Error != nil && c.Result == nil && prev.Result != nil {
		r := *prev.Result
		c.Result = &r
	}
	c.Refresh()
	s.containers[c.ID] = c.Clone()
	if exists {
		s.emit(events.ContainerUpdated, c)
	} else {
		s.emit(events.ContainerAdded, c)
	}
	s.mu.Unlock()

	report := model.ContainerReport{Container: c, Changed: !exists || model.ResultChanged(prev.Result, c.Result)}
	s.persist()
	return report
}

func (s *Store) Get(id string) (model.Container, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.containers[id]
	if !ok {
		return model.Container{}, false
	}
	return c.Clone(), true
}

// List returns the matching containers sorted by watcher, name and tag.
// A nil filter matches everything.
func (s *Store) List(f Filter) []model.Container {
	s.mu.RLock()
	out := make([]model.Container, 0, len(s.containers))
	for _, c := range s.containers {
		if f == nil || f(c) {
			out = append(out, c.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Watcher != b.Watcher {
			return a.Watcher < b.Watcher
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Image.Tag.Value < b.Image.Tag.Value
	})
	return out
}

// Delete removes a container and returns it.
func (s *Store) Delete(id string) (model.Container, bool) {
	s.mu.Lock()
	c, ok := s.containers[id]
	if !ok {
		s.mu.Unlock()
		return model.Container{}, false
	}
	delete(s.containers, id)
	s.emit(events.ContainerRemoved, c)
	s.mu.Unlock()

	s.persist()
	return c, true
}

// Prune deletes the containers of a (watcher, agent) partition whose id is
// not in keep and returns the removed ids.
func (s *Store) Prune(watcher, agent string, keep set.Strings) []string {
	var removed []string
	for _, c := range s.List(Partition(watcher, agent)) {
		if keep.Contains(c.ID) {
			continue
		}
		if _, ok := s.Delete(c.ID); ok {
			logger.Debugf("pruned container %s", model.FullName(c))
			removed = append(removed, c.ID)
		}
	}
	return removed
}

// emit runs under s.mu so events leave in the order the map changed.
// Emitters must not block or call back into the store.
func (s *Store) emit(t events.Type, c model.Container) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(events.Event{Type: t, Container: c.Clone()})
}

func (s *Store) persist() {
	if s.file == nil {
		return
	}
	if err := s.file.Save(s.List(nil)); err != nil {
		logger.Errorf("saving store: %v", err)
	}
}
