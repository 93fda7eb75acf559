// Package tasks implements the task store, ready queue, executor pool, and
// dependency/retry engine of the autonomy core.
package tasks

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/autonomy-core/internal/persist"
	"github.com/haasonsaas/autonomy-core/pkg/autonomy"
)

// Filter narrows List to a subset of tasks.
type Filter struct {
	Status   *autonomy.Status
	ParentID *string // "" means "tasks with no parent"
}

func (f Filter) match(t *autonomy.Task) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.ParentID != nil {
		switch {
		case *f.ParentID == "":
			if t.ParentID != nil {
				return false
			}
		case t.ParentID == nil || *t.ParentID != *f.ParentID:
			return false
		}
	}
	return true
}

// snapshot is the persisted file shape: tasks keyed by id, plus a save
// timestamp for diagnostic purposes.
type snapshot struct {
	Tasks     map[string]*autonomy.Task `json:"tasks"`
	Timestamp time.Time                 `json:"timestamp"`
}

// Store is the in-memory task index with an optional durable JSON snapshot.
// The index is a map keyed by id plus a parent->children adjacency list,
// mirroring the dual map+slice shape the teacher's job store uses to avoid
// linear scans on common lookups; every returned *autonomy.Task is a clone,
// so callers cannot mutate store state by reference.
type Store struct {
	mu       sync.RWMutex
	tasks    map[string]*autonomy.Task
	children map[string][]string // parentID -> child task ids, insertion order

	path   string // empty disables persistence
	logger *slog.Logger
}

// NewStore creates a Store. If dir is non-empty, the store persists to
// <dir>/tasks.json on every mutation and loads from it on construction.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		tasks:    make(map[string]*autonomy.Task),
		children: make(map[string][]string),
		logger:   logger.With("component", "task-store"),
	}
	if dir != "" {
		s.path = filepath.Join(dir, "tasks.json")
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	var snap snapshot
	if err := persist.LoadJSON(s.path, &snap); err != nil {
		s.logger.Warn("task snapshot failed to load, starting empty", "error", err)
		return nil
	}
	if snap.Tasks == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range snap.Tasks {
		// A task that was RUNNING when the process stopped did not actually
		// keep running; restart it as PENDING so the retry/dependency engine
		// re-evaluates and re-dispatches it.
		if t.Status == autonomy.StatusRunning {
			t.Status = autonomy.StatusPending
		}
		s.tasks[id] = t
		if t.ParentID != nil {
			s.children[*t.ParentID] = append(s.children[*t.ParentID], id)
		}
	}
	return nil
}

// save writes the full snapshot. Callers must hold at least a read lock on
// the logical state they're persisting; save takes its own read lock since
// it's invoked both from within and outside locked sections.
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	snap := snapshot{Tasks: make(map[string]*autonomy.Task, len(s.tasks)), Timestamp: time.Now()}
	for id, t := range s.tasks {
		snap.Tasks[id] = t
	}
	s.mu.RUnlock()

	if err := persist.SaveJSON(s.path, snap); err != nil {
		return fmt.Errorf("%w: %v", autonomy.ErrPersistence, err)
	}
	return nil
}

func cloneTask(t *autonomy.Task) *autonomy.Task {
	c := *t
	c.Parameters = cloneMap(t.Parameters)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Subtasks = append([]string(nil), t.Subtasks...)
	c.Metadata = cloneMap(t.Metadata)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Put inserts or replaces a task and persists the change. Rejects a
// Dependencies list that would introduce a cycle in the dependency graph.
func (s *Store) Put(t *autonomy.Task) error {
	clone := cloneTask(t)

	s.mu.Lock()
	if s.wouldCycle(clone.ID, clone.Dependencies) {
		s.mu.Unlock()
		return fmt.Errorf("%w: task %s dependencies would introduce a cycle", autonomy.ErrInvalidArgument, clone.ID)
	}
	if existing, ok := s.tasks[t.ID]; ok && existing.ParentID != nil {
		s.removeChild(*existing.ParentID, t.ID)
	}
	s.tasks[t.ID] = clone
	if clone.ParentID != nil {
		s.children[*clone.ParentID] = appendUnique(s.children[*clone.ParentID], t.ID)
	}
	s.mu.Unlock()

	return s.save()
}

// wouldCycle reports whether id depending on deps would create a cycle,
// by walking the dependency graph outward from deps (through the
// Dependencies already on file for each task reached) and checking whether
// id itself is reachable. Callers must hold s.mu.
func (s *Store) wouldCycle(id string, deps []string) bool {
	visited := make(map[string]bool)
	var reaches func(current string) bool
	reaches = func(current string) bool {
		if current == id {
			return true
		}
		if visited[current] {
			return false
		}
		visited[current] = true
		t, ok := s.tasks[current]
		if !ok {
			return false
		}
		for _, dep := range t.Dependencies {
			if reaches(dep) {
				return true
			}
		}
		return false
	}
	for _, dep := range deps {
		if reaches(dep) {
			return true
		}
	}
	return false
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func (s *Store) removeChild(parentID, childID string) {
	kids := s.children[parentID]
	for i, id := range kids {
		if id == childID {
			s.children[parentID] = append(kids[:i], kids[i+1:]...)
			return
		}
	}
}

// Get returns a clone of the task with id, or false if it doesn't exist.
func (s *Store) Get(id string) (*autonomy.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return cloneTask(t), true
}

// StatusOf is a convenience lookup used by autonomy.Task.Ready's dependency
// check; it avoids cloning the full task for a status-only read.
func (s *Store) StatusOf(id string) (autonomy.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return "", false
	}
	return t.Status, true
}

// Children returns the ids of tasks whose ParentID is parentID, in
// insertion order.
func (s *Store) Children(parentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.children[parentID]...)
}

// List returns clones of every task matching filter, sorted by CreatedAt
// ascending.
func (s *Store) List(filter Filter) []*autonomy.Task {
	s.mu.RLock()
	out := make([]*autonomy.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter.match(t) {
			out = append(out, cloneTask(t))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Mutate applies fn to the stored task under the store's lock, then persists
// the result. fn must not retain the pointer it's given beyond the call. If
// fn returns an error, no change is saved.
func (s *Store) Mutate(id string, fn func(t *autonomy.Task) error) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: task %s", autonomy.ErrInvalidArgument, id)
	}
	working := cloneTask(t)
	if err := fn(working); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.wouldCycle(id, working.Dependencies) {
		s.mu.Unlock()
		return fmt.Errorf("%w: task %s dependencies would introduce a cycle", autonomy.ErrInvalidArgument, id)
	}
	if working.ParentID != nil && (t.ParentID == nil || *t.ParentID != *working.ParentID) {
		if t.ParentID != nil {
			s.removeChild(*t.ParentID, id)
		}
		s.children[*working.ParentID] = appendUnique(s.children[*working.ParentID], id)
	}
	s.tasks[id] = working
	s.mu.Unlock()

	return s.save()
}

// Delete removes a task (and its child-index entry) without persisting a
// tombstone; the next save simply omits it.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	if t, ok := s.tasks[id]; ok && t.ParentID != nil {
		s.removeChild(*t.ParentID, id)
	}
	delete(s.tasks, id)
	s.mu.Unlock()
	return s.save()
}

// Len returns the number of tasks in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
