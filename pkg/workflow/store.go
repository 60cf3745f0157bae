package workflow

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	ferrors "github.com/dshills/flowagent/pkg/errors"
)

// Persister reads and writes the whole workflow collection.
type Persister interface {
	Load() ([]Workflow, error)
	Save([]Workflow) error
}

// Store is the in-memory workflow collection backed by a Persister.
//
// Every mutation builds the next collection, persists it in full, and only
// then swaps it in. Readers hold the read lock, so a scan never observes a
// half-applied mutation.
type Store struct {
	mu        sync.RWMutex
	items     []Workflow
	index     map[string]int
	persister Persister
	newID     func() string
	log       logrus.FieldLogger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store logger.
func WithLogger(l logrus.FieldLogger) StoreOption {
	return func(s *Store) { s.log = l }
}

// WithIDGenerator overrides id assignment. Used by tests.
func WithIDGenerator(fn func() string) StoreOption {
	return func(s *Store) { s.newID = fn }
}

// NewStore loads the persisted collection. A missing or empty collection
// starts empty. Records that fail validation or repeat an id are skipped
// with a warning.
func NewStore(p Persister, opts ...StoreOption) (*Store, error) {
	s := &Store{
		persister: p,
		newID:     func() string { return uuid.New().String() },
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	loaded, err := p.Load()
	if err != nil {
		return nil, ferrors.Persistence("load workflows", "", err)
	}

	items := make([]Workflow, 0, len(loaded))
	seen := make(map[string]bool, len(loaded))
	for _, w := range loaded {
		if w.ID == "" || seen[w.ID] {
			s.log.WithField("workflow_id", w.ID).Warn("skipping stored workflow with missing or duplicate id")
			continue
		}
		if err := w.Validate(); err != nil {
			s.log.WithField("workflow_id", w.ID).WithError(err).Warn("skipping invalid stored workflow")
			continue
		}
		seen[w.ID] = true
		items = append(items, w.Clone())
	}
	s.swap(items)
	return s, nil
}

// Create admits w, assigning an id when none is given. It returns the stored
// record.
func (s *Store) Create(w Workflow) (Workflow, error) {
	const op = "create workflow"
	if err := w.Validate(); err != nil {
		return Workflow{}, ferrors.Validation(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w = w.Clone()
	w.ID = strings.TrimSpace(w.ID)
	if w.ID == "" {
		w.ID = s.newID()
	}
	if _, exists := s.index[w.ID]; exists {
		return Workflow{}, ferrors.New(ferrors.KindValidation, op, w.ID,
			fmt.Errorf("workflow with id '%s' already exists", w.ID))
	}

	next := make([]Workflow, len(s.items), len(s.items)+1)
	copy(next, s.items)
	next = append(next, w)
	if err := s.commit(op, w.ID, next); err != nil {
		return Workflow{}, err
	}
	return w.Clone(), nil
}

// Update replaces the supplied fields of the workflow with the given id and
// revalidates the result. The id itself never changes.
func (s *Store) Update(id string, p Patch) (Workflow, error) {
	const op = "update workflow"

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return Workflow{}, ferrors.NotFound(op, id)
	}
	updated := p.Apply(s.items[i])
	updated.ID = id
	if err := updated.Validate(); err != nil {
		return Workflow{}, ferrors.New(ferrors.KindValidation, op, id, err)
	}

	next := make([]Workflow, len(s.items))
	copy(next, s.items)
	next[i] = updated
	if err := s.commit(op, id, next); err != nil {
		return Workflow{}, err
	}
	return updated.Clone(), nil
}

// Delete removes the workflow with the given id.
func (s *Store) Delete(id string) error {
	const op = "delete workflow"

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return ferrors.NotFound(op, id)
	}
	next := make([]Workflow, 0, len(s.items)-1)
	next = append(next, s.items[:i]...)
	next = append(next, s.items[i+1:]...)
	return s.commit(op, id, next)
}

// List returns a copy of every workflow in creation order.
func (s *Store) List() []Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Workflow, len(s.items))
	for i, w := range s.items {
		out[i] = w.Clone()
	}
	return out
}

// Get returns a copy of the workflow with the given id.
func (s *Store) Get(id string) (Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return Workflow{}, false
	}
	return s.items[i].Clone(), true
}

// View calls fn with a copy of the workflow while holding the read lock, so
// no mutation can complete until fn returns. It reports whether the id was
// present. fn must not call back into the Store's mutating methods.
func (s *Store) View(id string, fn func(Workflow)) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return false
	}
	fn(s.items[i].Clone())
	return true
}

// Len returns the number of stored workflows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// commit persists next and swaps it in. Callers hold the write lock.
func (s *Store) commit(op, id string, next []Workflow) error {
	if err := s.persister.Save(next); err != nil {
		return ferrors.Persistence(op, id, err)
	}
	s.swap(next)
	return nil
}

func (s *Store) swap(items []Workflow) {
	index := make(map[string]int, len(items))
	for i, w := range items {
		index[w.ID] = i
	}
	s.items = items
	s.index = index
}
