package history

import (
	"fmt"
	"sync"

	apperrors "github.com/dante-gpu/dante-mesh/internal/errors"
	"github.com/dante-gpu/dante-mesh/internal/models"
	"go.uber.org/zap"
)

// Store keeps the execution history of one agent in insertion order.
// Entries are keyed by the task's internal id; lookups by task id return the
// most recent delivery. When the store grows past its limit the oldest
// terminal entries are evicted. Pending and running entries are never
// evicted, so the store may hold more than limit entries while many tasks are
// in flight.
type Store struct {
	mu      sync.RWMutex
	limit   int
	order   []string
	entries map[string]models.TaskResult
	latest  map[string]string // task id -> internal id
	logger  *zap.Logger
}

// NewStore creates an empty store holding up to limit completed entries.
func NewStore(limit int, logger *zap.Logger) *Store {
	if limit < 1 {
		limit = 1
	}
	return &Store{
		limit:   limit,
		entries: make(map[string]models.TaskResult),
		latest:  make(map[string]string),
		logger:  logger.Named("history"),
	}
}

// Record inserts a new result or advances an existing one. A result whose
// status would not move the existing entry forward is rejected with
// ErrInvalidTransition.
func (s *Store) Record(result models.TaskResult) error {
	if result.InternalID == "" {
		return fmt.Errorf("record result for task %s: missing internal id", result.TaskID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[result.InternalID]; ok {
		if !existing.Status.CanTransitionTo(result.Status) {
			return apperrors.NewTaskError("Record", result.TaskID,
				fmt.Sprintf("%s -> %s", existing.Status, result.Status), apperrors.ErrInvalidTransition)
		}
		s.entries[result.InternalID] = result
		if result.Status.IsTerminal() {
			s.evictLocked()
		}
		return nil
	}

	s.entries[result.InternalID] = result
	s.order = append(s.order, result.InternalID)
	s.latest[result.TaskID] = result.InternalID
	s.evictLocked()
	return nil
}

func (s *Store) evictLocked() {
	for len(s.order) > s.limit {
		victim := -1
		for i, id := range s.order {
			if s.entries[id].Status.IsTerminal() {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}

		id := s.order[victim]
		evicted := s.entries[id]
		delete(s.entries, id)
		s.order = append(s.order[:victim], s.order[victim+1:]...)
		if s.latest[evicted.TaskID] == id {
			delete(s.latest, evicted.TaskID)
		}
		s.logger.Debug("Evicted task result",
			zap.String("task_id", evicted.TaskID),
			zap.String("status", string(evicted.Status)))
	}
}

// Get returns the most recent result recorded for taskID.
func (s *Store) Get(taskID string) (models.TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.latest[taskID]
	if !ok {
		return models.TaskResult{}, apperrors.NewTaskError("Get", taskID, "no recorded result", apperrors.ErrNotFound)
	}
	return s.entries[id], nil
}

// List returns the results matching filter in insertion order.
func (s *Store) List(filter models.TaskFilter) []models.TaskResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.TaskResult, 0, len(s.order))
	for _, id := range s.order {
		r := s.entries[id]
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}

// Counts returns the number of held results per status.
func (s *Store) Counts() map[models.TaskStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.TaskStatus]int, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		counts[st] = 0
	}
	for _, r := range s.entries {
		counts[r.Status]++
	}
	return counts
}

// Len returns the number of held results.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
