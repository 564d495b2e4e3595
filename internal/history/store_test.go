package history

import (
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/dante-gpu/dante-mesh/internal/errors"
	"github.com/dante-gpu/dante-mesh/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func result(taskID, internalID string, status models.TaskStatus) models.TaskResult {
	return models.TaskResult{
		TaskID:     taskID,
		InternalID: internalID,
		Status:     status,
		ReceivedAt: time.Now(),
	}
}

func TestRecord_ForwardTransitionsOnly(t *testing.T) {
	s := NewStore(10, zap.NewNop())

	require.NoError(t, s.Record(result("t1", "i1", models.StatusPending)))
	require.NoError(t, s.Record(result("t1", "i1", models.StatusRunning)))
	require.NoError(t, s.Record(result("t1", "i1", models.StatusSucceeded)))

	err := s.Record(result("t1", "i1", models.StatusRunning))
	assert.True(t, apperrors.IsInvalidTransition(err))
	err = s.Record(result("t1", "i1", models.StatusFailed))
	assert.True(t, apperrors.IsInvalidTransition(err))

	got, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	assert.Equal(t, 1, s.Len())
}

func TestRecord_PendingCanFailDirectly(t *testing.T) {
	s := NewStore(10, zap.NewNop())
	require.NoError(t, s.Record(result("t1", "i1", models.StatusPending)))
	require.NoError(t, s.Record(result("t1", "i1", models.StatusFailed)))
}

func TestGet_NotFound(t *testing.T) {
	s := NewStore(10, zap.NewNop())
	_, err := s.Get("missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestList_InsertionOrderAndFilter(t *testing.T) {
	s := NewStore(10, zap.NewNop())
	require.NoError(t, s.Record(result("a", "1", models.StatusPending)))
	require.NoError(t, s.Record(result("b", "2", models.StatusPending)))
	require.NoError(t, s.Record(result("c", "3", models.StatusPending)))
	require.NoError(t, s.Record(result("b", "2", models.StatusFailed)))

	all := s.List(models.TaskFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].TaskID, all[1].TaskID, all[2].TaskID})

	failed := models.StatusFailed
	only := s.List(models.TaskFilter{Status: &failed})
	require.Len(t, only, 1)
	assert.Equal(t, "b", only[0].TaskID)

	counts := s.Counts()
	assert.Equal(t, 2, counts[models.StatusPending])
	assert.Equal(t, 1, counts[models.StatusFailed])
	assert.Equal(t, 0, counts[models.StatusRunning])
}

func TestEviction_OldestCompletedFirstNeverRunning(t *testing.T) {
	s := NewStore(2, zap.NewNop())

	require.NoError(t, s.Record(result("running", "r", models.StatusRunning)))
	require.NoError(t, s.Record(result("done1", "d1", models.StatusSucceeded)))
	require.NoError(t, s.Record(result("done2", "d2", models.StatusFailed)))

	// done1 is the oldest completed entry, the running one is older but kept.
	_, err := s.Get("done1")
	assert.True(t, apperrors.IsNotFound(err))
	_, err = s.Get("running")
	assert.NoError(t, err)
	_, err = s.Get("done2")
	assert.NoError(t, err)
	assert.Equal(t, 2, s.Len())
}

func TestEviction_CapMayBeExceededByInFlight(t *testing.T) {
	s := NewStore(1, zap.NewNop())
	require.NoError(t, s.Record(result("a", "1", models.StatusRunning)))
	require.NoError(t, s.Record(result("b", "2", models.StatusPending)))
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.Record(result("a", "1", models.StatusSucceeded)))
	require.NoError(t, s.Record(result("c", "3", models.StatusSucceeded)))
	// a is completed and oldest, so it goes first; b is still pending.
	_, err := s.Get("a")
	assert.True(t, apperrors.IsNotFound(err))
	_, err = s.Get("b")
	assert.NoError(t, err)
}

func TestGet_ReturnsLatestDelivery(t *testing.T) {
	s := NewStore(10, zap.NewNop())
	require.NoError(t, s.Record(result("t1", "old", models.StatusSucceeded)))
	require.NoError(t, s.Record(result("t1", "new", models.StatusPending)))

	got, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.InternalID)
}

func TestStore_ConcurrentWritersAndReaders(t *testing.T) {
	s := NewStore(50, zap.NewNop())
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				_ = s.Record(result(id, id, models.StatusPending))
				_ = s.Record(result(id, id, models.StatusRunning))
				_ = s.Record(result(id, id, models.StatusSucceeded))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = s.List(models.TaskFilter{})
				_ = s.Counts()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, s.Len(), 50)
}
