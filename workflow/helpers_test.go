package workflow_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/regsearch/core"
	"github.com/poiesic/regsearch/storage"
	"github.com/poiesic/regsearch/storage/badger"
	"github.com/poiesic/regsearch/workflow"
	"github.com/stretchr/testify/require"
)

var masterKey = bytes.Repeat([]byte{0x5a}, 32)

type fixture struct {
	repos   *badger.MemoryRepositories
	keys    *workflow.StoreKeyManager
	tracker *workflow.Tracker
}

func newFixture(t *testing.T, opts ...workflow.Option) *fixture {
	t.Helper()
	repos, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() { repos.Close() })
	keys, err := workflow.NewStoreKeyManager(repos.Keys, masterKey)
	require.NoError(t, err)
	tracker, err := workflow.NewTracker(repos.Workflow, keys, opts...)
	require.NoError(t, err)
	return &fixture{repos: repos, keys: keys, tracker: tracker}
}

// base is a fixed instant in the past, on a Monday at 09:00 UTC.
var base = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

func step(id, docType string, at time.Time, actions ...string) *core.WorkflowStep {
	s := &core.WorkflowStep{
		StepID:       id,
		Timestamp:    at,
		DocumentType: docType,
		FormFields:   map[string]string{"contractNumber": "W91QUZ-" + id},
	}
	for i, a := range actions {
		s.UserActions = append(s.UserActions, core.UserAction{
			ActionType: a,
			Target:     fmt.Sprintf("field-%d", i),
			Timestamp:  at.Add(time.Duration(i) * time.Second),
		})
	}
	return s
}

func recordAll(t *testing.T, tr *workflow.Tracker, userID string, steps ...*core.WorkflowStep) {
	t.Helper()
	for _, s := range steps {
		require.NoError(t, tr.RecordWorkflowStep(context.Background(), userID, s))
	}
}

// flakyRecords fails PutRecords once its budget of successful calls is spent.
type flakyRecords struct {
	storage.WorkflowRepository

	mu     sync.Mutex
	armed  bool
	budget int
}

func (f *flakyRecords) arm(budget int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed, f.budget = true, budget
}

func (f *flakyRecords) disarm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = false
}

func (f *flakyRecords) PutRecords(ctx context.Context, userKey []byte, records ...*core.EncryptedRecord) error {
	f.mu.Lock()
	if f.armed {
		if f.budget == 0 {
			f.mu.Unlock()
			return fmt.Errorf("%w: injected", core.ErrStorageIO)
		}
		f.budget--
	}
	f.mu.Unlock()
	return f.WorkflowRepository.PutRecords(ctx, userKey, records...)
}
