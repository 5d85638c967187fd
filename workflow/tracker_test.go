package workflow_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/regsearch/ai/mock"
	"github.com/poiesic/regsearch/core"
	"github.com/poiesic/regsearch/index"
	"github.com/poiesic/regsearch/storage/badger"
	"github.com/poiesic/regsearch/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTracker_RequiresDependencies(t *testing.T) {
	repos, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	defer repos.Close()
	keys, err := workflow.NewStoreKeyManager(repos.Keys, masterKey)
	require.NoError(t, err)

	_, err = workflow.NewTracker(nil, keys)
	assert.ErrorIs(t, err, workflow.ErrRecordRepositoryRequired)
	_, err = workflow.NewTracker(repos.Workflow, nil)
	assert.ErrorIs(t, err, workflow.ErrKeyManagerRequired)
	_, err = workflow.NewTracker(repos.Workflow, keys, workflow.WithRetention(0))
	assert.Error(t, err)
}

func TestRecordWorkflowStep_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.tracker.RecordWorkflowStep(ctx, "  ", step("s1", "DD1155", base))
	assert.ErrorIs(t, err, core.ErrEmptyUserID)

	err = f.tracker.RecordWorkflowStep(ctx, "alice", nil)
	assert.ErrorIs(t, err, core.ErrInvalidStep)

	err = f.tracker.RecordWorkflowStep(ctx, "alice", step("", "DD1155", base))
	assert.ErrorIs(t, err, core.ErrInvalidStep)

	err = f.tracker.RecordWorkflowStep(ctx, "alice", step("s1", "DD1155", time.Now().Add(time.Hour)))
	assert.ErrorIs(t, err, core.ErrInvalidTimestamp)
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = f.tracker.GetWorkflowHistory(ctx, "")
	assert.ErrorIs(t, err, core.ErrEmptyUserID)
}

func TestWorkflowHistory_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s3 := step("s3", "SF1449", base.Add(2*time.Minute), "open", "submit")
	s1 := step("s1", "DD1155", base, "open", "edit", "save")
	s2 := step("s2", "DD254", base.Add(time.Minute), "open")
	recordAll(t, f.tracker, "alice", s3, s1, s2)

	history, err := f.tracker.GetWorkflowHistory(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []*core.WorkflowStep{s1, s2, s3}, history)

	empty, err := f.tracker.GetWorkflowHistory(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRecordWorkflowStep_ReplacesSameStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recordAll(t, f.tracker, "alice", step("s1", "DD1155", base, "open"))
	updated := step("s1", "DD1155", base, "open", "save")
	recordAll(t, f.tracker, "alice", updated)

	history, err := f.tracker.GetWorkflowHistory(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, updated, history[0])
}

func TestRecordWorkflowStep_FreshNonces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uk := core.HashKey("user:alice")

	s := step("s1", "DD1155", base, "open")
	recordAll(t, f.tracker, "alice", s)
	before, err := f.repos.Workflow.ListRecords(ctx, uk)
	require.NoError(t, err)
	recordAll(t, f.tracker, "alice", s)
	after, err := f.repos.Workflow.ListRecords(ctx, uk)
	require.NoError(t, err)

	require.Len(t, before, 1)
	require.Len(t, after, 1)
	assert.Len(t, after[0].Nonce, 12)
	assert.NotEqual(t, before[0].Nonce, after[0].Nonce)
	assert.NotEqual(t, before[0].Ciphertext, after[0].Ciphertext)
}

func TestPersistedBytesHideFieldValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := "jane.doe@agency.example"

	s := &core.WorkflowStep{
		StepID:       "step-TOPSECRET-4471",
		Timestamp:    base,
		DocumentType: "DD254 Security Classification",
		FormFields: map[string]string{
			"contractNumber": "HQ0034-25-C-0099",
			"classification": "SECRET//NOFORN",
			"vendor":         "Acme Aerospace Holdings",
			"ssn":            "078-05-1120",
		},
		UserActions: []core.UserAction{
			{ActionType: "paste", Target: "block 10.j special instructions", Timestamp: base},
		},
	}
	recordAll(t, f.tracker, userID, s)

	var sensitive []string
	sensitive = append(sensitive, userID, s.StepID, s.DocumentType)
	for k, v := range s.FormFields {
		sensitive = append(sensitive, k, v)
	}
	for _, a := range s.UserActions {
		sensitive = append(sensitive, a.ActionType, a.Target)
	}

	raw, err := f.tracker.RawEntries(ctx, userID)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	for _, entry := range raw {
		for _, value := range sensitive {
			for i := 0; i+5 <= len(value); i++ {
				window := []byte(value[i : i+5])
				assert.False(t, bytes.Contains(entry, window), "persisted bytes contain %q", window)
			}
		}
	}
}

func TestUserIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recordAll(t, f.tracker, "alice", step("a1", "DD1155", base), step("shared", "DD1155", base.Add(time.Minute)))
	recordAll(t, f.tracker, "bob", step("b1", "SF1449", base), step("shared", "SF1449", base.Add(time.Minute)))

	alice, err := f.tracker.GetWorkflowHistory(ctx, "alice")
	require.NoError(t, err)
	bob, err := f.tracker.GetWorkflowHistory(ctx, "bob")
	require.NoError(t, err)

	require.Len(t, alice, 2)
	require.Len(t, bob, 2)
	for _, s := range alice {
		assert.Equal(t, "DD1155", s.DocumentType)
	}
	for _, s := range bob {
		assert.Equal(t, "SF1449", s.DocumentType)
	}

	// Envelopes are bound to their owner.
	records, err := f.repos.Workflow.ListRecords(ctx, core.HashKey("user:alice"))
	require.NoError(t, err)
	require.NoError(t, f.repos.Workflow.PutRecords(ctx, core.HashKey("user:bob"), records...))
	_, err = f.tracker.GetWorkflowHistory(ctx, "bob")
	assert.ErrorIs(t, err, core.ErrEncryption)
}

func TestRotateEncryptionKey(t *testing.T) {
	f := newFixture(t, workflow.WithRotationBatchSize(3))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		recordAll(t, f.tracker, "alice", step(fmt.Sprintf("s%02d", i), "DD1155", base.Add(time.Duration(i)*time.Minute), "open", "save"))
	}
	before, err := f.tracker.GetWorkflowHistory(ctx, "alice")
	require.NoError(t, err)
	infoBefore, err := f.tracker.EncryptionInfo(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 10, infoBefore.RecordsByKey[infoBefore.ActiveKeyID])

	require.NoError(t, f.tracker.RotateEncryptionKey(ctx, "alice"))

	after, err := f.tracker.GetWorkflowHistory(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	info, err := f.tracker.EncryptionInfo(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, infoBefore.ActiveKeyID, info.ActiveKeyID)
	assert.Empty(t, info.PendingKeyID)
	assert.Equal(t, map[string]int{info.ActiveKeyID: 10}, info.RecordsByKey)

	// New records use the rotated key.
	recordAll(t, f.tracker, "alice", step("s10", "DD1155", base.Add(time.Hour)))
	info, err = f.tracker.EncryptionInfo(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 11, info.RecordsByKey[info.ActiveKeyID])
}

func TestRotateEncryptionKey_EmptyUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.tracker.RotateEncryptionKey(ctx, "newcomer"))
	info, err := f.tracker.EncryptionInfo(ctx, "newcomer")
	require.NoError(t, err)
	assert.NotEmpty(t, info.ActiveKeyID)
	assert.Zero(t, info.Records)
}

func TestRotateEncryptionKey_ResumesAfterFailure(t *testing.T) {
	repos, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	defer repos.Close()
	keys, err := workflow.NewStoreKeyManager(repos.Keys, masterKey)
	require.NoError(t, err)
	records := &flakyRecords{WorkflowRepository: repos.Workflow}
	tracker, err := workflow.NewTracker(records, keys,
		workflow.WithRotationBatchSize(2),
		workflow.WithRetryDelay(time.Millisecond))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		recordAll(t, tracker, "alice", step(fmt.Sprintf("s%02d", i), "DD1155", base.Add(time.Duration(i)*time.Minute), "open"))
	}
	before, err := tracker.GetWorkflowHistory(ctx, "alice")
	require.NoError(t, err)
	original, err := tracker.EncryptionInfo(ctx, "alice")
	require.NoError(t, err)

	records.arm(2)
	err = tracker.RotateEncryptionKey(ctx, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRotationFailed)
	assert.ErrorIs(t, err, core.ErrEncryption)

	partial, err := tracker.EncryptionInfo(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, original.ActiveKeyID, partial.ActiveKeyID, "old key is kept until rotation completes")
	require.NotEmpty(t, partial.PendingKeyID)
	assert.Equal(t, 4, partial.RecordsByKey[partial.PendingKeyID])
	assert.Equal(t, 6, partial.RecordsByKey[partial.ActiveKeyID])

	mixed, err := tracker.GetWorkflowHistory(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, before, mixed)

	records.disarm()
	require.NoError(t, tracker.RotateEncryptionKey(ctx, "alice"))

	done, err := tracker.EncryptionInfo(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, partial.PendingKeyID, done.ActiveKeyID, "resumed rotation keeps the pending key")
	assert.Empty(t, done.PendingKeyID)
	assert.Equal(t, map[string]int{done.ActiveKeyID: 10}, done.RecordsByKey)

	after, err := tracker.GetWorkflowHistory(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDeleteUserData(t *testing.T) {
	repos, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	defer repos.Close()
	keys, err := workflow.NewStoreKeyManager(repos.Keys, masterKey)
	require.NoError(t, err)
	idx, err := index.New(repos.Vectors)
	require.NoError(t, err)
	tracker, err := workflow.NewTracker(repos.Workflow, keys,
		workflow.WithHistoryIndex(idx, mock.NewMockEmbedder()))
	require.NoError(t, err)
	ctx := context.Background()

	recordAll(t, tracker, "alice", step("a1", "DD1155", base, "open"), step("a2", "DD254", base.Add(time.Minute), "save"))
	recordAll(t, tracker, "bob", step("b1", "SF1449", base, "open"))
	_, err = tracker.AnalyzeWorkflowPatterns(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, tracker.DeleteUserData(ctx, "alice"))

	raw, err := tracker.RawEntries(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, raw)
	wrapped, err := repos.Keys.ListKeys(ctx, core.HashKey("user:alice"))
	require.NoError(t, err)
	assert.Empty(t, wrapped)
	history, err := tracker.GetWorkflowHistory(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, history)
	analysis, err := tracker.AnalyzeWorkflowPatterns(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, analysis.StepCount)

	var owners []string
	require.NoError(t, idx.ForEach(ctx, core.DomainUserHistory, func(r *core.IndexRecord) error {
		owners = append(owners, r.Owner)
		return nil
	}))
	assert.Equal(t, []string{core.UserKey("bob")}, owners)

	bob, err := tracker.GetWorkflowHistory(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, bob, 1)
}

func newIndexedFixture(t *testing.T, opts ...workflow.Option) (*workflow.Tracker, *index.Index) {
	t.Helper()
	repos, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() { repos.Close() })
	keys, err := workflow.NewStoreKeyManager(repos.Keys, masterKey)
	require.NoError(t, err)
	idx, err := index.New(repos.Vectors)
	require.NoError(t, err)
	tracker, err := workflow.NewTracker(repos.Workflow, keys,
		append([]workflow.Option{workflow.WithHistoryIndex(idx, mock.NewMockEmbedder())}, opts...)...)
	require.NoError(t, err)
	return tracker, idx
}

func ownedDescriptors(t *testing.T, idx *index.Index, userID string) []*core.IndexRecord {
	t.Helper()
	var out []*core.IndexRecord
	require.NoError(t, idx.ForEach(context.Background(), core.DomainUserHistory, func(r *core.IndexRecord) error {
		if r.Owner == core.UserKey(userID) {
			out = append(out, r)
		}
		return nil
	}))
	return out
}

func TestHistoryIndex_DescriptorsOnly(t *testing.T) {
	tracker, idx := newIndexedFixture(t)
	ctx := context.Background()

	s := step("a1", "SECRET-DD254", base, "classify", "save")
	recordAll(t, tracker, "alice", s)

	entries := ownedDescriptors(t, idx, "alice")
	require.Len(t, entries, 1)
	e := entries[0]
	for _, value := range []string{"SECRET-DD254", "classify", "save", s.FormFields["contractNumber"], "field-0"} {
		assert.NotContains(t, e.Content, value)
		for k, v := range e.Metadata {
			assert.NotContains(t, k+"="+v, value)
		}
	}

	// The vector still carries the step's meaning.
	results, err := idx.Search(ctx, mock.Vector("SECRET-DD254 workflow step: classify, save", core.DefaultDimension), core.DomainUserHistory, 5, 0.99,
		index.WithOwnerScope(core.UserKey("alice")))
	require.NoError(t, err)
	assert.Len(t, results, 1)
	results, err = idx.Search(ctx, e.Vector, core.DomainUserHistory, 5, 0,
		index.WithOwnerScope(core.UserKey("bob")))
	require.NoError(t, err)
	assert.Empty(t, results)

	// Recording the same step again updates its entry in place.
	recordAll(t, tracker, "alice", s, step("a2", "SECRET-DD254", base.Add(time.Minute), "classify", "save"))
	assert.Len(t, ownedDescriptors(t, idx, "alice"), 2)
}

func TestHistoryIndex_PurgedWithRecords(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	tracker, idx := newIndexedFixture(t, workflow.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	recordAll(t, tracker, "alice",
		step("old", "DD1155", now.Add(-100*24*time.Hour), "open"),
		step("recent", "DD1155", now.Add(-10*24*time.Hour), "open"))
	require.Len(t, ownedDescriptors(t, idx, "alice"), 2)

	purged, err := tracker.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.Len(t, ownedDescriptors(t, idx, "alice"), 1)
}

func TestHistoryIndex_ConcurrentRecordAndDelete(t *testing.T) {
	tracker, idx := newIndexedFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 200)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 15; i++ {
				s := step(fmt.Sprintf("w%d-%d", w, i), "DD254", base.Add(time.Duration(i)*time.Minute), "fill")
				if err := tracker.RecordWorkflowStep(ctx, "alice", s); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			if err := tracker.DeleteUserData(ctx, "alice"); err != nil {
				errs <- err
			}
			time.Sleep(time.Millisecond)
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	history, err := tracker.GetWorkflowHistory(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, ownedDescriptors(t, idx, "alice"), len(history),
		"every indexed step has a record and every record its entry")

	require.NoError(t, tracker.DeleteUserData(ctx, "alice"))
	assert.Empty(t, ownedDescriptors(t, idx, "alice"))
}

func TestPurgeExpired(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	f := newFixture(t, workflow.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	recordAll(t, f.tracker, "alice",
		step("old", "DD1155", now.Add(-100*24*time.Hour)),
		step("recent", "DD1155", now.Add(-10*24*time.Hour)))
	recordAll(t, f.tracker, "bob", step("old", "SF1449", now.Add(-91*24*time.Hour)))

	purged, err := f.tracker.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	alice, err := f.tracker.GetWorkflowHistory(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alice, 1)
	assert.Equal(t, "recent", alice[0].StepID)
	bob, err := f.tracker.GetWorkflowHistory(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, bob)

	purged, err = f.tracker.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestConcurrentUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const users, perUser = 20, 10
	var wg sync.WaitGroup
	errs := make(chan error, users*perUser)
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", u)
			for i := 0; i < perUser; i++ {
				s := step(fmt.Sprintf("s%d", i), fmt.Sprintf("DOC-%d", u), base.Add(time.Duration(i)*time.Minute))
				if err := f.tracker.RecordWorkflowStep(ctx, userID, s); err != nil {
					errs <- err
				}
			}
			if u%2 == 0 {
				if err := f.tracker.RotateEncryptionKey(ctx, userID); err != nil {
					errs <- err
				}
			}
		}(u)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for u := 0; u < users; u++ {
		history, err := f.tracker.GetWorkflowHistory(ctx, fmt.Sprintf("user-%d", u))
		require.NoError(t, err)
		require.Len(t, history, perUser)
		for _, s := range history {
			assert.Equal(t, fmt.Sprintf("DOC-%d", u), s.DocumentType)
		}
	}
}

func TestRecordWorkflowStep_Latency(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping latency test in short mode")
	}
	f := newFixture(t)
	ctx := context.Background()

	const n = 200
	start := time.Now()
	for i := 0; i < n; i++ {
		s := step(fmt.Sprintf("s%d", i), "DD1155", base.Add(time.Duration(i)*time.Second), "open", "edit", "save")
		require.NoError(t, f.tracker.RecordWorkflowStep(ctx, "alice", s))
	}
	avg := time.Since(start) / n
	assert.Less(t, avg, 50*time.Millisecond)
}
