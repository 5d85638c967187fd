// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/poiesic/regsearch/ai"
	"github.com/poiesic/regsearch/core"
	"github.com/poiesic/regsearch/index"
	"github.com/poiesic/regsearch/keylock"
	"github.com/poiesic/regsearch/retry"
	"github.com/poiesic/regsearch/storage"
	"github.com/poiesic/regsearch/telemetry"
)

const rotationAttempts = 2

// HistoryIndex receives step descriptors. *index.Index implements it.
type HistoryIndex interface {
	Store(ctx context.Context, content string, embedding core.Embedding, metadata map[string]string, domain core.Domain, opts ...index.StoreOption) (core.ID, error)
	Remove(ctx context.Context, domain core.Domain, ids ...core.ID) (int, error)
	RemoveOwned(ctx context.Context, domain core.Domain, owner string) (int, error)
}

// EncryptionInfo describes the key state of one user.
type EncryptionInfo struct {
	ActiveKeyID  string
	PendingKeyID string
	Records      int
	RecordsByKey map[string]int
}

// Tracker records, decrypts and analyzes per-user workflow history.
// All methods are safe for concurrent use; operations on one user are
// serialized while different users proceed in parallel.
type Tracker struct {
	records    storage.WorkflowRepository
	keys       KeyManager
	locks      *keylock.Locker
	patterns   *patternCache
	history    HistoryIndex
	embedder   ai.Embedder
	retention  time.Duration
	batchSize  int
	retryDelay time.Duration
	location   *time.Location
	metrics    *telemetry.Metrics
	now        func() time.Time
	logger     *slog.Logger
}

// NewTracker creates a Tracker over records, sealing with keys from keys.
func NewTracker(records storage.WorkflowRepository, keys KeyManager, opts ...Option) (*Tracker, error) {
	if records == nil {
		return nil, ErrRecordRepositoryRequired
	}
	if keys == nil {
		return nil, ErrKeyManagerRequired
	}
	t := &Tracker{
		records:    records,
		keys:       keys,
		locks:      keylock.New(),
		patterns:   newPatternCache(),
		retention:  DefaultRetention,
		batchSize:  DefaultRotationBatchSize,
		retryDelay: DefaultRetryDelay,
		location:   time.UTC,
		metrics:    telemetry.Noop(),
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	t.logger = t.logger.With("component", "workflow-tracker")
	return t, nil
}

// Retention returns the configured retention window.
func (t *Tracker) Retention() time.Duration {
	return t.retention
}

func userKeyFor(userID string) ([]byte, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, core.ErrEmptyUserID
	}
	return core.HashKey("user:" + userID), nil
}

func recordIDFor(userKey []byte, stepID string) core.ID {
	return core.IDFromContent(hex.EncodeToString(userKey) + "/" + stepID)
}

// RecordWorkflowStep encrypts and stores step for userID. Recording the same
// step id again replaces the earlier record.
func (t *Tracker) RecordWorkflowStep(ctx context.Context, userID string, step *core.WorkflowStep) (err error) {
	start := time.Now()
	defer func() { t.metrics.RecordWorkflowOp(ctx, "record", time.Since(start), err) }()

	uk, err := userKeyFor(userID)
	if err != nil {
		return err
	}
	if err := core.ValidateWorkflowStep(step); err != nil {
		return err
	}
	emb := t.embedDescriptor(ctx, step)

	unlock := t.locks.Lock(string(uk))
	defer unlock()
	if err := t.seal(ctx, uk, step); err != nil {
		return err
	}
	if emb != nil {
		t.storeDescriptor(ctx, uk, step, emb)
	}
	return nil
}

// seal encrypts and writes one step. Callers hold the user's lock.
func (t *Tracker) seal(ctx context.Context, uk []byte, step *core.WorkflowStep) error {
	key, err := t.keys.EnsureKey(ctx, uk)
	if err != nil {
		return err
	}
	id := recordIDFor(uk, step.StepID)
	nonce, ct, err := seal(key.Material, storage.MarshalWorkflowStep(step), recordAAD(uk, id))
	if err != nil {
		return err
	}
	record := &core.EncryptedRecord{
		RecordID:   id,
		KeyID:      key.ID,
		Nonce:      nonce,
		Ciphertext: ct,
		CreatedAt:  step.Timestamp.UTC(),
	}
	if err := retry.Transient(ctx, func() error {
		return t.records.PutRecords(ctx, uk, record)
	}); err != nil {
		return err
	}
	t.patterns.invalidate(string(uk))
	return nil
}

// describe is the text embedded for a step. It is sent to the embedder only
// and never persisted.
func describe(step *core.WorkflowStep) string {
	actions := make([]string, len(step.UserActions))
	for i, a := range step.UserActions {
		actions[i] = a.ActionType
	}
	if len(actions) == 0 {
		return step.DocumentType + " workflow step"
	}
	return step.DocumentType + " workflow step: " + strings.Join(actions, ", ")
}

// descriptorContent is the persisted content of a step's index entry: an
// opaque reference to the encrypted record.
func descriptorContent(recordID core.ID) string {
	return "workflow step " + recordID.String()
}

func descriptorID(uk []byte, recordID core.ID) core.ID {
	return index.RecordID(descriptorContent(recordID), nil, hex.EncodeToString(uk))
}

// embedDescriptor returns nil when history indexing is off or the embedder
// fails; the encrypted record is the source of truth.
func (t *Tracker) embedDescriptor(ctx context.Context, step *core.WorkflowStep) core.Embedding {
	if t.history == nil {
		return nil
	}
	emb, err := t.embedder.EmbedText(ctx, describe(step), core.DomainUserHistory)
	if err != nil {
		t.logger.Warn("history descriptor not indexed", "error", err)
		return nil
	}
	return emb
}

// storeDescriptor indexes the step under the user's ownership. Callers hold
// the user's lock so a concurrent delete cannot miss the entry.
func (t *Tracker) storeDescriptor(ctx context.Context, uk []byte, step *core.WorkflowStep, emb core.Embedding) {
	content := descriptorContent(recordIDFor(uk, step.StepID))
	if _, err := t.history.Store(ctx, content, emb, nil, core.DomainUserHistory, index.WithOwner(hex.EncodeToString(uk))); err != nil {
		t.logger.Warn("history descriptor not indexed", "error", err)
	}
}

func (t *Tracker) keyMap(ctx context.Context, uk []byte) (map[string]*core.KeyRecord, error) {
	keys, err := t.keys.Keys(ctx, uk)
	if err != nil {
		return nil, err
	}
	m := make(map[string]*core.KeyRecord, len(keys))
	for _, k := range keys {
		m[k.ID] = k
	}
	return m, nil
}

func (t *Tracker) listRecords(ctx context.Context, uk []byte) ([]*core.EncryptedRecord, error) {
	var records []*core.EncryptedRecord
	err := retry.Transient(ctx, func() error {
		var err error
		records, err = t.records.ListRecords(ctx, uk)
		return err
	})
	return records, err
}

func openRecord(uk []byte, record *core.EncryptedRecord, keys map[string]*core.KeyRecord) ([]byte, error) {
	key, ok := keys[record.KeyID]
	if !ok {
		return nil, fmt.Errorf("%w: record %s sealed under %s", core.ErrMissingKey, record.RecordID, record.KeyID)
	}
	return open(key.Material, record.Nonce, record.Ciphertext, recordAAD(uk, record.RecordID))
}

func decryptAll(uk []byte, records []*core.EncryptedRecord, keys map[string]*core.KeyRecord) ([]*core.WorkflowStep, error) {
	steps := make([]*core.WorkflowStep, 0, len(records))
	for _, record := range records {
		plaintext, err := openRecord(uk, record, keys)
		if err != nil {
			return nil, err
		}
		step, err := storage.UnmarshalWorkflowStep(plaintext)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// load decrypts a user's history ordered by timestamp.
func (t *Tracker) load(ctx context.Context, uk []byte) ([]*core.WorkflowStep, error) {
	keys, err := t.keyMap(ctx, uk)
	if err != nil {
		return nil, err
	}
	records, err := t.listRecords(ctx, uk)
	if err != nil {
		return nil, err
	}
	steps, err := decryptAll(uk, records, keys)
	if errors.Is(err, core.ErrMissingKey) {
		// A rotation that started after the keys were read can leave records
		// under a key we have not seen yet.
		if keys, err = t.keyMap(ctx, uk); err != nil {
			return nil, err
		}
		steps, err = decryptAll(uk, records, keys)
	}
	if err != nil {
		return nil, err
	}
	slices.SortFunc(steps, func(a, b *core.WorkflowStep) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.StepID, b.StepID)
	})
	return steps, nil
}

// GetWorkflowHistory returns the user's decrypted steps ordered by timestamp.
func (t *Tracker) GetWorkflowHistory(ctx context.Context, userID string) (steps []*core.WorkflowStep, err error) {
	start := time.Now()
	defer func() { t.metrics.RecordWorkflowOp(ctx, "history", time.Since(start), err) }()

	uk, err := userKeyFor(userID)
	if err != nil {
		return nil, err
	}
	return t.load(ctx, uk)
}

// RotateEncryptionKey re-encrypts every record of the user under a new key.
// An interrupted rotation leaves both keys in place and is resumed by the
// next call.
func (t *Tracker) RotateEncryptionKey(ctx context.Context, userID string) (err error) {
	start := time.Now()
	defer func() { t.metrics.RecordWorkflowOp(ctx, "rotate", time.Since(start), err) }()

	uk, err := userKeyFor(userID)
	if err != nil {
		return err
	}
	unlock := t.locks.Lock(string(uk))
	defer unlock()

	if err := retry.Do(ctx, func() error { return t.rotate(ctx, uk) }, rotationAttempts, t.retryDelay); err != nil {
		t.logger.Error("key rotation failed", "error", err)
		return fmt.Errorf("%w: %w", core.ErrRotationFailed, err)
	}
	t.patterns.invalidate(string(uk))
	return nil
}

func (t *Tracker) rotate(ctx context.Context, uk []byte) error {
	if _, err := t.keys.EnsureKey(ctx, uk); err != nil {
		return err
	}
	pending, err := t.keys.BeginRotation(ctx, uk)
	if err != nil {
		return err
	}
	keys, err := t.keyMap(ctx, uk)
	if err != nil {
		return err
	}
	records, err := t.listRecords(ctx, uk)
	if err != nil {
		return err
	}

	batch := make([]*core.EncryptedRecord, 0, t.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := retry.Transient(ctx, func() error {
			return t.records.PutRecords(ctx, uk, batch...)
		})
		batch = batch[:0]
		return err
	}

	moved := 0
	for _, record := range records {
		if record.KeyID == pending.ID {
			continue
		}
		plaintext, err := openRecord(uk, record, keys)
		if err != nil {
			return err
		}
		nonce, ct, err := seal(pending.Material, plaintext, recordAAD(uk, record.RecordID))
		if err != nil {
			return err
		}
		batch = append(batch, &core.EncryptedRecord{
			RecordID:   record.RecordID,
			KeyID:      pending.ID,
			Nonce:      nonce,
			Ciphertext: ct,
			CreatedAt:  record.CreatedAt,
		})
		moved++
		if len(batch) >= t.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if err := t.keys.CompleteRotation(ctx, uk); err != nil {
		return err
	}
	t.logger.Info("rotated encryption key", "records", moved, "total", len(records))
	return nil
}

// AnalyzeWorkflowPatterns mines the user's history. Results are cached until
// the user's history changes; callers must not modify the returned value.
func (t *Tracker) AnalyzeWorkflowPatterns(ctx context.Context, userID string) (analysis *core.PatternAnalysis, err error) {
	start := time.Now()
	defer func() { t.metrics.RecordWorkflowOp(ctx, "analyze", time.Since(start), err) }()

	uk, err := userKeyFor(userID)
	if err != nil {
		return nil, err
	}
	cached, gen := t.patterns.get(string(uk))
	if cached != nil {
		return cached, nil
	}
	steps, err := t.load(ctx, uk)
	if err != nil {
		return nil, err
	}
	analysis = analyze(userID, steps, t.location, t.now())
	t.patterns.put(string(uk), gen, analysis)
	return analysis, nil
}

// DeleteUserData removes every record, key, index descriptor and cached
// analysis belonging to userID.
func (t *Tracker) DeleteUserData(ctx context.Context, userID string) (err error) {
	start := time.Now()
	defer func() { t.metrics.RecordWorkflowOp(ctx, "delete", time.Since(start), err) }()

	uk, err := userKeyFor(userID)
	if err != nil {
		return err
	}
	unlock := t.locks.Lock(string(uk))
	defer unlock()

	if err := retry.Transient(ctx, func() error { return t.records.DeleteUser(ctx, uk) }); err != nil {
		return err
	}
	if err := t.keys.Revoke(ctx, uk); err != nil {
		return err
	}
	if t.history != nil {
		if _, err := t.history.RemoveOwned(ctx, core.DomainUserHistory, core.UserKey(userID)); err != nil {
			return err
		}
	}
	t.patterns.invalidate(string(uk))
	t.logger.Info("deleted user data")
	return nil
}

// PurgeExpired removes records older than the retention window across all
// users and returns how many were removed.
func (t *Tracker) PurgeExpired(ctx context.Context) (purged int, err error) {
	start := time.Now()
	defer func() { t.metrics.RecordWorkflowOp(ctx, "purge", time.Since(start), err) }()

	var users [][]byte
	if err := retry.Transient(ctx, func() error {
		var err error
		users, err = t.records.ListUsers(ctx)
		return err
	}); err != nil {
		return 0, err
	}
	cutoff := t.now().Add(-t.retention)
	for _, uk := range users {
		n, err := t.purgeUser(ctx, uk, cutoff)
		if err != nil {
			return purged, err
		}
		purged += n
	}
	if purged > 0 {
		t.logger.Info("purged expired workflow records", "records", purged, "cutoff", cutoff)
	}
	return purged, nil
}

func (t *Tracker) purgeUser(ctx context.Context, uk []byte, cutoff time.Time) (int, error) {
	unlock := t.locks.Lock(string(uk))
	defer unlock()

	var descriptors []core.ID
	if t.history != nil {
		records, err := t.listRecords(ctx, uk)
		if err != nil {
			return 0, err
		}
		for _, r := range records {
			if r.CreatedAt.Before(cutoff) {
				descriptors = append(descriptors, descriptorID(uk, r.RecordID))
			}
		}
	}

	var n int
	err := retry.Transient(ctx, func() error {
		var err error
		n, err = t.records.DeleteRecordsBefore(ctx, uk, cutoff)
		return err
	})
	if n > 0 {
		t.patterns.invalidate(string(uk))
	}
	if err != nil {
		return n, err
	}
	if len(descriptors) > 0 {
		if _, err := t.history.Remove(ctx, core.DomainUserHistory, descriptors...); err != nil {
			return n, err
		}
	}
	return n, nil
}

// EncryptionInfo reports the user's key state and how many records each key seals.
func (t *Tracker) EncryptionInfo(ctx context.Context, userID string) (*EncryptionInfo, error) {
	uk, err := userKeyFor(userID)
	if err != nil {
		return nil, err
	}
	keys, err := t.keys.Keys(ctx, uk)
	if err != nil {
		return nil, err
	}
	records, err := t.listRecords(ctx, uk)
	if err != nil {
		return nil, err
	}
	info := &EncryptionInfo{Records: len(records), RecordsByKey: map[string]int{}}
	for _, k := range keys {
		switch k.State {
		case core.KeyStateActive:
			info.ActiveKeyID = k.ID
		case core.KeyStatePending:
			info.PendingKeyID = k.ID
		}
	}
	for _, r := range records {
		info.RecordsByKey[r.KeyID]++
	}
	return info, nil
}

// RawEntries returns the exact key and value bytes persisted for userID.
func (t *Tracker) RawEntries(ctx context.Context, userID string) ([][]byte, error) {
	uk, err := userKeyFor(userID)
	if err != nil {
		return nil, err
	}
	return t.records.RawEntries(ctx, uk)
}
