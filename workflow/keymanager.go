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
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/poiesic/regsearch/core"
	"github.com/poiesic/regsearch/keylock"
	"github.com/poiesic/regsearch/retry"
	"github.com/poiesic/regsearch/storage"
)

// KeyManager owns the lifecycle of per-user data keys. userKey is always the
// hashed user identifier.
type KeyManager interface {
	// EnsureKey returns the user's active key, creating it on first use.
	EnsureKey(ctx context.Context, userKey []byte) (*core.KeyRecord, error)

	// Keys returns every key the user currently holds.
	Keys(ctx context.Context, userKey []byte) ([]*core.KeyRecord, error)

	// BeginRotation returns the user's pending key, creating one if no
	// rotation is in progress.
	BeginRotation(ctx context.Context, userKey []byte) (*core.KeyRecord, error)

	// CompleteRotation promotes the pending key to active and removes the
	// keys it replaces in one transaction. It is a no-op without a pending key.
	CompleteRotation(ctx context.Context, userKey []byte) error

	// Revoke removes every key of the user.
	Revoke(ctx context.Context, userKey []byte) error
}

const kekInfo = "regsearch workflow key-encryption key v1"

// StoreKeyManager keeps data keys in a storage.KeyRepository, wrapped with
// AES-GCM under a per-user key-encryption key derived from a master secret
// with HKDF-SHA256.
type StoreKeyManager struct {
	keys   storage.KeyRepository
	master []byte
	locks  *keylock.Locker
	now    func() time.Time
	logger *slog.Logger
}

var _ KeyManager = (*StoreKeyManager)(nil)

// KeyManagerOption configures a StoreKeyManager.
type KeyManagerOption func(*StoreKeyManager) error

// WithKeyManagerLogger sets a custom logger.
// Default is slog.Default().
func WithKeyManagerLogger(logger *slog.Logger) KeyManagerOption {
	return func(m *StoreKeyManager) error {
		if logger == nil {
			logger = slog.Default()
		}
		m.logger = logger
		return nil
	}
}

// NewStoreKeyManager creates a key manager over keys. master must hold at
// least 32 bytes of secret material.
func NewStoreKeyManager(keys storage.KeyRepository, master []byte, opts ...KeyManagerOption) (*StoreKeyManager, error) {
	if keys == nil {
		return nil, ErrKeyRepositoryRequired
	}
	if len(master) < keySize {
		return nil, ErrMasterKeyInvalid
	}
	m := &StoreKeyManager{
		keys:   keys,
		master: slices.Clone(master),
		locks:  keylock.New(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	m.logger = m.logger.With("component", "workflow-keys")
	return m, nil
}

func (m *StoreKeyManager) kek(userKey []byte) ([]byte, error) {
	kek := make([]byte, keySize)
	r := hkdf.New(sha256.New, m.master, userKey, []byte(kekInfo))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("%w: derive kek: %w", core.ErrEncryption, err)
	}
	return kek, nil
}

func wrapAAD(userKey []byte, keyID string) []byte {
	return append(slices.Clone(userKey), keyID...)
}

func (m *StoreKeyManager) wrap(userKey []byte, key *core.KeyRecord) (*core.WrappedKey, error) {
	kek, err := m.kek(userKey)
	if err != nil {
		return nil, err
	}
	nonce, ct, err := seal(kek, key.Material, wrapAAD(userKey, key.ID))
	if err != nil {
		return nil, err
	}
	return &core.WrappedKey{
		ID:         key.ID,
		State:      key.State,
		Nonce:      nonce,
		Ciphertext: ct,
		CreatedAt:  key.CreatedAt,
	}, nil
}

func (m *StoreKeyManager) unwrap(userKey []byte, wrapped *core.WrappedKey) (*core.KeyRecord, error) {
	kek, err := m.kek(userKey)
	if err != nil {
		return nil, err
	}
	material, err := open(kek, wrapped.Nonce, wrapped.Ciphertext, wrapAAD(userKey, wrapped.ID))
	if err != nil {
		return nil, fmt.Errorf("unwrap key %s: %w", wrapped.ID, err)
	}
	return &core.KeyRecord{
		ID:        wrapped.ID,
		State:     wrapped.State,
		Material:  material,
		CreatedAt: wrapped.CreatedAt,
	}, nil
}

func (m *StoreKeyManager) load(ctx context.Context, userKey []byte) ([]*core.WrappedKey, error) {
	var wrapped []*core.WrappedKey
	err := retry.Transient(ctx, func() error {
		var err error
		wrapped, err = m.keys.ListKeys(ctx, userKey)
		return err
	})
	return wrapped, err
}

func (m *StoreKeyManager) apply(ctx context.Context, userKey []byte, put []*core.WrappedKey, del []string) error {
	return retry.Transient(ctx, func() error {
		return m.keys.ApplyKeys(ctx, userKey, put, del)
	})
}

func (m *StoreKeyManager) newKey(state core.KeyState) (*core.KeyRecord, error) {
	material, err := randomKey()
	if err != nil {
		return nil, err
	}
	return &core.KeyRecord{
		ID:        uuid.NewString(),
		State:     state,
		Material:  material,
		CreatedAt: m.now().UTC(),
	}, nil
}

func findState(keys []*core.WrappedKey, state core.KeyState) *core.WrappedKey {
	for _, k := range keys {
		if k.State == state {
			return k
		}
	}
	return nil
}

// create stores a fresh key in the given state.
func (m *StoreKeyManager) create(ctx context.Context, userKey []byte, state core.KeyState) (*core.KeyRecord, error) {
	key, err := m.newKey(state)
	if err != nil {
		return nil, err
	}
	wrapped, err := m.wrap(userKey, key)
	if err != nil {
		return nil, err
	}
	if err := m.apply(ctx, userKey, []*core.WrappedKey{wrapped}, nil); err != nil {
		return nil, err
	}
	m.logger.Debug("created data key", "keyID", key.ID, "state", state)
	return key, nil
}

// EnsureKey returns the active key, creating it when the user has none.
func (m *StoreKeyManager) EnsureKey(ctx context.Context, userKey []byte) (*core.KeyRecord, error) {
	unlock := m.locks.Lock(string(userKey))
	defer unlock()

	wrapped, err := m.load(ctx, userKey)
	if err != nil {
		return nil, err
	}
	if active := findState(wrapped, core.KeyStateActive); active != nil {
		return m.unwrap(userKey, active)
	}
	return m.create(ctx, userKey, core.KeyStateActive)
}

// Keys unwraps every key the user holds.
func (m *StoreKeyManager) Keys(ctx context.Context, userKey []byte) ([]*core.KeyRecord, error) {
	wrapped, err := m.load(ctx, userKey)
	if err != nil {
		return nil, err
	}
	keys := make([]*core.KeyRecord, 0, len(wrapped))
	for _, w := range wrapped {
		k, err := m.unwrap(userKey, w)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// BeginRotation resumes an interrupted rotation or starts a new one.
func (m *StoreKeyManager) BeginRotation(ctx context.Context, userKey []byte) (*core.KeyRecord, error) {
	unlock := m.locks.Lock(string(userKey))
	defer unlock()

	wrapped, err := m.load(ctx, userKey)
	if err != nil {
		return nil, err
	}
	if pending := findState(wrapped, core.KeyStatePending); pending != nil {
		m.logger.Info("resuming key rotation", "keyID", pending.ID)
		return m.unwrap(userKey, pending)
	}
	return m.create(ctx, userKey, core.KeyStatePending)
}

// CompleteRotation makes the pending key the only key.
func (m *StoreKeyManager) CompleteRotation(ctx context.Context, userKey []byte) error {
	unlock := m.locks.Lock(string(userKey))
	defer unlock()

	wrapped, err := m.load(ctx, userKey)
	if err != nil {
		return err
	}
	pending := findState(wrapped, core.KeyStatePending)
	if pending == nil {
		return nil
	}
	promoted := *pending
	promoted.State = core.KeyStateActive
	var del []string
	for _, k := range wrapped {
		if k.ID != pending.ID {
			del = append(del, k.ID)
		}
	}
	if err := m.apply(ctx, userKey, []*core.WrappedKey{&promoted}, del); err != nil {
		return err
	}
	m.logger.Info("key rotation complete", "keyID", promoted.ID, "retired", len(del))
	return nil
}

// Revoke deletes every key of the user. Records sealed under them become unreadable.
func (m *StoreKeyManager) Revoke(ctx context.Context, userKey []byte) error {
	unlock := m.locks.Lock(string(userKey))
	defer unlock()
	return retry.Transient(ctx, func() error {
		return m.keys.DeleteUserKeys(ctx, userKey)
	})
}
