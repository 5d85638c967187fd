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

package storage

import (
	"fmt"
	"slices"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/regsearch/core"
)

// writer runs an encode function twice: once to size the buffer and once to fill it.
type writer struct {
	bs     []byte
	n      int
	sizing bool
}

func encode(fn func(w *writer)) []byte {
	s := &writer{sizing: true}
	fn(s)
	w := &writer{bs: make([]byte, s.n)}
	fn(w)
	return w.bs
}

func (w *writer) int64(v int64) {
	if w.sizing {
		w.n += varint.Int64.Size(v)
		return
	}
	w.n += varint.Int64.Marshal(v, w.bs[w.n:])
}

func (w *writer) uint64(v uint64) {
	if w.sizing {
		w.n += varint.Uint64.Size(v)
		return
	}
	w.n += varint.Uint64.Marshal(v, w.bs[w.n:])
}

func (w *writer) string(v string) {
	if w.sizing {
		w.n += ord.String.Size(v)
		return
	}
	w.n += ord.String.Marshal(v, w.bs[w.n:])
}

func (w *writer) bytes(v []byte) {
	w.string(string(v))
}

func (w *writer) float32(v float32) {
	if w.sizing {
		w.n += raw.Float32.Size(v)
		return
	}
	w.n += raw.Float32.Marshal(v, w.bs[w.n:])
}

func (w *writer) time(t time.Time) {
	if t.IsZero() {
		w.int64(0)
		return
	}
	w.int64(t.UnixMicro())
}

func (w *writer) stringMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	w.int64(int64(len(keys)))
	for _, k := range keys {
		w.string(k)
		w.string(m[k])
	}
}

// reader decodes sequentially and remembers the first error.
type reader struct {
	bs  []byte
	n   int
	err error
}

func (r *reader) int64() int64 {
	if r.err != nil {
		return 0
	}
	v, n, err := varint.Int64.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *reader) uint64() uint64 {
	if r.err != nil {
		return 0
	}
	v, n, err := varint.Uint64.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *reader) string() string {
	if r.err != nil {
		return ""
	}
	v, n, err := ord.String.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *reader) bytes() []byte {
	s := r.string()
	if r.err != nil {
		return nil
	}
	return []byte(s)
}

func (r *reader) float32() float32 {
	if r.err != nil {
		return 0
	}
	v, n, err := raw.Float32.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *reader) time() time.Time {
	v := r.int64()
	if r.err != nil || v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

// length reads a collection length and rejects values the remaining bytes cannot hold.
func (r *reader) length() int {
	v := r.int64()
	if r.err != nil {
		return 0
	}
	if v < 0 || v > int64(len(r.bs)-r.n) {
		r.err = ErrTruncatedData
		return 0
	}
	return int(v)
}

func (r *reader) stringMap() map[string]string {
	n := r.length()
	if r.err != nil || n == 0 {
		return nil
	}
	m := make(map[string]string, n)
	for i := 0; i < n && r.err == nil; i++ {
		k := r.string()
		m[k] = r.string()
	}
	return m
}

func (r *reader) done() error {
	if r.err != nil {
		return fmt.Errorf("%w: %w", ErrSerializationFailed, r.err)
	}
	return nil
}

// MarshalIndexRecord serializes an IndexRecord to bytes.
func MarshalIndexRecord(record *core.IndexRecord) []byte {
	return encode(func(w *writer) {
		w.uint64(uint64(record.ID))
		w.uint64(uint64(record.Domain))
		w.string(record.Content)
		w.int64(int64(len(record.Vector)))
		for _, v := range record.Vector {
			w.float32(v)
		}
		w.stringMap(record.Metadata)
		w.string(record.Owner)
		w.time(record.InsertedAt)
	})
}

// UnmarshalIndexRecord deserializes an IndexRecord from bytes.
func UnmarshalIndexRecord(data []byte) (*core.IndexRecord, error) {
	r := &reader{bs: data}
	record := &core.IndexRecord{}
	record.ID = core.ID(r.uint64())
	record.Domain = core.Domain(r.uint64())
	record.Content = r.string()
	n := r.length()
	if r.err == nil && n > 0 {
		record.Vector = make(core.Embedding, n)
		for i := 0; i < n && r.err == nil; i++ {
			record.Vector[i] = r.float32()
		}
	}
	record.Metadata = r.stringMap()
	record.Owner = r.string()
	record.InsertedAt = r.time()
	if err := r.done(); err != nil {
		return nil, err
	}
	return record, nil
}

// MarshalWorkflowStep serializes a WorkflowStep. The output is only ever
// handed to the cipher; it is never written to storage as-is.
func MarshalWorkflowStep(step *core.WorkflowStep) []byte {
	return encode(func(w *writer) {
		w.string(step.StepID)
		w.time(step.Timestamp)
		w.string(step.DocumentType)
		w.stringMap(step.FormFields)
		w.int64(int64(len(step.UserActions)))
		for _, a := range step.UserActions {
			w.string(a.ActionType)
			w.string(a.Target)
			w.time(a.Timestamp)
		}
	})
}

// UnmarshalWorkflowStep deserializes a WorkflowStep from bytes.
func UnmarshalWorkflowStep(data []byte) (*core.WorkflowStep, error) {
	r := &reader{bs: data}
	step := &core.WorkflowStep{}
	step.StepID = r.string()
	step.Timestamp = r.time()
	step.DocumentType = r.string()
	step.FormFields = r.stringMap()
	n := r.length()
	if r.err == nil && n > 0 {
		step.UserActions = make([]core.UserAction, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			var a core.UserAction
			a.ActionType = r.string()
			a.Target = r.string()
			a.Timestamp = r.time()
			step.UserActions = append(step.UserActions, a)
		}
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return step, nil
}

// MarshalEncryptedRecord serializes an EncryptedRecord to bytes.
func MarshalEncryptedRecord(record *core.EncryptedRecord) []byte {
	return encode(func(w *writer) {
		w.uint64(uint64(record.RecordID))
		w.string(record.KeyID)
		w.bytes(record.Nonce)
		w.bytes(record.Ciphertext)
		w.time(record.CreatedAt)
	})
}

// UnmarshalEncryptedRecord deserializes an EncryptedRecord from bytes.
func UnmarshalEncryptedRecord(data []byte) (*core.EncryptedRecord, error) {
	r := &reader{bs: data}
	record := &core.EncryptedRecord{}
	record.RecordID = core.ID(r.uint64())
	record.KeyID = r.string()
	record.Nonce = r.bytes()
	record.Ciphertext = r.bytes()
	record.CreatedAt = r.time()
	if err := r.done(); err != nil {
		return nil, err
	}
	return record, nil
}

// MarshalWrappedKey serializes a WrappedKey to bytes.
func MarshalWrappedKey(key *core.WrappedKey) []byte {
	return encode(func(w *writer) {
		w.string(key.ID)
		w.int64(int64(key.State))
		w.bytes(key.Nonce)
		w.bytes(key.Ciphertext)
		w.time(key.CreatedAt)
	})
}

// UnmarshalWrappedKey deserializes a WrappedKey from bytes.
func UnmarshalWrappedKey(data []byte) (*core.WrappedKey, error) {
	r := &reader{bs: data}
	key := &core.WrappedKey{}
	key.ID = r.string()
	key.State = core.KeyState(r.int64())
	key.Nonce = r.bytes()
	key.Ciphertext = r.bytes()
	key.CreatedAt = r.time()
	if err := r.done(); err != nil {
		return nil, err
	}
	return key, nil
}
