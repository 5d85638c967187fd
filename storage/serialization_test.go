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
	"bytes"
	"testing"
	"time"

	"github.com/poiesic/regsearch/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexRecordRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	record := &core.IndexRecord{
		ID:         core.IDFromContent("chunk"),
		Domain:     core.DomainRegulations,
		Content:    "Contractors shall comply with the clause.",
		Vector:     core.Normalize([]float32{0.1, -0.2, 0.3, 0.4}),
		Metadata:   map[string]string{"regulationNumber": "FAR 52.227-1", "subpart": "52.2"},
		Owner:      "",
		InsertedAt: now,
	}

	decoded, err := UnmarshalIndexRecord(MarshalIndexRecord(record))
	require.NoError(t, err)
	assert.Equal(t, record.ID, decoded.ID)
	assert.Equal(t, record.Domain, decoded.Domain)
	assert.Equal(t, record.Content, decoded.Content)
	assert.Equal(t, record.Vector, decoded.Vector)
	assert.Equal(t, record.Metadata, decoded.Metadata)
	assert.True(t, record.InsertedAt.Equal(decoded.InsertedAt))
}

func TestMarshalIsDeterministic(t *testing.T) {
	meta := map[string]string{"b": "2", "a": "1", "c": "3"}
	r1 := &core.IndexRecord{Content: "x", Metadata: meta}
	r2 := &core.IndexRecord{Content: "x", Metadata: map[string]string{"c": "3", "a": "1", "b": "2"}}
	assert.Equal(t, MarshalIndexRecord(r1), MarshalIndexRecord(r2))
}

func TestWorkflowStepRoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 4, 9, 30, 0, 0, time.UTC)
	step := &core.WorkflowStep{
		StepID:       "step-1",
		Timestamp:    ts,
		DocumentType: "Purchase Request",
		FormFields:   map[string]string{"vendor": "Acme Widgets", "amount": "125000"},
		UserActions: []core.UserAction{
			{ActionType: "open", Target: "form", Timestamp: ts},
			{ActionType: "fill", Target: "vendor", Timestamp: ts.Add(time.Second)},
		},
	}

	decoded, err := UnmarshalWorkflowStep(MarshalWorkflowStep(step))
	require.NoError(t, err)
	assert.Equal(t, step.StepID, decoded.StepID)
	assert.True(t, step.Timestamp.Equal(decoded.Timestamp))
	assert.Equal(t, step.FormFields, decoded.FormFields)
	require.Len(t, decoded.UserActions, 2)
	assert.Equal(t, "vendor", decoded.UserActions[1].Target)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	rec := &core.EncryptedRecord{
		RecordID:   42,
		KeyID:      "3f7c1c1e-8f6d-4f0b-9c59-9f6d1a2b3c4d",
		Nonce:      bytes.Repeat([]byte{1}, 12),
		Ciphertext: []byte{9, 8, 7, 6, 5},
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	decoded, err := UnmarshalEncryptedRecord(MarshalEncryptedRecord(rec))
	require.NoError(t, err)
	assert.Equal(t, rec.Nonce, decoded.Nonce)
	assert.Equal(t, rec.Ciphertext, decoded.Ciphertext)

	key := &core.WrappedKey{ID: "k1", State: core.KeyStatePending, Nonce: []byte{1}, Ciphertext: []byte{2}}
	decodedKey, err := UnmarshalWrappedKey(MarshalWrappedKey(key))
	require.NoError(t, err)
	assert.Equal(t, core.KeyStatePending, decodedKey.State)
	assert.True(t, decodedKey.CreatedAt.IsZero())
}

func TestUnmarshalTruncated(t *testing.T) {
	data := MarshalIndexRecord(&core.IndexRecord{
		Content: "some content",
		Vector:  []float32{1, 0, 0},
	})

	_, err := UnmarshalIndexRecord(data[:len(data)/2])
	assert.ErrorIs(t, err, ErrSerializationFailed)
	assert.ErrorIs(t, err, core.ErrStorage)

	_, err = UnmarshalWorkflowStep(nil)
	assert.Error(t, err)
}
