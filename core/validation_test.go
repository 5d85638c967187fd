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

package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateWorkflowStep(t *testing.T) {
	validTime := time.Now().Add(-time.Hour)
	futureTime := time.Now().Add(24 * time.Hour)

	tests := []struct {
		name    string
		step    *WorkflowStep
		wantErr error
	}{
		{
			name: "valid step",
			step: &WorkflowStep{
				StepID:       "s1",
				Timestamp:    validTime,
				DocumentType: "Purchase Request",
				UserActions:  []UserAction{{ActionType: "open", Target: "form"}},
			},
		},
		{
			name: "valid step without actions",
			step: &WorkflowStep{StepID: "s1", Timestamp: validTime, DocumentType: "SOW"},
		},
		{
			name:    "nil step",
			step:    nil,
			wantErr: ErrInvalidStep,
		},
		{
			name:    "blank step id",
			step:    &WorkflowStep{StepID: "  ", Timestamp: validTime, DocumentType: "SOW"},
			wantErr: ErrInvalidStep,
		},
		{
			name:    "missing document type",
			step:    &WorkflowStep{StepID: "s1", Timestamp: validTime},
			wantErr: ErrInvalidStep,
		},
		{
			name:    "zero timestamp",
			step:    &WorkflowStep{StepID: "s1", DocumentType: "SOW"},
			wantErr: ErrInvalidStep,
		},
		{
			name:    "future timestamp",
			step:    &WorkflowStep{StepID: "s1", Timestamp: futureTime, DocumentType: "SOW"},
			wantErr: ErrInvalidTimestamp,
		},
		{
			name: "action without type",
			step: &WorkflowStep{
				StepID: "s1", Timestamp: validTime, DocumentType: "SOW",
				UserActions: []UserAction{{Target: "field"}},
			},
			wantErr: ErrInvalidStep,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWorkflowStep(tt.step)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestValidateEmbedding(t *testing.T) {
	assert.NoError(t, ValidateEmbedding([]float32{1, 0, 0}, 3))
	assert.ErrorIs(t, ValidateEmbedding([]float32{1, 0}, 3), ErrDimensionMismatch)
	assert.ErrorIs(t, ValidateEmbedding([]float32{0, 0, 0}, 3), ErrValidation)
}

func TestValidateSearch(t *testing.T) {
	assert.NoError(t, ValidateSearch(10, 0.5))
	assert.ErrorIs(t, ValidateSearch(0, 0.5), ErrInvalidLimit)
	assert.ErrorIs(t, ValidateSearch(5, 1.5), ErrInvalidThreshold)
}

func TestErrorCategories(t *testing.T) {
	tests := []struct {
		err      error
		category error
	}{
		{ErrDimensionMismatch, ErrValidation},
		{ErrMalformedHTML, ErrValidation},
		{ErrStorageIO, ErrStorage},
		{ErrNotFound, ErrStorage},
		{ErrMissingKey, ErrEncryption},
		{ErrRotationFailed, ErrEncryption},
		{ErrEmbeddingTimeout, ErrEmbedding},
		{ErrEmptyQuery, ErrRouting},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, tt.err, tt.category, tt.err.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrStorageIO))
	assert.True(t, IsRetryable(errors.Join(errors.New("disk"), ErrEmbeddingTimeout)))
	assert.False(t, IsRetryable(ErrDimensionMismatch))
	assert.False(t, IsRetryable(nil))
}
