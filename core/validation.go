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
	"fmt"
	"strings"
	"time"
)

// clockSkew tolerates step timestamps produced on a slightly fast client clock.
const clockSkew = 5 * time.Minute

// ValidateEmbedding checks that e has the configured dimension and is usable.
func ValidateEmbedding(e []float32, dimension int) error {
	if len(e) != dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(e), dimension)
	}
	if Magnitude(e) == 0 {
		return fmt.Errorf("%w: zero vector", ErrValidation)
	}
	return nil
}

// ValidateDomain rejects tags outside the closed Domain set.
func ValidateDomain(d Domain) error {
	if !d.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidDomain, d)
	}
	return nil
}

// ValidateSearch checks the shared search parameters.
func ValidateSearch(limit int, threshold float64) error {
	if limit <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	if threshold < -1 || threshold > 1 {
		return fmt.Errorf("%w: %f", ErrInvalidThreshold, threshold)
	}
	return nil
}

// ValidateWorkflowStep validates a WorkflowStep before it is recorded.
//
// Validation rules:
//   - StepID and DocumentType must not be blank
//   - Timestamp must be set and not in the future
//   - Every action must carry an ActionType
func ValidateWorkflowStep(step *WorkflowStep) error {
	if step == nil {
		return fmt.Errorf("%w: step is nil", ErrInvalidStep)
	}
	if strings.TrimSpace(step.StepID) == "" {
		return fmt.Errorf("%w: step id is empty", ErrInvalidStep)
	}
	if strings.TrimSpace(step.DocumentType) == "" {
		return fmt.Errorf("%w: document type is empty", ErrInvalidStep)
	}
	if step.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is zero", ErrInvalidStep)
	}
	if !IsValidTimestamp(step.Timestamp) {
		return fmt.Errorf("%w: %w", ErrInvalidStep, ErrInvalidTimestamp)
	}
	for i, a := range step.UserActions {
		if strings.TrimSpace(a.ActionType) == "" {
			return fmt.Errorf("%w: action %d has no type", ErrInvalidStep, i)
		}
	}
	return nil
}

// IsValidTimestamp checks if a timestamp is not in the future.
func IsValidTimestamp(t time.Time) bool {
	return !t.After(time.Now().Add(clockSkew))
}
