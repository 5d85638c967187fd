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
	"context"
	"errors"
	"fmt"
)

// Error categories. Every error returned by this module wraps exactly one of these.
var (
	ErrValidation = errors.New("validation error")
	ErrStorage    = errors.New("storage error")
	ErrEncryption = errors.New("encryption error")
	ErrEmbedding  = errors.New("embedding error")
	ErrRouting    = errors.New("routing error")
)

// Validation errors
var (
	ErrDimensionMismatch   = fmt.Errorf("%w: embedding dimension mismatch", ErrValidation)
	ErrInvalidDomain       = fmt.Errorf("%w: invalid domain", ErrValidation)
	ErrEmptyContent        = fmt.Errorf("%w: content cannot be empty", ErrValidation)
	ErrInvalidLimit        = fmt.Errorf("%w: limit must be positive", ErrValidation)
	ErrInvalidThreshold    = fmt.Errorf("%w: threshold must be within [-1, 1]", ErrValidation)
	ErrMalformedHTML       = fmt.Errorf("%w: malformed html", ErrValidation)
	ErrUnsupportedSource   = fmt.Errorf("%w: unsupported regulation source", ErrValidation)
	ErrIncompleteMetadata  = fmt.Errorf("%w: incomplete regulation metadata", ErrValidation)
	ErrInsufficientContent = fmt.Errorf("%w: not enough text to form a chunk", ErrValidation)
	ErrInvalidStep         = fmt.Errorf("%w: invalid workflow step", ErrValidation)
	ErrEmptyUserID         = fmt.Errorf("%w: user id cannot be empty", ErrValidation)
	ErrInvalidTimestamp    = fmt.Errorf("%w: timestamp cannot be in the future", ErrValidation)
)

// Storage errors
var (
	ErrStorageIO = fmt.Errorf("%w: i/o failure", ErrStorage)
	ErrNotFound  = fmt.Errorf("%w: not found", ErrStorage)
	ErrCorrupt   = fmt.Errorf("%w: corrupt record", ErrStorage)
)

// Encryption errors
var (
	ErrMissingKey     = fmt.Errorf("%w: encryption key not found", ErrEncryption)
	ErrDecryption     = fmt.Errorf("%w: decryption failed", ErrEncryption)
	ErrRotationFailed = fmt.Errorf("%w: key rotation failed", ErrEncryption)
)

// Embedding errors
var (
	ErrEmbeddingFailed  = fmt.Errorf("%w: provider failure", ErrEmbedding)
	ErrEmbeddingTimeout = fmt.Errorf("%w: provider timeout", ErrEmbedding)
	ErrProviderOpen     = fmt.Errorf("%w: provider circuit open", ErrEmbedding)
)

// Routing errors
var (
	ErrEmptyQuery    = fmt.Errorf("%w: query has no searchable terms", ErrRouting)
	ErrLowConfidence = fmt.Errorf("%w: classification confidence too low", ErrRouting)
)

// IsRetryable reports whether err is a transient failure worth one more attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrStorageIO) ||
		errors.Is(err, ErrEmbeddingFailed) ||
		errors.Is(err, ErrEmbeddingTimeout)
}
