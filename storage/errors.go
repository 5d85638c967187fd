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
	"errors"
	"fmt"

	"github.com/poiesic/regsearch/core"
)

var (
	// ErrNotFound indicates that the requested record was not found.
	ErrNotFound = core.ErrNotFound

	// ErrStorageClosed indicates that the storage backend is closed.
	ErrStorageClosed = fmt.Errorf("%w: storage is closed", core.ErrStorage)

	// ErrSerializationFailed indicates a serialization/deserialization failure.
	ErrSerializationFailed = fmt.Errorf("%w: serialization failed", core.ErrCorrupt)

	// ErrTruncatedData indicates that data was truncated during reading.
	ErrTruncatedData = errors.New("truncated data")

	// ErrBackendRequired is returned by repository constructors given a nil backend.
	ErrBackendRequired = errors.New("backend is required")
)
