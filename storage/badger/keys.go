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

package badger

import (
	"encoding/binary"

	"github.com/poiesic/regsearch/core"
)

// Key prefixes for different data types. Each domain gets its own vector
// prefix so a partition scan can never reach another partition's records.
const (
	vectorPrefix   = "vec:"
	workflowPrefix = "wfr:"
	keyringPrefix  = "wfk:"

	userKeySize = 16
)

// makeDomainPrefix returns the prefix shared by every record of a domain.
// Format: vec:<domain byte>:
func makeDomainPrefix(domain core.Domain) []byte {
	buf := make([]byte, 0, len(vectorPrefix)+2)
	buf = append(buf, vectorPrefix...)
	buf = append(buf, byte(domain), ':')
	return buf
}

// makeVectorKey generates the key for one index record.
// Format: vec:<domain byte>:<id BigEndian>
func makeVectorKey(domain core.Domain, id core.ID) []byte {
	prefix := makeDomainPrefix(domain)
	buf := make([]byte, len(prefix)+8)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(id))
	return buf
}

// makeUserPrefix generates the prefix for one user's data under base.
// Format: base<userKey>
func makeUserPrefix(base string, userKey []byte) []byte {
	buf := make([]byte, 0, len(base)+len(userKey))
	buf = append(buf, base...)
	return append(buf, userKey...)
}

// makeWorkflowKey generates the key of one encrypted workflow record.
// Format: wfr:<userKey><recordID BigEndian>
func makeWorkflowKey(userKey []byte, recordID core.ID) []byte {
	prefix := makeUserPrefix(workflowPrefix, userKey)
	buf := make([]byte, len(prefix)+8)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(recordID))
	return buf
}

// makeKeyringKey generates the key of one wrapped encryption key.
// Format: wfk:<userKey><keyID hash BigEndian>
func makeKeyringKey(userKey []byte, keyID string) []byte {
	prefix := makeUserPrefix(keyringPrefix, userKey)
	buf := make([]byte, len(prefix)+8)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(core.IDFromContent(keyID)))
	return buf
}

// userKeyFromWorkflowKey extracts the user hash from a workflow record key.
func userKeyFromWorkflowKey(key []byte) ([]byte, bool) {
	if len(key) < len(workflowPrefix)+userKeySize {
		return nil, false
	}
	out := make([]byte, userKeySize)
	copy(out, key[len(workflowPrefix):len(workflowPrefix)+userKeySize])
	return out, true
}
