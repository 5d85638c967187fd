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
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// DefaultDimension is the embedding width used when none is configured.
const DefaultDimension = 768

// ID is a unique identifier for stored entities.
// It is generated using content-based hashing.
type ID uint64

// IDFromContent generates a deterministic ID from text content using BLAKE2b hashing.
// This ensures that identical content produces identical IDs.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// String renders the ID as fixed-width hex.
func (id ID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// HashKey returns a 16 byte BLAKE2b digest of text. Storage keys are built
// from these digests so identifiers never appear verbatim on disk.
func HashKey(text string) []byte {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(text))
	return h.Sum(nil)
}

// UserKey is the hex form of HashKey for a user identifier. It is what the
// index stores as the owner of user-scoped entries.
func UserKey(userID string) string {
	return hex.EncodeToString(HashKey("user:" + userID))
}

// Domain tags which partition a record lives in.
type Domain uint8

const (
	// DomainRegulations holds chunks of regulatory text.
	DomainRegulations Domain = iota + 1
	// DomainUserHistory holds descriptors of a user's past work.
	DomainUserHistory
)

// AllDomains lists every partition in a stable order.
var AllDomains = []Domain{DomainRegulations, DomainUserHistory}

// Valid reports whether d is one of the known partitions.
func (d Domain) Valid() bool {
	return d == DomainRegulations || d == DomainUserHistory
}

func (d Domain) String() string {
	switch d {
	case DomainRegulations:
		return "regulations"
	case DomainUserHistory:
		return "userHistory"
	default:
		return fmt.Sprintf("domain(%d)", uint8(d))
	}
}

// ParseDomain maps a domain name back to its tag.
func ParseDomain(s string) (Domain, error) {
	switch s {
	case "regulations", "regulation", "reg":
		return DomainRegulations, nil
	case "userHistory", "user-history", "userhistory", "history":
		return DomainUserHistory, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDomain, s)
	}
}

// Embedding is an L2-normalized vector.
type Embedding []float32

// IndexRecord is the stored form of one entry in a domain partition.
type IndexRecord struct {
	ID         ID
	Domain     Domain
	Content    string
	Vector     Embedding
	Metadata   map[string]string
	Owner      string // empty for shared entries, UserKey otherwise
	InsertedAt time.Time
}

// RegulationSource identifies the regulation family a document belongs to.
type RegulationSource int

const (
	SourceFAR RegulationSource = iota + 1
	SourceDFARS
	SourceOther
)

func (s RegulationSource) Valid() bool {
	return s >= SourceFAR && s <= SourceOther
}

func (s RegulationSource) String() string {
	switch s {
	case SourceFAR:
		return "FAR"
	case SourceDFARS:
		return "DFARS"
	case SourceOther:
		return "other"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// ParseRegulationSource maps a source name to its tag.
func ParseRegulationSource(s string) (RegulationSource, error) {
	switch s {
	case "FAR", "far":
		return SourceFAR, nil
	case "DFARS", "dfars":
		return SourceDFARS, nil
	case "other", "OTHER":
		return SourceOther, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedSource, s)
	}
}

// RegulationMetadata describes a regulation document.
type RegulationMetadata struct {
	RegulationNumber string
	Title            string
	Subpart          string
	Supplement       string
	Part             string
	Section          string
	EffectiveDate    time.Time
	CrossReferences  []string
	Language         string
	Extra            map[string]string // remaining <meta> tags
}

// Map flattens the metadata into the string map stored alongside chunks.
func (m *RegulationMetadata) Map() map[string]string {
	out := make(map[string]string, 8)
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set(MetaRegulationNumber, m.RegulationNumber)
	set(MetaTitle, m.Title)
	set(MetaSubpart, m.Subpart)
	set(MetaSupplement, m.Supplement)
	set(MetaPart, m.Part)
	set(MetaSection, m.Section)
	if !m.EffectiveDate.IsZero() {
		out[MetaEffectiveDate] = m.EffectiveDate.Format(time.DateOnly)
	}
	return out
}

// Metadata keys shared between ingestion and search.
const (
	MetaRegulationNumber = "regulationNumber"
	MetaTitle            = "title"
	MetaSubpart          = "subpart"
	MetaSupplement       = "supplement"
	MetaPart             = "part"
	MetaSection          = "section"
	MetaSectionHeading   = "sectionHeading"
	MetaEffectiveDate    = "effectiveDate"
	MetaSource           = "source"
	MetaChunkIndex       = "chunkIndex"
	MetaDocumentType     = "documentType"
)

// RegulationChunk is one bounded unit of a processed regulation.
type RegulationChunk struct {
	ID            ID
	Content       string
	Embedding     Embedding
	Metadata      RegulationMetadata
	ChunkIndex    int
	SectionMarker string
	Degraded      bool // embedding failed twice; not indexed
}

// ProcessedRegulation is the result of ingesting one HTML document.
type ProcessedRegulation struct {
	Source         RegulationSource
	Metadata       RegulationMetadata
	Chunks         []*RegulationChunk
	DegradedChunks int
	Truncated      bool
	ProcessingTime time.Duration
}

// UserAction is a single UI interaction inside a workflow step.
type UserAction struct {
	ActionType string
	Target     string
	Timestamp  time.Time
}

// WorkflowStep is one tracked event in a user's form-filling work.
type WorkflowStep struct {
	StepID       string
	Timestamp    time.Time
	DocumentType string
	FormFields   map[string]string
	UserActions  []UserAction
}

// Signature summarizes the step for grouping: document type plus its action sequence.
func (s *WorkflowStep) Signature() string {
	sig := s.DocumentType
	for _, a := range s.UserActions {
		sig += "|" + a.ActionType
	}
	return sig
}

// EncryptedRecord is the only persisted form of a WorkflowStep.
type EncryptedRecord struct {
	RecordID   ID
	KeyID      string
	Nonce      []byte
	Ciphertext []byte
	CreatedAt  time.Time
}

// KeyState is the lifecycle position of an encryption key.
type KeyState int

const (
	KeyStateActive KeyState = iota + 1
	KeyStatePending
	KeyStateRetired
)

func (s KeyState) String() string {
	switch s {
	case KeyStateActive:
		return "active"
	case KeyStatePending:
		return "pending"
	case KeyStateRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// KeyRecord is a per-user data encryption key. Material is only ever held in memory.
type KeyRecord struct {
	ID        string
	State     KeyState
	Material  []byte
	CreatedAt time.Time
}

// WrappedKey is the persisted form of a KeyRecord: the material sealed under a
// key-encryption key.
type WrappedKey struct {
	ID         string
	State      KeyState
	Nonce      []byte
	Ciphertext []byte
	CreatedAt  time.Time
}

// PatternKind classifies a detected pattern.
type PatternKind string

const (
	PatternSequence     PatternKind = "sequence"
	PatternDocumentType PatternKind = "documentType"
	PatternTemporal     PatternKind = "temporal"
)

// TimeBucket is a coarse time-of-day range.
type TimeBucket string

const (
	BucketNight     TimeBucket = "night"     // 00-05
	BucketMorning   TimeBucket = "morning"   // 06-11
	BucketAfternoon TimeBucket = "afternoon" // 12-17
	BucketEvening   TimeBucket = "evening"   // 18-23
)

// BucketForHour maps an hour of day to its bucket.
func BucketForHour(hour int) TimeBucket {
	switch {
	case hour < 6:
		return BucketNight
	case hour < 12:
		return BucketMorning
	case hour < 18:
		return BucketAfternoon
	default:
		return BucketEvening
	}
}

// DetectedPattern is a behavioral regularity found in a user's history.
type DetectedPattern struct {
	Name           string
	Description    string
	Kind           PatternKind
	Frequency      int
	Confidence     float64
	Evidence       []string // step ids supporting the pattern
	Sequence       []string // step signatures, for sequence patterns
	DocumentTypes  []string
	TemporalBucket TimeBucket
}

// PatternAnalysis is the full result of analyzing one user's history.
type PatternAnalysis struct {
	UserID               string
	StepCount            int
	Patterns             []*DetectedPattern
	DocumentTypeAffinity map[string]float64
	AnalyzedAt           time.Time
}

// SearchResult is a single ranked hit.
type SearchResult struct {
	ID             ID
	Content        string
	Embedding      Embedding
	RelevanceScore float64
	Domain         Domain
	Metadata       map[string]string
	StoredAt       time.Time
}

// RoutingDecision is the output of query classification.
type RoutingDecision struct {
	Domains    []Domain
	Confidence float64
	Scores     map[Domain]float64
}

// Includes reports whether the decision routes to d.
func (r RoutingDecision) Includes(d Domain) bool {
	for _, x := range r.Domains {
		if x == d {
			return true
		}
	}
	return false
}

// SearchResponse wraps ranked results with degradation information.
type SearchResponse struct {
	Results       []*SearchResult
	Degraded      bool
	FailedDomains []Domain
	Routing       RoutingDecision
}

// UserSearchContext carries personalization state for one user.
type UserSearchContext struct {
	UserID              string
	RecentQueries       []string
	DocumentTypeHistory []string
	Preferences         map[string]string
}

// StorageStats summarizes what the index holds.
type StorageStats struct {
	Records      map[Domain]int
	TotalRecords int
	LSMBytes     int64
	VLogBytes    int64
}
