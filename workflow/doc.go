// Package workflow records what users do while filling procurement forms.
//
// Every step is serialized, sealed with AES-256-GCM under a per-user data key
// and written under a hashed storage key, so neither identifiers nor field
// values reach disk in the clear. Data keys are created lazily, wrapped under a
// key-encryption key derived from a master secret, and can be rotated without
// losing history: rotation is resumable and readers tolerate records sealed
// under either key while it runs.
//
// The Tracker also mines a user's decrypted history for repeated step
// sequences, document-type affinity and time-of-day habits, which the search
// layer uses to personalize ranking.
package workflow
