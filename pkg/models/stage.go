// Package models contains shared data models used across the etlpilot codebase.
package models

import (
	"time"
)

// Kind identifies which stage of the pipeline a handle belongs to.
type Kind string

const (
	KindCrawl     Kind = "crawl"
	KindTransform Kind = "transform"
)

// Valid reports whether k is a known stage kind.
func (k Kind) Valid() bool {
	return k == KindCrawl || k == KindTransform
}

// JobHandle is the opaque reference returned when an external operation starts.
// Handles are values: they are copied into every poll and never mutated.
type JobHandle struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
}

// IsZero reports whether h was never assigned by a job service.
func (h JobHandle) IsZero() bool {
	return h.ID == ""
}

// State is the raw state reported by a single status query.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateNotFound  State = "not_found"
)

// Terminal reports whether no further polling can change the outcome.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// JobStatus is the result of one status query. A fresh value is produced on
// every poll.
type JobStatus struct {
	State   State  `json:"state"`
	Detail  string `json:"detail,omitempty"`
	Attempt int    `json:"attempt"`

	// Cause carries an in-process classification (for example a lost handle)
	// that is not part of the wire format.
	Cause error `json:"-"`
}
