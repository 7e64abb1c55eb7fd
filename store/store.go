// Package store defines the storage contract consumed by the durable engine
// and the shared JSONB operation engine its backends use to mutate the job
// context document. Backends adapt the contract onto their substrate: Redis
// hashes (redisstore), MongoDB documents (mongostore), or process memory
// (memory).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrFieldNotFound is returned by GetField when the field is absent.
var ErrFieldNotFound = errors.New("field not found")

// ErrJobNotFound is returned by job-level operations on missing records.
var ErrJobNotFound = errors.New("job not found")

type (
	// Store is the job-record substrate. A job record is a flat map of
	// string fields keyed by job ID; the engine layers the replay-log and
	// metadata protocol (package job) on top.
	//
	// Implementations must make each method atomic with respect to
	// concurrent calls on the same job.
	Store interface {
		// FindJobFields returns fields whose names match the glob pattern,
		// bounded by maxFields and maxBytes. A non-empty returned cursor
		// means more fields remain; pass it back to continue. The empty
		// cursor starts a scan.
		FindJobFields(ctx context.Context, jobID, pattern, cursor string, maxFields, maxBytes int) (string, map[string]string, error)

		// SetFields atomically sets the given fields, returning the number
		// of newly created ones.
		SetFields(ctx context.Context, jobID string, fields map[string]string) (int, error)

		// GetField returns a single field value or ErrFieldNotFound.
		GetField(ctx context.Context, jobID, field string) (string, error)

		// GetFields returns the present subset of the requested fields.
		GetFields(ctx context.Context, jobID string, fields []string) (map[string]string, error)

		// DeleteFields removes fields, returning the number removed.
		DeleteFields(ctx context.Context, jobID string, fields ...string) (int, error)

		// IncrementFieldByFloat adds delta to a numeric field, creating it
		// at zero when absent, and returns the new value.
		IncrementFieldByFloat(ctx context.Context, jobID, field string, delta float64) (float64, error)

		// UpdateContext applies the ordered JSONB ops to the job's context
		// document and, when marker is non-empty, writes the replay marker
		// in the same transactional unit. Results align with ops: get and
		// increment verbs produce a value, other verbs produce nil.
		UpdateContext(ctx context.Context, jobID string, ops []ContextOp, marker string) ([]json.RawMessage, error)

		// ExpireJob schedules record removal after ttl. A zero ttl removes
		// any pending expiry.
		ExpireJob(ctx context.Context, jobID string, ttl time.Duration) error

		// DeleteJob removes the record outright.
		DeleteJob(ctx context.Context, jobID string) error
	}

	// Verb enumerates the JSONB operations of the store contract.
	Verb string

	// ContextOp is one JSONB-pointer directive against the job context
	// document. Path is a dotted path into the document; the empty path
	// addresses the root.
	ContextOp struct {
		Verb  Verb            `json:"verb"`
		Path  string          `json:"path"`
		Value json.RawMessage `json:"value,omitempty"`
	}
)

// JSONB operation verbs. The wire spellings mirror the op descriptors of
// the store contract ("@context", "@context:merge", ...).
const (
	VerbSet            Verb = "@context"
	VerbMerge          Verb = "@context:merge"
	VerbGet            Verb = "@context:get"
	VerbDelete         Verb = "@context:delete"
	VerbAppend         Verb = "@context:append"
	VerbPrepend        Verb = "@context:prepend"
	VerbRemove         Verb = "@context:remove"
	VerbIncrement      Verb = "@context:increment"
	VerbToggle         Verb = "@context:toggle"
	VerbSetIfNotExists Verb = "@context:setIfNotExists"
)
