// Package memory provides an in-memory implementation of the job-record
// store.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"goa.design/loom/store"
)

// Store is an in-memory implementation of the store.Store interface.
// It is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	jobs   map[string]map[string]string
	timers map[string]*time.Timer
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		jobs:   make(map[string]map[string]string),
		timers: make(map[string]*time.Timer),
	}
}

// FindJobFields scans the record for fields matching pattern. The in-memory
// backend returns all matches in one page sorted by name; cursor semantics
// degenerate to a single page unless maxFields or maxBytes force a split.
func (s *Store) FindJobFields(ctx context.Context, jobID, pattern, cursor string, maxFields, maxBytes int) (string, map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return "", map[string]string{}, nil
	}
	names := make([]string, 0, len(rec))
	for name := range rec {
		if store.MatchPattern(pattern, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(names) {
			return "", nil, store.ErrJobNotFound
		}
		start = n
	}
	out := make(map[string]string)
	bytes := 0
	for i := start; i < len(names); i++ {
		name := names[i]
		value := rec[name]
		if len(out) > 0 && ((maxFields > 0 && len(out) >= maxFields) || (maxBytes > 0 && bytes+len(value) > maxBytes)) {
			return strconv.Itoa(i), out, nil
		}
		out[name] = value
		bytes += len(name) + len(value)
	}
	return "", out, nil
}

// SetFields atomically sets fields, returning how many were newly created.
func (s *Store) SetFields(ctx context.Context, jobID string, fields map[string]string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(jobID)
	created := 0
	for k, v := range fields {
		if _, ok := rec[k]; !ok {
			created++
		}
		rec[k] = v
	}
	return created, nil
}

// GetField returns one field or store.ErrFieldNotFound.
func (s *Store) GetField(ctx context.Context, jobID, field string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return "", store.ErrFieldNotFound
	}
	v, ok := rec[field]
	if !ok {
		return "", store.ErrFieldNotFound
	}
	return v, nil
}

// GetFields returns the present subset of the requested fields.
func (s *Store) GetFields(ctx context.Context, jobID string, fields []string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(fields))
	rec, ok := s.jobs[jobID]
	if !ok {
		return out, nil
	}
	for _, f := range fields {
		if v, ok := rec[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

// DeleteFields removes fields, returning the number removed.
func (s *Store) DeleteFields(ctx context.Context, jobID string, fields ...string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return 0, nil
	}
	removed := 0
	for _, f := range fields {
		if _, ok := rec[f]; ok {
			delete(rec, f)
			removed++
		}
	}
	return removed, nil
}

// IncrementFieldByFloat adds delta to a numeric field and returns the new
// value. Absent fields start at zero.
func (s *Store) IncrementFieldByFloat(ctx context.Context, jobID, field string, delta float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(jobID)
	cur, _ := strconv.ParseFloat(rec[field], 64)
	next := cur + delta
	rec[field] = strconv.FormatFloat(next, 'g', -1, 64)
	return next, nil
}

// UpdateContext applies JSONB ops to the context document and writes the
// replay marker under the same lock, so mutation and marker commit together.
func (s *Store) UpdateContext(ctx context.Context, jobID string, ops []store.ContextOp, marker string) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(jobID)
	doc, results, err := store.ApplyContextOps([]byte(rec["context"]), ops)
	if err != nil {
		return nil, err
	}
	rec["context"] = string(doc)
	if marker != "" {
		rec[marker] = store.EncodeMarker(results)
	}
	return results, nil
}

// ExpireJob schedules record removal after ttl. A zero ttl cancels any
// pending expiry.
func (s *Store) ExpireJob(ctx context.Context, jobID string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
	}
	if ttl <= 0 {
		return nil
	}
	s.timers[jobID] = time.AfterFunc(ttl, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.jobs, jobID)
		delete(s.timers, jobID)
	})
	return nil
}

// DeleteJob removes the record outright.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
	}
	delete(s.jobs, jobID)
	return nil
}

func (s *Store) record(jobID string) map[string]string {
	rec, ok := s.jobs[jobID]
	if !ok {
		rec = make(map[string]string)
		s.jobs[jobID] = rec
	}
	return rec
}
