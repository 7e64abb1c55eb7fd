package workflow

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"goa.design/loom/job"
	"goa.design/loom/store"
)

// SearchHandle is a session-scoped handle over the job's flat search
// fields. User keys are stored under a "_" prefix to stay clear of reserved
// record fields; a quoted key ("\"raw\"") addresses the underlying field
// directly. Reads are cached in-process for the invocation; mutations
// invalidate the cached entry.
type SearchHandle struct {
	ctx   *Context
	index int
	seq   int
}

// Search opens a search session. The session consumes one execution index;
// its mutations are numbered within it.
func Search(ctx *Context) *SearchHandle {
	return &SearchHandle{ctx: ctx, index: ctx.next()}
}

// marker returns the replay marker for the next mutation in this session,
// together with its cached value when the mutation already ran.
func (s *SearchHandle) marker() (string, string, bool, error) {
	s.seq++
	name := job.MarkerName(job.OpSearch, s.ctx.Dimension(), s.index, s.seq)
	raw, ok, err := s.ctx.lookup(name)
	return name, raw, ok, err
}

// Get reads one search field. Missing fields return the empty string.
func (s *SearchHandle) Get(key string) (string, error) {
	field := job.SearchField(key)
	if v, ok := s.ctx.cache[field]; ok {
		return v, nil
	}
	v, err := s.ctx.store.GetField(s.ctx.Context, s.ctx.WorkflowID(), field)
	if errors.Is(err, store.ErrFieldNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	s.ctx.cache[field] = v
	return v, nil
}

// Mget reads several search fields at once, bypassing and refreshing the
// read cache.
func (s *SearchHandle) Mget(keys ...string) (map[string]string, error) {
	fields := make([]string, len(keys))
	for i, k := range keys {
		fields[i] = job.SearchField(k)
	}
	got, err := s.ctx.store.GetFields(s.ctx.Context, s.ctx.WorkflowID(), fields)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for i, k := range keys {
		if v, ok := got[fields[i]]; ok {
			out[k] = v
			s.ctx.cache[fields[i]] = v
		}
	}
	return out, nil
}

// Set writes search fields. The replay marker rides in the same multi-field
// set, so the mutation and its idempotency record commit together.
func (s *SearchHandle) Set(fields map[string]string) error {
	name, _, done, err := s.marker()
	if err != nil || done {
		return err
	}
	write := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		f := job.SearchField(k)
		write[f] = v
		s.ctx.cache[f] = v
	}
	write[name] = time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.ctx.store.SetFields(s.ctx.Context, s.ctx.WorkflowID(), write); err != nil {
		return err
	}
	s.ctx.mark(name)
	return nil
}

// Del removes search fields.
func (s *SearchHandle) Del(keys ...string) error {
	name, _, done, err := s.marker()
	if err != nil || done {
		return err
	}
	fields := make([]string, len(keys))
	for i, k := range keys {
		fields[i] = job.SearchField(k)
		delete(s.ctx.cache, fields[i])
	}
	if _, err := s.ctx.store.DeleteFields(s.ctx.Context, s.ctx.WorkflowID(), fields...); err != nil {
		return err
	}
	if _, err := s.ctx.store.SetFields(s.ctx.Context, s.ctx.WorkflowID(),
		map[string]string{name: time.Now().UTC().Format(time.RFC3339Nano)}); err != nil {
		return err
	}
	s.ctx.mark(name)
	return nil
}

// Incr adds delta to a numeric search field and returns the new total.
// Replays return the total recorded when the increment first applied, so N
// logical applications always sum to N times delta.
func (s *SearchHandle) Incr(key string, delta float64) (float64, error) {
	name, raw, done, err := s.marker()
	if err != nil {
		return 0, err
	}
	field := job.SearchField(key)
	if done {
		return parseFloat(raw, name)
	}
	total, err := s.ctx.store.IncrementFieldByFloat(s.ctx.Context, s.ctx.WorkflowID(), field, delta)
	if err != nil {
		return 0, err
	}
	s.ctx.cache[field] = strconv.FormatFloat(total, 'g', -1, 64)
	if _, err := s.ctx.store.SetFields(s.ctx.Context, s.ctx.WorkflowID(),
		map[string]string{name: s.ctx.cache[field]}); err != nil {
		return 0, err
	}
	s.ctx.mark(name)
	return total, nil
}

// Mult multiplies a numeric search field by factor and returns the new
// product. The field accumulates in the log domain (the stored value is
// log(product)) so replayed multiplications converge deterministically;
// the returned value is the exponentiated product.
func (s *SearchHandle) Mult(key string, factor float64) (float64, error) {
	if factor <= 0 {
		return 0, fmt.Errorf("mult factor must be positive, got %v", factor)
	}
	name, raw, done, err := s.marker()
	if err != nil {
		return 0, err
	}
	field := job.SearchField(key)
	if done {
		acc, err := parseFloat(raw, name)
		if err != nil {
			return 0, err
		}
		return math.Exp(acc), nil
	}
	acc, err := s.ctx.store.IncrementFieldByFloat(s.ctx.Context, s.ctx.WorkflowID(), field, math.Log(factor))
	if err != nil {
		return 0, err
	}
	delete(s.ctx.cache, field)
	if _, err := s.ctx.store.SetFields(s.ctx.Context, s.ctx.WorkflowID(),
		map[string]string{name: strconv.FormatFloat(acc, 'g', -1, 64)}); err != nil {
		return 0, err
	}
	s.ctx.mark(name)
	return math.Exp(acc), nil
}

func parseFloat(raw, name string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed search marker %q: %w", name, err)
	}
	return v, nil
}
