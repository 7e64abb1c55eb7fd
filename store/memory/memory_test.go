package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/loom/store"
)

func TestSetAndGetFields(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.SetFields(ctx, "j1", map[string]string{"a": "1", "b": "2"})
	require.NoError(t, err)
	require.Equal(t, 2, created)

	created, err = s.SetFields(ctx, "j1", map[string]string{"b": "3", "c": "4"})
	require.NoError(t, err)
	require.Equal(t, 1, created, "only c is new")

	v, err := s.GetField(ctx, "j1", "b")
	require.NoError(t, err)
	require.Equal(t, "3", v)

	_, err = s.GetField(ctx, "j1", "missing")
	require.ErrorIs(t, err, store.ErrFieldNotFound)

	_, err = s.GetField(ctx, "absent-job", "a")
	require.ErrorIs(t, err, store.ErrFieldNotFound)

	got, err := s.GetFields(ctx, "j1", []string{"a", "missing", "c"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "c": "4"}, got)
}

func TestFindJobFieldsPattern(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.SetFields(ctx, "j1", map[string]string{
		"-proxy-1-":   "x",
		"-proxy,0-1-": "y",
		"-sleep-2-":   "z",
		"status":      "1",
		"_customer":   "acme",
	})
	require.NoError(t, err)

	cursor, fields, err := s.FindJobFields(ctx, "j1", "-*-*", "", 0, 0)
	require.NoError(t, err)
	require.Empty(t, cursor)
	require.Len(t, fields, 3, "metadata and search fields excluded")
	require.Contains(t, fields, "-proxy-1-")
	require.Contains(t, fields, "-proxy,0-1-")
	require.Contains(t, fields, "-sleep-2-")
}

func TestFindJobFieldsPagination(t *testing.T) {
	s := New()
	ctx := context.Background()
	want := map[string]string{}
	for i := 0; i < 10; i++ {
		name := "-proxy-" + string(rune('0'+i)) + "-"
		want[name] = "v"
	}
	_, err := s.SetFields(ctx, "j1", want)
	require.NoError(t, err)

	got := map[string]string{}
	cursor := ""
	pages := 0
	for {
		next, page, err := s.FindJobFields(ctx, "j1", "-*-*", cursor, 3, 0)
		require.NoError(t, err)
		require.NotEmpty(t, page, "pages with matches remaining are never empty")
		for k, v := range page {
			got[k] = v
		}
		pages++
		if next == "" {
			break
		}
		cursor = next
	}
	require.Equal(t, want, got)
	require.GreaterOrEqual(t, pages, 4)
}

func TestFindJobFieldsMissingJob(t *testing.T) {
	s := New()
	cursor, fields, err := s.FindJobFields(context.Background(), "ghost", "*", "", 0, 0)
	require.NoError(t, err)
	require.Empty(t, cursor)
	require.Empty(t, fields)
}

func TestDeleteFields(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.SetFields(ctx, "j1", map[string]string{"a": "1", "b": "2"})
	require.NoError(t, err)

	n, err := s.DeleteFields(ctx, "j1", "a", "missing")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.GetField(ctx, "j1", "a")
	require.ErrorIs(t, err, store.ErrFieldNotFound)
}

func TestIncrementFieldByFloat(t *testing.T) {
	s := New()
	ctx := context.Background()

	v, err := s.IncrementFieldByFloat(ctx, "j1", "n", 2.5)
	require.NoError(t, err)
	require.Equal(t, 2.5, v)

	v, err = s.IncrementFieldByFloat(ctx, "j1", "n", -0.5)
	require.NoError(t, err)
	require.Equal(t, 2.0, v)

	raw, err := s.GetField(ctx, "j1", "n")
	require.NoError(t, err)
	require.Equal(t, "2", raw)
}

func TestUpdateContextWritesMarker(t *testing.T) {
	s := New()
	ctx := context.Background()

	results, err := s.UpdateContext(ctx, "j1", []store.ContextOp{
		{Verb: store.VerbSet, Path: "order.id", Value: json.RawMessage(`"o-1"`)},
		{Verb: store.VerbIncrement, Path: "count", Value: json.RawMessage(`2`)},
	}, "-entity-1.0-")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.JSONEq(t, `2`, string(results[1]))

	doc, err := s.GetField(ctx, "j1", "context")
	require.NoError(t, err)
	require.JSONEq(t, `{"order":{"id":"o-1"},"count":2}`, doc)

	marker, err := s.GetField(ctx, "j1", "-entity-1.0-")
	require.NoError(t, err)
	require.JSONEq(t, `[null,2]`, marker, "marker caches per-op results for replay")
}

func TestExpireJob(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.SetFields(ctx, "j1", map[string]string{"a": "1"})
	require.NoError(t, err)

	require.NoError(t, s.ExpireJob(ctx, "j1", 20*time.Millisecond))
	require.Eventually(t, func() bool {
		_, err := s.GetField(ctx, "j1", "a")
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestExpireJobCancel(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.SetFields(ctx, "j1", map[string]string{"a": "1"})
	require.NoError(t, err)

	require.NoError(t, s.ExpireJob(ctx, "j1", 30*time.Millisecond))
	require.NoError(t, s.ExpireJob(ctx, "j1", 0), "zero ttl cancels expiry")
	time.Sleep(60 * time.Millisecond)
	_, err = s.GetField(ctx, "j1", "a")
	require.NoError(t, err)
}

func TestDeleteJob(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.SetFields(ctx, "j1", map[string]string{"a": "1"})
	require.NoError(t, err)
	require.NoError(t, s.DeleteJob(ctx, "j1"))
	_, err = s.GetField(ctx, "j1", "a")
	require.ErrorIs(t, err, store.ErrFieldNotFound)
}
