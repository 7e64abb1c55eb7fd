package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ApplyContextOps interprets the ordered JSONB ops against a context
// document and returns the mutated document plus per-op results. Backends
// without native JSON operators call this inside their read-modify-write
// transaction; results align index-for-index with ops (nil for verbs that
// produce no value).
//
// An empty or absent document is treated as the empty object.
func ApplyContextOps(doc []byte, ops []ContextOp) ([]byte, []json.RawMessage, error) {
	root := map[string]any{}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &root); err != nil {
			return nil, nil, fmt.Errorf("context document is not an object: %w", err)
		}
	}
	results := make([]json.RawMessage, len(ops))
	for i, op := range ops {
		res, err := applyOp(root, op)
		if err != nil {
			return nil, nil, fmt.Errorf("op %d (%s %q): %w", i, op.Verb, op.Path, err)
		}
		results[i] = res
	}
	out, err := json.Marshal(root)
	if err != nil {
		return nil, nil, err
	}
	return out, results, nil
}

func applyOp(root map[string]any, op ContextOp) (json.RawMessage, error) {
	switch op.Verb {
	case VerbSet:
		return nil, setPath(root, op.Path, decodeValue(op.Value))

	case VerbSetIfNotExists:
		if _, ok := getPath(root, op.Path); ok {
			return nil, nil
		}
		return nil, setPath(root, op.Path, decodeValue(op.Value))

	case VerbMerge:
		cur, _ := getPath(root, op.Path)
		obj, ok := cur.(map[string]any)
		if !ok {
			obj = map[string]any{}
		}
		patch, ok := decodeValue(op.Value).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("merge value must be an object")
		}
		for k, v := range patch {
			obj[k] = v
		}
		return nil, setPath(root, op.Path, obj)

	case VerbGet:
		cur, ok := getPath(root, op.Path)
		if !ok {
			return json.RawMessage("null"), nil
		}
		b, err := json.Marshal(cur)
		return json.RawMessage(b), err

	case VerbDelete:
		deletePath(root, op.Path)
		return nil, nil

	case VerbAppend, VerbPrepend:
		cur, _ := getPath(root, op.Path)
		arr, ok := cur.([]any)
		if !ok {
			arr = []any{}
		}
		v := decodeValue(op.Value)
		if op.Verb == VerbAppend {
			arr = append(arr, v)
		} else {
			arr = append([]any{v}, arr...)
		}
		return nil, setPath(root, op.Path, arr)

	case VerbRemove:
		cur, ok := getPath(root, op.Path)
		arr, isArr := cur.([]any)
		if !ok || !isArr {
			return nil, nil
		}
		idx, err := strconv.Atoi(strings.TrimSpace(string(op.Value)))
		if err != nil {
			return nil, fmt.Errorf("remove value must be an index: %w", err)
		}
		if idx < 0 || idx >= len(arr) {
			return nil, nil
		}
		arr = append(arr[:idx], arr[idx+1:]...)
		return nil, setPath(root, op.Path, arr)

	case VerbIncrement:
		cur, _ := getPath(root, op.Path)
		base, _ := cur.(float64)
		delta, err := strconv.ParseFloat(strings.TrimSpace(string(op.Value)), 64)
		if err != nil {
			return nil, fmt.Errorf("increment value must be numeric: %w", err)
		}
		next := base + delta
		if err := setPath(root, op.Path, next); err != nil {
			return nil, err
		}
		b, _ := json.Marshal(next)
		return json.RawMessage(b), nil

	case VerbToggle:
		cur, _ := getPath(root, op.Path)
		b, _ := cur.(bool)
		return nil, setPath(root, op.Path, !b)
	}
	return nil, fmt.Errorf("unknown verb %q", op.Verb)
}

func decodeValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func getPath(root map[string]any, path string) (any, bool) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return root, true
	}
	var cur any = root
	for _, seg := range segs {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath writes value at path, creating intermediate objects. Setting the
// root replaces the document's keys in place so callers keep their handle.
func setPath(root map[string]any, path string, value any) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("root value must be an object")
		}
		for k := range root {
			delete(root, k)
		}
		for k, v := range obj {
			root[k] = v
		}
		return nil
	}
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
	return nil
}

func deletePath(root map[string]any, path string) {
	segs := splitPath(path)
	if len(segs) == 0 {
		for k := range root {
			delete(root, k)
		}
		return
	}
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segs[len(segs)-1])
}

// EncodeMarker serializes per-op results into the replay-marker value so a
// replayed session can return the originally computed values (increment
// totals in particular) without re-applying the ops.
func EncodeMarker(results []json.RawMessage) string {
	b, err := json.Marshal(results)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// MatchPattern reports whether a field name matches a store glob. Supported
// syntax is the subset used by the replay protocol: '*' (any run) and '?'
// (any byte). Shared by backends that filter client-side.
func MatchPattern(pattern, name string) bool {
	return matchGlob(pattern, name)
}

func matchGlob(p, s string) bool {
	for len(p) > 0 {
		switch p[0] {
		case '*':
			for len(p) > 0 && p[0] == '*' {
				p = p[1:]
			}
			if p == "" {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if matchGlob(p, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if s == "" {
				return false
			}
		default:
			if s == "" || p[0] != s[0] {
				return false
			}
		}
		p, s = p[1:], s[1:]
	}
	return s == ""
}
