package replication

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var errNullValue = errors.New("null value")

type Op string

const (
	OpAdd    Op = "add"
	OpChange Op = "change"
	OpRemove Op = "remove"
)

// Patch is one structural diff entry. Value holds the full element for
// adds and only the changed fields for changes.
type Patch struct {
	Op    Op              `json:"op"`
	Path  string          `json:"path"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Encoder listens to tracked collections and records a patch for every
// mutation. Pending patches accumulate until Drain.
type Encoder struct {
	pending []Patch
	last    map[string]map[string]map[string]json.RawMessage // path -> key -> field -> encoding
	cancels []func()
	err     error
}

func NewEncoder() *Encoder {
	return &Encoder{last: make(map[string]map[string]map[string]json.RawMessage)}
}

// TrackMap records adds, field-level changes and removes of m under path.
// Entries already present in m are treated as known to every mirror.
func TrackMap[V any](e *Encoder, path string, m *Map[V]) {
	known := e.pathState(path)
	m.Range(func(key string, v V) bool {
		if fields, err := encodeFields(v); err == nil {
			known[key] = fields
		}
		return true
	})
	e.cancels = append(e.cancels,
		m.OnAdd(func(key string, v V) { e.recordAdd(path, key, v) }),
		m.OnChange(func(key string, v V) { e.recordChange(path, key, v) }),
		m.OnRemove(func(key string, _ V) { e.recordRemove(path, key) }),
	)
}

// TrackList records appends to l under path, keyed by index.
func TrackList[V any](e *Encoder, path string, l *List[V]) {
	e.cancels = append(e.cancels, l.OnAdd(func(index int, v V) {
		data, err := json.Marshal(v)
		if err != nil {
			e.fail(path, strconv.Itoa(index), err)
			return
		}
		e.pending = append(e.pending, Patch{Op: OpAdd, Path: path, Key: strconv.Itoa(index), Value: data})
	}))
}

// TrackValue records changes of a scalar under path.
func TrackValue[T comparable](e *Encoder, path string, o *Value[T]) {
	e.cancels = append(e.cancels, o.OnChange(func(v T) {
		data, err := json.Marshal(v)
		if err != nil {
			e.fail(path, "", err)
			return
		}
		e.pending = append(e.pending, Patch{Op: OpChange, Path: path, Value: data})
	}))
}

// Pending reports the number of patches waiting to be drained.
func (e *Encoder) Pending() int { return len(e.pending) }

// Drain hands over the pending patches in mutation order.
func (e *Encoder) Drain() []Patch {
	out := e.pending
	e.pending = nil
	return out
}

// Err returns and clears the last encoding failure.
func (e *Encoder) Err() error {
	err := e.err
	e.err = nil
	return err
}

// Close detaches the encoder from every tracked collection.
func (e *Encoder) Close() {
	for _, cancel := range e.cancels {
		cancel()
	}
	e.cancels = nil
}

func (e *Encoder) pathState(path string) map[string]map[string]json.RawMessage {
	known := e.last[path]
	if known == nil {
		known = make(map[string]map[string]json.RawMessage)
		e.last[path] = known
	}
	return known
}

func (e *Encoder) recordAdd(path, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		e.fail(path, key, err)
		return
	}
	if fields, err := splitFields(data); err == nil {
		e.pathState(path)[key] = fields
	}
	e.pending = append(e.pending, Patch{Op: OpAdd, Path: path, Key: key, Value: data})
}

func (e *Encoder) recordChange(path, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		e.fail(path, key, err)
		return
	}
	known := e.pathState(path)
	fields, err := splitFields(data)
	if err != nil {
		// not an object: ship the whole value
		e.pending = append(e.pending, Patch{Op: OpChange, Path: path, Key: key, Value: data})
		return
	}
	prev := known[key]
	changed := make(map[string]json.RawMessage)
	for name, enc := range fields {
		if old, ok := prev[name]; !ok || !bytes.Equal(old, enc) {
			changed[name] = enc
		}
	}
	known[key] = fields
	if len(changed) == 0 {
		return
	}
	diff, err := json.Marshal(changed)
	if err != nil {
		e.fail(path, key, err)
		return
	}
	e.pending = append(e.pending, Patch{Op: OpChange, Path: path, Key: key, Value: diff})
}

func (e *Encoder) recordRemove(path, key string) {
	delete(e.pathState(path), key)
	e.pending = append(e.pending, Patch{Op: OpRemove, Path: path, Key: key})
}

func (e *Encoder) fail(path, key string, err error) {
	e.err = fmt.Errorf("encode %s/%s: %w", path, key, err)
}

func encodeFields(v any) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return splitFields(data)
}

func splitFields(data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errNullValue
	}
	return fields, nil
}
