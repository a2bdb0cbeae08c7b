// Package replication provides observed collections that announce every
// insert, update and delete, and an Encoder that turns those announcements
// into structural patches for remote mirrors.
package replication

import "slices"

type listeners[F any] struct {
	next int
	fns  map[int]F
}

func (l *listeners[F]) add(fn F) func() {
	if l.fns == nil {
		l.fns = make(map[int]F)
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() { delete(l.fns, id) }
}

// each calls fn for every listener in subscription order.
func (l *listeners[F]) each(fn func(F)) {
	if len(l.fns) == 0 {
		return
	}
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if f, ok := l.fns[id]; ok {
			fn(f)
		}
	}
}

func (l *listeners[F]) len() int { return len(l.fns) }

// Map is an insertion-ordered mapping that emits typed events on insert,
// update and delete. It is not safe for concurrent use; callers serialize
// access the same way they serialize access to the rest of their state.
type Map[V any] struct {
	items    map[string]V
	order    []string
	onAdd    listeners[func(key string, v V)]
	onChange listeners[func(key string, v V)]
	onRemove listeners[func(key string, v V)]
}

func NewMap[V any]() *Map[V] {
	return &Map[V]{items: make(map[string]V)}
}

func (m *Map[V]) Get(key string) (V, bool) {
	v, ok := m.items[key]
	return v, ok
}

func (m *Map[V]) Has(key string) bool {
	_, ok := m.items[key]
	return ok
}

func (m *Map[V]) Len() int { return len(m.items) }

// Keys returns the keys in insertion order.
func (m *Map[V]) Keys() []string {
	return slices.Clone(m.order)
}

// Range visits entries in insertion order until fn returns false. Deleting
// from the map inside fn is allowed.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, key := range m.Keys() {
		v, ok := m.items[key]
		if !ok {
			continue
		}
		if !fn(key, v) {
			return
		}
	}
}

// Set inserts or replaces the value under key. Inserts emit OnAdd,
// replacements emit OnChange.
func (m *Map[V]) Set(key string, v V) {
	_, exists := m.items[key]
	m.items[key] = v
	if exists {
		m.onChange.each(func(fn func(string, V)) { fn(key, v) })
		return
	}
	m.order = append(m.order, key)
	m.onAdd.each(func(fn func(string, V)) { fn(key, v) })
}

// Update mutates the value under key in place and emits OnChange. It
// reports false when the key is absent.
func (m *Map[V]) Update(key string, mutate func(v V)) bool {
	v, ok := m.items[key]
	if !ok {
		return false
	}
	mutate(v)
	m.onChange.each(func(fn func(string, V)) { fn(key, v) })
	return true
}

// Delete removes key and emits OnRemove. Deleting an absent key is a no-op.
func (m *Map[V]) Delete(key string) bool {
	v, ok := m.items[key]
	if !ok {
		return false
	}
	delete(m.items, key)
	if i := slices.Index(m.order, key); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
	}
	m.onRemove.each(func(fn func(string, V)) { fn(key, v) })
	return true
}

func (m *Map[V]) OnAdd(fn func(key string, v V)) (cancel func()) { return m.onAdd.add(fn) }

func (m *Map[V]) OnChange(fn func(key string, v V)) (cancel func()) { return m.onChange.add(fn) }

func (m *Map[V]) OnRemove(fn func(key string, v V)) (cancel func()) { return m.onRemove.add(fn) }

// Subscribers reports how many listeners are attached, across all events.
func (m *Map[V]) Subscribers() int {
	return m.onAdd.len() + m.onChange.len() + m.onRemove.len()
}

// List is an append-only sequence that emits OnAdd for every append.
type List[V any] struct {
	items []V
	onAdd listeners[func(index int, v V)]
}

func NewList[V any]() *List[V] {
	return &List[V]{}
}

func (l *List[V]) Append(v V) int {
	l.items = append(l.items, v)
	index := len(l.items) - 1
	l.onAdd.each(func(fn func(int, V)) { fn(index, v) })
	return index
}

func (l *List[V]) Len() int { return len(l.items) }

func (l *List[V]) At(i int) V { return l.items[i] }

func (l *List[V]) Items() []V { return slices.Clone(l.items) }

func (l *List[V]) OnAdd(fn func(index int, v V)) (cancel func()) { return l.onAdd.add(fn) }

func (l *List[V]) Subscribers() int { return l.onAdd.len() }

// Value is an observed scalar.
type Value[T comparable] struct {
	v        T
	onChange listeners[func(v T)]
}

func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{v: initial}
}

func (o *Value[T]) Get() T { return o.v }

// Set stores v and emits OnChange when it differs from the current value.
func (o *Value[T]) Set(v T) {
	if o.v == v {
		return
	}
	o.v = v
	o.onChange.each(func(fn func(T)) { fn(v) })
}

func (o *Value[T]) OnChange(fn func(v T)) (cancel func()) { return o.onChange.add(fn) }

func (o *Value[T]) Subscribers() int { return o.onChange.len() }
