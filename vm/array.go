package vm

// ---------------------------------------------------------------------------
// Array
// ---------------------------------------------------------------------------

// Array is a reference-counted sequence of values.
type Array struct {
	refHeader
	Items []Value
}

// NewArray takes over the references held by items.
func NewArray(items ...Value) *Array {
	return &Array{refHeader: newHeader(), Items: items}
}

// AllocateArray returns an array of n integer zeros.
func AllocateArray(n int) *Array {
	return NewArray(make([]Value, n)...)
}

// Retain adds a reference and returns a.
func (a *Array) Retain() *Array { a.refs++; return a }

// Len returns the number of elements.
func (a *Array) Len() int { return len(a.Items) }

func (a *Array) release() { freeValues(a.Items) }

// normalizeIndex maps a possibly negative index onto the element range.
func (a *Array) normalizeIndex(n int64) (int, bool) {
	if n < 0 {
		n += int64(len(a.Items))
	}
	if n < 0 || n >= int64(len(a.Items)) {
		return 0, false
	}
	return int(n), true
}

// ---------------------------------------------------------------------------
// Mapping
// ---------------------------------------------------------------------------

// mapKey is the hashable identity of a mapping key. Integers and floats are
// distinct keys; strings compare by contents; handles by referent.
type mapKey struct {
	kind Kind
	n    int64
	s    string
	p    any
	sub  int32
}

func keyOf(v Value) mapKey {
	switch v.kind {
	case KindInt, KindFloat:
		return mapKey{kind: v.kind, n: v.n}
	case KindString:
		return mapKey{kind: KindString, s: v.Str()}
	case KindType:
		return mapKey{kind: KindType, sub: v.sub}
	case KindFunction:
		return mapKey{kind: KindFunction, p: v.ref, sub: v.sub}
	}
	return mapKey{kind: v.kind, p: v.ref}
}

// Mapping is a reference-counted associative table that keeps insertion
// order.
type Mapping struct {
	refHeader
	keys  []Value
	vals  []Value
	index map[mapKey]int
}

// NewMapping returns an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{refHeader: newHeader(), index: make(map[mapKey]int)}
}

// Retain adds a reference and returns m.
func (m *Mapping) Retain() *Mapping { m.refs++; return m }

// Len returns the number of entries.
func (m *Mapping) Len() int { return len(m.keys) }

// Keys returns the keys in insertion order. The slice is borrowed.
func (m *Mapping) Keys() []Value { return m.keys }

// Values returns the values in insertion order. The slice is borrowed.
func (m *Mapping) Values() []Value { return m.vals }

func (m *Mapping) release() {
	freeValues(m.keys)
	freeValues(m.vals)
	m.keys, m.vals = nil, nil
	clear(m.index)
}

// Lookup returns a borrowed view of the value stored under k.
func (m *Mapping) Lookup(k Value) (Value, bool) {
	if idx, ok := m.index[keyOf(k)]; ok {
		return m.vals[idx], true
	}
	return Value{}, false
}

// slot returns the storage for k, or nil when absent.
func (m *Mapping) slot(k Value) *Value {
	if idx, ok := m.index[keyOf(k)]; ok {
		return &m.vals[idx]
	}
	return nil
}

// Insert stores copies of k and v.
func (m *Mapping) Insert(k, v Value) {
	if s := m.slot(k); s != nil {
		Assign(s, v)
		return
	}
	m.index[keyOf(k)] = len(m.keys)
	m.keys = append(m.keys, k.Copy())
	m.vals = append(m.vals, v.Copy())
}

// Delete removes k if present.
func (m *Mapping) Delete(k Value) {
	key := keyOf(k)
	idx, ok := m.index[key]
	if !ok {
		return
	}
	delete(m.index, key)
	m.keys[idx].Free()
	m.vals[idx].Free()
	m.keys = append(m.keys[:idx], m.keys[idx+1:]...)
	m.vals = append(m.vals[:idx], m.vals[idx+1:]...)
	for j := idx; j < len(m.keys); j++ {
		m.index[keyOf(m.keys[j])] = j
	}
}

// ---------------------------------------------------------------------------
// Multiset
// ---------------------------------------------------------------------------

// Multiset is a reference-counted set of values kept sorted by Compare.
type Multiset struct {
	refHeader
	items []Value
}

// NewMultiset returns an empty multiset.
func NewMultiset() *Multiset {
	return &Multiset{refHeader: newHeader()}
}

// Retain adds a reference and returns m.
func (m *Multiset) Retain() *Multiset { m.refs++; return m }

// Len returns the number of members.
func (m *Multiset) Len() int {
	m.prune()
	return len(m.items)
}

// Items returns the members in order. The slice is borrowed.
func (m *Multiset) Items() []Value {
	m.prune()
	return m.items
}

// prune drops handles to destructed objects. Such members would otherwise
// compare as zero from their old position and break the ordering.
func (m *Multiset) prune() {
	kept := m.items[:0]
	for _, v := range m.items {
		if v.IsDestructed() {
			v.Free()
			continue
		}
		kept = append(kept, v)
	}
	clear(m.items[len(kept):])
	m.items = kept
}

func (m *Multiset) release() {
	freeValues(m.items)
	m.items = nil
}

func (m *Multiset) search(k Value) (int, bool) {
	m.prune()
	lo, hi := 0, len(m.items)
	for lo < hi {
		mid := (lo + hi) / 2
		switch c := Compare(m.items[mid], k); {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// Member reports whether k is in the set.
func (m *Multiset) Member(k Value) bool {
	_, ok := m.search(k)
	return ok
}

// Insert adds a copy of k.
func (m *Multiset) Insert(k Value) {
	pos, ok := m.search(k)
	if ok {
		return
	}
	m.items = append(m.items, Value{})
	copy(m.items[pos+1:], m.items[pos:])
	m.items[pos] = k.Copy()
}

// Delete removes k if present.
func (m *Multiset) Delete(k Value) {
	pos, ok := m.search(k)
	if !ok {
		return
	}
	m.items[pos].Free()
	m.items = append(m.items[:pos], m.items[pos+1:]...)
}
