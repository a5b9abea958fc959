package vm

import "sync"

// String is a shared, immutable string referent.
type String struct {
	refHeader
	s string
}

// NewString returns a fresh string referent holding one reference.
func NewString(s string) *String {
	return &String{refHeader: newHeader(), s: s}
}

func (s *String) release() {}

// String returns the contents.
func (s *String) String() string { return s.s }

// Retain adds a reference and returns s.
func (s *String) Retain() *String { s.refs++; return s }

// Interner hands out shared string referents. The interpreter consumes
// strings only through this interface; each returned referent carries a
// reference owned by the caller.
type Interner interface {
	Intern(s string) *String
}

// StringTable is the default Interner. Entries are kept for the lifetime of
// the table.
type StringTable struct {
	mu      sync.Mutex
	strings map[string]*String
}

// NewStringTable creates an empty string table.
func NewStringTable() *StringTable {
	return &StringTable{strings: make(map[string]*String)}
}

// Intern returns the shared referent for s.
func (t *StringTable) Intern(s string) *String {
	t.mu.Lock()
	defer t.mu.Unlock()
	if str, ok := t.strings[s]; ok {
		return str.Retain()
	}
	str := NewString(s)
	t.strings[s] = str
	return str.Retain()
}

// Len returns the number of distinct strings interned.
func (t *StringTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.strings)
}
