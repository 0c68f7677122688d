// Package props implements the core's ordered string-keyed string
// dictionary (spec.md §3), with a lossless round trip to the variant
// container shape the control plane exchanges (spec.md §8: "Round-trip:
// properties -> variant -> properties yields an equal ordered
// dictionary").
package props

// Properties is an ordered sequence of (key, value) string pairs.
// Lookup is by key; iteration order is insertion order, with later
// Set calls for an existing key updating in place rather than moving
// it to the end.
type Properties struct {
	keys   []string
	values map[string]string
}

// New returns an empty Properties dictionary.
func New() *Properties {
	return &Properties{values: make(map[string]string)}
}

// Set inserts or updates key's value, preserving first-insertion order.
func (p *Properties) Set(key, value string) {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns key's value and whether it was present.
func (p *Properties) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Delete removes key if present.
func (p *Properties) Delete(key string) {
	if _, ok := p.values[key]; !ok {
		return
	}
	delete(p.values, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries.
func (p *Properties) Len() int { return len(p.keys) }

// Keys returns the ordered key slice. Callers must not mutate it.
func (p *Properties) Keys() []string { return p.keys }

// Each calls fn for every (key, value) pair in insertion order.
func (p *Properties) Each(fn func(key, value string)) {
	for _, k := range p.keys {
		fn(k, p.values[k])
	}
}

// Clone returns a deep copy.
func (p *Properties) Clone() *Properties {
	out := New()
	p.Each(func(k, v string) { out.Set(k, v) })
	return out
}

// Equal reports whether p and other contain the same ordered
// (key, value) pairs.
func (p *Properties) Equal(other *Properties) bool {
	if other == nil {
		return p.Len() == 0
	}
	if len(p.keys) != len(other.keys) {
		return false
	}
	for i, k := range p.keys {
		if other.keys[i] != k || other.values[k] != p.values[k] {
			return false
		}
	}
	return true
}

// Variant is the wire-shaped container the control plane exchanges:
// an ordered list of key/value entries, mirroring a session-bus
// dict<string,string> argument.
type Variant struct {
	Entries []VariantEntry `json:"entries"`
}

// VariantEntry is one (key, value) pair in a Variant.
type VariantEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ToVariant encodes p into its wire representation, preserving order.
func (p *Properties) ToVariant() Variant {
	v := Variant{Entries: make([]VariantEntry, 0, p.Len())}
	p.Each(func(k, val string) {
		v.Entries = append(v.Entries, VariantEntry{Key: k, Value: val})
	})
	return v
}

// FromVariant decodes a Variant into a fresh, order-preserving
// Properties dictionary.
func FromVariant(v Variant) *Properties {
	p := New()
	for _, e := range v.Entries {
		p.Set(e.Key, e.Value)
	}
	return p
}

// FromMap builds a Properties from a plain map, in key-sorted order,
// for callers (e.g. the control plane's CreateNode request) that only
// have an unordered dict<string,string> to start from.
func FromMap(m map[string]string) *Properties {
	p := New()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortStrings(keys)
	for _, k := range keys {
		p.Set(k, m[k])
	}
	return p
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
