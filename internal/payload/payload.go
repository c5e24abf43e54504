// Package payload implements the (data, state, metadata) triple that
// flows along an event chain, the merge law that combines a producing
// effect's output with a successor's literal data, and the process-wide
// state singleton. State is guarded by a single mutex and templates read
// a snapshot, mirroring the lock-copy-unlock shape the teacher codebase
// uses for its entity filters and rate limiters.
package payload

import (
	"maps"
	"math"
	"strconv"
	"sync"
)

// Kind identifies which representation a Data value holds.
type Kind int

const (
	// KindString holds plain text.
	KindString Kind = iota
	// KindBytes holds an opaque byte sequence.
	KindBytes
	// KindTree holds a decoded JSON-like value: map[string]any, []any, or a scalar.
	KindTree
)

// Data is the payload's opaque body. Exactly one field is meaningful,
// selected by Kind. Use the constructors (String, Bytes, Tree) rather
// than building a Data literal directly.
type Data struct {
	Kind Kind
	Str  string
	Byte []byte
	Tree any
}

// String builds a string-kind Data value.
func String(s string) Data { return Data{Kind: KindString, Str: s} }

// Bytes builds a bytes-kind Data value.
func Bytes(b []byte) Data { return Data{Kind: KindBytes, Byte: b} }

// Tree builds a structured-kind Data value from a decoded JSON tree.
func Tree(v any) Data { return Data{Kind: KindTree, Tree: v} }

// IsZero reports whether d is the zero Data value (no representation set).
func (d Data) IsZero() bool {
	return d.Kind == KindString && d.Str == "" && d.Byte == nil && d.Tree == nil
}

// AsBytes returns the byte encoding of d, used as subprocess stdin and as
// an HTTP request body when no content-specific marshalling applies.
func (d Data) AsBytes() []byte {
	switch d.Kind {
	case KindBytes:
		return d.Byte
	case KindString:
		return []byte(d.Str)
	default:
		return []byte(toString(d.Tree))
	}
}

// AsString renders d as text for template scopes ({{data}}) and for
// topics/bodies that are plain strings.
func (d Data) AsString() string {
	switch d.Kind {
	case KindString:
		return d.Str
	case KindBytes:
		return string(d.Byte)
	default:
		return toString(d.Tree)
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// Payload is the mutable record that flows along a chain.
type Payload struct {
	Data     Data
	State    *StateMap
	Metadata map[string]string
}

// New creates a payload with empty data and metadata, sharing the given
// process-wide state map. Every source task constructs payloads this way
// so all chains observe the same state singleton.
func New(state *StateMap) Payload {
	return Payload{State: state, Metadata: map[string]string{}}
}

// CloneMetadata returns a payload identical to p but with an independent
// copy of Metadata, so a successor's mutations never leak back into a
// predecessor's in-flight copy (the Data and State fields are intentionally
// shared: Data is replaced wholesale on each hop and State is the live
// singleton per §3).
func (p Payload) CloneMetadata() Payload {
	out := p
	out.Metadata = maps.Clone(p.Metadata)
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	return out
}

// MergeTarget is the subset of an event definition the merge law needs:
// its literal data and the merge_data flag (default true).
type MergeTarget struct {
	Data      *Data
	MergeData *bool
}

// Merge combines outData (the result of the upstream effect) with the
// downstream event's literal data per the merge law in spec §3:
//
//  1. merge_data == false: downstream data is next.Data, or outData if
//     next.Data is absent.
//  2. Otherwise: string/bytes concatenate, trees deep-merge with next.Data
//     winning key collisions. Where the shapes differ (a string meeting a
//     tree, or trees that are not both maps), next.Data replaces outData.
func Merge(outData Data, next MergeTarget) Data {
	mergeData := next.MergeData == nil || *next.MergeData
	if !mergeData {
		if next.Data != nil {
			return *next.Data
		}
		return outData
	}
	if next.Data == nil {
		return outData
	}
	return mergeValues(outData, *next.Data)
}

func mergeValues(a, b Data) Data {
	switch {
	case a.Kind == KindBytes || b.Kind == KindBytes:
		return Bytes(append(append([]byte{}, a.AsBytes()...), b.AsBytes()...))
	case a.Kind == KindTree && b.Kind == KindTree:
		am, aok := a.Tree.(map[string]any)
		bm, bok := b.Tree.(map[string]any)
		if aok && bok {
			return Tree(deepMerge(am, bm))
		}
		// Non-map trees (arrays, scalars): destination wins per Open
		// Question 1's "scalar replaces map" resolution generalized to
		// "incompatible shapes: destination wins".
		return b
	case a.Kind == KindTree || b.Kind == KindTree:
		// One side is a scalar string, the other a structured tree:
		// the scalar from b (the successor's literal data) replaces it
		// unless b itself is the tree, in which case b still wins since
		// it is the destination.
		if b.Kind == KindTree {
			return b
		}
		return b
	default:
		return String(a.AsString() + b.AsString())
	}
}

func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	maps.Copy(out, dst)
	for k, v := range src {
		if existing, ok := out[k]; ok {
			em, eok := existing.(map[string]any)
			vm, vok := v.(map[string]any)
			if eok && vok {
				out[k] = deepMerge(em, vm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// StateMap is the process-wide shared state singleton described in spec
// §3 and §9: a single mutex, writers are the dispatcher only, readers
// (templates) snapshot-and-clone to avoid torn reads.
type StateMap struct {
	mu   sync.RWMutex
	vals map[string]string
}

// NewStateMap creates an empty state map.
func NewStateMap() *StateMap {
	return &StateMap{vals: map[string]string{}}
}

// Get returns the value stored at key and whether it was present.
func (s *StateMap) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vals[key]
	return v, ok
}

// Snapshot returns a point-in-time copy of the whole map, safe to hand to
// the template renderer without holding the lock during render.
func (s *StateMap) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.vals)
}

// Replace overwrites the given keys, implementing `state: { replace: {...} }`.
func (s *StateMap) Replace(kv map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.vals, kv)
}

// Count implements `state: { count: <key> }`: increments the integer
// stored at key (as a string), saturating at the int64 bounds per spec
// Open Question 2, and returns the new value.
func (s *StateMap) Count(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.vals[key]
	var n int64
	if ok {
		parsed, err := strconv.ParseInt(cur, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	if n < math.MaxInt64 {
		n++
	}
	s.vals[key] = strconv.FormatInt(n, 10)
	return n, nil
}
