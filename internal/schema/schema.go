package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrUnknownKey   = errors.New("unknown parameter")
	ErrTypeMismatch = errors.New("type mismatch")
)

// ValueType is the declared type of a parameter.
type ValueType string

const (
	TypeStr      ValueType = "str"
	TypeInt      ValueType = "int"
	TypeFloat    ValueType = "float"
	TypeBool     ValueType = "bool"
	TypeStrList  ValueType = "[str]"
	TypeFileList ValueType = "[file]"
	TypePairList ValueType = "[(str,str)]"
)

// IsList reports whether values of this type are appended to by Add.
func (t ValueType) IsList() bool {
	return t == TypeStrList || t == TypeFileList || t == TypePairList
}

// Param declares one key pattern. Segments wrapped in angle brackets are
// placeholders that match any concrete segment.
type Param struct {
	Pattern []string
	Type    ValueType
	Default any
	Help    string
}

func (p Param) String() string { return strings.Join(p.Pattern, ",") }

// match returns the number of literal segments matched, or -1.
func (p Param) match(keys []string) int {
	if len(keys) != len(p.Pattern) {
		return -1
	}
	literal := 0
	for i, seg := range p.Pattern {
		if isPlaceholder(seg) {
			if keys[i] == "" {
				return -1
			}
			continue
		}
		if seg != keys[i] {
			return -1
		}
		literal++
	}
	return literal
}

func isPlaceholder(seg string) bool {
	return len(seg) > 2 && seg[0] == '<' && seg[len(seg)-1] == '>'
}

// Schema is a typed parameter store. Only explicitly set keys hold storage;
// reading an unset key yields the declared default.
type Schema struct {
	params []Param
	values map[string]any
	order  []string
}

// New returns an empty store over the given declarations.
func New(params []Param) *Schema {
	return &Schema{params: params, values: map[string]any{}}
}

// Default returns an empty store over the build-flow parameter set.
func Default() *Schema { return New(DefaultParams()) }

func joinKey(keys []string) string { return strings.Join(keys, ",") }

func splitKey(k string) []string { return strings.Split(k, ",") }

// Lookup finds the declaration for a concrete key path.
func (s *Schema) Lookup(keys ...string) (Param, error) {
	best, bestScore := -1, -1
	for i, p := range s.params {
		if score := p.match(keys); score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return Param{}, fmt.Errorf("%w: [%s]", ErrUnknownKey, joinKey(keys))
	}
	return s.params[best], nil
}

// Get returns the value stored at keys, or the declared default.
func (s *Schema) Get(keys ...string) (any, error) {
	p, err := s.Lookup(keys...)
	if err != nil {
		return nil, err
	}
	if v, ok := s.values[joinKey(keys)]; ok {
		return v, nil
	}
	return zeroOr(p), nil
}

// Set replaces the value stored at keys.
func (s *Schema) Set(value any, keys ...string) error {
	p, err := s.Lookup(keys...)
	if err != nil {
		return err
	}
	v, err := coerce(p.Type, value)
	if err != nil {
		return fmt.Errorf("set [%s]: %w", joinKey(keys), err)
	}
	s.store(joinKey(keys), v)
	return nil
}

// Add appends to a list-typed parameter.
func (s *Schema) Add(value any, keys ...string) error {
	p, err := s.Lookup(keys...)
	if err != nil {
		return err
	}
	if !p.Type.IsList() {
		return fmt.Errorf("add [%s]: %w: %s is not a list", joinKey(keys), ErrTypeMismatch, p.Type)
	}
	v, err := coerce(p.Type, value)
	if err != nil {
		return fmt.Errorf("add [%s]: %w", joinKey(keys), err)
	}
	cur, _ := s.Get(keys...)
	switch p.Type {
	case TypePairList:
		s.store(joinKey(keys), append(append([][2]string{}, cur.([][2]string)...), v.([][2]string)...))
	default:
		s.store(joinKey(keys), append(append([]string{}, cur.([]string)...), v.([]string)...))
	}
	return nil
}

// Unset drops explicit storage so the default applies again.
func (s *Schema) Unset(keys ...string) error {
	if _, err := s.Lookup(keys...); err != nil {
		return err
	}
	k := joinKey(keys)
	if _, ok := s.values[k]; !ok {
		return nil
	}
	delete(s.values, k)
	for i, o := range s.order {
		if o == k {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// IsSet reports whether keys hold explicit storage.
func (s *Schema) IsSet(keys ...string) bool {
	_, ok := s.values[joinKey(keys)]
	return ok
}

// GetKeys returns every explicitly set key path under prefix, in insertion order.
func (s *Schema) GetKeys(prefix ...string) [][]string {
	var out [][]string
	for _, k := range s.order {
		keys := splitKey(k)
		if hasPrefix(keys, prefix) {
			out = append(out, keys)
		}
	}
	return out
}

// Copy returns an independent store with the same declarations and values.
func (s *Schema) Copy() *Schema {
	c := &Schema{params: s.params, values: make(map[string]any, len(s.values)), order: append([]string(nil), s.order...)}
	for k, v := range s.values {
		switch tv := v.(type) {
		case []string, [][2]string:
			c.values[k], _ = coerce(s.typeOf(k), tv)
		default:
			c.values[k] = v
		}
	}
	return c
}

// MergeNode imports every record and metric value that other holds for one
// node, replacing local values.
func (s *Schema) MergeNode(other *Schema, step, index string) int {
	n := 0
	for _, group := range []string{"record", "metric"} {
		for _, keys := range other.GetKeys(group, step, index) {
			v, err := other.Get(keys...)
			if err != nil {
				continue
			}
			if err := s.Set(v, keys...); err == nil {
				n++
			}
		}
	}
	return n
}

func (s *Schema) typeOf(k string) ValueType {
	p, _ := s.Lookup(splitKey(k)...)
	return p.Type
}

func (s *Schema) store(k string, v any) {
	if _, ok := s.values[k]; !ok {
		s.order = append(s.order, k)
	}
	s.values[k] = v
}

func hasPrefix(keys, prefix []string) bool {
	if len(prefix) > len(keys) {
		return false
	}
	for i, p := range prefix {
		if keys[i] != p {
			return false
		}
	}
	return true
}

// Typed accessors. Unknown keys and type mismatches yield the zero value;
// use Get to observe the error.

func (s *Schema) GetString(keys ...string) string {
	v, _ := s.Get(keys...)
	str, _ := v.(string)
	return str
}

func (s *Schema) GetBool(keys ...string) bool {
	v, _ := s.Get(keys...)
	b, _ := v.(bool)
	return b
}

func (s *Schema) GetInt(keys ...string) int {
	v, _ := s.Get(keys...)
	i, _ := v.(int)
	return i
}

func (s *Schema) GetFloat(keys ...string) float64 {
	v, _ := s.Get(keys...)
	f, _ := v.(float64)
	return f
}

func (s *Schema) GetStrings(keys ...string) []string {
	v, _ := s.Get(keys...)
	l, _ := v.([]string)
	return append([]string(nil), l...)
}

func (s *Schema) GetPairs(keys ...string) [][2]string {
	v, _ := s.Get(keys...)
	l, _ := v.([][2]string)
	return append([][2]string(nil), l...)
}

func zeroOr(p Param) any {
	if p.Default != nil {
		if v, err := coerce(p.Type, p.Default); err == nil {
			return v
		}
	}
	switch p.Type {
	case TypeInt:
		return 0
	case TypeFloat:
		return 0.0
	case TypeBool:
		return false
	case TypeStrList, TypeFileList:
		return []string{}
	case TypePairList:
		return [][2]string{}
	default:
		return ""
	}
}

func coerce(t ValueType, v any) (any, error) {
	mismatch := func() error { return fmt.Errorf("%w: want %s, got %T", ErrTypeMismatch, t, v) }
	switch t {
	case TypeStr:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeInt:
		switch n := v.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			if n == math.Trunc(n) {
				return int(n), nil
			}
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return int(i), nil
			}
		}
	case TypeFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, nil
			}
		}
	case TypeStrList, TypeFileList:
		switch l := v.(type) {
		case string:
			return []string{l}, nil
		case []string:
			out := make([]string, len(l))
			copy(out, l)
			return out, nil
		case []any:
			out := make([]string, 0, len(l))
			for _, e := range l {
				s, ok := e.(string)
				if !ok {
					return nil, mismatch()
				}
				out = append(out, s)
			}
			return out, nil
		}
	case TypePairList:
		switch l := v.(type) {
		case [2]string:
			return [][2]string{l}, nil
		case [][2]string:
			out := make([][2]string, len(l))
			copy(out, l)
			return out, nil
		case []any:
			out := make([][2]string, 0, len(l))
			for _, e := range l {
				pair, ok := e.([]any)
				if !ok || len(pair) != 2 {
					return nil, mismatch()
				}
				a, aok := pair[0].(string)
				b, bok := pair[1].(string)
				if !aok || !bok {
					return nil, mismatch()
				}
				out = append(out, [2]string{a, b})
			}
			return out, nil
		}
	}
	return nil, mismatch()
}
