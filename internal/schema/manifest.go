package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

type leaf struct {
	Type  ValueType       `json:"type"`
	Value json.RawMessage `json:"value"`
}

type tree struct {
	keys     []string
	children map[string]*tree
	leaf     []byte
}

func (t *tree) child(k string) *tree {
	if t.children == nil {
		t.children = map[string]*tree{}
	}
	c, ok := t.children[k]
	if !ok {
		c = &tree{}
		t.children[k] = c
		t.keys = append(t.keys, k)
	}
	return c
}

func (t *tree) encode(buf *bytes.Buffer) error {
	if t.leaf != nil {
		buf.Write(t.leaf)
		return nil
	}
	buf.WriteByte('{')
	for i, k := range t.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(name)
		buf.WriteByte(':')
		if err := t.children[k].encode(buf); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// WriteJSON writes explicitly set values as nested objects keyed by path
// segment, preserving insertion order.
func (s *Schema) WriteJSON(w io.Writer) error {
	root := &tree{}
	for _, k := range s.order {
		keys := splitKey(k)
		p, err := s.Lookup(keys...)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(s.values[k])
		if err != nil {
			return fmt.Errorf("encode [%s]: %w", k, err)
		}
		l, err := json.Marshal(leaf{Type: p.Type, Value: raw})
		if err != nil {
			return fmt.Errorf("encode [%s]: %w", k, err)
		}
		node := root
		for _, seg := range keys {
			node = node.child(seg)
		}
		node.leaf = l
	}
	var compact bytes.Buffer
	if err := root.encode(&compact); err != nil {
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact.Bytes(), "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err := w.Write(out.Bytes())
	return err
}

// ReadJSON loads values written by WriteJSON, replacing any already stored
// at the same keys.
func (s *Schema) ReadJSON(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	return s.readObject(nil, data)
}

func (s *Schema) readObject(path []string, data []byte) error {
	if len(path) > 0 {
		if _, err := s.Lookup(path...); err == nil {
			var l leaf
			if err := json.Unmarshal(data, &l); err == nil && l.Value != nil {
				return s.readLeaf(path, l.Value)
			}
		}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("parse manifest: %w: [%s]", ErrUnknownKey, joinKey(path))
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("parse manifest: %w", err)
		}
		key, _ := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("parse manifest: %w", err)
		}
		if err := s.readObject(append(append([]string(nil), path...), key), raw); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) readLeaf(path []string, raw json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("parse [%s]: %w", joinKey(path), err)
	}
	if v == nil {
		return nil
	}
	return s.Set(v, path...)
}

// WriteManifest writes the store to path, creating parent directories.
func (s *Schema) WriteManifest(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	var buf bytes.Buffer
	if err := s.WriteJSON(&buf); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadManifest loads a manifest into a new store over the default parameters.
func ReadManifest(path string) (*Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	s := Default()
	if err := s.ReadJSON(f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
