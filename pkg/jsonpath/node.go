// Package jsonpath evaluates JSONPath expressions over JSON documents while
// keeping object members in document order, so that the first match of a
// query is the same on every node that evaluates it.
package jsonpath

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidDocument is wrapped when a document is not valid JSON.
var ErrInvalidDocument = errors.New("jsonpath: invalid document")

// Kind is the JSON type of a Node.
type Kind int

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Node is one value of a parsed document. Numbers keep their literal text.
type Node struct {
	Kind Kind
	// Scalar holds the literal number text, the decoded string, or
	// "true"/"false" for booleans.
	Scalar string
	Items  []*Node
	Keys   []string
	Values []*Node

	index map[string]int // key position, built while parsing
}

// Parse decodes a single JSON document.
func Parse(doc []byte) (*Node, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	n, err := parseValue(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after document", ErrInvalidDocument)
	}
	return n, nil
}

func parseValue(dec *json.Decoder) (*Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch v := tok.(type) {
	case nil:
		return &Node{Kind: Null}, nil
	case bool:
		if v {
			return &Node{Kind: Bool, Scalar: "true"}, nil
		}
		return &Node{Kind: Bool, Scalar: "false"}, nil
	case json.Number:
		return &Node{Kind: Number, Scalar: v.String()}, nil
	case string:
		return &Node{Kind: String, Scalar: v}, nil
	case json.Delim:
		switch v {
		case '[':
			n := &Node{Kind: Array}
			for dec.More() {
				item, err := parseValue(dec)
				if err != nil {
					return nil, err
				}
				n.Items = append(n.Items, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return n, nil
		case '{':
			n := &Node{Kind: Object}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("object key is %T", keyTok)
				}
				val, err := parseValue(dec)
				if err != nil {
					return nil, err
				}
				n.set(key, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return n, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

// set keeps the first position of a duplicated key and the last value.
func (n *Node) set(key string, val *Node) {
	if n.index == nil {
		n.index = make(map[string]int)
	}
	if i, ok := n.index[key]; ok {
		n.Values[i] = val
		return
	}
	n.index[key] = len(n.Keys)
	n.Keys = append(n.Keys, key)
	n.Values = append(n.Values, val)
}

// Get returns the member called key of an object node.
func (n *Node) Get(key string) (*Node, bool) {
	if n.Kind != Object {
		return nil, false
	}
	if n.index != nil {
		i, ok := n.index[key]
		if !ok {
			return nil, false
		}
		return n.Values[i], true
	}
	for i, k := range n.Keys {
		if k == key {
			return n.Values[i], true
		}
	}
	return nil, false
}

// Text renders the node for a caller that wants a scalar: strings unquoted,
// numbers as written in the document, everything else as compact JSON.
func (n *Node) Text() string {
	switch n.Kind {
	case String, Number, Bool:
		return n.Scalar
	}
	return string(n.JSON())
}

// JSON re-encodes the node as compact JSON, members in document order.
func (n *Node) JSON() []byte {
	var buf bytes.Buffer
	n.encode(&buf)
	return buf.Bytes()
}

func (n *Node) encode(buf *bytes.Buffer) {
	switch n.Kind {
	case Null:
		buf.WriteString("null")
	case Bool, Number:
		buf.WriteString(n.Scalar)
	case String:
		writeString(buf, n.Scalar)
	case Array:
		buf.WriteByte('[')
		for i, item := range n.Items {
			if i > 0 {
				buf.WriteByte(',')
			}
			item.encode(buf)
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, k := range n.Keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			n.Values[i].encode(buf)
		}
		buf.WriteByte('}')
	}
}

func writeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	buf.Truncate(buf.Len() - 1) // Encode appends a newline
}

// NodesJSON encodes a list of matches as a JSON array.
func NodesJSON(nodes []*Node) []byte {
	return (&Node{Kind: Array, Items: nodes}).JSON()
}
