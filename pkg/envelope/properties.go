package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Well-known property names.
const (
	PropKeepAlive   = "Keep-Alive"
	PropContentType = "Content-Type"
	PropTransport   = "X-Synapse-Transport"
)

// Property is one transport metadata entry.
type Property struct {
	Name  string
	Value string
}

// Properties is an ordered set of string properties. Lookup is case-insensitive and
// the insertion order survives JSON encoding.
type Properties []Property

// Get returns the value of the first property named name.
func (p Properties) Get(name string) (string, bool) {
	for _, prop := range p {
		if strings.EqualFold(prop.Name, name) {
			return prop.Value, true
		}
	}
	return "", false
}

// Set replaces the value of name, or appends it.
func (p *Properties) Set(name, value string) {
	for i := range *p {
		if strings.EqualFold((*p)[i].Name, name) {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Property{Name: name, Value: value})
}

// Del removes every property named name.
func (p *Properties) Del(name string) {
	out := (*p)[:0]
	for _, prop := range *p {
		if !strings.EqualFold(prop.Name, name) {
			out = append(out, prop)
		}
	}
	*p = out
}

// MarshalJSON encodes the properties as a JSON object in insertion order.
func (p Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, prop := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(prop.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(prop.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping the key order.
func (p *Properties) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("%s - properties must be a JSON object", logPrefix)
	}
	var out Properties
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("%s - invalid property name %v", logPrefix, tok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("%s - property %q must be a string: %w", logPrefix, name, err)
		}
		out = append(out, Property{Name: name, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}
