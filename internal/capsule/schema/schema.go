// Package schema performs structural presence checks on capsule payloads
// before they are committed, and extracts the descriptive metadata the
// index carries through unchanged.
//
// The store does not own schema evolution: the producer and the store
// agree on a set of required top-level sections, and this package only
// verifies they are present. Anything deeper is the producer's business.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/theory/jsonpath"
)

var (
	ErrMalformedPayload = errors.New("capsule payload is not valid JSON")
	ErrMissingSection   = errors.New("capsule payload is missing a required section")
)

// DefaultSections are the top-level sections a capsule produced by the
// standard producer always carries.
var DefaultSections = []string{"identity", "personality", "memory"}

// Descriptor is the payload metadata recorded verbatim in the index.
type Descriptor struct {
	SchemaVersion int
	ProducerID    string
	SourceTag     string
}

// Validator checks payloads for a fixed set of required sections.
type Validator struct {
	sections []string
	paths    []*jsonpath.Path

	schemaVersionPath *jsonpath.Path
	producerPath      *jsonpath.Path
	sourceTagPath     *jsonpath.Path
}

// New builds a Validator requiring the given top-level sections. With no
// sections, New(DefaultSections...) is what callers usually want.
func New(sections ...string) (*Validator, error) {
	v := &Validator{sections: sections}
	for _, section := range sections {
		p, err := jsonpath.Parse(fmt.Sprintf("$[%q]", section))
		if err != nil {
			return nil, fmt.Errorf("compile section path %q: %w", section, err)
		}
		v.paths = append(v.paths, p)
	}

	var err error
	if v.schemaVersionPath, err = jsonpath.Parse(`$["schema_version"]`); err != nil {
		return nil, err
	}
	if v.producerPath, err = jsonpath.Parse(`$["producer_id"]`); err != nil {
		return nil, err
	}
	if v.sourceTagPath, err = jsonpath.Parse(`$["source_tag"]`); err != nil {
		return nil, err
	}
	return v, nil
}

// Default returns a Validator for the standard producer sections.
func Default() *Validator {
	v, err := New(DefaultSections...)
	if err != nil {
		// The default paths are compile-time constants; failing to parse
		// them is a programming error.
		panic("schema: default validator: " + err.Error())
	}
	return v
}

// Sections returns the required section names.
func (v *Validator) Sections() []string {
	return v.sections
}

// Check validates the payload structure and extracts its descriptor.
// A payload that is not a JSON object, or lacks a required section,
// fails with ErrMalformedPayload or ErrMissingSection respectively.
func (v *Validator) Check(content []byte) (Descriptor, error) {
	var doc any
	if err := json.Unmarshal(content, &doc); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return Descriptor{}, fmt.Errorf("%w: top level is not an object", ErrMalformedPayload)
	}

	for i, p := range v.paths {
		if len(p.Select(doc)) == 0 {
			return Descriptor{}, fmt.Errorf("%w: %q", ErrMissingSection, v.sections[i])
		}
	}

	return v.describe(doc), nil
}

func (v *Validator) describe(doc any) Descriptor {
	var d Descriptor
	if nodes := v.schemaVersionPath.Select(doc); len(nodes) > 0 {
		switch value := nodes[0].(type) {
		case float64:
			d.SchemaVersion = int(value)
		case json.Number:
			if n, err := value.Int64(); err == nil {
				d.SchemaVersion = int(n)
			}
		}
	}
	if nodes := v.producerPath.Select(doc); len(nodes) > 0 {
		if s, ok := nodes[0].(string); ok {
			d.ProducerID = s
		}
	}
	if nodes := v.sourceTagPath.Select(doc); len(nodes) > 0 {
		if s, ok := nodes[0].(string); ok {
			d.SourceTag = s
		}
	}
	return d
}
