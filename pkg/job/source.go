// Package job describes oracle jobs: the sources a request combines and the
// reference program that fetches and aggregates them.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fluxprotocol/oraclevm/pkg/fetch"
	"github.com/fluxprotocol/oraclevm/pkg/numeric"
)

// ErrInvalidSources is wrapped by every ParseSources failure.
var ErrInvalidSources = errors.New("job: invalid sources")

// SourceSpec is one API source of a job.
type SourceSpec struct {
	EndPoint   string `json:"end_point" yaml:"end_point"`
	SourcePath string `json:"source_path" yaml:"source_path"`
	// SourceParseAs is accepted for compatibility and not interpreted.
	SourceParseAs string `json:"source_parse_as,omitempty" yaml:"source_parse_as,omitempty"`
	// Multiplier scales the extracted value. Empty means 1.
	Multiplier  string            `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	HTTPMethod  string            `json:"http_method,omitempty" yaml:"http_method,omitempty"`
	HTTPHeaders map[string]string `json:"http_headers,omitempty" yaml:"http_headers,omitempty"`
	HTTPBody    string            `json:"http_body,omitempty" yaml:"http_body,omitempty"`
}

// Request returns the HTTP request the source describes.
func (s SourceSpec) Request() fetch.Request {
	return fetch.Request{
		Method:  s.HTTPMethod,
		URL:     s.EndPoint,
		Headers: s.HTTPHeaders,
		Body:    s.HTTPBody,
	}
}

const sourcesSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "array",
	"items": {
		"type": "object",
		"required": ["end_point", "source_path"],
		"properties": {
			"end_point": {"type": "string", "minLength": 1},
			"source_path": {"type": "string", "minLength": 1},
			"source_parse_as": {"type": "string"},
			"multiplier": {"type": "string"},
			"http_method": {"type": "string", "pattern": "^[A-Za-z]+$"},
			"http_headers": {"type": "object", "additionalProperties": {"type": "string"}},
			"http_body": {"type": "string"}
		}
	}
}`

const sourcesSchemaURL = "https://oraclevm.schemas.local/job/sources.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(sourcesSchemaURL, strings.NewReader(sourcesSchema)); err != nil {
			schemaErr = fmt.Errorf("job: sources schema load failed: %w", err)
			return
		}
		schema, schemaErr = c.Compile(sourcesSchemaURL)
	})
	return schema, schemaErr
}

// ParseSources validates raw against the sources schema and decodes it.
func ParseSources(raw string) ([]SourceSpec, error) {
	s, err := compiledSchema()
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSources, err)
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSources, err)
	}

	var sources []SourceSpec
	if err := json.Unmarshal([]byte(raw), &sources); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSources, err)
	}
	for i, src := range sources {
		if err := src.Validate(); err != nil {
			return nil, fmt.Errorf("%w: source %d: %v", ErrInvalidSources, i, err)
		}
	}
	return sources, nil
}

// Validate checks the fields the schema cannot: the multiplier is a decimal.
// Paths are not checked here so that a bad path skips only its own source.
func (s SourceSpec) Validate() error {
	if s.Multiplier != "" {
		if _, err := numeric.ParseDecimal(s.Multiplier); err != nil {
			return fmt.Errorf("multiplier: %w", err)
		}
	}
	return nil
}
