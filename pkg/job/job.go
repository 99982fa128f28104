package job

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/fluxprotocol/oraclevm/pkg/runtime/sandbox"
)

// Job is a complete oracle request as written in a job file.
type Job struct {
	Caller     string            `yaml:"caller" json:"caller"`
	Sources    []SourceSpec      `yaml:"sources" json:"sources"`
	Kind       string            `yaml:"kind" json:"kind"`
	Factor     string            `yaml:"factor,omitempty" json:"factor,omitempty"`
	GasLimit   string            `yaml:"gas_limit" json:"gas_limit"`
	RandomSeed string            `yaml:"random_seed,omitempty" json:"random_seed,omitempty"`
	Timestamp  int64             `yaml:"timestamp,omitempty" json:"timestamp,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// LoadJob decodes a YAML (or JSON) job and validates its sources.
func LoadJob(r io.Reader) (*Job, error) {
	var j Job
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&j); err != nil {
		return nil, fmt.Errorf("job: decode: %w", err)
	}
	if j.GasLimit == "" {
		return nil, fmt.Errorf("job: gas_limit is required")
	}
	for i, src := range j.Sources {
		if err := src.Validate(); err != nil {
			return nil, fmt.Errorf("%w: source %d: %v", ErrInvalidSources, i, err)
		}
	}
	return &j, nil
}

// Args renders the job as program arguments: caller, sources JSON, kind and
// the factor when set.
func (j *Job) Args() ([]string, error) {
	sources := j.Sources
	if sources == nil {
		sources = []SourceSpec{}
	}
	raw, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("job: encode sources: %w", err)
	}
	args := []string{j.Caller, string(raw), j.Kind}
	if j.Factor != "" {
		args = append(args, j.Factor)
	}
	return args, nil
}

// Context builds the execution context for running the job. binary may be
// nil for native programs.
func (j *Job) Context(binary []byte) (sandbox.ExecutionContext, error) {
	args, err := j.Args()
	if err != nil {
		return sandbox.ExecutionContext{}, err
	}
	return sandbox.ExecutionContext{
		Args:       args,
		Binary:     binary,
		Env:        j.Env,
		GasLimit:   j.GasLimit,
		RandomSeed: j.RandomSeed,
		Timestamp:  j.Timestamp,
	}, nil
}
