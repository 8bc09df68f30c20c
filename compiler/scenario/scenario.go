package scenario

import (
	"bytes"
	"os"

	"gopkg.in/yaml.v3"
	"tlog.app/go/errors"

	"github.com/casm-lang/libcjel-rt/compiler/back"
)

type (
	// Scenario describes a small IR program, an instruction to execute
	// and the expected outcome.
	Scenario struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description,omitempty"`

		Options back.Config `yaml:"options,omitempty"`

		Types      []Type            `yaml:"types,omitempty"`
		Consts     map[string]string `yaml:"consts,omitempty"`
		Intrinsics []Intrinsic       `yaml:"intrinsics,omitempty"`

		Execute Instr `yaml:"execute"`

		// Exactly one of Expect and Error is set.
		// Error is the What of the expected UnsupportedError.
		Expect string `yaml:"expect,omitempty"`
		Error  string `yaml:"error,omitempty"`
	}

	// Type is a named struct type. Fields are "name type" pairs.
	Type struct {
		Name   string   `yaml:"name"`
		Fields []string `yaml:"fields"`
	}

	// Intrinsic parameters are "name type" pairs.
	Intrinsic struct {
		Name string   `yaml:"name"`
		In   []string `yaml:"in,omitempty"`
		Out  []string `yaml:"out,omitempty"`
		Body []Instr  `yaml:"body,omitempty"`
	}

	// Instr is a single instruction. Args are names of previous
	// instructions, parameters, named constants or inline literals
	// like "u8 0x18", "pair {1, 2}" or "alloc pair".
	Instr struct {
		Name string   `yaml:"name,omitempty"`
		Op   string   `yaml:"op"`
		Type string   `yaml:"type,omitempty"`
		Args []string `yaml:"args,omitempty"`
	}
)

func Load(name string) (*Scenario, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}

	s, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, "%v", name)
	}

	return s, nil
}

// Parse decodes a scenario rejecting unknown fields.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	err := dec.Decode(&s)
	if err != nil {
		return nil, errors.Wrap(err, "decode yaml")
	}

	err = s.validate()
	if err != nil {
		return nil, errors.Wrap(err, "invalid scenario")
	}

	return &s, nil
}

func (s *Scenario) validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}

	if s.Execute.Op == "" {
		return errors.New("execute: op is required")
	}

	if (s.Expect == "") == (s.Error == "") {
		return errors.New("exactly one of expect and error is required")
	}

	for i, f := range s.Intrinsics {
		if f.Name == "" {
			return errors.New("intrinsic %d: name is required", i)
		}

		for j, in := range f.Body {
			if in.Op == "" {
				return errors.New("%v: instruction %d: op is required", f.Name, j)
			}
		}
	}

	return nil
}
