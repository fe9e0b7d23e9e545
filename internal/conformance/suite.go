// Package conformance runs scripted calls against a plugin instance and
// checks the results, so a guest can be verified against the buffer ABI
// without writing host code.
package conformance

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed scenarios.yaml
var defaultScenarios []byte

// Suite is an ordered list of scenarios.
type Suite struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// Scenario calls one export and states what it must produce.
type Scenario struct {
	Name   string `yaml:"name"`
	Export string `yaml:"export"`
	Args   Args   `yaml:"args"`
	Expect Expect `yaml:"expect"`
}

// Args are the call arguments. Ints are passed as i32 parameters; a text or
// bytes argument is written to guest memory and passed as a buffer address
// after them.
type Args struct {
	Ints  []int32 `yaml:"ints,omitempty"`
	Text  *string `yaml:"text,omitempty"`
	Bytes *Bytes  `yaml:"bytes,omitempty"`
}

// Expect holds exactly one expected outcome.
type Expect struct {
	Int     *int32  `yaml:"int,omitempty"`
	Text    *string `yaml:"text,omitempty"`
	Bytes   *Bytes  `yaml:"bytes,omitempty"`
	Failure *string `yaml:"failure,omitempty"`
}

// Bytes is written in YAML as a sequence of integers in [0, 255].
type Bytes []byte

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *Bytes) UnmarshalYAML(node *yaml.Node) error {
	var values []int
	if err := node.Decode(&values); err != nil {
		return err
	}

	out := make(Bytes, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("line %d: byte value %d out of range", node.Line, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b Bytes) MarshalYAML() (any, error) {
	values := make([]int, len(b))
	for i, v := range b {
		values[i] = int(v)
	}
	return values, nil
}

// DefaultSuite returns the built-in reference scenarios.
func DefaultSuite() (*Suite, error) {
	return ParseSuite("scenarios.yaml", defaultScenarios)
}

// LoadSuite reads and validates a suite file.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SuiteParseError{Source: path, Err: err}
	}
	return ParseSuite(path, data)
}

// ParseSuite decodes and validates suite YAML. source names the input in
// errors.
func ParseSuite(source string, data []byte) (*Suite, error) {
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, &SuiteParseError{Source: source, Err: err}
	}
	if err := s.Validate(); err != nil {
		return nil, &SuiteParseError{Source: source, Err: err}
	}
	return &s, nil
}

// Validate checks that every scenario is runnable.
func (s *Suite) Validate() error {
	if len(s.Scenarios) == 0 {
		return fmt.Errorf("suite has no scenarios")
	}

	seen := make(map[string]bool, len(s.Scenarios))
	for i := range s.Scenarios {
		sc := &s.Scenarios[i]
		if sc.Name == "" {
			return &InvalidScenarioError{Scenario: fmt.Sprintf("#%d", i+1), Reason: "name is required"}
		}
		if seen[sc.Name] {
			return &InvalidScenarioError{Scenario: sc.Name, Reason: "duplicate name"}
		}
		seen[sc.Name] = true

		if sc.Export == "" {
			return &InvalidScenarioError{Scenario: sc.Name, Reason: "export is required"}
		}
		if sc.Args.Text != nil && sc.Args.Bytes != nil {
			return &InvalidScenarioError{Scenario: sc.Name, Reason: "args take at most one of text and bytes"}
		}
		if n := sc.Expect.count(); n != 1 {
			return &InvalidScenarioError{
				Scenario: sc.Name,
				Reason:   fmt.Sprintf("expect must name exactly one outcome, got %d", n),
			}
		}
	}
	return nil
}

func (e Expect) count() int {
	n := 0
	if e.Int != nil {
		n++
	}
	if e.Text != nil {
		n++
	}
	if e.Bytes != nil {
		n++
	}
	if e.Failure != nil {
		n++
	}
	return n
}
