package conformance

import "fmt"

// SuiteParseError occurs when a suite cannot be read or is invalid.
type SuiteParseError struct {
	Source string
	Err    error
}

func (e *SuiteParseError) Error() string {
	return fmt.Sprintf("failed to parse suite %s: %v", e.Source, e.Err)
}

func (e *SuiteParseError) Unwrap() error {
	return e.Err
}

// InvalidScenarioError describes a scenario that cannot be run.
type InvalidScenarioError struct {
	Scenario string
	Reason   string
}

func (e *InvalidScenarioError) Error() string {
	return fmt.Sprintf("scenario '%s': %s", e.Scenario, e.Reason)
}
