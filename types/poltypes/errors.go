package poltypes

import (
	"errors"
	"fmt"
)

var (
	// ErrSelectorResolutionUnavailable means a cluster-state query failed. The
	// affected rule item contributes nothing, the compilation goes on.
	ErrSelectorResolutionUnavailable = errors.New("selector resolution unavailable")

	// ErrUnsupportedRuleShape aborts extraction of the owning rule and has to be
	// reported to the policy author.
	ErrUnsupportedRuleShape = errors.New("unsupported rule shape")

	// ErrBitAllocationOverflow aborts the compilation of one endpoint and
	// direction, the previous tables stay in place.
	ErrBitAllocationOverflow = errors.New("bit allocation overflow")

	ErrUnrecognizedLabelChangeType = errors.New("unrecognized label change type")
	ErrInvalidCidr                 = errors.New("invalid cidr")

	// ErrStaleCompilation is returned when a newer compilation already replaced
	// the cached data of an endpoint.
	ErrStaleCompilation = errors.New("stale compilation")
)

// RuleError ties a rule level failure to the rule it came from.
type RuleError struct {
	Policy    string
	Direction Direction
	Index     int
	Err       error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("policy %s %s rule %d: %v", e.Policy, e.Direction, e.Index, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}
