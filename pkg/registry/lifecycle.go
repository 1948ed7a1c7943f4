package registry

import "fmt"

// TransitionRule defines an allowed lifecycle transition.
type TransitionRule struct {
	From State
	To   State
}

// DefaultTransitions defines the allowed lifecycle state transitions:
// pending -> staging -> validating -> committed -> archived, with rollback
// branches out of staging and validating, and cancellation out of pending.
var DefaultTransitions = []TransitionRule{
	{From: StatePending, To: StateStaging},
	{From: StatePending, To: StateCancelled},
	{From: StateStaging, To: StateValidating},
	{From: StateStaging, To: StateRollingBack},
	{From: StateValidating, To: StateCommitted},
	{From: StateValidating, To: StateRollingBack},
	{From: StateRollingBack, To: StateRolledBack},
	{From: StateRolledBack, To: StateArchived},
	{From: StateCommitted, To: StateArchived},
}

// LifecycleMachine validates lifecycle state transitions.
type LifecycleMachine struct {
	transitions []TransitionRule
}

// NewLifecycleMachine creates a machine with the default rules.
func NewLifecycleMachine() *LifecycleMachine {
	return &LifecycleMachine{transitions: DefaultTransitions}
}

// ValidateTransition checks if a transition from->to is allowed for a record
// of the given type. Returns nil if allowed, an error with a machine-readable
// code if not. The baseline record may never leave committed.
func (m *LifecycleMachine) ValidateTransition(vtype VersionType, from, to State) error {
	// Same state is a no-op, allow it.
	if from == to {
		return nil
	}

	if vtype == TypeBaseline && from == StateCommitted {
		return &TransitionError{
			Code:    "BASELINE_IMMUTABLE",
			From:    from,
			To:      to,
			Message: fmt.Sprintf("baseline version cannot leave %s", StateCommitted),
		}
	}

	for _, t := range m.transitions {
		if t.From == from && t.To == to {
			return nil
		}
	}

	return &TransitionError{
		Code:    "ILLEGAL_TRANSITION",
		From:    from,
		To:      to,
		Message: fmt.Sprintf("no transition defined from %s to %s", from, to),
	}
}

// AllowedTransitions returns all valid target states from the given state.
func (m *LifecycleMachine) AllowedTransitions(from State) []State {
	var allowed []State
	for _, t := range m.transitions {
		if t.From == from {
			allowed = append(allowed, t.To)
		}
	}
	return allowed
}

// TransitionError is a structured error for invalid transitions.
type TransitionError struct {
	Code    string `json:"code"`
	From    State  `json:"from"`
	To      State  `json:"to"`
	Message string `json:"message"`
}

func (e *TransitionError) Error() string {
	return e.Message
}

// RegistrationConflictError is returned when a register call races an active
// version. Callers must fail fast rather than queue.
type RegistrationConflictError struct {
	ActiveVersionID string `json:"activeVersionId"`
	ActiveState     State  `json:"activeState"`
}

func (e *RegistrationConflictError) Error() string {
	return fmt.Sprintf("version %s is still %s; only one migration may be active", e.ActiveVersionID, e.ActiveState)
}

// Code returns the machine-readable error code.
func (e *RegistrationConflictError) Code() string { return "REGISTRATION_CONFLICT" }

// BaselineExistsError rejects a second baseline registration.
type BaselineExistsError struct {
	BaselineID string `json:"baselineId"`
}

func (e *BaselineExistsError) Error() string {
	return fmt.Sprintf("baseline version %s already exists", e.BaselineID)
}

// Code returns the machine-readable error code.
func (e *BaselineExistsError) Code() string { return "BASELINE_EXISTS" }

// PointerConflictError is returned when a production pointer advance loses
// the compare-and-swap race.
type PointerConflictError struct {
	ExpectedToken int64 `json:"expectedToken"`
	CurrentToken  int64 `json:"currentToken"`
}

func (e *PointerConflictError) Error() string {
	return fmt.Sprintf("production pointer token moved from %d to %d", e.ExpectedToken, e.CurrentToken)
}

// Code returns the machine-readable error code.
func (e *PointerConflictError) Code() string { return "POINTER_CONFLICT" }
