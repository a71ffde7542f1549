package orchestrator

import "fmt"

// Phase names the step of the turn state machine an error escaped from.
type Phase string

const (
	PhaseLoadState    Phase = "load_state"
	PhaseRecall       Phase = "recall"
	PhaseBuildPrompt  Phase = "build_prompt"
	PhaseCallLLM      Phase = "call_llm"
	PhaseExecuteTools Phase = "execute_tools"
	PhasePersist      Phase = "persist"
)

// TurnError wraps a failure with the phase and iteration it occurred in.
type TurnError struct {
	Phase     Phase
	Iteration int
	Cause     error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed in %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
}

func (e *TurnError) Unwrap() error {
	return e.Cause
}
