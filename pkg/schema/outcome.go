package schema

// StepOutcome is the result classification of a step. The built-in values are
// interpreted by the saga; step types may return others and route them through
// the step's branch table.
type StepOutcome string

const (
	OutcomeSucceeded        StepOutcome = "Succeeded"
	OutcomeFailed           StepOutcome = "Failed"
	OutcomeCompletePlaybook StepOutcome = "CompletePlaybook"
	OutcomeSuspended        StepOutcome = "Suspended"
)

// StepResult is everything a step is allowed to hand back. Durable effects of a
// step flow through here and nowhere else.
type StepResult struct {
	Outcome StepOutcome    `json:"outcome"`
	Data    map[string]any `json:"data,omitempty"`
}

// Succeeded returns a successful result carrying data.
func Succeeded(data map[string]any) *StepResult {
	return &StepResult{Outcome: OutcomeSucceeded, Data: data}
}

// Failed returns a failed result with diagnostic data built from err.
func Failed(err error) *StepResult {
	data := map[string]any{"error": err.Error()}
	if code := ErrorCode(err); code != "" {
		data["code"] = code
	}
	return &StepResult{Outcome: OutcomeFailed, Data: data}
}

// TaggedValue is one entry of an array-valued input, e.g. a picked list of tags.
type TaggedValue struct {
	Label string `json:"label"`
	Value string `json:"value"`
}
