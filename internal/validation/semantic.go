package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/playbooks/pkg/schema"
)

// StepTypeLookup reports whether a step type is registered.
type StepTypeLookup interface {
	Has(name string) bool
}

// TriggerChecker compiles trigger filters and output paths without running them.
type TriggerChecker interface {
	CheckFilter(filter string) error
	CheckOutput(path string) error
}

// Issue codes.
const (
	CodeMissingStart     = "MISSING_START_SEQUENCE"
	CodeEmptySequence    = "EMPTY_SEQUENCE"
	CodeDuplicateStepID  = "DUPLICATE_STEP_ID"
	CodeUnknownStepType  = schema.ErrCodeStepTypeUnavailable
	CodeDanglingBranch   = "DANGLING_BRANCH"
	CodeFormatVersion    = "UNSUPPORTED_FORMAT_VERSION"
	CodeDuplicateTrigger = "DUPLICATE_TRIGGER"
	CodeInvalidFilter    = "INVALID_TRIGGER_FILTER"
	CodeInvalidOutput    = "INVALID_TRIGGER_OUTPUT"
	CodeUnreachableStep  = "UNREACHABLE_STEP"
	CodeStructure        = "INVALID_STRUCTURE"
)

func validateSemantic(def *schema.WorkflowDefinition, lookup StepTypeLookup, checker TriggerChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.FormatVersion > schema.CurrentFormatVersion {
		result.AddErrorf(schema.AtRoot("format_version"), CodeFormatVersion,
			"format version %d is newer than supported version %d", def.FormatVersion, schema.CurrentFormatVersion)
	}

	if _, ok := def.Sequences[def.StartSequence]; !ok {
		result.AddErrorf(schema.AtRoot("start_sequence"), CodeMissingStart, "start sequence %q does not exist", def.StartSequence)
	}

	validateTriggers(def.Triggers, checker, result)

	// Step IDs are unique across the whole definition so a cursor can never
	// be ambiguous after a branch jump.
	seen := make(map[string]string)
	for _, name := range sortedSequenceNames(def) {
		seq := def.Sequences[name]
		if len(seq.Actions) == 0 {
			result.AddErrorf(schema.AtSequence(name), CodeEmptySequence, "sequence %q has no steps", name)
			continue
		}
		for i, step := range seq.Actions {
			at := schema.AtStep(name, i, step.ID)

			if prev, dup := seen[step.ID]; dup {
				result.AddErrorf(at.Dot("id"), CodeDuplicateStepID,
					"step id %q already used in sequence %q", step.ID, prev)
			} else {
				seen[step.ID] = name
			}

			if lookup != nil && !lookup.Has(step.StepTypeName) {
				result.AddErrorf(at.Dot("action"), CodeUnknownStepType,
					"step type %q is not registered", step.StepTypeName)
			}

			for _, outcome := range sortedOutcomes(step.Branches) {
				branch := step.Branches[outcome]
				if _, _, err := def.Resolve(schema.ActionReference{
					SequenceName: branch.SequenceName, StepID: branch.StepID,
				}); err != nil {
					result.AddErrorf(at.Dot("branches."+string(outcome)), CodeDanglingBranch,
						"branch target %s/%s does not exist", branch.SequenceName, branch.StepID)
				}
			}
		}
	}
	return result
}

func validateTriggers(triggers []schema.TriggerStep, checker TriggerChecker, result *schema.ValidationResult) {
	types := make(map[string]int)
	for i, trig := range triggers {
		at := schema.AtTrigger(i)

		if prev, dup := types[trig.Type]; dup {
			result.AddWarning(at.Dot("type"), CodeDuplicateTrigger,
				fmt.Sprintf("trigger type %q already declared at triggers[%d]; only the first matches", trig.Type, prev))
		} else {
			types[trig.Type] = i
		}

		if trig.Filter != "" && strings.TrimSpace(trig.Filter) == "" {
			result.AddError(at.Dot("filter"), CodeInvalidFilter, "filter is blank")
		} else if trig.Filter != "" && checker != nil {
			if err := checker.CheckFilter(trig.Filter); err != nil {
				result.AddError(at.Dot("filter"), CodeInvalidFilter, err.Error())
			}
		}

		if checker == nil {
			continue
		}
		names := make([]string, 0, len(trig.Outputs))
		for name := range trig.Outputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := checker.CheckOutput(trig.Outputs[name]); err != nil {
				result.AddError(at.Dot("outputs."+name), CodeInvalidOutput, err.Error())
			}
		}
	}
}

func sortedSequenceNames(def *schema.WorkflowDefinition) []string {
	names := make([]string, 0, len(def.Sequences))
	for name := range def.Sequences {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedOutcomes(branches map[schema.StepOutcome]schema.StepBranch) []schema.StepOutcome {
	out := make([]schema.StepOutcome, 0, len(branches))
	for k := range branches {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
