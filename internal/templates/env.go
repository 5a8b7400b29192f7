package templates

import (
	"github.com/rendis/playbooks/internal/store"
)

// NewEnv builds the variables visible to template expressions. Any argument may
// be nil.
func NewEnv(run *store.PlaybookRun, pb *store.Playbook, org *store.Organization, inputs map[string]any) map[string]any {
	env := map[string]any{
		"trigger":      map[string]any{},
		"outputs":      map[string]any{},
		"run":          map[string]any{},
		"playbook":     map[string]any{},
		"organization": map[string]any{},
		"inputs":       inputs,
	}
	if inputs == nil {
		env["inputs"] = map[string]any{}
	}

	if run != nil {
		if run.TriggerData != nil {
			env["trigger"] = run.TriggerData
		}
		outputs := make(map[string]any, len(run.Outputs))
		for step, data := range run.Outputs {
			outputs[step] = data
		}
		env["outputs"] = outputs

		r := map[string]any{
			"id":           run.ID.String(),
			"state":        string(run.State),
			"trigger_type": run.TriggerType,
			"activity_id":  run.Properties.ActivityID,
			"created_at":   run.CreatedAt,
		}
		if run.GroupID != nil {
			r["group_id"] = run.GroupID.String()
		}
		if run.Cursor != nil {
			r["step"] = run.Cursor.StepID
			r["sequence"] = run.Cursor.SequenceName
			r["attempt"] = run.Cursor.AttemptCount
		}
		env["run"] = r
	}
	if pb != nil {
		env["playbook"] = map[string]any{
			"id":   pb.ID.String(),
			"name": pb.Name,
			"slug": pb.Slug,
		}
	}
	if org != nil {
		env["organization"] = map[string]any{
			"id":   org.ID.String(),
			"name": org.Name,
			"slug": org.Slug,
		}
	}
	return env
}
