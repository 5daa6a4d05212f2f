package schema

import "github.com/google/jsonschema-go/jsonschema"

// Kind names one of the fixed inter-stage contracts.
type Kind string

const (
	KindPlan    Kind = "plan"
	KindEditSet Kind = "editset"
	KindVerdict Kind = "verdict"
	KindError   Kind = "error"
	KindTasks   Kind = "tasks"
)

// Kinds lists every contract the gate knows, in a stable order.
var Kinds = []Kind{KindPlan, KindEditSet, KindVerdict, KindError, KindTasks}

const (
	maxText    = 4000
	maxContent = 200000
)

func intPtr(n int) *int { return &n }

func str() *jsonschema.Schema { return &jsonschema.Schema{Type: "string"} }

func text() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", MaxLength: intPtr(maxText)}
}

func boolean() *jsonschema.Schema { return &jsonschema.Schema{Type: "boolean"} }

func strList() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Items: str()}
}

func object(required []string, props map[string]*jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Required: required, Properties: props}
}

func planSchema() *jsonschema.Schema {
	task := object(
		[]string{"id", "title", "rationale", "acceptance", "artifacts"},
		map[string]*jsonschema.Schema{
			"id":         {Type: "string", Pattern: `^T\d+$`},
			"title":      text(),
			"rationale":  text(),
			"acceptance": text(),
			"artifacts":  strList(),
		},
	)
	return object(
		[]string{"plan_id", "project_root", "test_folder_root", "tasks"},
		map[string]*jsonschema.Schema{
			"plan_id":          {Type: "string", Pattern: `^plan_.+$`},
			"project_root":     text(),
			"test_folder_root": text(),
			"tasks":            {Type: "array", Items: task},
		},
	)
}

func editSetSchema() *jsonschema.Schema {
	edit := object(
		[]string{"path", "content"},
		map[string]*jsonschema.Schema{
			"path":    {Type: "string", MinLength: intPtr(1)},
			"content": {Type: "string", MaxLength: intPtr(maxContent)},
		},
	)
	return object([]string{"edits"}, map[string]*jsonschema.Schema{
		"edits": {Type: "array", Items: edit},
	})
}

func verdictSchema() *jsonschema.Schema {
	return object(
		[]string{"task_id", "passed", "report"},
		map[string]*jsonschema.Schema{
			"task_id": {Type: "string", Pattern: `^T\d+$`},
			"passed":  boolean(),
			"report":  text(),
		},
	)
}

func errorSchema() *jsonschema.Schema {
	return object(
		[]string{"status", "reason"},
		map[string]*jsonschema.Schema{
			"status": {Type: "string", Enum: []any{"error"}},
			"reason": text(),
		},
	)
}

// tasksSchema covers the goal document produced by intake.
func tasksSchema() *jsonschema.Schema {
	return object([]string{"goal"}, map[string]*jsonschema.Schema{
		"default_options": boolean(),
		"simple_mode":     boolean(),
		"goal":            {Type: "string", MinLength: intPtr(10), MaxLength: intPtr(20000)},
		"workspace_dir":   {Type: "string", MinLength: intPtr(1), MaxLength: intPtr(maxText)},
		"artifacts":       strList(),
		"constraints": object(nil, map[string]*jsonschema.Schema{
			"language":       {Type: "string", Enum: []any{"python"}},
			"python_version": {Type: "string", Pattern: `^3\.\d+(\.\d+)?$`},
			"os":             {Type: "string", Enum: []any{"windows", "linux", "darwin"}},
			"dependencies": object(nil, map[string]*jsonschema.Schema{
				"allowed": strList(),
				"notes":   str(),
			}),
			"style": str(),
		}),
		"acceptance_criteria": strList(),
		"run": object(nil, map[string]*jsonschema.Schema{
			"command": str(),
			"notes":   str(),
		}),
		"tests_policy": object(nil, map[string]*jsonschema.Schema{
			"create_tests":    boolean(),
			"test_folder":     str(),
			"minimum":         {Type: "string", Enum: []any{"none", "basic", "extended"}},
			"no_tests_reason": str(),
			"run_tests":       boolean(),
		}),
		"context_paths": strList(),
	})
}

func schemaFor(kind Kind) *jsonschema.Schema {
	switch kind {
	case KindPlan:
		return planSchema()
	case KindEditSet:
		return editSetSchema()
	case KindVerdict:
		return verdictSchema()
	case KindError:
		return errorSchema()
	case KindTasks:
		return tasksSchema()
	default:
		return nil
	}
}
