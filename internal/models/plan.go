package models

import "strings"

// Plan is the validated output of the planning stage.
type Plan struct {
	PlanID         string `json:"plan_id"`
	ProjectRoot    string `json:"project_root"`
	TestFolderRoot string `json:"test_folder_root"`
	Tasks          []Task `json:"tasks"`
}

// Task is a unit of work scoped to a set of artifact paths.
type Task struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Rationale  string   `json:"rationale"`
	Acceptance string   `json:"acceptance"`
	Artifacts  []string `json:"artifacts"`
	Feedback   string   `json:"feedback,omitempty"`
}

// InScope reports whether path may be written by t. An empty artifact list
// leaves the task unscoped.
func (t Task) InScope(path string) bool {
	if len(t.Artifacts) == 0 {
		return true
	}
	for _, a := range t.Artifacts {
		if a == path {
			return true
		}
	}
	return false
}

// RetryTitlePrefix marks a task derived for a fix attempt.
const RetryTitlePrefix = "Fix failing tests for: "

// ForRetry derives the task handed to the coder on a fix attempt.
func (t Task) ForRetry(feedback string) Task {
	r := t
	r.Artifacts = append([]string(nil), t.Artifacts...)
	if !strings.HasPrefix(t.Title, RetryTitlePrefix) {
		r.Title = RetryTitlePrefix + t.Title
	}
	r.Feedback = feedback
	return r
}

// Edit is a proposed full-content file write.
type Edit struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type EditSet struct {
	Edits []Edit `json:"edits"`
}

// TestVerdict is the structured result of one test attempt.
type TestVerdict struct {
	TaskID string `json:"task_id"`
	Passed bool   `json:"passed"`
	Report string `json:"report"`
}

// BackendError is the error document a backend may return instead of the
// requested payload.
type BackendError struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}
