// Package schema validates every document that crosses a stage boundary and
// decodes it into the typed model only after it passes.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/mpataki/triad/internal/fault"
	"github.com/mpataki/triad/internal/models"
)

// RawPrefixLimit bounds how much of an unparseable payload is kept for the log.
const RawPrefixLimit = 1200

// ValidationError reports the first location where a document broke its
// contract.
type ValidationError struct {
	Kind       Kind
	Field      string
	Constraint string
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema violation: %s document at %s violates %s: %s", e.Kind, e.Field, e.Constraint, e.Message)
}

func (e *ValidationError) Unwrap() error { return fault.ErrSchemaViolation }

// Gate validates documents of one kind.
type Gate struct {
	kind     Kind
	schema   *jsonschema.Schema
	resolved *jsonschema.Resolved
}

var (
	gatesOnce sync.Once
	gates     map[Kind]*Gate
	gatesErr  error
)

// New compiles the gate for kind.
func New(kind Kind) (*Gate, error) {
	s := schemaFor(kind)
	if s == nil {
		return nil, fault.New(fault.ErrConfig, "schema", "unknown document kind %q", kind)
	}
	rs, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s schema: %w", kind, err)
	}
	return &Gate{kind: kind, schema: s, resolved: rs}, nil
}

// For returns the shared gate for kind. It panics on an unknown kind since
// the set is fixed at compile time.
func For(kind Kind) *Gate {
	gatesOnce.Do(func() {
		gates = make(map[Kind]*Gate, len(Kinds))
		for _, k := range Kinds {
			g, err := New(k)
			if err != nil {
				gatesErr = err
				return
			}
			gates[k] = g
		}
	})
	if gatesErr != nil {
		panic(gatesErr)
	}
	g, ok := gates[kind]
	if !ok {
		panic(fmt.Sprintf("schema: unknown kind %q", kind))
	}
	return g
}

// ParseKind maps a user-supplied name to a Kind.
func ParseKind(name string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fault.New(fault.ErrConfig, "schema", "unknown document kind %q", name)
}

func (g *Gate) Kind() Kind { return g.kind }

// Validate checks doc against the gate's schema. doc may be any value that
// marshals to JSON; it is normalized to its generic JSON form first.
func (g *Gate) Validate(doc any) error {
	inst, err := normalize(doc)
	if err != nil {
		return &ValidationError{Kind: g.kind, Field: "/", Constraint: "json", Message: err.Error()}
	}
	if err := g.resolved.Validate(inst); err == nil {
		return nil
	}
	field, constraint, msg := locate(g.schema, inst, "")
	if field == "" {
		field = "/"
	}
	return &ValidationError{Kind: g.kind, Field: field, Constraint: constraint, Message: msg}
}

func (g *Gate) IsValid(doc any) bool { return g.Validate(doc) == nil }

func normalize(doc any) (any, error) {
	var data []byte
	switch v := doc.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		var err error
		if data, err = json.Marshal(doc); err != nil {
			return nil, err
		}
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// locate walks schema and instance together to find the deepest failing
// location, then names the keyword that fails there.
func locate(s *jsonschema.Schema, inst any, path string) (string, string, string) {
	if obj, ok := inst.(map[string]any); ok && s.Type == "object" {
		for _, name := range s.Required {
			if _, present := obj[name]; !present {
				return path + "/" + name, "required", fmt.Sprintf("missing property %q", name)
			}
		}
		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			v, present := obj[name]
			if !present {
				continue
			}
			if sub := s.Properties[name]; !valid(sub, v) {
				return locate(sub, v, path+"/"+name)
			}
		}
	}
	if arr, ok := inst.([]any); ok && s.Type == "array" && s.Items != nil {
		for i, v := range arr {
			if !valid(s.Items, v) {
				return locate(s.Items, v, path+"/"+strconv.Itoa(i))
			}
		}
	}
	keyword, msg := failingKeyword(s, inst)
	return path, keyword, msg
}

func failingKeyword(s *jsonschema.Schema, inst any) (string, string) {
	probes := []struct {
		keyword string
		set     bool
		probe   *jsonschema.Schema
	}{
		{"type", s.Type != "", &jsonschema.Schema{Type: s.Type}},
		{"enum", len(s.Enum) > 0, &jsonschema.Schema{Enum: s.Enum}},
		{"pattern", s.Pattern != "", &jsonschema.Schema{Pattern: s.Pattern}},
		{"minLength", s.MinLength != nil, &jsonschema.Schema{MinLength: s.MinLength}},
		{"maxLength", s.MaxLength != nil, &jsonschema.Schema{MaxLength: s.MaxLength}},
	}
	for _, p := range probes {
		if !p.set {
			continue
		}
		if err := check(p.probe, inst); err != nil {
			return p.keyword, err.Error()
		}
	}
	if err := check(s, inst); err != nil {
		return "schema", err.Error()
	}
	return "schema", "invalid value"
}

func check(s *jsonschema.Schema, inst any) error {
	rs, err := s.Resolve(nil)
	if err != nil {
		return err
	}
	return rs.Validate(inst)
}

func valid(s *jsonschema.Schema, inst any) bool { return check(s, inst) == nil }

// Parse decodes a raw backend response into its generic JSON form.
func Parse(op, raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fault.New(fault.ErrParse, op, "invalid JSON response: %v", err).
			With("reason", err.Error()).
			With("text", fault.Truncate(raw, RawPrefixLimit))
	}
	return v, nil
}

// AsBackendError reports whether doc is the backend's error document rather
// than the payload that was asked for.
func AsBackendError(doc any) (models.BackendError, bool) {
	obj, ok := doc.(map[string]any)
	if !ok || obj["status"] != "error" {
		return models.BackendError{}, false
	}
	if !For(KindError).IsValid(doc) {
		return models.BackendError{}, false
	}
	var be models.BackendError
	if err := decode(doc, &be); err != nil {
		return models.BackendError{}, false
	}
	return be, true
}

func decode(doc any, out any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Decode validates doc as kind and only then fills out.
func Decode(kind Kind, doc any, out any) error {
	if err := For(kind).Validate(doc); err != nil {
		return err
	}
	if err := decode(doc, out); err != nil {
		return fault.New(fault.ErrSchemaViolation, "schema", "%s document does not fit model: %v", kind, err)
	}
	return nil
}

// DecodePlan validates a plan and enforces unique task ids.
func DecodePlan(doc any) (*models.Plan, error) {
	var plan models.Plan
	if err := Decode(KindPlan, doc, &plan); err != nil {
		return nil, err
	}
	seen := make(map[string]int, len(plan.Tasks))
	for i, t := range plan.Tasks {
		if first, dup := seen[t.ID]; dup {
			return nil, &ValidationError{
				Kind:       KindPlan,
				Field:      fmt.Sprintf("/tasks/%d/id", i),
				Constraint: "unique",
				Message:    fmt.Sprintf("task id %s already used by /tasks/%d", t.ID, first),
			}
		}
		seen[t.ID] = i
	}
	return &plan, nil
}

func DecodeEditSet(doc any) (*models.EditSet, error) {
	var set models.EditSet
	if err := Decode(KindEditSet, doc, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

func DecodeVerdict(doc any) (*models.TestVerdict, error) {
	var v models.TestVerdict
	if err := Decode(KindVerdict, doc, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func DecodeTasks(doc any) (*models.TaskConfig, error) {
	var cfg models.TaskConfig
	if err := Decode(KindTasks, doc, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
