package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/forgehq/forge/internal/errs"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// AffectedFile is one entry in an ExecutionPlan's affected-files list.
type AffectedFile struct {
	Path        string `json:"path"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

// ExecutionPlan is the rich plan shape emitted by the triage agent on
// task.plan.created and consumed by the coding agent. This is the
// shape the coding handler actually reads; the older minimal
// {steps, context} shape is not modeled here.
type ExecutionPlan struct {
	Summary            string         `json:"summary"`
	AffectedFiles      []AffectedFile `json:"affectedFiles"`
	Steps              []string       `json:"steps"`
	TestingStrategy     string         `json:"testingStrategy"`
	Risks              []string       `json:"risks,omitempty"`
	EstimatedComplexity string         `json:"estimatedComplexity,omitempty"`
}

const executionPlanSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["summary", "affectedFiles", "steps", "testingStrategy"],
	"properties": {
		"summary": {"type": "string", "minLength": 1},
		"affectedFiles": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["path", "action", "description"],
				"properties": {
					"path": {"type": "string", "minLength": 1},
					"action": {"enum": ["create", "modify", "delete"]},
					"description": {"type": "string"}
				}
			}
		},
		"steps": {
			"type": "array",
			"items": {"type": "string"}
		},
		"testingStrategy": {"type": "string"},
		"risks": {
			"type": "array",
			"items": {"type": "string"}
		},
		"estimatedComplexity": {"enum": ["simple", "medium", "complex"]}
	}
}`

var (
	planSchemaOnce sync.Once
	planSchema     *jsonschema.Schema
	planSchemaErr  error
)

func compiledPlanSchema() (*jsonschema.Schema, error) {
	planSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(executionPlanSchemaJSON))
		if err != nil {
			planSchemaErr = fmt.Errorf("unmarshal execution plan schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("execution-plan.json", doc); err != nil {
			planSchemaErr = fmt.Errorf("add execution plan schema resource: %w", err)
			return
		}
		schema, err := c.Compile("execution-plan.json")
		if err != nil {
			planSchemaErr = fmt.Errorf("compile execution plan schema: %w", err)
			return
		}
		planSchema = schema
	})
	return planSchema, planSchemaErr
}

// ValidateExecutionPlanJSON parses and validates raw plan JSON against
// the embedded schema, returning the parsed plan on success. Malformed
// plans are rejected with errs.KindValidation before they reach the
// store, catching a bad task.plan.created payload at the router
// boundary rather than corrupting the task row.
func ValidateExecutionPlanJSON(raw string) (*ExecutionPlan, error) {
	schema, err := compiledPlanSchema()
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "compile execution plan schema", err)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "unmarshal execution plan", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "execution plan failed schema validation", err)
	}

	var plan ExecutionPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "decode execution plan", err)
	}
	return &plan, nil
}
