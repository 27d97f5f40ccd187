// Package validator provides JSON schema validation for workflow
// submissions and pool member registrations.
package validator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates request documents against embedded schemas.
type Validator struct {
	workflowSchema *jsonschema.Schema
	memberSchema   *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// New creates a new validator with embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("workflow.json", strings.NewReader(workflowSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add workflow schema: %w", err)
	}
	if err := compiler.AddResource("member.json", strings.NewReader(memberSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add member schema: %w", err)
	}

	workflowSchema, err := compiler.Compile("workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	memberSchema, err := compiler.Compile("member.json")
	if err != nil {
		return nil, fmt.Errorf("compile member schema: %w", err)
	}

	return &Validator{
		workflowSchema: workflowSchema,
		memberSchema:   memberSchema,
	}, nil
}

// ValidateWorkflow validates a decoded workflow submission. Besides the
// schema it checks that task names are unique and that every dependency
// names a task of the submission.
func (v *Validator) ValidateWorkflow(doc map[string]interface{}) *ValidationResult {
	result := v.validate(v.workflowSchema, doc)
	if !result.Valid {
		return result
	}
	if errs := checkReferences(doc); len(errs) > 0 {
		return &ValidationResult{Valid: false, Errors: errs}
	}
	return result
}

// ValidateMember validates a decoded pool member registration.
func (v *Validator) ValidateMember(doc map[string]interface{}) *ValidationResult {
	return v.validate(v.memberSchema, doc)
}

// ValidateWorkflowJSON validates a JSON-encoded workflow submission.
func (v *Validator) ValidateWorkflowJSON(data []byte) *ValidationResult {
	doc, res := decode(data)
	if res != nil {
		return res
	}
	return v.ValidateWorkflow(doc)
}

// ValidateMemberJSON validates a JSON-encoded pool member registration.
func (v *Validator) ValidateMemberJSON(data []byte) *ValidationResult {
	doc, res := decode(data)
	if res != nil {
		return res
	}
	return v.ValidateMember(doc)
}

func decode(data []byte) (map[string]interface{}, *ValidationResult) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return doc, nil
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}
	return result
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}

	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}

	return errors
}

// checkReferences runs the cross-field checks a schema cannot express. It
// assumes doc already passed the schema.
func checkReferences(doc map[string]interface{}) []ValidationError {
	tasks, _ := doc["tasks"].([]interface{})
	known := make(map[string]bool, len(tasks))
	var errs []ValidationError
	for i, raw := range tasks {
		task, _ := raw.(map[string]interface{})
		for _, key := range []string{"name", "id"} {
			s, _ := task[key].(string)
			if s == "" {
				continue
			}
			if key == "name" && known[s] {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("/tasks/%d/name", i),
					Message: fmt.Sprintf("duplicate task name %q", s),
				})
			}
			known[s] = true
		}
	}
	for i, raw := range tasks {
		task, _ := raw.(map[string]interface{})
		deps, _ := task["dependencies"].([]interface{})
		for j, d := range deps {
			name, _ := d.(string)
			if !known[name] {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("/tasks/%d/dependencies/%d", i, j),
					Message: fmt.Sprintf("unknown dependency %q", name),
				})
			}
		}
	}
	sort.SliceStable(errs, func(a, b int) bool { return errs[a].Path < errs[b].Path })
	return errs
}

// Embedded JSON schemas

const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "workflow.json",
  "title": "Workflow Submission",
  "description": "Schema for workflow submissions",
  "type": "object",
  "required": ["name", "tasks"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[a-zA-Z0-9][a-zA-Z0-9._-]*$",
      "description": "Optional client-chosen workflow id"
    },
    "name": {
      "type": "string",
      "minLength": 1,
      "description": "Human-readable workflow name"
    },
    "description": {
      "type": "string"
    },
    "error_strategy": {
      "type": "string",
      "enum": ["stop_on_first_error", "continue_on_error", "retry_failed", "skip_failed"],
      "description": "How a terminal task failure affects the workflow"
    },
    "max_parallel_tasks": {
      "type": "integer",
      "minimum": 0,
      "description": "Bound on in-flight tasks (0 = unlimited)"
    },
    "metadata": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/task"}
    }
  },
  "$defs": {
    "task": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "id": {
          "type": "string",
          "pattern": "^[a-zA-Z0-9][a-zA-Z0-9._-]*$"
        },
        "name": {
          "type": "string",
          "pattern": "^[a-zA-Z_][a-zA-Z0-9_-]*$",
          "description": "Task name, referenced as {{name.result}}"
        },
        "type": {
          "type": "string",
          "pattern": "^[a-z][a-z0-9_-]*$",
          "description": "Task type (text, vision, function, http, file or an external type)"
        },
        "parameters": {"$ref": "#/$defs/parameters"},
        "priority": {
          "type": "string",
          "enum": ["urgent", "high", "normal", "low"]
        },
        "dependencies": {
          "type": "array",
          "items": {"type": "string", "minLength": 1},
          "uniqueItems": true,
          "description": "Names or ids of tasks this one waits for"
        },
        "depends_on_success": {"type": "boolean"},
        "tags": {
          "type": "array",
          "items": {"type": "string"}
        },
        "max_retries": {
          "type": "integer",
          "minimum": 0,
          "maximum": 10
        },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ms|s|m|h)$",
          "description": "Timeout duration"
        }
      }
    },
    "parameters": {
      "type": "object",
      "properties": {
        "text": {
          "type": "object",
          "required": ["prompt"],
          "properties": {
            "prompt": {"type": "string", "minLength": 1},
            "model": {"type": "string"},
            "system": {"type": "string"},
            "temperature": {"type": "number", "minimum": 0, "maximum": 2},
            "max_tokens": {"type": "integer", "minimum": 1}
          }
        },
        "vision": {
          "type": "object",
          "required": ["prompt", "images"],
          "properties": {
            "prompt": {"type": "string", "minLength": 1},
            "model": {"type": "string"},
            "images": {"type": "array", "minItems": 1, "items": {"type": "string"}}
          }
        },
        "function": {
          "type": "object",
          "required": ["name"],
          "properties": {
            "name": {"type": "string", "minLength": 1},
            "args": {"type": "object"}
          }
        },
        "http": {
          "type": "object",
          "required": ["url"],
          "properties": {
            "method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"]},
            "url": {"type": "string", "minLength": 1},
            "headers": {"type": "object", "additionalProperties": {"type": "string"}},
            "body": {"type": "string"}
          }
        },
        "file": {
          "type": "object",
          "required": ["operation", "path"],
          "properties": {
            "operation": {"type": "string", "enum": ["read", "write", "append", "delete"]},
            "path": {"type": "string", "minLength": 1},
            "content": {"type": "string"}
          }
        },
        "external_parameters": {"type": "object"}
      }
    }
  }
}`

const memberSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "member.json",
  "title": "Pool Member",
  "description": "Schema for backend endpoint registrations",
  "type": "object",
  "required": ["name", "capabilities"],
  "properties": {
    "name": {
      "type": "string",
      "pattern": "^[a-zA-Z0-9][a-zA-Z0-9._-]*$"
    },
    "address": {
      "type": "string",
      "pattern": "^https?://"
    },
    "capabilities": {
      "type": "object",
      "properties": {
        "task_types": {"type": "array", "items": {"type": "string"}},
        "models": {"type": "array", "items": {"type": "string"}},
        "max_concurrent_tasks": {"type": "integer", "minimum": 0},
        "gpu": {"type": "boolean"},
        "tags": {"type": "array", "items": {"type": "string"}}
      }
    },
    "resources": {
      "type": "object",
      "properties": {
        "cpu_percent": {"type": "number", "minimum": 0, "maximum": 100},
        "memory_percent": {"type": "number", "minimum": 0, "maximum": 100},
        "gpu_percent": {"type": "number", "minimum": 0, "maximum": 100}
      }
    }
  }
}`
