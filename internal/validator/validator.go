// Package validator provides JSON schema validation for task submissions.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates task submissions before they reach the graph builder.
// Schema validation catches shape errors; the builder catches semantic ones
// (duplicate names, unknown dependencies, cycles).
type Validator struct {
	submissionSchema *jsonschema.Schema
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

// New creates a new validator with the embedded schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("submission.json", strings.NewReader(submissionSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add submission schema: %w", err)
	}
	schema, err := compiler.Compile("submission.json")
	if err != nil {
		return nil, fmt.Errorf("compile submission schema: %w", err)
	}

	return &Validator{submissionSchema: schema}, nil
}

// ValidateSubmission validates a decoded task submission.
func (v *Validator) ValidateSubmission(sub map[string]interface{}) *ValidationResult {
	return v.validate(v.submissionSchema, sub)
}

// ValidateSubmissionJSON validates a JSON-encoded task submission.
func (v *Validator) ValidateSubmissionJSON(data []byte) *ValidationResult {
	var sub map[string]interface{}
	if err := json.Unmarshal(data, &sub); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.ValidateSubmission(sub)
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

// Embedded JSON schema

const submissionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "submission.json",
  "title": "Task Submission",
  "description": "Schema for conductor task graph submissions",
  "type": "object",
  "required": ["agents"],
  "properties": {
    "tenantId": {
      "type": "string",
      "description": "Tenant identifier"
    },
    "sessionId": {
      "type": "string",
      "description": "Session correlation identifier"
    },
    "description": {
      "type": "string",
      "description": "Human-readable task description"
    },
    "agents": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "properties": {
          "name": {
            "type": "string",
            "pattern": "^[a-zA-Z][a-zA-Z0-9_-]*$",
            "description": "Agent name, unique within the graph"
          },
          "type": {
            "type": "string",
            "pattern": "^[a-z][a-z0-9._-]*$",
            "description": "Capability type tag"
          },
          "config": {
            "type": "object",
            "description": "Opaque configuration passed to the capability"
          },
          "depends_on": {
            "type": "array",
            "items": {"type": "string"},
            "description": "Names of agents this one depends on"
          },
          "timeout": {
            "type": "integer",
            "minimum": 0,
            "description": "Per-attempt deadline in nanoseconds (0 = default)"
          },
          "max_retries": {
            "type": "integer",
            "minimum": 0,
            "maximum": 10,
            "description": "Retry budget override"
          }
        }
      },
      "description": "Agent specs forming the task graph"
    }
  }
}`
