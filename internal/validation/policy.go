// Package validation checks the pipeline policy document (moderation rules,
// boss expressions, thresholds) against a JSON Schema before anything is
// compiled from it.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/punchlab/punchline/internal/moderation"
	"github.com/punchlab/punchline/internal/review"
	"github.com/punchlab/punchline/pkg/schema"
)

// policySchemaJSON is the JSON Schema for the policy document.
// Embedded as a constant to avoid filesystem dependencies.
const policySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://punchlab.dev/schemas/policy.json",
  "type": "object",
  "properties": {
    "score_threshold": {
      "type": "integer",
      "minimum": 0,
      "maximum": 10
    },
    "approval_ttl": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "moderation": {
      "type": "object",
      "properties": {
        "blocklist": {
          "type": "array",
          "items": { "type": "string" }
        },
        "max_length": {
          "type": "integer",
          "minimum": 1
        },
        "rules": {
          "type": "array",
          "items": { "$ref": "#/$defs/rule" }
        }
      },
      "additionalProperties": false
    },
    "review": {
      "type": "object",
      "properties": {
        "accept_expr": { "type": "string", "minLength": 1 },
        "escalate_expr": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false,
  "$defs": {
    "rule": {
      "type": "object",
      "required": ["name", "expr"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "category": { "type": "string" },
        "expr": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// PolicyDocument is the parsed, validated policy configuration.
type PolicyDocument struct {
	ScoreThreshold *int                        `json:"score_threshold,omitempty"`
	ApprovalTTL    string                      `json:"approval_ttl,omitempty"`
	Moderation     *moderation.HeuristicConfig `json:"moderation,omitempty"`
	Review         *review.CELConfig           `json:"review,omitempty"`
}

// PolicyValidator validates policy documents. Safe for concurrent use.
type PolicyValidator struct {
	compiled *jsonschema.Schema
}

// NewPolicyValidator compiles the embedded policy schema.
func NewPolicyValidator() (*PolicyValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(policySchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal policy schema: %w", err)
	}
	if err := c.AddResource("https://punchlab.dev/schemas/policy.json", doc); err != nil {
		return nil, fmt.Errorf("add policy schema resource: %w", err)
	}
	compiled, err := c.Compile("https://punchlab.dev/schemas/policy.json")
	if err != nil {
		return nil, fmt.Errorf("compile policy schema: %w", err)
	}
	return &PolicyValidator{compiled: compiled}, nil
}

// Parse validates raw JSON against the schema and decodes it.
func (v *PolicyValidator) Parse(raw []byte) (*PolicyDocument, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "policy document is not valid JSON: %s", err.Error()).WithCause(err)
	}
	if err := v.compiled.Validate(doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "policy document rejected: %s", err.Error()).WithCause(err)
	}

	var parsed PolicyDocument
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode policy document: %s", err.Error()).WithCause(err)
	}
	return &parsed, nil
}
