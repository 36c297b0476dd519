package ruleengine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FragmentKind tags which of the five rule-fragment shapes a fragment
// payload carries.
type FragmentKind string

const (
	KindActiveService     FragmentKind = "activeService"
	KindCanonicalBinding  FragmentKind = "canonicalBinding"
	KindNodeType          FragmentKind = "nodeType"
	KindDecisionValue     FragmentKind = "decisionValue"
	KindMeetsCondition    FragmentKind = "meetsCondition"
)

// Fragment is one rule fragment: a single JSON-encoded fact or guard
// definition belonging to a workflow version, tagged by kind.
type Fragment struct {
	Kind FragmentKind `json:"kind"`

	// activeService
	Service   string `json:"service,omitempty"`
	Operation string `json:"operation,omitempty"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`

	// canonicalBinding
	ProducedAttr string `json:"producedAttr,omitempty"`
	RequiredAttr string `json:"requiredAttr,omitempty"`

	// nodeType
	Type string `json:"type,omitempty"`

	// decisionValue
	Value string `json:"value,omitempty"`

	// meetsCondition
	GuardName string `json:"guardName,omitempty"`
	Expression string `json:"expression,omitempty"`
}

const fragmentSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["kind"],
  "properties": {
    "kind": {"enum": ["activeService", "canonicalBinding", "nodeType", "decisionValue", "meetsCondition"]}
  },
  "allOf": [
    {
      "if": {"properties": {"kind": {"const": "activeService"}}},
      "then": {"required": ["service", "operation", "host", "port"]}
    },
    {
      "if": {"properties": {"kind": {"const": "canonicalBinding"}}},
      "then": {"required": ["operation"]}
    },
    {
      "if": {"properties": {"kind": {"const": "nodeType"}}},
      "then": {"required": ["service", "operation", "type"]}
    },
    {
      "if": {"properties": {"kind": {"const": "decisionValue"}}},
      "then": {"required": ["service", "operation", "value"]}
    },
    {
      "if": {"properties": {"kind": {"const": "meetsCondition"}}},
      "then": {"required": ["guardName", "expression"]}
    }
  ]
}`

var fragmentSchema = mustCompileSchema(fragmentSchemaJSON)

func mustCompileSchema(src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("fragment.json", strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("compile fragment schema: %v", err))
	}
	schema, err := compiler.Compile("fragment.json")
	if err != nil {
		panic(fmt.Sprintf("compile fragment schema: %v", err))
	}
	return schema
}

// ParseFragment validates a fragment datagram payload against the shared
// structural schema and decodes it. Schema failures and malformed JSON are
// both reported as the one MalformedPayload condition the distribution
// agent cares about.
func ParseFragment(payload []byte) (*Fragment, error) {
	var raw interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode fragment json: %w", err)
	}
	if err := fragmentSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("fragment failed schema validation: %w", err)
	}

	var f Fragment
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("decode fragment: %w", err)
	}
	return &f, nil
}

// Canonical returns a deterministic JSON encoding of the fragment, used by
// the distribution agent to diff redelivered fragments for
// RuleVersionConflict detection.
func (f *Fragment) Canonical() ([]byte, error) {
	return json.Marshal(f)
}
