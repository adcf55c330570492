package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Operator-authored policy files: YAML documents validated against a
// schema before they touch the store, so a malformed file never becomes
// an active policy.

const policyFileSchema = `{
	"type": "object",
	"required": ["policies"],
	"properties": {
		"policies": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["policy_id", "scope", "default_decision", "rules"],
				"properties": {
					"policy_id": {"type": "string", "minLength": 1},
					"name": {"type": "string"},
					"scope": {"enum": ["PLATFORM", "INSTITUTION", "ORG", "SUBJECT"]},
					"scope_key": {"type": "string"},
					"default_decision": {"enum": ["ALLOW", "ALLOW_LIMITED", "DENY", "DENY_COOLDOWN", "STEP_UP", "REVIEW"]},
					"rules": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["rule_id", "priority", "actions", "decision"],
							"properties": {
								"rule_id": {"type": "string", "minLength": 1},
								"priority": {"type": "integer", "minimum": 0},
								"actions": {"type": "array", "minItems": 1, "items": {"type": "string"}},
								"decision": {"enum": ["ALLOW", "ALLOW_LIMITED", "DENY", "DENY_COOLDOWN", "STEP_UP", "REVIEW"]}
							}
						}
					}
				}
			}
		}
	}
}`

type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

// LoadPolicyFile parses and validates a YAML policy document.
func LoadPolicyFile(path string) ([]Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return ParsePolicyDocument(raw)
}

// ParsePolicyDocument validates and decodes a YAML policy document.
func ParsePolicyDocument(raw []byte) ([]Policy, error) {
	// Validate the generic shape first; schema errors beat decode errors
	// for operator feedback.
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("policy: parse yaml: %w", err)
	}
	generic = normalizeYAML(generic)

	schema, err := jsonschema.CompileString("policy-file.json", policyFileSchema)
	if err != nil {
		return nil, fmt.Errorf("policy: compile schema: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("policy: document invalid: %w", err)
	}

	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("policy: decode policies: %w", err)
	}

	for i := range file.Policies {
		if err := validatePolicy(file.Policies[i]); err != nil {
			return nil, err
		}
	}
	return file.Policies, nil
}

func validatePolicy(p Policy) error {
	if p.Scope != ScopePlatform && p.ScopeKey == "" {
		return fmt.Errorf("policy: %s has scope %s but no scope_key", p.PolicyID, p.Scope)
	}
	seen := make(map[string]struct{}, len(p.Rules))
	for _, r := range p.Rules {
		if _, dup := seen[r.RuleID]; dup {
			return fmt.Errorf("policy: %s has duplicate rule_id %s", p.PolicyID, r.RuleID)
		}
		seen[r.RuleID] = struct{}{}
		for _, w := range r.Conditions.TimeWindows {
			if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 24 {
				return fmt.Errorf("policy: rule %s has time window outside 0-24", r.RuleID)
			}
		}
	}
	return nil
}

// normalizeYAML converts yaml.v3's map[string]any trees into the
// JSON-compatible shapes the schema validator expects.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	case int:
		return json.Number(fmt.Sprintf("%d", t))
	case float64:
		if t == float64(int64(t)) && !strings.Contains(fmt.Sprint(t), "e") {
			return json.Number(fmt.Sprintf("%d", int64(t)))
		}
		return json.Number(fmt.Sprint(t))
	default:
		return v
	}
}
