package rules

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxInputs = 200
	maxRules  = 10000
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateModel checks the structure of a decision document.
// Expression syntax is checked later, when an Engine compiles the model.
func ValidateModel(m *DecisionModel) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("decision model name cannot be empty")
	}

	if len(m.Inputs) == 0 {
		return fmt.Errorf("decision model must declare at least one input")
	}
	if len(m.Inputs) > maxInputs {
		return fmt.Errorf("decision model declares %d inputs, maximum allowed is %d", len(m.Inputs), maxInputs)
	}

	for name, typ := range m.Inputs {
		if err := validateIdentifier(name); err != nil {
			return fmt.Errorf("invalid input name %q: %w", name, err)
		}
		if !isValidInputType(typ) {
			return fmt.Errorf("input %q has invalid type %q (must be one of: int, double, string, bool)", name, typ)
		}
	}

	for _, name := range m.Required {
		if _, ok := m.Inputs[name]; !ok {
			return fmt.Errorf("required field %q is not a declared input", name)
		}
	}

	switch m.HitPolicy {
	case HitFirst, HitCollect:
	default:
		return fmt.Errorf("invalid hit policy %q (must be first or collect)", m.HitPolicy)
	}

	if len(m.Rules) == 0 {
		return fmt.Errorf("decision model must contain at least one rule")
	}
	if len(m.Rules) > maxRules {
		return fmt.Errorf("decision model contains %d rules, maximum allowed is %d", len(m.Rules), maxRules)
	}

	seen := make(map[string]bool, len(m.Rules))
	for i, r := range m.Rules {
		if r.ID == "" {
			return fmt.Errorf("rule at position %d has no id", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true

		if len(r.Outputs) == 0 {
			return fmt.Errorf("rule %q must define at least one output", r.ID)
		}
		for out, expr := range r.Outputs {
			if err := validateIdentifier(out); err != nil {
				return fmt.Errorf("invalid output name %q in rule %q: %w", out, r.ID, err)
			}
			if strings.TrimSpace(expr) == "" {
				return fmt.Errorf("output %q in rule %q has an empty expression", out, r.ID)
			}
		}
	}

	return nil
}

// validateIdentifier validates an input or output name
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("identifier length %d exceeds maximum of 100 characters", len(name))
	}

	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ (start with letter or underscore, followed by letters, digits, or underscores)")
	}

	if isReservedKeyword(name) {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}

	return nil
}

func isValidInputType(t InputType) bool {
	switch t {
	case TypeInt, TypeDouble, TypeString, TypeBool:
		return true
	}
	return false
}

// isReservedKeyword reports CEL reserved words that cannot name a variable
func isReservedKeyword(name string) bool {
	reservedKeywords := map[string]bool{
		"true":  true,
		"false": true,
		"null":  true,
		"in":    true,
		"as":    true,
		// reserved by the CEL grammar for future use
		"break":     true,
		"const":     true,
		"continue":  true,
		"else":      true,
		"for":       true,
		"function":  true,
		"if":        true,
		"import":    true,
		"let":       true,
		"loop":      true,
		"package":   true,
		"namespace": true,
		"return":    true,
		"var":       true,
		"void":      true,
		"while":     true,
	}

	return reservedKeywords[name]
}
