package nodetype

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/onehippo/hippo-repository/internal/repository"
)

// ResolveNodeType implements repository.Schema.
func (r *Registry) ResolveNodeType(ctx context.Context, name string) (repository.TypeRef, error) {
	return r.Resolve(ctx, name)
}

// ValidateNode checks the node's properties against its effective type.
func (r *Registry) ValidateNode(ctx context.Context, node *repository.Node) error {
	effective, err := r.Effective(ctx, node.Ref())
	if err != nil {
		return err
	}
	if effective.Definition.Abstract || effective.Definition.Mixin {
		return fmt.Errorf("%w: %s: type %s cannot be instantiated", repository.ErrConstraintViolation, node.Path, node.PrimaryType)
	}
	for _, name := range node.PropertyNames() {
		value := node.Properties[name]
		_, multiple := value.([]any)
		definition, ok := effective.NamedProperty(name)
		if ok && definition.Multiple != multiple {
			return fmt.Errorf("%w: %s: property %s multiplicity mismatch", repository.ErrConstraintViolation, node.Path, name)
		}
		if !ok {
			definition, ok = residualFor(effective, multiple)
		}
		if !ok {
			return fmt.Errorf("%w: %s: no definition for property %s in %s", repository.ErrConstraintViolation, node.Path, name, node.PrimaryType)
		}
		values := []any{value}
		if multiple {
			values = value.([]any)
		}
		for _, item := range values {
			if err := checkValue(definition, item); err != nil {
				return fmt.Errorf("%w: %s: property %s: %v", repository.ErrConstraintViolation, node.Path, name, err)
			}
		}
	}
	for _, definition := range effective.Properties {
		if definition.IsResidual() || !definition.Mandatory || definition.Autocreated {
			continue
		}
		if !node.HasProperty(definition.Name) {
			return fmt.Errorf("%w: %s: mandatory property %s is missing", repository.ErrConstraintViolation, node.Path, definition.Name)
		}
	}
	return nil
}

// ValidateChild checks that the parent's type admits child under its name.
func (r *Registry) ValidateChild(ctx context.Context, parent *repository.Node, child *repository.Node) error {
	parentType, err := r.Effective(ctx, parent.Ref())
	if err != nil {
		return err
	}
	childType, err := r.Effective(ctx, child.Ref())
	if err != nil {
		return err
	}
	var named, residual []ChildNodeDefinition
	for _, definition := range parentType.Children {
		switch {
		case definition.Name == child.Name:
			named = append(named, definition)
		case definition.IsResidual():
			residual = append(residual, definition)
		}
	}
	candidates := named
	if len(candidates) == 0 {
		candidates = residual
	}
	for _, definition := range candidates {
		if satisfies(childType, definition.RequiredTypes) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s of type %s is not allowed below %s", repository.ErrConstraintViolation, child.Path, child.PrimaryType, parent.PrimaryType)
}

func residualFor(effective *EffectiveType, multiple bool) (PropertyDefinition, bool) {
	for _, definition := range effective.ResidualProperties() {
		if definition.Multiple == multiple {
			return definition, true
		}
	}
	return PropertyDefinition{}, false
}

func satisfies(childType *EffectiveType, required []string) bool {
	for _, name := range required {
		if !childType.IsNodeType(name) {
			return false
		}
	}
	return true
}

func checkValue(definition PropertyDefinition, value any) error {
	switch definition.Type {
	case TypeUndefined:
		return nil
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
		return nil
	case TypeLong, TypeDouble, TypeDecimal:
		number, ok := value.(json.Number)
		if !ok {
			return fmt.Errorf("expected number, got %T", value)
		}
		if definition.Type == TypeLong {
			if _, err := number.Int64(); err != nil {
				return fmt.Errorf("expected integer, got %s", number)
			}
		}
		numeric, err := number.Float64()
		if err != nil {
			return fmt.Errorf("invalid number %s", number)
		}
		return checkRange(definition.Constraints, numeric)
	case TypeDate:
		text, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected date string, got %T", value)
		}
		if _, err := time.Parse(time.RFC3339, text); err != nil {
			return fmt.Errorf("invalid date %q", text)
		}
		return nil
	default:
		text, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		return checkPattern(definition.Constraints, text)
	}
}

func checkPattern(constraints []string, text string) error {
	if len(constraints) == 0 {
		return nil
	}
	for _, constraint := range constraints {
		pattern, err := regexp.Compile("^(?:" + constraint + ")$")
		if err != nil {
			continue
		}
		if pattern.MatchString(text) {
			return nil
		}
	}
	return fmt.Errorf("value %q violates constraints %v", text, constraints)
}

func checkRange(constraints []string, value float64) error {
	if len(constraints) == 0 {
		return nil
	}
	for _, constraint := range constraints {
		if inRange(constraint, value) {
			return nil
		}
	}
	return fmt.Errorf("value %v violates constraints %v", value, constraints)
}

// inRange evaluates a "[min,max]" style constraint; parentheses exclude a bound and an
// empty bound is unbounded.
func inRange(constraint string, value float64) bool {
	trimmed := strings.TrimSpace(constraint)
	if len(trimmed) < 3 {
		return false
	}
	lowerInclusive := trimmed[0] == '['
	upperInclusive := trimmed[len(trimmed)-1] == ']'
	bounds := strings.SplitN(trimmed[1:len(trimmed)-1], ",", 2)
	if len(bounds) != 2 {
		return false
	}
	if lower := strings.TrimSpace(bounds[0]); lower != "" {
		limit, err := strconv.ParseFloat(lower, 64)
		if err != nil || value < limit || (!lowerInclusive && value == limit) {
			return false
		}
	}
	if upper := strings.TrimSpace(bounds[1]); upper != "" {
		limit, err := strconv.ParseFloat(upper, 64)
		if err != nil || value > limit || (!upperInclusive && value == limit) {
			return false
		}
	}
	return true
}
