package migration

import (
	"encoding/json"
	"sort"

	"github.com/onehippo/hippo-repository/internal/nodetype"
)

// ActionKind names what happens to one member during migration.
type ActionKind string

const (
	ActionKeep        ActionKind = "keep"
	ActionRename      ActionKind = "rename"
	ActionDrop        ActionKind = "drop"
	ActionDefaultFill ActionKind = "default-fill"
)

// Value conversions applied to kept properties whose multiplicity changed.
const (
	ConvertNone       = ""
	ConvertToMultiple = "to-multiple"
	ConvertToSingle   = "to-single"
)

// Action is the migration step for one member.
type Action struct {
	Kind    ActionKind
	Target  string
	Value   any
	Convert string
}

// PlanHints carries administrator supplied information the detector cannot infer.
type PlanHints struct {
	// Renames maps removed property names to the added property that replaces them.
	Renames map[string]string
}

// Plan maps members of the old type to actions. It is computed per redefinition and never
// stored.
type Plan struct {
	Properties       map[string]Action
	Children         map[string]Action
	PreserveIdentity bool

	target *nodetype.EffectiveType
}

// BuildPlan derives the migration plan from the detected diffs. target is the effective new
// type; undeclared properties survive only where it accepts them.
func BuildPlan(diffs []MemberDiff, target *nodetype.EffectiveType, hints PlanHints) Plan {
	plan := Plan{
		Properties:       map[string]Action{},
		Children:         map[string]Action{},
		PreserveIdentity: true,
		target:           target,
	}

	added := map[string]*nodetype.PropertyDefinition{}
	for _, diff := range diffs {
		if diff.Kind == MemberProperty && diff.Change == ChangeAdded {
			added[diff.Name] = diff.NewProperty
		}
	}
	renamedInto := map[string]bool{}

	for _, diff := range diffs {
		switch diff.Kind {
		case MemberProperty:
			if diff.Name == nodetype.Residual {
				continue
			}
			switch diff.Change {
			case ChangeUnchanged, ChangeWidened, ChangeNarrowed:
				plan.Properties[diff.Name] = Action{
					Kind:    ActionKeep,
					Target:  diff.Name,
					Convert: conversion(diff.OldProperty, diff.NewProperty),
				}
			case ChangeRemoved:
				if target, ok := hints.Renames[diff.Name]; ok && added[target] != nil {
					plan.Properties[diff.Name] = Action{
						Kind:    ActionRename,
						Target:  target,
						Convert: conversion(diff.OldProperty, added[target]),
					}
					renamedInto[target] = true
					continue
				}
				plan.Properties[diff.Name] = Action{Kind: ActionDrop}
			}
		case MemberChild:
			if diff.Change == ChangeRemoved && diff.Name != nodetype.Residual {
				plan.Children[diff.Name] = Action{Kind: ActionDrop}
			}
		}
	}

	for _, diff := range diffs {
		if diff.Kind != MemberProperty || diff.Change != ChangeAdded || diff.Name == nodetype.Residual {
			continue
		}
		if renamedInto[diff.Name] {
			continue
		}
		definition := diff.NewProperty
		if !definition.Mandatory && !definition.Autocreated {
			continue
		}
		plan.Properties[diff.Name] = Action{
			Kind:   ActionDefaultFill,
			Target: diff.Name,
			Value:  defaultValue(*definition),
		}
	}
	return plan
}

// Apply rewrites a property map according to the plan and returns the names it dropped.
func (p Plan) Apply(properties map[string]any) (map[string]any, []string) {
	result := make(map[string]any, len(properties))
	var dropped []string

	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := properties[name]
		action, planned := p.Properties[name]
		switch {
		case planned && action.Kind == ActionDrop:
			dropped = append(dropped, name)
		case planned && (action.Kind == ActionKeep || action.Kind == ActionRename):
			converted := convert(value, action.Convert)
			if converted == nil {
				dropped = append(dropped, name)
				continue
			}
			result[action.Target] = converted
		case p.acceptsUndeclared(name, value):
			result[name] = value
		default:
			dropped = append(dropped, name)
		}
	}

	for name, action := range p.Properties {
		if action.Kind != ActionDefaultFill {
			continue
		}
		if _, present := result[name]; !present {
			result[name] = action.Value
		}
	}
	return result, dropped
}

// DropsChild reports whether children with name are removed by the plan.
func (p Plan) DropsChild(name string) bool {
	action, ok := p.Children[name]
	return ok && action.Kind == ActionDrop
}

func (p Plan) acceptsUndeclared(name string, value any) bool {
	if p.target == nil {
		return true
	}
	_, multiple := value.([]any)
	if definition, ok := p.target.NamedProperty(name); ok {
		return definition.Multiple == multiple
	}
	return p.target.AllowsResidualProperty(multiple)
}

func conversion(old, next *nodetype.PropertyDefinition) string {
	if old == nil || next == nil || old.Multiple == next.Multiple {
		return ConvertNone
	}
	if next.Multiple {
		return ConvertToMultiple
	}
	return ConvertToSingle
}

func convert(value any, mode string) any {
	switch mode {
	case ConvertToMultiple:
		if _, already := value.([]any); already {
			return value
		}
		return []any{value}
	case ConvertToSingle:
		if values, ok := value.([]any); ok {
			if len(values) == 0 {
				return nil
			}
			return values[0]
		}
	}
	return value
}

// defaultValue uses the declared default, or the zero value of the property type when a
// mandatory property declares none.
func defaultValue(definition nodetype.PropertyDefinition) any {
	var single any
	if len(definition.Defaults) > 0 {
		single = typedValue(definition.Type, definition.Defaults[0])
	} else {
		single = zeroValue(definition.Type)
	}
	if definition.Multiple {
		values := make([]any, 0, len(definition.Defaults))
		for _, raw := range definition.Defaults {
			values = append(values, typedValue(definition.Type, raw))
		}
		return values
	}
	return single
}

func typedValue(propertyType, raw string) any {
	switch propertyType {
	case nodetype.TypeBoolean:
		return raw == "true"
	case nodetype.TypeLong, nodetype.TypeDouble, nodetype.TypeDecimal:
		return json.Number(raw)
	default:
		return raw
	}
}

func zeroValue(propertyType string) any {
	switch propertyType {
	case nodetype.TypeBoolean:
		return false
	case nodetype.TypeLong, nodetype.TypeDouble, nodetype.TypeDecimal:
		return json.Number("0")
	case nodetype.TypeDate:
		return "1970-01-01T00:00:00Z"
	default:
		return ""
	}
}
