// Package migration classifies node type redefinitions and rewrites existing instances to
// the new definition in place.
package migration

import (
	"github.com/onehippo/hippo-repository/internal/nodetype"
)

// Change classifies one member difference between two type versions.
type Change string

const (
	ChangeAdded     Change = "ADDED"
	ChangeRemoved   Change = "REMOVED"
	ChangeWidened   Change = "WIDENED"
	ChangeNarrowed  Change = "NARROWED"
	ChangeUnchanged Change = "UNCHANGED"
)

// MemberKind distinguishes property from child node definitions.
type MemberKind string

const (
	MemberProperty MemberKind = "property"
	MemberChild    MemberKind = "child"
)

// MemberDiff describes how one declared member changed.
type MemberDiff struct {
	Kind        MemberKind
	Name        string
	Change      Change
	OldProperty *nodetype.PropertyDefinition
	NewProperty *nodetype.PropertyDefinition
	OldChild    *nodetype.ChildNodeDefinition
	NewChild    *nodetype.ChildNodeDefinition
}

// Detect compares the declared members of two versions of a type. Diffs follow the order
// of the old definition, then members new to the second definition.
func Detect(previous, next nodetype.TypeDefinition) []MemberDiff {
	var diffs []MemberDiff

	nextProperties := make(map[string]int, len(next.Properties))
	for index, property := range next.Properties {
		nextProperties[propertyKey(property)] = index
	}
	seen := make(map[string]bool, len(previous.Properties))
	for index := range previous.Properties {
		old := previous.Properties[index]
		key := propertyKey(old)
		seen[key] = true
		diff := MemberDiff{Kind: MemberProperty, Name: old.Name, OldProperty: &previous.Properties[index]}
		position, ok := nextProperties[key]
		if !ok {
			diff.Change = ChangeRemoved
		} else {
			diff.NewProperty = &next.Properties[position]
			diff.Change = classifyProperty(old, next.Properties[position])
		}
		diffs = append(diffs, diff)
	}
	for index := range next.Properties {
		if seen[propertyKey(next.Properties[index])] {
			continue
		}
		diffs = append(diffs, MemberDiff{
			Kind:        MemberProperty,
			Name:        next.Properties[index].Name,
			Change:      ChangeAdded,
			NewProperty: &next.Properties[index],
		})
	}

	nextChildren := make(map[string]int, len(next.Children))
	for index, child := range next.Children {
		nextChildren[child.Name] = index
	}
	seenChildren := make(map[string]bool, len(previous.Children))
	for index := range previous.Children {
		old := previous.Children[index]
		seenChildren[old.Name] = true
		diff := MemberDiff{Kind: MemberChild, Name: old.Name, OldChild: &previous.Children[index]}
		position, ok := nextChildren[old.Name]
		if !ok {
			diff.Change = ChangeRemoved
		} else {
			diff.NewChild = &next.Children[position]
			diff.Change = classifyChild(old, next.Children[position])
		}
		diffs = append(diffs, diff)
	}
	for index := range next.Children {
		if seenChildren[next.Children[index].Name] {
			continue
		}
		diffs = append(diffs, MemberDiff{
			Kind:     MemberChild,
			Name:     next.Children[index].Name,
			Change:   ChangeAdded,
			NewChild: &next.Children[index],
		})
	}
	return diffs
}

// OnlyWidens reports whether every instance valid under previous stays valid under next.
// It serves as the registry's in-place redefinition policy.
func OnlyWidens(previous, next nodetype.TypeDefinition) bool {
	if !sameStrings(previous.Supertypes, next.Supertypes) || previous.Abstract != next.Abstract || previous.Mixin != next.Mixin {
		return false
	}
	for _, diff := range Detect(previous, next) {
		switch diff.Change {
		case ChangeUnchanged, ChangeWidened:
		case ChangeAdded:
			if diff.NewProperty != nil && diff.NewProperty.Mandatory {
				return false
			}
			if diff.NewChild != nil && diff.NewChild.Mandatory {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// propertyKey separates the single and multi-valued residual definitions.
func propertyKey(property nodetype.PropertyDefinition) string {
	if property.IsResidual() && property.Multiple {
		return nodetype.Residual + "[]"
	}
	return property.Name
}

func classifyProperty(old, next nodetype.PropertyDefinition) Change {
	widened, narrowed := false, false
	mark := func(widens bool) {
		if widens {
			widened = true
		} else {
			narrowed = true
		}
	}
	if old.Mandatory != next.Mandatory {
		mark(old.Mandatory)
	}
	if old.Multiple != next.Multiple {
		mark(next.Multiple)
	}
	if old.Type != next.Type {
		mark(next.Type == nodetype.TypeUndefined || next.Type == nodetype.TypeString)
	}
	switch {
	case sameStrings(old.Constraints, next.Constraints):
	case len(next.Constraints) == 0:
		mark(true)
	case len(old.Constraints) == 0:
		mark(false)
	case containsAll(next.Constraints, old.Constraints):
		mark(true)
	default:
		mark(false)
	}
	return verdict(widened, narrowed)
}

func classifyChild(old, next nodetype.ChildNodeDefinition) Change {
	widened, narrowed := false, false
	mark := func(widens bool) {
		if widens {
			widened = true
		} else {
			narrowed = true
		}
	}
	if old.Mandatory != next.Mandatory {
		mark(old.Mandatory)
	}
	if old.SameNameSiblings != next.SameNameSiblings {
		mark(next.SameNameSiblings)
	}
	if !sameStrings(old.RequiredTypes, next.RequiredTypes) {
		switch {
		case containsAll(old.RequiredTypes, next.RequiredTypes):
			mark(true)
		default:
			mark(false)
		}
	}
	return verdict(widened, narrowed)
}

// verdict treats a mixed change as narrowing.
func verdict(widened, narrowed bool) Change {
	switch {
	case narrowed:
		return ChangeNarrowed
	case widened:
		return ChangeWidened
	default:
		return ChangeUnchanged
	}
}

func sameStrings(left, right []string) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}

func containsAll(haystack, needles []string) bool {
	set := make(map[string]struct{}, len(haystack))
	for _, item := range haystack {
		set[item] = struct{}{}
	}
	for _, needle := range needles {
		if _, ok := set[needle]; !ok {
			return false
		}
	}
	return true
}
