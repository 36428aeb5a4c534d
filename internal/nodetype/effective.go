package nodetype

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/onehippo/hippo-repository/internal/repository"
)

// EffectiveType is a type definition with inherited members merged in. Declarations of the
// type itself shadow inherited declarations of the same name.
type EffectiveType struct {
	Ref        repository.TypeRef
	Definition TypeDefinition
	Supertypes []string
	Properties []PropertyDefinition
	Children   []ChildNodeDefinition
}

// IsNodeType reports whether the type is, or inherits from, name.
func (e *EffectiveType) IsNodeType(name string) bool {
	for _, supertype := range e.Supertypes {
		if supertype == name {
			return true
		}
	}
	return false
}

// NamedProperty returns the non-residual property definition called name.
func (e *EffectiveType) NamedProperty(name string) (PropertyDefinition, bool) {
	for _, property := range e.Properties {
		if property.Name == name {
			return property, true
		}
	}
	return PropertyDefinition{}, false
}

// ResidualProperties returns the residual property definitions.
func (e *EffectiveType) ResidualProperties() []PropertyDefinition {
	var residuals []PropertyDefinition
	for _, property := range e.Properties {
		if property.IsResidual() {
			residuals = append(residuals, property)
		}
	}
	return residuals
}

// AllowsResidualProperty reports whether an undeclared property with the given multiplicity
// is accepted.
func (e *EffectiveType) AllowsResidualProperty(multiple bool) bool {
	for _, property := range e.ResidualProperties() {
		if property.Multiple == multiple {
			return true
		}
	}
	return false
}

func buildEffective(db *gorm.DB, ref repository.TypeRef, visiting map[string]bool) (*EffectiveType, error) {
	if visiting[ref.Key()] {
		return nil, fmt.Errorf("%w: supertype cycle at %s", ErrInvalidDefinition, ref)
	}
	visiting[ref.Key()] = true
	defer delete(visiting, ref.Key())

	record, err := loadRecord(db, ref)
	if err != nil {
		return nil, err
	}
	definition := record.Definition.Data()
	effective := &EffectiveType{
		Ref:        ref,
		Definition: definition,
		Supertypes: []string{definition.Name},
		Properties: append([]PropertyDefinition(nil), definition.Properties...),
		Children:   append([]ChildNodeDefinition(nil), definition.Children...),
	}

	supertypes := definition.Supertypes
	if len(supertypes) == 0 && !definition.Mixin && definition.Name != NTBase {
		supertypes = []string{NTBase}
	}
	for _, supertype := range supertypes {
		superRef, err := supertypeRef(db, ref, supertype)
		if err != nil {
			return nil, err
		}
		inherited, err := buildEffective(db, superRef, visiting)
		if err != nil {
			return nil, err
		}
		for _, name := range inherited.Supertypes {
			if !effective.IsNodeType(name) {
				effective.Supertypes = append(effective.Supertypes, name)
			}
		}
		for _, property := range inherited.Properties {
			if !hasProperty(effective.Properties, property) {
				effective.Properties = append(effective.Properties, property)
			}
		}
		for _, child := range inherited.Children {
			if !hasChild(effective.Children, child) {
				effective.Children = append(effective.Children, child)
			}
		}
	}
	return effective, nil
}

// supertypeRef resolves supertypes sharing the subtype's prefix within the subtype's own
// namespace version so that old versions keep inheriting from old versions.
func supertypeRef(db *gorm.DB, sub repository.TypeRef, name string) (repository.TypeRef, error) {
	if prefixOf(name) == sub.Prefix() {
		return repository.TypeRef{Name: name, Namespace: sub.Namespace}, nil
	}
	uri, err := currentURI(db, prefixOf(name))
	if err != nil {
		return repository.TypeRef{}, err
	}
	return repository.TypeRef{Name: name, Namespace: uri}, nil
}

func hasProperty(properties []PropertyDefinition, candidate PropertyDefinition) bool {
	for _, property := range properties {
		if property.Name != candidate.Name {
			continue
		}
		if !candidate.IsResidual() {
			return true
		}
		if property.Multiple == candidate.Multiple && property.Type == candidate.Type {
			return true
		}
	}
	return false
}

func hasChild(children []ChildNodeDefinition, candidate ChildNodeDefinition) bool {
	for _, child := range children {
		if child.Name != candidate.Name {
			continue
		}
		if !candidate.IsResidual() {
			return true
		}
		if equalStrings(child.RequiredTypes, candidate.RequiredTypes) {
			return true
		}
	}
	return false
}

func equalStrings(left, right []string) bool {
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
