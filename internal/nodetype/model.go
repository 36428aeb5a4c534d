package nodetype

import (
	"strings"
)

// Property value types recognised by the CND grammar.
const (
	TypeString        = "STRING"
	TypeBinary        = "BINARY"
	TypeLong          = "LONG"
	TypeDouble        = "DOUBLE"
	TypeDecimal       = "DECIMAL"
	TypeBoolean       = "BOOLEAN"
	TypeDate          = "DATE"
	TypeName          = "NAME"
	TypePath          = "PATH"
	TypeReference     = "REFERENCE"
	TypeWeakReference = "WEAKREFERENCE"
	TypeURI           = "URI"
	TypeUndefined     = "UNDEFINED"
)

// On-parent-version behaviours.
const (
	OPVCopy       = "COPY"
	OPVVersion    = "VERSION"
	OPVInitialize = "INITIALIZE"
	OPVCompute    = "COMPUTE"
	OPVIgnore     = "IGNORE"
	OPVAbort      = "ABORT"
)

// Residual is the item name matching any otherwise undeclared property or child.
const Residual = "*"

var propertyTypes = map[string]string{
	"string":        TypeString,
	"binary":        TypeBinary,
	"long":          TypeLong,
	"double":        TypeDouble,
	"decimal":       TypeDecimal,
	"boolean":       TypeBoolean,
	"date":          TypeDate,
	"name":          TypeName,
	"path":          TypePath,
	"reference":     TypeReference,
	"weakreference": TypeWeakReference,
	"uri":           TypeURI,
	"undefined":     TypeUndefined,
	"*":             TypeUndefined,
}

var opvKeywords = map[string]string{
	"copy":       OPVCopy,
	"version":    OPVVersion,
	"initialize": OPVInitialize,
	"compute":    OPVCompute,
	"ignore":     OPVIgnore,
	"abort":      OPVAbort,
}

// Namespace maps a prefix to a namespace URI.
type Namespace struct {
	Prefix string `json:"prefix"`
	URI    string `json:"uri"`
}

// PropertyDefinition declares one property of a node type.
type PropertyDefinition struct {
	Name            string   `json:"name"`
	Type            string   `json:"type"`
	Defaults        []string `json:"defaults,omitempty"`
	Constraints     []string `json:"constraints,omitempty"`
	Mandatory       bool     `json:"mandatory,omitempty"`
	Autocreated     bool     `json:"autocreated,omitempty"`
	Protected       bool     `json:"protected,omitempty"`
	Multiple        bool     `json:"multiple,omitempty"`
	OnParentVersion string   `json:"onParentVersion"`
	QueryOperators  []string `json:"queryOperators,omitempty"`
	NoFullText      bool     `json:"noFullText,omitempty"`
	NoQueryOrder    bool     `json:"noQueryOrder,omitempty"`
}

// IsResidual reports whether the definition matches undeclared names.
func (p PropertyDefinition) IsResidual() bool {
	return p.Name == Residual
}

// ChildNodeDefinition declares one child node slot of a node type.
type ChildNodeDefinition struct {
	Name             string   `json:"name"`
	RequiredTypes    []string `json:"requiredTypes,omitempty"`
	DefaultType      string   `json:"defaultType,omitempty"`
	Mandatory        bool     `json:"mandatory,omitempty"`
	Autocreated      bool     `json:"autocreated,omitempty"`
	Protected        bool     `json:"protected,omitempty"`
	SameNameSiblings bool     `json:"sameNameSiblings,omitempty"`
	OnParentVersion  string   `json:"onParentVersion"`
}

// IsResidual reports whether the definition matches undeclared names.
func (c ChildNodeDefinition) IsResidual() bool {
	return c.Name == Residual
}

// TypeDefinition is a parsed node type declaration.
type TypeDefinition struct {
	Name        string                `json:"name"`
	Supertypes  []string              `json:"supertypes,omitempty"`
	Orderable   bool                  `json:"orderable,omitempty"`
	Mixin       bool                  `json:"mixin,omitempty"`
	Abstract    bool                  `json:"abstract,omitempty"`
	NoQuery     bool                  `json:"noQuery,omitempty"`
	PrimaryItem string                `json:"primaryItem,omitempty"`
	Properties  []PropertyDefinition  `json:"properties,omitempty"`
	Children    []ChildNodeDefinition `json:"children,omitempty"`
}

// Prefix returns the namespace prefix of the type name.
func (d TypeDefinition) Prefix() string {
	return prefixOf(d.Name)
}

// Property returns the declared property with the given name.
func (d TypeDefinition) Property(name string) (PropertyDefinition, bool) {
	for _, property := range d.Properties {
		if property.Name == name {
			return property, true
		}
	}
	return PropertyDefinition{}, false
}

// Child returns the declared child node definition with the given name.
func (d TypeDefinition) Child(name string) (ChildNodeDefinition, bool) {
	for _, child := range d.Children {
		if child.Name == name {
			return child, true
		}
	}
	return ChildNodeDefinition{}, false
}

// CND is a parsed compact node type definition document.
type CND struct {
	Namespaces []Namespace      `json:"namespaces,omitempty"`
	Types      []TypeDefinition `json:"types,omitempty"`
}

// NamespaceURI returns the URI the document maps prefix to.
func (c CND) NamespaceURI(prefix string) (string, bool) {
	for _, namespace := range c.Namespaces {
		if namespace.Prefix == prefix {
			return namespace.URI, true
		}
	}
	return "", false
}

func prefixOf(name string) string {
	if index := strings.Index(name, ":"); index >= 0 {
		return name[:index]
	}
	return ""
}
