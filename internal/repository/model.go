package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"gorm.io/datatypes"
)

const (
	// RootPath is the absolute path of the repository root node.
	RootPath = "/"

	maxNameLength = 190
)

var (
	// ErrItemNotFound indicates that no node exists at the requested path or identifier.
	ErrItemNotFound = errors.New("repository: item not found")
	// ErrConflict indicates that a save collided with a concurrent modification or an existing item.
	ErrConflict = errors.New("repository: conflicting modification")
	// ErrNoSuchNodeType indicates that a node type name cannot be resolved against the registered schema.
	ErrNoSuchNodeType = errors.New("repository: no such node type")
	// ErrConstraintViolation indicates that a node does not conform to its type definition.
	ErrConstraintViolation = errors.New("repository: constraint violation")
	// ErrInvalidPath indicates a malformed absolute path.
	ErrInvalidPath = errors.New("repository: invalid path")
	// ErrInvalidName indicates a malformed node name or qualifier.
	ErrInvalidName = errors.New("repository: invalid name")
	// ErrInvalidValue indicates a property value that cannot be stored.
	ErrInvalidValue = errors.New("repository: invalid property value")
)

// TypeRef binds a prefixed node type name to the namespace version it was resolved against.
type TypeRef struct {
	Name      string
	Namespace string
}

// Prefix returns the namespace prefix of the type name.
func (ref TypeRef) Prefix() string {
	if index := strings.Index(ref.Name, ":"); index >= 0 {
		return ref.Name[:index]
	}
	return ""
}

// LocalName returns the type name without its prefix.
func (ref TypeRef) LocalName() string {
	if index := strings.Index(ref.Name, ":"); index >= 0 {
		return ref.Name[index+1:]
	}
	return ref.Name
}

// Key returns a stable cache key for the reference.
func (ref TypeRef) Key() string {
	return ref.Namespace + "|" + ref.Name
}

func (ref TypeRef) String() string {
	if ref.Namespace == "" {
		return ref.Name
	}
	return fmt.Sprintf("%s {%s}", ref.Name, ref.Namespace)
}

// Node is a persisted item of the content graph. Identity is the UUID in ID and survives
// property and type rewrites.
type Node struct {
	ID               string            `gorm:"column:node_id;primaryKey;size:64;not null"`
	ParentID         string            `gorm:"column:parent_id;size:64;not null;default:'';index:idx_nodes_parent"`
	Name             string            `gorm:"column:name;size:190;not null"`
	Qualifier        string            `gorm:"column:qualifier;size:32;not null;default:''"`
	Path             string            `gorm:"column:path;size:2048;not null;uniqueIndex:idx_nodes_path"`
	PrimaryType      string            `gorm:"column:primary_type;size:190;not null;index:idx_nodes_type,priority:2"`
	TypeNamespace    string            `gorm:"column:type_namespace;size:512;not null;default:'';index:idx_nodes_type,priority:1"`
	Properties       datatypes.JSONMap `gorm:"column:properties;type:text;not null"`
	Version          int64             `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds int64             `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64             `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Node) TableName() string {
	return "nodes"
}

// Ref returns the node's primary type reference.
func (n *Node) Ref() TypeRef {
	return TypeRef{Name: n.PrimaryType, Namespace: n.TypeNamespace}
}

// Property returns the raw value stored under name.
func (n *Node) Property(name string) (any, bool) {
	if n == nil || n.Properties == nil {
		return nil, false
	}
	value, ok := n.Properties[name]
	return value, ok
}

// HasProperty reports whether the property is set.
func (n *Node) HasProperty(name string) bool {
	_, ok := n.Property(name)
	return ok
}

// StringProperty returns the property as a string, or "" when absent or not a string.
func (n *Node) StringProperty(name string) string {
	value, ok := n.Property(name)
	if !ok {
		return ""
	}
	switch typed := value.(type) {
	case string:
		return typed
	case json.Number:
		return typed.String()
	default:
		return ""
	}
}

// BoolProperty returns the property as a bool, or false when absent.
func (n *Node) BoolProperty(name string) bool {
	value, ok := n.Property(name)
	if !ok {
		return false
	}
	typed, _ := value.(bool)
	return typed
}

// StringsProperty returns a multi-valued string property.
func (n *Node) StringsProperty(name string) []string {
	value, ok := n.Property(name)
	if !ok {
		return nil
	}
	switch typed := value.(type) {
	case []any:
		values := make([]string, 0, len(typed))
		for _, item := range typed {
			if text, isString := item.(string); isString {
				values = append(values, text)
			}
		}
		return values
	case string:
		return []string{typed}
	default:
		return nil
	}
}

// PropertyNames returns the sorted property names.
func (n *Node) PropertyNames() []string {
	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CopyProperties returns a detached copy of the property map.
func (n *Node) CopyProperties() map[string]any {
	copied := make(map[string]any, len(n.Properties))
	for name, value := range n.Properties {
		copied[name] = copyValue(value)
	}
	return copied
}

func (n *Node) clone() *Node {
	copied := *n
	copied.Properties = datatypes.JSONMap(n.CopyProperties())
	return &copied
}

func copyValue(value any) any {
	if values, ok := value.([]any); ok {
		copied := make([]any, len(values))
		copy(copied, values)
		return copied
	}
	return value
}

// NormalizeValue converts a Go value into the JSON-compatible representation stored in
// property maps: strings, bools, json.Number, and []any of those.
func NormalizeValue(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	decoder.UseNumber()
	var normalized any
	if err := decoder.Decode(&normalized); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if _, isObject := normalized.(map[string]any); isObject {
		return nil, fmt.Errorf("%w: nested objects are not supported", ErrInvalidValue)
	}
	return normalized, nil
}

// Segment returns the path segment for a node name and optional qualifier.
func Segment(name, qualifier string) string {
	if qualifier == "" {
		return name
	}
	return name + "[" + qualifier + "]"
}

// JoinPath appends a segment to an absolute parent path.
func JoinPath(parentPath, segment string) string {
	if parentPath == RootPath {
		return RootPath + segment
	}
	return parentPath + "/" + segment
}

// ParentPath returns the parent of an absolute path; the root is its own parent.
func ParentPath(path string) string {
	if path == RootPath {
		return RootPath
	}
	index := strings.LastIndex(path, "/")
	if index <= 0 {
		return RootPath
	}
	return path[:index]
}

// NormalizePath validates an absolute path and strips a trailing slash.
func NormalizePath(rawPath string) (string, error) {
	trimmed := strings.TrimSpace(rawPath)
	if trimmed == "" || !strings.HasPrefix(trimmed, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rawPath)
	}
	if trimmed != RootPath {
		trimmed = strings.TrimSuffix(trimmed, "/")
	}
	if strings.Contains(trimmed, "//") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rawPath)
	}
	return trimmed, nil
}

func isDescendantPath(path, ancestor string) bool {
	if ancestor == RootPath {
		return path != RootPath
	}
	return strings.HasPrefix(path, ancestor+"/")
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	if strings.ContainsAny(name, "/[]") || strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
