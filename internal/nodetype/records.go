package nodetype

import (
	"gorm.io/datatypes"
)

// NamespaceRecord persists one prefix-to-URI binding. Remapping a prefix keeps the previous
// URI as a non-current record so that instances bound to it stay resolvable.
type NamespaceRecord struct {
	URI                 string `gorm:"column:uri;primaryKey;size:512"`
	Prefix              string `gorm:"column:prefix;size:64;not null;index:idx_namespaces_prefix"`
	Current             bool   `gorm:"column:is_current;not null"`
	RegisteredAtSeconds int64  `gorm:"column:registered_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NamespaceRecord) TableName() string {
	return "namespaces"
}

// TypeRecord persists one type definition version keyed by namespace URI and name.
type TypeRecord struct {
	NamespaceURI     string                             `gorm:"column:namespace_uri;primaryKey;size:512"`
	Name             string                             `gorm:"column:name;primaryKey;size:190"`
	Definition       datatypes.JSONType[TypeDefinition] `gorm:"column:definition;type:text;not null"`
	CND              string                             `gorm:"column:cnd;type:text;not null"`
	Revision         int64                              `gorm:"column:revision;not null"`
	UpdatedAtSeconds int64                              `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TypeRecord) TableName() string {
	return "node_types"
}

// TypeRevision records the CND patch applied by one registration of a type.
type TypeRevision struct {
	ID               uint   `gorm:"column:id;primaryKey;autoIncrement"`
	NamespaceURI     string `gorm:"column:namespace_uri;size:512;not null;index:idx_node_type_revisions_type,priority:1"`
	Name             string `gorm:"column:name;size:190;not null;index:idx_node_type_revisions_type,priority:2"`
	Revision         int64  `gorm:"column:revision;not null"`
	Patch            string `gorm:"column:patch;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TypeRevision) TableName() string {
	return "node_type_revisions"
}

// Models lists the registry tables for schema migration.
func Models() []any {
	return []any{&NamespaceRecord{}, &TypeRecord{}, &TypeRevision{}}
}
