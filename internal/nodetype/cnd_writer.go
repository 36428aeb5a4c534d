package nodetype

import (
	"strings"
)

// FormatCND renders a document in canonical CND form. ParseCND(FormatCND(c)) yields c.
func FormatCND(document CND) string {
	var builder strings.Builder
	for _, namespace := range document.Namespaces {
		builder.WriteString("<")
		builder.WriteString(quoteName(namespace.Prefix))
		builder.WriteString("=")
		builder.WriteString(quote(namespace.URI))
		builder.WriteString(">\n")
	}
	for index, definition := range document.Types {
		if index > 0 || len(document.Namespaces) > 0 {
			builder.WriteString("\n")
		}
		writeType(&builder, definition)
	}
	return builder.String()
}

// FormatType renders one type definition together with the namespaces it needs.
func FormatType(namespaces []Namespace, definition TypeDefinition) string {
	return FormatCND(CND{Namespaces: namespaces, Types: []TypeDefinition{definition}})
}

func writeType(builder *strings.Builder, definition TypeDefinition) {
	builder.WriteString("[")
	builder.WriteString(quoteName(definition.Name))
	builder.WriteString("]")
	if len(definition.Supertypes) > 0 {
		builder.WriteString(" > ")
		builder.WriteString(joinNames(definition.Supertypes))
	}
	builder.WriteString("\n")

	var options []string
	if definition.Orderable {
		options = append(options, "orderable")
	}
	if definition.Mixin {
		options = append(options, "mixin")
	}
	if definition.Abstract {
		options = append(options, "abstract")
	}
	if definition.NoQuery {
		options = append(options, "noquery")
	}
	if definition.PrimaryItem != "" {
		options = append(options, "primaryitem "+quoteName(definition.PrimaryItem))
	}
	if len(options) > 0 {
		builder.WriteString("  ")
		builder.WriteString(strings.Join(options, " "))
		builder.WriteString("\n")
	}

	for _, property := range definition.Properties {
		writeProperty(builder, property)
	}
	for _, child := range definition.Children {
		writeChild(builder, child)
	}
}

func writeProperty(builder *strings.Builder, property PropertyDefinition) {
	builder.WriteString("  - ")
	builder.WriteString(quoteName(property.Name))
	builder.WriteString(" (")
	builder.WriteString(strings.ToLower(property.Type))
	builder.WriteString(")")
	if len(property.Defaults) > 0 {
		builder.WriteString(" = ")
		builder.WriteString(joinQuoted(property.Defaults))
	}
	if property.Mandatory {
		builder.WriteString(" mandatory")
	}
	if property.Autocreated {
		builder.WriteString(" autocreated")
	}
	if property.Protected {
		builder.WriteString(" protected")
	}
	if property.Multiple {
		builder.WriteString(" multiple")
	}
	if property.OnParentVersion != "" && property.OnParentVersion != OPVCopy {
		builder.WriteString(" ")
		builder.WriteString(strings.ToLower(property.OnParentVersion))
	}
	if len(property.QueryOperators) > 0 {
		builder.WriteString(" queryops ")
		builder.WriteString(quote(strings.Join(property.QueryOperators, ", ")))
	}
	if property.NoFullText {
		builder.WriteString(" nofulltext")
	}
	if property.NoQueryOrder {
		builder.WriteString(" noqueryorder")
	}
	if len(property.Constraints) > 0 {
		builder.WriteString(" < ")
		builder.WriteString(joinQuoted(property.Constraints))
	}
	builder.WriteString("\n")
}

func writeChild(builder *strings.Builder, child ChildNodeDefinition) {
	builder.WriteString("  + ")
	builder.WriteString(quoteName(child.Name))
	if len(child.RequiredTypes) > 0 {
		builder.WriteString(" (")
		builder.WriteString(joinNames(child.RequiredTypes))
		builder.WriteString(")")
	}
	if child.DefaultType != "" {
		builder.WriteString(" = ")
		builder.WriteString(quoteName(child.DefaultType))
	}
	if child.Mandatory {
		builder.WriteString(" mandatory")
	}
	if child.Autocreated {
		builder.WriteString(" autocreated")
	}
	if child.Protected {
		builder.WriteString(" protected")
	}
	if child.SameNameSiblings {
		builder.WriteString(" sns")
	}
	if child.OnParentVersion != "" && child.OnParentVersion != OPVCopy {
		builder.WriteString(" ")
		builder.WriteString(strings.ToLower(child.OnParentVersion))
	}
	builder.WriteString("\n")
}

func joinNames(names []string) string {
	quoted := make([]string, len(names))
	for index, name := range names {
		quoted[index] = quoteName(name)
	}
	return strings.Join(quoted, ", ")
}

func joinQuoted(values []string) string {
	quoted := make([]string, len(values))
	for index, value := range values {
		quoted[index] = quote(value)
	}
	return strings.Join(quoted, ", ")
}

// quoteName leaves plain names bare and quotes anything the lexer would split.
func quoteName(name string) string {
	if name == "" || name == "?" {
		return quote(name)
	}
	if name == Residual {
		return name
	}
	if strings.ContainsAny(name[:1], "-+/") {
		return quote(name)
	}
	for _, r := range name {
		if !isWordRune(r) {
			return quote(name)
		}
	}
	return name
}

func quote(value string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
	return "'" + escaped + "'"
}
