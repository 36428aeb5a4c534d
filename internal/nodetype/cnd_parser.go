package nodetype

import (
	"fmt"
	"strings"
)

// ParseCND parses compact node type definition text.
func ParseCND(text string) (CND, error) {
	tokens, err := tokenize(text)
	if err != nil {
		return CND{}, err
	}
	p := &cndParser{tokens: tokens}
	return p.parse()
}

type cndParser struct {
	tokens []token
	pos    int
}

func (p *cndParser) peek() token {
	return p.tokens[p.pos]
}

func (p *cndParser) peekAt(offset int) token {
	index := p.pos + offset
	if index >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[index]
}

func (p *cndParser) next() token {
	current := p.tokens[p.pos]
	if current.kind != tokenEOF {
		p.pos++
	}
	return current
}

func (p *cndParser) fail(format string, args ...any) error {
	return &SyntaxError{Line: p.peek().line, Message: fmt.Sprintf(format, args...)}
}

func (p *cndParser) expect(punct string) error {
	if !p.peek().is(punct) {
		return p.fail("expected %q, found %q", punct, p.peek().value)
	}
	p.next()
	return nil
}

func (p *cndParser) parse() (CND, error) {
	var document CND
	for {
		current := p.peek()
		switch {
		case current.kind == tokenEOF:
			return document, nil
		case current.is("<"):
			namespace, err := p.parseNamespace()
			if err != nil {
				return CND{}, err
			}
			document.Namespaces = append(document.Namespaces, namespace)
		case current.is("["):
			definition, err := p.parseType()
			if err != nil {
				return CND{}, err
			}
			document.Types = append(document.Types, definition)
		default:
			return CND{}, p.fail("unexpected %q", current.value)
		}
	}
}

func (p *cndParser) isNamespaceAhead() bool {
	return p.peek().is("<") && p.peekAt(1).isString() && p.peekAt(2).is("=")
}

func (p *cndParser) parseNamespace() (Namespace, error) {
	if err := p.expect("<"); err != nil {
		return Namespace{}, err
	}
	prefix, err := p.parseString("namespace prefix")
	if err != nil {
		return Namespace{}, err
	}
	if err := p.expect("="); err != nil {
		return Namespace{}, err
	}
	uri, err := p.parseString("namespace uri")
	if err != nil {
		return Namespace{}, err
	}
	if err := p.expect(">"); err != nil {
		return Namespace{}, err
	}
	return Namespace{Prefix: prefix, URI: uri}, nil
}

func (p *cndParser) parseString(what string) (string, error) {
	current := p.peek()
	if !current.isString() {
		return "", p.fail("expected %s, found %q", what, current.value)
	}
	p.next()
	return current.value, nil
}

func (p *cndParser) parseStringList(what string) ([]string, error) {
	var values []string
	for {
		value, err := p.parseString(what)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
		if !p.peek().is(",") {
			return values, nil
		}
		p.next()
	}
}

func (p *cndParser) parseType() (TypeDefinition, error) {
	if err := p.expect("["); err != nil {
		return TypeDefinition{}, err
	}
	name, err := p.parseString("node type name")
	if err != nil {
		return TypeDefinition{}, err
	}
	if err := p.expect("]"); err != nil {
		return TypeDefinition{}, err
	}
	definition := TypeDefinition{Name: name}

	if p.peek().is(">") {
		p.next()
		if p.peek().kind == tokenWord && p.peek().value == "?" {
			p.next()
		} else {
			supertypes, err := p.parseStringList("supertype")
			if err != nil {
				return TypeDefinition{}, err
			}
			definition.Supertypes = supertypes
		}
	}

	for p.peek().kind == tokenWord {
		keyword := optionKeyword(p.peek().value)
		switch keyword {
		case "orderable", "ord", "o":
			definition.Orderable = true
		case "mixin", "mix", "m":
			definition.Mixin = true
		case "abstract", "abs", "a":
			definition.Abstract = true
		case "noquery", "nq":
			definition.NoQuery = true
		case "query", "q":
			definition.NoQuery = false
		case "primaryitem", "!":
			p.next()
			item, err := p.parseString("primary item name")
			if err != nil {
				return TypeDefinition{}, err
			}
			if item != "?" {
				definition.PrimaryItem = item
			}
			continue
		default:
			return TypeDefinition{}, p.fail("unknown node type option %q", p.peek().value)
		}
		p.next()
	}

	for {
		switch {
		case p.peek().is("-"):
			property, primary, err := p.parseProperty()
			if err != nil {
				return TypeDefinition{}, err
			}
			if primary {
				definition.PrimaryItem = property.Name
			}
			definition.Properties = append(definition.Properties, property)
		case p.peek().is("+"):
			child, primary, err := p.parseChild()
			if err != nil {
				return TypeDefinition{}, err
			}
			if primary {
				definition.PrimaryItem = child.Name
			}
			definition.Children = append(definition.Children, child)
		default:
			return definition, nil
		}
	}
}

func (p *cndParser) parseProperty() (PropertyDefinition, bool, error) {
	p.next()
	name, err := p.parseString("property name")
	if err != nil {
		return PropertyDefinition{}, false, err
	}
	property := PropertyDefinition{Name: name, Type: TypeString, OnParentVersion: OPVCopy}
	primary := false

	if p.peek().is("(") {
		p.next()
		rawType, err := p.parseString("property type")
		if err != nil {
			return PropertyDefinition{}, false, err
		}
		if rawType != "?" {
			resolved, ok := propertyTypes[strings.ToLower(rawType)]
			if !ok {
				return PropertyDefinition{}, false, p.fail("unknown property type %q", rawType)
			}
			property.Type = resolved
		}
		if err := p.expect(")"); err != nil {
			return PropertyDefinition{}, false, err
		}
	}

	for {
		current := p.peek()
		switch {
		case current.is("="):
			p.next()
			defaults, err := p.parseStringList("default value")
			if err != nil {
				return PropertyDefinition{}, false, err
			}
			property.Defaults = defaults
		case current.is("<") && !p.isNamespaceAhead():
			p.next()
			constraints, err := p.parseStringList("value constraint")
			if err != nil {
				return PropertyDefinition{}, false, err
			}
			property.Constraints = constraints
		case current.kind == tokenWord:
			keyword := optionKeyword(current.value)
			if opv, ok := opvKeywords[keyword]; ok {
				property.OnParentVersion = opv
				p.next()
				continue
			}
			switch keyword {
			case "autocreated", "aut", "a":
				property.Autocreated = true
			case "mandatory", "man", "m":
				property.Mandatory = true
			case "protected", "pro", "p":
				property.Protected = true
			case "multiple", "mul", "*":
				property.Multiple = true
			case "primary", "pri", "!":
				primary = true
			case "opv":
			case "nofulltext", "nof":
				property.NoFullText = true
			case "noqueryorder", "nqord":
				property.NoQueryOrder = true
			case "queryops", "qop":
				p.next()
				operators, err := p.parseString("query operators")
				if err != nil {
					return PropertyDefinition{}, false, err
				}
				if operators != "?" {
					property.QueryOperators = splitOperators(operators)
				}
				continue
			default:
				return PropertyDefinition{}, false, p.fail("unknown property attribute %q", current.value)
			}
			p.next()
		default:
			return property, primary, nil
		}
	}
}

func (p *cndParser) parseChild() (ChildNodeDefinition, bool, error) {
	p.next()
	name, err := p.parseString("child node name")
	if err != nil {
		return ChildNodeDefinition{}, false, err
	}
	child := ChildNodeDefinition{Name: name, OnParentVersion: OPVCopy}
	primary := false

	if p.peek().is("(") {
		p.next()
		if p.peek().kind == tokenWord && p.peek().value == "?" {
			p.next()
		} else {
			required, err := p.parseStringList("required type")
			if err != nil {
				return ChildNodeDefinition{}, false, err
			}
			child.RequiredTypes = required
		}
		if err := p.expect(")"); err != nil {
			return ChildNodeDefinition{}, false, err
		}
	}
	if p.peek().is("=") {
		p.next()
		defaultType, err := p.parseString("default type")
		if err != nil {
			return ChildNodeDefinition{}, false, err
		}
		if defaultType != "?" {
			child.DefaultType = defaultType
		}
	}

	for p.peek().kind == tokenWord {
		keyword := optionKeyword(p.peek().value)
		if opv, ok := opvKeywords[keyword]; ok {
			child.OnParentVersion = opv
			p.next()
			continue
		}
		switch keyword {
		case "autocreated", "aut", "a":
			child.Autocreated = true
		case "mandatory", "man", "m":
			child.Mandatory = true
		case "protected", "pro", "p":
			child.Protected = true
		case "sns", "*", "multiple", "mul":
			child.SameNameSiblings = true
		case "primary", "pri", "!":
			primary = true
		case "opv":
		default:
			return ChildNodeDefinition{}, false, p.fail("unknown child node attribute %q", p.peek().value)
		}
		p.next()
	}
	return child, primary, nil
}

// optionKeyword lower-cases an attribute and strips its variant marker.
func optionKeyword(raw string) string {
	keyword := strings.ToLower(raw)
	if len(keyword) > 1 {
		keyword = strings.TrimSuffix(keyword, "?")
	}
	return keyword
}

func splitOperators(raw string) []string {
	parts := strings.Split(raw, ",")
	operators := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			operators = append(operators, trimmed)
		}
	}
	return operators
}
