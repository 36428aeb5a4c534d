package nodetype

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenWord
	tokenQuoted
	tokenPunct
)

type token struct {
	kind  tokenKind
	value string
	line  int
}

func (t token) is(punct string) bool {
	return t.kind == tokenPunct && t.value == punct
}

func (t token) isString() bool {
	return t.kind == tokenWord || t.kind == tokenQuoted
}

const punctuation = "<>[](),="

func isWordRune(r rune) bool {
	return !unicode.IsSpace(r) && !strings.ContainsRune(punctuation, r) && r != '\'' && r != '"'
}

func tokenize(text string) ([]token, error) {
	runes := []rune(text)
	tokens := make([]token, 0, len(runes)/4)
	line := 1
	for index := 0; index < len(runes); {
		current := runes[index]
		switch {
		case current == '\n':
			line++
			index++
		case unicode.IsSpace(current):
			index++
		case current == '/' && index+1 < len(runes) && runes[index+1] == '/':
			for index < len(runes) && runes[index] != '\n' {
				index++
			}
		case current == '/' && index+1 < len(runes) && runes[index+1] == '*':
			start := line
			index += 2
			closed := false
			for index < len(runes) {
				if runes[index] == '\n' {
					line++
				}
				if runes[index] == '*' && index+1 < len(runes) && runes[index+1] == '/' {
					index += 2
					closed = true
					break
				}
				index++
			}
			if !closed {
				return nil, &SyntaxError{Line: start, Message: "unterminated comment"}
			}
		case strings.ContainsRune(punctuation, current):
			tokens = append(tokens, token{kind: tokenPunct, value: string(current), line: line})
			index++
		case (current == '-' || current == '+') && (index+1 >= len(runes) || !unicode.IsDigit(runes[index+1])):
			tokens = append(tokens, token{kind: tokenPunct, value: string(current), line: line})
			index++
		case current == '\'' || current == '"':
			start := line
			var builder strings.Builder
			index++
			closed := false
			for index < len(runes) {
				r := runes[index]
				if r == '\\' && index+1 < len(runes) {
					builder.WriteRune(runes[index+1])
					index += 2
					continue
				}
				if r == current {
					index++
					closed = true
					break
				}
				if r == '\n' {
					line++
				}
				builder.WriteRune(r)
				index++
			}
			if !closed {
				return nil, &SyntaxError{Line: start, Message: "unterminated string"}
			}
			tokens = append(tokens, token{kind: tokenQuoted, value: builder.String(), line: start})
		default:
			start := index
			for index < len(runes) && isWordRune(runes[index]) {
				index++
			}
			tokens = append(tokens, token{kind: tokenWord, value: string(runes[start:index]), line: line})
		}
	}
	tokens = append(tokens, token{kind: tokenEOF, line: line})
	return tokens, nil
}
