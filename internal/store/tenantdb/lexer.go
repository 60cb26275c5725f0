package tenantdb

import (
	"fmt"
	"strings"
)

type tokenKind uint8

const (
	tokIdent tokenKind = iota + 1
	tokQuoted
	tokNumber
	tokString
	tokParam
	tokPunct
	tokOp
)

type token struct {
	kind  tokenKind
	text  string
	upper string
	start int
	end   int
	// param is the 1-based argument ordinal of a placeholder.
	param int
}

func (t token) is(kw string) bool {
	return t.kind == tokIdent && t.upper == kw
}

func (t token) punct(p string) bool {
	return t.kind == tokPunct && t.text == p
}

const opChars = "+-*/<>=~!@#%^&|"

// lex splits a statement into tokens, dropping whitespace and comments. Placeholders
// are numbered: $N keeps N, each ? takes the next ordinal.
func lex(src string) ([]token, error) {
	var (
		toks     []token
		qmarks   int
		i        int
		n        = len(src)
		emit     = func(k tokenKind, s, e int) { toks = append(toks, token{kind: k, text: src[s:e], upper: strings.ToUpper(src[s:e]), start: s, end: e}) }
		isIdent0 = func(c byte) bool { return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80 }
		isIdent  = func(c byte) bool { return isIdent0(c) || c >= '0' && c <= '9' || c == '$' }
		isDigit  = func(c byte) bool { return c >= '0' && c <= '9' }
	)
	for i < n {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			i++
		case c == '-' && i+1 < n && src[i+1] == '-':
			for i < n && src[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated comment at %d", i)
			}
			i += end + 4
		case c == '\'':
			s := i
			i++
			for {
				if i >= n {
					return nil, fmt.Errorf("unterminated string at %d", s)
				}
				if src[i] == '\'' {
					if i+1 < n && src[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			emit(tokString, s, i)
		case c == '"' || c == '`':
			s := i
			q := c
			i++
			for {
				if i >= n {
					return nil, fmt.Errorf("unterminated identifier at %d", s)
				}
				if src[i] == q {
					if i+1 < n && src[i+1] == q {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			emit(tokQuoted, s, i)
		case c == '$' && i+1 < n && isDigit(src[i+1]):
			s := i
			i++
			ord := 0
			for i < n && isDigit(src[i]) {
				ord = ord*10 + int(src[i]-'0')
				i++
			}
			emit(tokParam, s, i)
			toks[len(toks)-1].param = ord
		case c == '$':
			// dollar-quoted string: $tag$ ... $tag$
			s := i
			j := i + 1
			for j < n && src[j] != '$' && isIdent(src[j]) {
				j++
			}
			if j >= n || src[j] != '$' {
				return nil, fmt.Errorf("unexpected '$' at %d", s)
			}
			tag := src[s : j+1]
			end := strings.Index(src[j+1:], tag)
			if end < 0 {
				return nil, fmt.Errorf("unterminated dollar string at %d", s)
			}
			i = j + 1 + end + len(tag)
			emit(tokString, s, i)
		case c == '?':
			qmarks++
			emit(tokParam, i, i+1)
			toks[len(toks)-1].param = qmarks
			i++
		case isDigit(c) || c == '.' && i+1 < n && isDigit(src[i+1]):
			s := i
			for i < n && (isDigit(src[i]) || src[i] == '.' || src[i] == 'e' || src[i] == 'E' ||
				(src[i] == '-' || src[i] == '+') && (src[i-1] == 'e' || src[i-1] == 'E')) {
				i++
			}
			emit(tokNumber, s, i)
		case isIdent0(c):
			s := i
			for i < n && isIdent(src[i]) {
				i++
			}
			emit(tokIdent, s, i)
		case c == ':' && i+1 < n && src[i+1] == ':':
			emit(tokOp, i, i+2)
			i += 2
		case strings.IndexByte("(),.;[]:", c) >= 0:
			emit(tokPunct, i, i+1)
			i++
		case strings.IndexByte(opChars, c) >= 0:
			s := i
			for i < n && strings.IndexByte(opChars, src[i]) >= 0 {
				// keep "-1" and "/*" out of operator runs
				if i > s && (src[i] == '-' && i+1 < n && src[i+1] == '-' || src[i] == '/' && i+1 < n && src[i+1] == '*') {
					break
				}
				i++
			}
			emit(tokOp, s, i)
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", c, i)
		}
	}
	return toks, nil
}

// pairParens maps every parenthesis to its partner.
func pairParens(toks []token) ([]int, error) {
	pair := make([]int, len(toks))
	var stack []int
	for i, t := range toks {
		pair[i] = -1
		switch {
		case t.punct("("):
			stack = append(stack, i)
		case t.punct(")"):
			if len(stack) == 0 {
				return nil, fmt.Errorf("unbalanced ')' at %d", t.start)
			}
			open := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			pair[open], pair[i] = i, open
		}
	}
	if len(stack) > 0 {
		return nil, fmt.Errorf("unbalanced '(' at %d", toks[stack[len(stack)-1]].start)
	}
	return pair, nil
}
