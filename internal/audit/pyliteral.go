// Snakehook is a package triage sandbox service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package audit

import (
	"strconv"
	"strings"
	"unicode"
)

// The audit stream's args field holds the repr of a Python argument
// tuple, e.g. ('example.com', 443) or ('/etc/passwd', 'r'). This file
// parses that literal syntax into a small value tree. Lines the parser
// cannot handle fall back to the regex extractors in audit.go.

// Kind discriminates parsed literal values.
type Kind int

const (
	KindStr Kind = iota
	KindInt
	KindBytes
	KindTuple
	KindDict
	KindOther
)

// Value is one parsed Python literal. Raw always holds the source text
// so callers can fall back to a repr-like rendering.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Items []Value
	Raw   string
}

// ParseLiteral parses a complete Python literal. It returns false when
// the text is not a single well-formed literal.
func ParseLiteral(text string) (Value, bool) {
	p := &literalParser{src: text}
	p.skipSpace()
	v, ok := p.parseValue()
	if !ok {
		return Value{}, false
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return Value{}, false
	}
	return v, true
}

type literalParser struct {
	src string
	pos int
}

func (p *literalParser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *literalParser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *literalParser) parseValue() (Value, bool) {
	p.skipSpace()
	start := p.pos
	switch c := p.peek(); {
	case c == '(':
		return p.parseSequence('(', ')')
	case c == '[':
		return p.parseSequence('[', ']')
	case c == '{':
		return p.parseDict()
	case c == '\'' || c == '"':
		s, ok := p.parseString()
		if !ok {
			return Value{}, false
		}
		return Value{Kind: KindStr, Str: s, Raw: p.src[start:p.pos]}, true
	case c == 'b' || c == 'B':
		if p.pos+1 < len(p.src) && (p.src[p.pos+1] == '\'' || p.src[p.pos+1] == '"') {
			p.pos++
			s, ok := p.parseString()
			if !ok {
				return Value{}, false
			}
			return Value{Kind: KindBytes, Str: s, Raw: p.src[start:p.pos]}, true
		}
		return p.parseBareword()
	case c == 'r' || c == 'R' || c == 'u' || c == 'U':
		if p.pos+1 < len(p.src) && (p.src[p.pos+1] == '\'' || p.src[p.pos+1] == '"') {
			p.pos++
			s, ok := p.parseString()
			if !ok {
				return Value{}, false
			}
			return Value{Kind: KindStr, Str: s, Raw: p.src[start:p.pos]}, true
		}
		return p.parseBareword()
	case c == '-' || c == '+' || (c >= '0' && c <= '9'):
		return p.parseNumber()
	default:
		return p.parseBareword()
	}
}

func (p *literalParser) parseSequence(open, close byte) (Value, bool) {
	start := p.pos
	if p.peek() != open {
		return Value{}, false
	}
	p.pos++
	var items []Value
	for {
		p.skipSpace()
		if p.peek() == close {
			p.pos++
			return Value{Kind: KindTuple, Items: items, Raw: p.src[start:p.pos]}, true
		}
		item, ok := p.parseValue()
		if !ok {
			return Value{}, false
		}
		items = append(items, item)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case close:
		default:
			return Value{}, false
		}
	}
}

// parseDict keeps only the values; highlight extraction never inspects
// dict keys.
func (p *literalParser) parseDict() (Value, bool) {
	start := p.pos
	p.pos++ // '{'
	var items []Value
	for {
		p.skipSpace()
		if p.peek() == '}' {
			p.pos++
			return Value{Kind: KindDict, Items: items, Raw: p.src[start:p.pos]}, true
		}
		if _, ok := p.parseValue(); !ok { // key
			return Value{}, false
		}
		p.skipSpace()
		switch p.peek() {
		case ':':
			p.pos++
			val, ok := p.parseValue()
			if !ok {
				return Value{}, false
			}
			items = append(items, val)
		case ',', '}':
			// set literal; the element already parsed is the value
		default:
			return Value{}, false
		}
		p.skipSpace()
		if p.peek() == ',' {
			p.pos++
		} else if p.peek() != '}' {
			return Value{}, false
		}
	}
}

func (p *literalParser) parseString() (string, bool) {
	quote := p.peek()
	p.pos++
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch c {
		case quote:
			p.pos++
			return b.String(), true
		case '\\':
			p.pos++
			if p.pos >= len(p.src) {
				return "", false
			}
			esc := p.src[p.pos]
			if esc == 'x' && p.pos+2 < len(p.src) {
				if n, err := strconv.ParseUint(p.src[p.pos+1:p.pos+3], 16, 8); err == nil {
					b.WriteByte(byte(n))
					p.pos += 3
					continue
				}
			}
			b.WriteString(unescape(esc))
			p.pos++
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return "", false
}

func unescape(c byte) string {
	switch c {
	case 'n':
		return "\n"
	case 't':
		return "\t"
	case 'r':
		return "\r"
	case '0':
		return "\x00"
	case '\\', '\'', '"':
		return string(c)
	default:
		return "\\" + string(c)
	}
}

func (p *literalParser) parseNumber() (Value, bool) {
	start := p.pos
	if c := p.peek(); c == '-' || c == '+' {
		p.pos++
	}
	digits := 0
	isFloat := false
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c >= '0' && c <= '9' || c == '_' {
			digits++
			p.pos++
			continue
		}
		if c == 'x' || c == 'X' || c == 'o' || c == 'O' {
			// 0x / 0o prefix
			p.pos++
			continue
		}
		if c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F' {
			p.pos++
			digits++
			continue
		}
		if c == '.' || c == 'e' || c == 'E' {
			isFloat = true
			p.pos++
			continue
		}
		break
	}
	raw := p.src[start:p.pos]
	if digits == 0 {
		return Value{}, false
	}
	if isFloat {
		return Value{Kind: KindOther, Raw: raw}, true
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(raw, "_", ""), 0, 64)
	if err != nil {
		return Value{Kind: KindOther, Raw: raw}, true
	}
	return Value{Kind: KindInt, Int: n, Raw: raw}, true
}

// parseBareword consumes identifiers such as None, True, or enum reprs
// like AF_INET. Dotted names are kept whole.
func (p *literalParser) parseBareword() (Value, bool) {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == ',' || c == ')' || c == ']' || c == '}' || c == ':' || unicode.IsSpace(rune(c)) {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return Value{}, false
	}
	return Value{Kind: KindOther, Raw: p.src[start:p.pos]}, true
}
