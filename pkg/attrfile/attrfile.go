// SPDX-License-Identifier: MPL-2.0

// Package attrfile reads the small key/value attribute files that accompany
// distributions on installation media (e.g. "bin.inf", "cdrom.inf").
//
// The grammar is line oriented:
//
//	# comment            ; also a comment
//	pieces = 3
//	CD_VERSION=4.0-RELEASE
//	Description = {
//	    spans several
//	    lines
//	}
//
// Names start with a letter or underscore and continue with letters, digits and
// underscores and are case-sensitive: "Pieces" and "pieces" are different
// records. Values run to the end of the line, or, when the value opens with '{',
// to the matching '}'.
package attrfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// MaxRecords bounds the number of records a single file may define.
const MaxRecords = 2048

const (
	stateLook state = iota
	stateComment
	stateName
	stateValue
	stateMultiValue
	stateCommit
)

// ErrTooManyRecords is returned when a file defines more than MaxRecords attributes.
var ErrTooManyRecords = errors.New("too many attributes")

type (
	state int

	// Record is one name/value pair. The zero Record is the end-of-list sentinel.
	Record struct {
		Name  string
		Value string
	}

	// Records is an ordered attribute list terminated by an empty-name sentinel.
	Records []Record

	// ParseError reports a malformed attribute file.
	ParseError struct {
		Source string
		Line   int
		Msg    string
	}
)

func (e *ParseError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s:%d: %s", e.Source, e.Line, e.Msg)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// ParseFile parses the attribute file at path.
func ParseFile(path string) (Records, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }() // read-only

	return parse(f, path)
}

// ParseBytes parses attributes from an in-memory buffer.
func ParseBytes(data []byte) (Records, error) {
	return parse(strings.NewReader(string(data)), "")
}

// Parse parses attributes from r.
func Parse(r io.Reader) (Records, error) {
	return parse(r, "")
}

func parse(r io.Reader, source string) (Records, error) {
	br := bufio.NewReader(r)
	recs := make(Records, 0, 8)

	var (
		st    = stateLook
		name  strings.Builder
		value strings.Builder
		line  = 1
		// nameDone is set when whitespace follows the name token.
		nameDone bool
		// valueStarted is set once the first non-blank value byte was read.
		valueStarted bool
	)

	fail := func(msg string) (Records, error) {
		return nil, &ParseError{Source: source, Line: line, Msg: msg}
	}

	for {
		ch, err := br.ReadByte()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch st {
		case stateLook:
			switch {
			case ch == '#' || ch == ';':
				st = stateComment
			case isNameStart(ch):
				name.WriteByte(ch)
				nameDone = false
				st = stateName
			case isSpace(ch):
			default:
				return fail(fmt.Sprintf("unexpected character %q", ch))
			}

		case stateComment:
			if ch == '\n' {
				st = stateLook
			}

		case stateName:
			switch {
			case ch == '=':
				valueStarted = false
				st = stateValue
			case ch == '\n':
				return fail(fmt.Sprintf("attribute %q has no value", name.String()))
			case isSpace(ch):
				nameDone = true
			case isNameChar(ch) && !nameDone:
				name.WriteByte(ch)
			default:
				return fail(fmt.Sprintf("unexpected character %q after attribute %q", ch, name.String()))
			}

		case stateValue:
			switch {
			case ch == '\n':
				st = stateCommit
			case !valueStarted && (ch == ' ' || ch == '\t'):
			case !valueStarted && ch == '{':
				st = stateMultiValue
			default:
				valueStarted = true
				value.WriteByte(ch)
			}

		case stateMultiValue:
			if ch == '}' {
				st = stateCommit
			} else {
				value.WriteByte(ch)
			}
		}

		if ch == '\n' {
			line++
		}

		if st == stateCommit {
			if len(recs) >= MaxRecords {
				return nil, ErrTooManyRecords
			}
			recs = append(recs, Record{Name: name.String(), Value: strings.TrimSpace(value.String())})
			name.Reset()
			value.Reset()
			st = stateLook
		}
	}

	switch st {
	case stateValue:
		if len(recs) >= MaxRecords {
			return nil, ErrTooManyRecords
		}
		recs = append(recs, Record{Name: name.String(), Value: strings.TrimSpace(value.String())})
	case stateMultiValue:
		return fail(fmt.Sprintf("unterminated value for %q", name.String()))
	case stateName:
		return fail(fmt.Sprintf("attribute %q has no value", name.String()))
	case stateLook, stateComment, stateCommit:
	}

	return append(recs, Record{}), nil
}

// Len returns the number of records, excluding the sentinel.
func (r Records) Len() int {
	n := 0
	for _, rec := range r {
		if rec.Name == "" {
			break
		}
		n++
	}
	return n
}

// Get returns the value of the first record named name.
func (r Records) Get(name string) (string, bool) {
	for _, rec := range r {
		if rec.Name == "" {
			break
		}
		if rec.Name == name {
			return rec.Value, true
		}
	}
	return "", false
}

// Int returns the first record named name parsed as a decimal integer.
// ok is false when the attribute is absent.
func (r Records) Int(name string) (n int, ok bool, err error) {
	v, found := r.Get(name)
	if !found {
		return 0, false, nil
	}
	n, err = strconv.Atoi(v)
	if err != nil {
		return 0, true, fmt.Errorf("attribute %s: %w", name, err)
	}
	return n, true, nil
}

func isNameStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isNameChar(ch byte) bool {
	return isNameStart(ch) || (ch >= '0' && ch <= '9')
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\r' || ch == '\n'
}
