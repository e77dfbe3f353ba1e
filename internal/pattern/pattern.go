// Package pattern evaluates field-extraction patterns from the pattern
// catalog against pasted invoice text, with JavaScript regular expression
// semantics so the result matches what the catalog's extractor will see.
package pattern

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/dlclark/regexp2"
)

const (
	MaxPatternLength = 4096
	MaxTextLength    = 256 << 10
	matchTimeout     = time.Second
)

var (
	ErrEmptyPattern = errors.New("pattern is required")
	ErrTooLong      = errors.New("pattern or text too long")
)

// Group is one capture group of a match. Index counts UTF-16 code units,
// like RegExp.prototype.exec.
type Group struct {
	Number  int    `json:"number"`
	Name    string `json:"name,omitempty"`
	Value   string `json:"value"`
	Index   int    `json:"index"`
	Matched bool   `json:"matched"`
}

// Match is the outcome of running a pattern once.
type Match struct {
	Matched bool    `json:"matched"`
	Value   string  `json:"value,omitempty"`
	Index   int     `json:"index"`
	Groups  []Group `json:"groups,omitempty"`
}

// Probe is a compiled pattern.
type Probe struct {
	re *regexp2.Regexp
}

// Compile parses pattern with the given flags. Supported flags are i, m, s
// and g; g is accepted and ignored since a probe reports the first match.
func Compile(pattern, flags string) (*Probe, error) {
	if pattern == "" {
		return nil, ErrEmptyPattern
	}
	if len(pattern) > MaxPatternLength {
		return nil, ErrTooLong
	}
	opts := regexp2.RegexOptions(regexp2.ECMAScript)
	dotAll := false
	for _, f := range flags {
		switch f {
		case 'i':
			opts |= regexp2.IgnoreCase
		case 'm':
			opts |= regexp2.Multiline
		case 's':
			dotAll = true
		case 'g', 'u':
		default:
			return nil, fmt.Errorf("unsupported flag %q", f)
		}
	}
	if dotAll {
		// ECMAScript mode rejects Singleline
		pattern = expandDotAll(pattern)
	}
	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	re.MatchTimeout = matchTimeout
	return &Probe{re: re}, nil
}

// Exec returns the first match in text.
func (p *Probe) Exec(text string) (Match, error) {
	if len(text) > MaxTextLength {
		return Match{}, ErrTooLong
	}
	m, err := p.re.FindStringMatch(text)
	if err != nil {
		return Match{}, fmt.Errorf("evaluate pattern: %w", err)
	}
	if m == nil {
		return Match{Matched: false, Index: -1}, nil
	}
	runes := []rune(text)
	out := Match{
		Matched: true,
		Value:   m.String(),
		Index:   utf16Offset(runes, m.Index),
	}
	for i, g := range m.Groups() {
		if i == 0 {
			continue
		}
		group := Group{Number: i, Index: -1}
		if _, err := strconv.Atoi(g.Name); err != nil {
			group.Name = g.Name
		}
		if len(g.Captures) > 0 {
			group.Matched = true
			group.Value = g.String()
			group.Index = utf16Offset(runes, g.Index)
		}
		out.Groups = append(out.Groups, group)
	}
	return out, nil
}

// expandDotAll rewrites every unescaped dot outside a character class to
// [\s\S], which is what a dot means under the s flag.
func expandDotAll(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern))
	inClass := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			b.WriteByte(c)
			i++
			b.WriteByte(pattern[i])
			continue
		case c == '[' && !inClass:
			inClass = true
		case c == ']' && inClass:
			inClass = false
		case c == '.' && !inClass:
			b.WriteString(`[\s\S]`)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Test compiles pattern without flags and runs it against text.
func Test(pattern, text string) (Match, error) {
	p, err := Compile(pattern, "")
	if err != nil {
		return Match{}, err
	}
	return p.Exec(text)
}

func utf16Offset(runes []rune, runeIndex int) int {
	if runeIndex > len(runes) {
		runeIndex = len(runes)
	}
	n := 0
	for _, r := range runes[:runeIndex] {
		n += len(utf16.Encode([]rune{r}))
	}
	return n
}
