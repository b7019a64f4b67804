// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package names canonicalizes C/C++ type and symbol names so that two builds
// of the same library textualize every type identically. The canonical form
// is the output's type-identity key, so every rule here is ABI-significant.
package names

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Mode selects the normalization variant. Type and symbol names share the
// core rules; they diverge on whitespace collapsing and on the treatment of
// ">>" inside operator names.
type Mode int

const (
	// ModeType normalizes type names.
	ModeType Mode = iota
	// ModeSymbol normalizes symbol (function) names.
	ModeSymbol
)

type memoKey struct {
	mode Mode
	in   string
}

// Canonicalizer rewrites names into their canonical form. It is pure and
// memoized by (mode, input).
type Canonicalizer struct {
	memo *lru.Cache[memoKey, string]
}

const memoSize = 1 << 16

// New returns a ready Canonicalizer.
func New() *Canonicalizer {
	memo, err := lru.New[memoKey, string](memoSize)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &Canonicalizer{memo: memo}
}

// Name returns the canonical form of s under the given mode.
func (c *Canonicalizer) Name(mode Mode, s string) string {
	key := memoKey{mode: mode, in: s}
	if out, ok := c.memo.Get(key); ok {
		return out
	}
	out := canonicalize(mode, s)
	c.memo.Add(key, out)
	return out
}

func canonicalize(mode Mode, s string) string {
	s = strings.TrimSpace(s)
	if mode == ModeType {
		s = collapseSpaces(s)
	}
	s = stripPunctSpacing(s)
	s = reorderQualifiers(s)
	s = canonicalizeIntegers(s)
	s = splitShiftClosers(s)
	if mode == ModeSymbol {
		s = strings.ReplaceAll(s, "operator> >", "operator>>")
	}
	s = strings.ReplaceAll(s, ",", ", ")
	if head, args, ok := SplitTemplate(s); ok {
		s = joinTemplate(head, canonicalizeArgs(mode, head, args))
	}
	return s
}

func canonicalizeArgs(mode Mode, head string, args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = canonicalize(mode, a)
	}
	return elideDefaultArgs(head, out)
}

// collapseSpaces reduces every whitespace run to a single space.
func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isPunct(b byte) bool {
	switch b {
	case '<', '>', '(', ')', '*', '&', ',', ':', '[', ']':
		return true
	}
	return false
}

// stripPunctSpacing removes whitespace adjacent to punctuation while keeping
// a single space between adjacent identifiers, so "basic_string <char> const"
// becomes "basic_string<char>const" but "unsigned long" is untouched.
func stripPunctSpacing(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != ' ' {
			b.WriteByte(s[i])
			continue
		}
		j := i
		for j < len(s) && s[j] == ' ' {
			j++
		}
		// A run of spaces survives (as one space) only between two
		// identifier characters.
		if i > 0 && j < len(s) && !isPunct(s[i-1]) && !isPunct(s[j]) {
			b.WriteByte(' ')
		}
		i = j - 1
	}
	return b.String()
}

// reorderQualifiers normalizes qualifier order: a leading "const T" becomes
// "T const" and "volatile const" becomes "const volatile".
func reorderQualifiers(s string) string {
	s = strings.ReplaceAll(s, "volatile const", "const volatile")
	// "const T" becomes "T const" only for a bare single-word T; anything
	// longer ("const unsigned long") keeps the producer's spelling.
	if rest, ok := strings.CutPrefix(s, "const "); ok && rest != "" {
		if strings.IndexFunc(rest, func(r rune) bool { return !isWordRune(r) }) < 0 {
			s = rest + " const"
		}
	}
	return s
}

func isWordRune(r rune) bool {
	return r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
}

// integerSpellings maps the DWARF producer spellings of the integer types to
// their canonical names, longest first so that subset spellings cannot
// shadow longer ones.
var integerSpellings = []struct{ from, to string }{
	{"long long unsigned int", "unsigned long long"},
	{"long long unsigned", "unsigned long long"},
	{"short unsigned int", "unsigned short"},
	{"long unsigned int", "unsigned long"},
	{"unsigned long int", "unsigned long"},
	{"long long int", "long long"},
	{"short int", "short"},
	{"long int", "long"},
}

func canonicalizeIntegers(s string) string {
	for _, sp := range integerSpellings {
		s = replaceWord(s, sp.from, sp.to)
	}
	return s
}

// replaceWord replaces whole-word occurrences of from with to.
func replaceWord(s, from, to string) string {
	for start := 0; ; {
		i := strings.Index(s[start:], from)
		if i < 0 {
			return s
		}
		i += start
		end := i + len(from)
		leftOK := i == 0 || !isWordRune(rune(s[i-1]))
		rightOK := end == len(s) || !isWordRune(rune(s[end]))
		if leftOK && rightOK {
			s = s[:i] + to + s[end:]
			start = i + len(to)
		} else {
			start = i + 1
		}
	}
}

// splitShiftClosers rewrites ">>" as "> >" so nested template closers are
// never confused with a shift token.
func splitShiftClosers(s string) string {
	for strings.Contains(s, ">>") {
		s = strings.ReplaceAll(s, ">>", "> >")
	}
	return s
}

// SplitTemplate locates the center "<" (the rightmost "<" at bracket balance
// zero) of a template name ending in ">" and splits the enclosed argument
// list on top-level commas. It reports false for names that are not template
// instantiations.
func SplitTemplate(s string) (head string, args []string, ok bool) {
	if !strings.HasSuffix(s, ">") || !strings.Contains(s, "<") {
		return "", nil, false
	}
	center := -1
	depth := 0
	// The final ">" closes the center "<"; stop before it.
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '<':
			if depth == 0 {
				center = i
			}
			depth++
		case '>':
			depth--
		}
	}
	if center < 0 || depth != 1 {
		return "", nil, false
	}
	head = s[:center]
	list := s[center+1 : len(s)-1]
	args = splitTopLevel(list)
	return head, args, true
}

// splitTopLevel splits on commas outside any angle or paren nesting.
func splitTopLevel(list string) []string {
	var args []string
	depth := 0
	last := 0
	for i := 0; i < len(list); i++ {
		switch list[i] {
		case '<', '(':
			depth++
		case '>', ')':
			depth--
		case ',':
			if depth == 0 {
				args = append(args, strings.TrimSpace(list[last:i]))
				last = i + 1
			}
		}
	}
	args = append(args, strings.TrimSpace(list[last:]))
	return args
}

func joinTemplate(head string, args []string) string {
	joined := head + "<" + strings.Join(args, ", ")
	// Keep template closers apart.
	if strings.HasSuffix(joined, ">") {
		joined += " "
	}
	s := joined + ">"
	if s == "std::basic_string<char>" {
		return "std::string"
	}
	return s
}

// elideDefaultArgs drops the well-known default arguments of the standard
// containers so that explicit and defaulted instantiations canonicalize to
// the same name.
func elideDefaultArgs(head string, args []string) []string {
	if len(args) == 0 {
		return args
	}
	t := args[0]
	alloc := "std::allocator<" + t + suffixSpace(t) + ">"
	switch head {
	case "std::vector":
		if len(args) == 2 && args[1] == alloc {
			return args[:1]
		}
	case "std::set":
		if len(args) == 3 && args[1] == "std::less<"+t+suffixSpace(t)+">" && args[2] == alloc {
			return args[:1]
		}
	case "std::basic_string":
		if len(args) == 3 && args[1] == "std::char_traits<"+t+suffixSpace(t)+">" && args[2] == alloc {
			return args[:1]
		}
	}
	return args
}

// suffixSpace returns the separator a nested template argument needs before
// its closing bracket.
func suffixSpace(t string) string {
	if strings.HasSuffix(t, ">") {
		return " "
	}
	return ""
}
