// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package abigen reduces the DIE graph to the canonical ABI description:
// the type graph, the symbol table and the pruned, emission-ready dump.
//
// The reduction runs in three serial passes over a single Context value:
// type resolution (on demand, memoized), symbol resolution, and pruning.
// All inter-record links are IDs so the graph tolerates DWARF's cycles;
// type resolution inserts a placeholder before recursing.
package abigen

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/go-delve/delve/pkg/dwarf/regnum"
	pkgerrors "github.com/pkg/errors"

	"github.com/DataDog/abi-dumper/pkg/abi"
	"github.com/DataDog/abi-dumper/pkg/dwarfdump"
	"github.com/DataDog/abi-dumper/pkg/elfsym"
	"github.com/DataDog/abi-dumper/pkg/names"
	"github.com/DataDog/abi-dumper/pkg/vtable"
)

// Options carries the retention and diagnostics switches of one run.
type Options struct {
	// AllTypes retains types even when unreferenced.
	AllTypes bool
	// AllSymbols retains non-exported externally-visible symbols.
	AllSymbols bool
	// BinOnly excludes inline, pure-virtual and non-exported globals.
	BinOnly bool
	// SkipCxx drops the libstdc++/__gnu_cxx mangling families.
	SkipCxx bool
	// Loud surfaces non-fatal diagnostics.
	Loud bool

	// KernelModule marks .ko debug inputs.
	KernelModule bool

	// LibVersion is embedded in the dump verbatim.
	LibVersion string
	// LibraryName overrides the SONAME-derived library name.
	LibraryName string
}

// Input bundles the three parsed tool streams and the ELF header.
type Input struct {
	Store  *dwarfdump.Store
	Syms   *elfsym.Table
	VTs    vtable.Tables
	Header elfsym.Header
}

type nameKey struct {
	family string
	name   string
}

// Context owns all state of one reduction: the DIE store, the growing type
// and symbol tables, the canonicalization memo and the register-name table.
type Context struct {
	opts  Options
	store *dwarfdump.Store
	syms  *elfsym.Table
	vts   vtable.Tables
	canon *names.Canonicalizer
	dump  *abi.Dump

	wordSize int
	regName  func(uint64) string

	// typeByDIE memoizes resolution; 0 records a dropped DIE.
	typeByDIE map[uint64]abi.TypeID
	// firstByName maps a canonical name to the first ID that claimed it
	// within its kind family; later same-name IDs merge into it.
	firstByName map[nameKey]abi.TypeID
	// byName is the family-blind index used for template-argument and
	// vtable lookups.
	byName map[string]abi.TypeID
	// mergedTo redirects definition IDs folded into their specifications.
	mergedTo map[abi.TypeID]abi.TypeID

	symByMngl map[string]abi.SymbolID

	// deferred is the "2" bucket: symbols whose fate pruning decides.
	deferred map[abi.SymbolID]bool

	unnamedSeq map[uint64]int

	nextType abi.TypeID
	nextSym  abi.SymbolID
}

func newContext(in Input, opts Options) *Context {
	c := &Context{
		opts:        opts,
		store:       in.Store,
		syms:        in.Syms,
		vts:         in.VTs,
		canon:       names.New(),
		dump:        abi.NewDump(),
		wordSize:    in.Header.WordSize,
		regName:     regNamer(in.Header.Arch),
		typeByDIE:   make(map[uint64]abi.TypeID),
		firstByName: make(map[nameKey]abi.TypeID),
		byName:      make(map[string]abi.TypeID),
		mergedTo:    make(map[abi.TypeID]abi.TypeID),
		symByMngl:   make(map[string]abi.SymbolID),
		deferred:    make(map[abi.SymbolID]bool),
		unnamedSeq:  make(map[uint64]int),
		nextType:    abi.TypeVoid + 1,
		nextSym:     1,
	}
	c.dump.Arch = in.Header.Arch
	c.dump.WordSize = in.Header.WordSize
	// The reserved IDs claim their names up front so a producer-emitted
	// "void" base type merges into ID 1 instead of displacing it.
	for _, id := range []abi.TypeID{abi.TypeVoid, abi.TypeEllipsis} {
		t := c.dump.TypeInfo[id]
		c.firstByName[nameKey{family: t.Kind.NameFamily(), name: t.Name}] = id
		c.byName[t.Name] = id
	}
	return c
}

// regNamer returns the DWARF register-number naming table for an
// architecture. Unknown architectures fall back to a numeric spelling.
func regNamer(arch string) func(uint64) string {
	switch arch {
	case "x86_64":
		return regnum.AMD64ToName
	case "x86":
		return regnum.I386ToName
	case "aarch64":
		return regnum.ARM64ToName
	default:
		return func(n uint64) string { return fmt.Sprintf("r%d", n) }
	}
}

// Generate runs the full reduction and returns the emission-ready dump.
// Panics raised while chewing on untrusted dump text come back as errors.
func Generate(in Input, opts Options) (_ *abi.Dump, retErr error) {
	defer func() {
		switch r := recover().(type) {
		case nil:
		case error:
			retErr = pkgerrors.Wrap(r, "abigen: panic")
		default:
			retErr = pkgerrors.Errorf("abigen: panic: %v\n%s", r, debug.Stack())
		}
	}()

	c := newContext(in, opts)
	c.collectUnitMetadata()
	c.resolveTypes()
	c.attachVTables()
	c.resolveSymbols()
	if err := c.prune(); err != nil {
		return nil, err
	}
	c.collectTables()
	c.dump.LibraryVersion = opts.LibVersion
	if opts.LibraryName != "" {
		c.dump.LibraryName = opts.LibraryName
	} else {
		c.dump.LibraryName = in.Syms.SOName
	}
	c.dump.Needed = append([]string(nil), in.Syms.Needed...)
	for n, s := range in.Syms.Exports {
		c.dump.Symbols[n] = s
	}
	for n := range in.Syms.Undefined {
		c.dump.UndefinedSymbols[n] = 0
	}
	for b, v := range in.Syms.Aliases {
		c.dump.SymbolVersion[b] = v
	}
	return c.dump, nil
}

// languageNames maps DWARF language keywords to the dump spelling.
var languageNames = map[string]string{
	"C_plus_plus":    "C++",
	"C_plus_plus_03": "C++",
	"C_plus_plus_11": "C++",
	"C_plus_plus_14": "C++",
	"C_plus_plus_17": "C++",
	"C_plus_plus_20": "C++",
	"C":              "C",
	"C89":            "C",
	"C99":            "C",
	"C11":            "C",
	"C17":            "C",
}

// collectUnitMetadata derives language and compiler identity from the first
// compile unit carrying them.
func (c *Context) collectUnitMetadata() {
	for _, u := range c.store.Units() {
		if c.dump.Language == "" {
			if lang, ok := u.Root.Str("language"); ok {
				if mapped, ok := languageNames[lang]; ok {
					c.dump.Language = mapped
				} else {
					c.dump.Language = lang
				}
			}
		}
		if c.dump.GccVersion == "" && c.dump.Compiler == "" {
			if producer, ok := u.Root.Str("producer"); ok {
				if v := gnuVersion(producer); v != "" {
					c.dump.GccVersion = v
				} else {
					c.dump.Compiler = producer
				}
			}
		}
	}
}

// gnuVersion extracts the version of a GNU producer string like
// "GNU C++14 9.4.0 -mtune=generic"; it returns "" for other producers.
func gnuVersion(producer string) string {
	if !strings.HasPrefix(producer, "GNU ") {
		return ""
	}
	for _, f := range strings.Fields(producer)[1:] {
		if f[0] >= '0' && f[0] <= '9' && strings.Contains(f, ".") {
			return f
		}
	}
	return ""
}

// CxxLanguage reports whether the producer language is C++, which gates the
// vtable dumper.
func CxxLanguage(store *dwarfdump.Store) bool {
	for _, u := range store.Units() {
		if lang, ok := u.Root.Str("language"); ok &&
			strings.Contains(lang, "plus_plus") {
			return true
		}
	}
	return false
}

// collectTables fills the Headers, Sources and NameSpaces lists from the
// retained records.
func (c *Context) collectTables() {
	headers := make(map[string]bool)
	sources := make(map[string]bool)
	spaces := make(map[string]bool)
	for _, t := range c.dump.TypeInfo {
		if t.Header != "" {
			headers[t.Header] = true
		}
		if t.Source != "" {
			sources[t.Source] = true
		}
		if t.NameSpace != "" {
			spaces[t.NameSpace] = true
		}
	}
	for _, s := range c.dump.SymbolInfo {
		if s.Header != "" {
			headers[s.Header] = true
		}
		if s.Source != "" {
			sources[s.Source] = true
		}
		if s.NameSpace != "" {
			spaces[s.NameSpace] = true
		}
	}
	c.dump.Headers = sortedKeys(headers)
	c.dump.Sources = sortedKeys(sources)
	c.dump.NameSpaces = sortedKeys(spaces)
}
