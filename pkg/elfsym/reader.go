// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package elfsym parses the textual ELF symbol dump: the dynamic symbol
// table, the dynamic segment (NEEDED/SONAME) and the ELF header. It
// classifies exported, undefined and versioned symbols for the reducer.
package elfsym

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Symbol is one accepted row of a symbol table.
type Symbol struct {
	Value uint64
	Size  int64
	Type  string
	Bind  string
	Vis   string
	Ndx   string
	Name  string
}

// Table is the classified symbol view of one object.
type Table struct {
	// Exports maps exported names to sizes; data objects carry negative
	// sizes to distinguish them from functions.
	Exports map[string]int64
	// Undefined holds the undefined-import set.
	Undefined map[string]int64
	// Aliases maps base names to their versioned aliases, preferring the
	// default ("@@") version over a compatibility ("@") one.
	Aliases map[string]string

	Needed []string
	SOName string
}

// Options controls table acceptance.
type Options struct {
	// KernelModule honors static symbol tables, which are skipped for
	// shared objects.
	KernelModule bool
}

func acceptedBind(b string) bool { return b == "GLOBAL" || b == "WEAK" }

func acceptedType(t, ndx string) bool {
	switch t {
	case "FUNC", "IFUNC", "GNU_IFUNC", "OBJECT", "COMMON":
		return true
	}
	return ndx == "UNDEF"
}

func acceptedVis(v string) bool { return v == "DEFAULT" || v == "PROTECTED" }

func isObjectKind(t string) bool { return t == "OBJECT" || t == "COMMON" }

// versionPseudo recognizes the version definition pseudo-symbols the linker
// plants in the dynamic table.
func versionPseudo(s Symbol) bool {
	return s.Type == "OBJECT" && s.Value == 0 && s.Ndx == "ABS"
}

// Parse consumes the symbol dump. The stream interleaves the dynamic
// segment and one or more symbol tables; static tables contribute only for
// kernel modules.
func Parse(r io.Reader, opts Options) (*Table, error) {
	t := &Table{
		Exports:   make(map[string]int64),
		Undefined: make(map[string]int64),
		Aliases:   make(map[string]string),
	}

	// Exported names in encounter order, grouped by value afterwards.
	var exported []Symbol

	inDynamic := false
	tableActive := false
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "Dynamic segment"):
			inDynamic = true
			continue
		case strings.HasPrefix(line, "Symbol table"):
			inDynamic = false
			// Static tables count only for kernel-module debug files.
			tableActive = strings.Contains(line, ".dynsym") ||
				(opts.KernelModule && strings.Contains(line, ".symtab"))
			continue
		case strings.TrimSpace(line) == "":
			inDynamic = false
			continue
		}
		if inDynamic {
			parseDynamicRow(t, line)
			continue
		}
		if !tableActive {
			continue
		}
		sym, ok := parseSymbolRow(line)
		if !ok || sym.Name == "" {
			continue
		}
		if !acceptedBind(sym.Bind) || !acceptedType(sym.Type, sym.Ndx) ||
			!acceptedVis(sym.Vis) || versionPseudo(sym) {
			continue
		}
		if sym.Ndx == "UNDEF" {
			t.Undefined[sym.Name] = 0
			continue
		}
		size := sym.Size
		if isObjectKind(sym.Type) {
			size = -size
		}
		if _, dup := t.Exports[sym.Name]; !dup {
			exported = append(exported, sym)
		}
		t.Exports[sym.Name] = size
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read symbol dump: %w", err)
	}

	deriveAliases(t, exported)
	return t, nil
}

func parseDynamicRow(t *Table, line string) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return
	}
	switch fields[0] {
	case "NEEDED":
		if lib, ok := bracketed(line); ok {
			t.Needed = append(t.Needed, lib)
		}
	case "SONAME":
		if name, ok := bracketed(line); ok {
			t.SOName = name
		}
	}
}

func bracketed(line string) (string, bool) {
	i := strings.IndexByte(line, '[')
	j := strings.LastIndexByte(line, ']')
	if i < 0 || j <= i {
		return "", false
	}
	return line[i+1 : j], true
}

// parseSymbolRow parses "Num: Value Size Type Bind Vis Ndx Name".
func parseSymbolRow(line string) (Symbol, bool) {
	fields := strings.Fields(line)
	if len(fields) < 7 || !strings.HasSuffix(fields[0], ":") {
		return Symbol{}, false
	}
	value, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return Symbol{}, false
	}
	size, err := strconv.ParseInt(fields[2], 0, 64)
	if err != nil {
		return Symbol{}, false
	}
	s := Symbol{
		Value: value,
		Size:  size,
		Type:  fields[3],
		Bind:  fields[4],
		Vis:   fields[5],
		Ndx:   fields[6],
	}
	if len(fields) >= 8 {
		s.Name = fields[7]
	}
	return s, true
}

// deriveAliases builds the base-name to versioned-name map. A plain name
// sharing a value with a "@@" default-versioned export aliases to it;
// versioned exports with no plain twin synthesize their base by stripping
// the version, preferring "@@" over "@". The map stays one-to-one on the
// base side with first-encountered order breaking ties.
func deriveAliases(t *Table, exported []Symbol) {
	byValue := make(map[uint64][]Symbol)
	for _, s := range exported {
		byValue[s.Value] = append(byValue[s.Value], s)
	}

	matched := make(map[string]bool)
	for _, s := range exported {
		if strings.Contains(s.Name, "@") {
			continue
		}
		for _, twin := range byValue[s.Value] {
			if strings.Contains(twin.Name, "@@") {
				if _, taken := t.Aliases[s.Name]; !taken {
					t.Aliases[s.Name] = twin.Name
				}
				matched[twin.Name] = true
				break
			}
		}
	}

	for _, s := range exported {
		base, def, ok := splitVersion(s.Name)
		if !ok || matched[s.Name] {
			continue
		}
		if hasPlainTwin(byValue[s.Value], base) {
			continue
		}
		prev, taken := t.Aliases[base]
		switch {
		case !taken:
			t.Aliases[base] = s.Name
		case def && !strings.Contains(prev, "@@"):
			// A default version displaces a compatibility one.
			t.Aliases[base] = s.Name
		}
	}
}

func splitVersion(name string) (base string, def bool, ok bool) {
	i := strings.IndexByte(name, '@')
	if i < 0 {
		return "", false, false
	}
	return name[:i], strings.HasPrefix(name[i:], "@@"), true
}

func hasPlainTwin(group []Symbol, base string) bool {
	for _, s := range group {
		if s.Name == base {
			return true
		}
	}
	return false
}

// Header is the parsed ELF file header.
type Header struct {
	Arch     string
	WordSize int
}

var machineNames = map[string]string{
	"AMD x86-64":  "x86_64",
	"AMD X86-64":  "x86_64",
	"Intel 80386": "x86",
	"AArch64":     "aarch64",
	"ARM":         "arm",
	"PowerPC64":   "ppc64",
	"PowerPC":     "ppc",
	"RISC-V":      "riscv",
	"IBM S/390":   "s390",
}

// ParseHeader extracts architecture and word size from the ELF header dump.
func ParseHeader(r io.Reader) (Header, error) {
	var h Header
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if rest, ok := strings.CutPrefix(line, "Class:"); ok {
			switch strings.TrimSpace(rest) {
			case "ELF64":
				h.WordSize = 8
			case "ELF32":
				h.WordSize = 4
			}
		}
		if rest, ok := strings.CutPrefix(line, "Machine:"); ok {
			machine := strings.TrimSpace(rest)
			if name, ok := machineNames[machine]; ok {
				h.Arch = name
			} else {
				h.Arch = strings.ToLower(strings.ReplaceAll(machine, " ", "_"))
			}
		}
	}
	if err := sc.Err(); err != nil {
		return Header{}, fmt.Errorf("failed to read ELF header dump: %w", err)
	}
	if h.WordSize == 0 {
		return Header{}, fmt.Errorf("no ELF class in header dump")
	}
	return h, nil
}
