// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package abigen

import (
	"regexp"
	"strings"

	"github.com/DataDog/datadog-agent/pkg/util/log"

	"github.com/DataDog/abi-dumper/pkg/abi"
	"github.com/DataDog/abi-dumper/pkg/dwarfdump"
)

var embeddedNameRE = regexp.MustCompile(`<([^<> ]+)>`)

// skipCxxPrefixes are the libstdc++/__gnu_cxx mangling families dropped
// under --skip-cxx.
var skipCxxPrefixes = []string{
	"_ZS", "_ZNS", "_ZNKS", "_ZN9__gnu_cxx", "_ZNK9__gnu_cxx", "_ZTIS", "_ZTSS",
}

// resolveSymbols materializes a symbol record for every subprogram and
// variable DIE that survives the inclusion policy.
func (c *Context) resolveSymbols() {
	for _, off := range c.store.All() {
		d, _ := c.store.Get(off)
		if d.Tag == dwarfdump.TagSubprogram || d.Tag == dwarfdump.TagVariable {
			c.resolveSymbol(d)
		}
	}
}

func (c *Context) resolveSymbol(d *dwarfdump.DIE) {
	// DIEs under a lexical block or another subprogram are locals.
	if p, ok := c.store.Parent(d); ok {
		if p.Tag == dwarfdump.TagLexicalBlock || p.Tag == dwarfdump.TagSubprogram {
			return
		}
	}

	decl := c.declarationOf(d)

	mangled, short, ok := c.symbolNames(d, decl)
	if !ok {
		return
	}
	if c.opts.SkipCxx && hasSkipCxxPrefix(mangled) {
		return
	}

	s := &abi.Symbol{ShortName: short}

	s.Constructor = strings.Contains(mangled, "C1E") || strings.Contains(mangled, "C2E")
	s.Destructor = strings.Contains(mangled, "D0E") ||
		strings.Contains(mangled, "D1E") || strings.Contains(mangled, "D2E")
	// Constructor copies point at their template through abstract_origin;
	// the origin's specification carries everything the definition lacks.
	if s.Constructor || s.Destructor {
		if origin := c.originDeclaration(d); origin != nil {
			decl = origin
			if n := decl.Name(); n != "" {
				s.ShortName = n
			}
		}
	}
	if mangled != s.ShortName {
		s.MnglName = mangled
	}

	switch {
	case strings.HasPrefix(mangled, "_ZNVK"), strings.HasPrefix(mangled, "_ZNKV"):
		s.Const, s.Volatile = true, true
	case strings.HasPrefix(mangled, "_ZNK"):
		s.Const = true
	case strings.HasPrefix(mangled, "_ZNV"):
		s.Volatile = true
	}

	s.External = d.Flag("external") || decl.Flag("external")
	s.Artificial = d.Flag("artificial")
	if v, ok := decl.Str("inline"); ok && strings.Contains(v, "inlined") {
		s.InLine = true
	}

	switch v, _ := decl.Str("virtuality"); v {
	case "virtual":
		s.Virt = true
	case "pure_virtual":
		s.PureVirt = true
	}
	if slot := c.store.Location(decl, "vtable_elem_location"); slot.Kind == dwarfdump.LocOffset {
		s.VirtPos = slot.Offset
		s.HasVirtPos = true
	}

	if p, ok := c.store.Parent(decl); ok && p.Tag.IsAggregate() {
		if clsID := c.resolveType(p.Offset); clsID != 0 {
			s.Class = clsID
			if s.Constructor {
				// An explicit constructor proves the class is not
				// trivially copyable.
				if cls, ok := c.dump.TypeInfo[clsID]; ok {
					cls.Copied = false
				}
			}
		}
	}
	s.NameSpace = c.scopeOf(decl)

	if ret, ok := subprogramReturn(d, decl); ok {
		if retOff, ok2 := ret.Ref("type"); ok2 {
			s.Return = orVoid(c.resolveType(retOff))
		} else if d.Tag == dwarfdump.TagSubprogram {
			s.Return = abi.TypeVoid
		}
	}

	if d.Tag == dwarfdump.TagVariable {
		s.Data = true
	} else {
		c.populateSymbolParams(s, d)
	}

	c.attachSymbolSite(s, decl, d)
	if alias, ok := c.syms.Aliases[mangled]; ok {
		s.Alias = alias
	}

	c.admitSymbol(s, d, decl)
}

// declarationOf follows the specification edge to the declaration half.
func (c *Context) declarationOf(d *dwarfdump.DIE) *dwarfdump.DIE {
	if off, ok := d.Ref("specification"); ok {
		if decl, ok := c.store.Get(off); ok {
			return decl
		}
	}
	return d
}

// originDeclaration resolves the abstract origin's specification, used by
// out-of-line constructor and destructor copies.
func (c *Context) originDeclaration(d *dwarfdump.DIE) *dwarfdump.DIE {
	cur := d
	if off, ok := d.Ref("abstract_origin"); ok {
		if origin, ok := c.store.Get(off); ok {
			cur = origin
		}
	}
	if off, ok := cur.Ref("specification"); ok {
		if decl, ok := c.store.Get(off); ok {
			return decl
		}
	}
	if cur != d {
		return cur
	}
	return nil
}

// symbolNames recovers the mangled and short names. It reports false for
// template-declaration-only DIEs, compiler-generated partitions and
// un-demangleable stubs.
func (c *Context) symbolNames(d, decl *dwarfdump.DIE) (mangled, short string, ok bool) {
	short = d.Name()
	if short == "" {
		short = decl.Name()
	}

	mangled = c.embeddedName(d)
	if mangled == "" {
		for _, die := range []*dwarfdump.DIE{d, decl} {
			for _, attr := range []string{"linkage_name", "MIPS_linkage_name"} {
				if v, ok := die.Str(attr); ok && v != "" {
					mangled = v
					break
				}
			}
			if mangled != "" {
				break
			}
		}
	}
	if mangled == "" {
		if short == "" {
			return "", "", false
		}
		// A name still carrying template brackets with no mangling is a
		// template declaration, not a symbol.
		if strings.ContainsRune(short, '<') {
			return "", "", false
		}
		mangled = short
	}

	if i := strings.IndexByte(mangled, '@'); i >= 0 {
		mangled = mangled[:i]
	}
	if strings.ContainsRune(mangled, '.') {
		return "", "", false
	}
	if hasOperatorPunct(mangled) {
		return "", "", false
	}
	if short == "" {
		short = mangled
	}
	return mangled, short, true
}

// embeddedName mines the "<name>" token the disassembler embeds in low-pc
// and location values.
func (c *Context) embeddedName(d *dwarfdump.DIE) string {
	for _, attr := range []string{"low_pc", "location"} {
		raw, ok := d.Raw(attr)
		if !ok {
			continue
		}
		if m := embeddedNameRE.FindStringSubmatch(raw); m != nil {
			return m[1]
		}
	}
	return ""
}

func hasSkipCxxPrefix(name string) bool {
	for _, p := range skipCxxPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func hasOperatorPunct(name string) bool {
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '_' || c == '$' ||
			c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			continue
		}
		return true
	}
	return false
}

// subprogramReturn picks the DIE whose type attribute carries the return
// type: definitions usually defer to their declaration.
func subprogramReturn(d, decl *dwarfdump.DIE) (*dwarfdump.DIE, bool) {
	if _, ok := d.Ref("type"); ok {
		return d, true
	}
	if _, ok := decl.Ref("type"); ok {
		return decl, true
	}
	// Variables carry their object type the same way.
	if d.Tag == dwarfdump.TagVariable || d.Tag == dwarfdump.TagSubprogram {
		return d, true
	}
	return nil, false
}

// populateSymbolParams materializes the parameter list from the definition
// DIE, which carries the locations. Dropping the artificial this pointer
// marks the method non-static.
func (c *Context) populateSymbolParams(s *abi.Symbol, d *dwarfdump.DIE) {
	if s.Class != 0 {
		s.Static = true
	}
	for _, p := range c.store.Params(d) {
		if p.Tag == dwarfdump.TagUnspecifiedParameters {
			s.Params = append(s.Params, abi.Param{Name: "...", Type: abi.TypeEllipsis})
			continue
		}
		if p.Flag("artificial") {
			s.Static = false
			continue
		}
		param := abi.Param{Name: p.Name()}
		if ref, ok := p.Ref("type"); ok {
			param.Type = c.resolveType(ref)
		}
		switch loc := c.store.Location(p, "location"); loc.Kind {
		case dwarfdump.LocOffset:
			param.Offset = loc.Offset
			param.HasOffset = true
		case dwarfdump.LocReg:
			param.Reg = c.regName(uint64(loc.Reg))
		}
		s.Params = append(s.Params, param)
	}
}

func (c *Context) attachSymbolSite(s *abi.Symbol, decl, d *dwarfdump.DIE) {
	for _, die := range []*dwarfdump.DIE{decl, d} {
		idx, ok := die.Int("decl_file")
		if !ok {
			continue
		}
		f, ok := c.store.FileOf(die, idx)
		if !ok {
			continue
		}
		line, _ := die.Int("decl_line")
		if f.Header {
			s.Header = f.Path
		} else {
			s.Source = f.Path
		}
		s.Line = int(line)
		return
	}
}

// admitSymbol applies deduplication and the inclusion policy, assigning the
// record its ID when it is kept.
func (c *Context) admitSymbol(s *abi.Symbol, d, decl *dwarfdump.DIE) {
	key := s.Name()
	bucket := c.selectSymbol(s, d, decl)
	if bucket == 0 {
		return
	}

	if prevID, ok := c.symByMngl[key]; ok {
		prev := c.dump.SymbolInfo[prevID]
		mergeSymbol(prev, s)
		if bucket == 1 {
			delete(c.deferred, prevID)
		}
		return
	}

	s.ID = c.nextSym
	c.nextSym++
	c.dump.SymbolInfo[s.ID] = s
	c.symByMngl[key] = s.ID
	if bucket == 2 {
		c.deferred[s.ID] = true
	}
}

// mergeSymbol folds a later occurrence into the earlier record. A
// pure-virtual declaration followed by an out-of-line definition implies
// the method is virtual but no longer pure.
func mergeSymbol(prev, next *abi.Symbol) {
	if prev.PureVirt {
		prev.PureVirt = false
		prev.Virt = true
	}
	if len(prev.Params) == 0 {
		prev.Params = next.Params
	}
	if prev.Return == 0 {
		prev.Return = next.Return
	}
	if prev.Class == 0 {
		prev.Class = next.Class
	}
	if prev.Header == "" && prev.Source == "" {
		prev.Header, prev.Source, prev.Line = next.Header, next.Source, next.Line
	}
	if prev.Alias == "" {
		prev.Alias = next.Alias
	}
	if !prev.HasVirtPos && next.HasVirtPos {
		prev.VirtPos, prev.HasVirtPos = next.VirtPos, true
	}
}

// selectSymbol is the inclusion policy: 0 drops the symbol, 1 keeps it, 2
// defers the decision to pruning.
func (c *Context) selectSymbol(s *abi.Symbol, d, decl *dwarfdump.DIE) int {
	exported := c.isExported(s)
	_, hasCode := d.Raw("low_pc")

	if !s.Data && hasCode && !s.InLine && !s.PureVirt {
		if exported {
			return 1
		}
		if c.opts.AllSymbols && s.External {
			return 1
		}
		if c.opts.Loud {
			log.Debugf("dropping non-exported function %q", s.Name())
		}
		return 0
	}

	// Data objects, inline functions and pure-virtual declarations.
	if exported {
		return 1
	}
	if c.opts.BinOnly {
		return 0
	}
	if s.Header != "" {
		return 2
	}
	return 0
}

func (c *Context) isExported(s *abi.Symbol) bool {
	name := s.Name()
	if _, ok := c.syms.Exports[name]; ok {
		return true
	}
	if alias, ok := c.syms.Aliases[name]; ok {
		if _, ok := c.syms.Exports[alias]; ok {
			return true
		}
	}
	return false
}
