// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package abi

import (
	"cmp"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
)

// DumpVersion is the ABI dump format version.
const DumpVersion = "3.0"

var json = jsoniter.Config{IndentionStep: 2, EscapeHTML: false, SortMapKeys: true}.Froze()

// Emitter serializes a frozen Dump. Emission is canonical regardless of
// input order: numeric keys sort numerically, string keys lexicographically,
// so identical inputs yield byte-identical output across runs. Sort is
// accepted for interface stability; canonical ordering does not depend on
// it.
type Emitter struct {
	Fs   afero.Fs
	Sort bool
	// DumperVersion is stamped into the output.
	DumperVersion string
}

// NewEmitter returns an Emitter writing through the OS filesystem.
func NewEmitter(version string, sort bool) *Emitter {
	return &Emitter{Fs: afero.NewOsFs(), Sort: sort, DumperVersion: version}
}

// WriteFile emits the dump atomically: the output appears complete or not
// at all.
func (e *Emitter) WriteFile(d *Dump, path string) (err error) {
	dir := filepath.Dir(path)
	tmp, err := afero.TempFile(e.Fs, dir, ".abidump-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary output: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			e.Fs.Remove(tmpName)
		}
	}()
	if err = e.Write(d, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary output: %w", err)
	}
	if err = e.Fs.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}

// Write emits the dump to a writer.
func (e *Emitter) Write(d *Dump, w io.Writer) error {
	stream := json.BorrowStream(w)
	defer json.ReturnStream(stream)
	e.encode(d, stream)
	stream.WriteRaw("\n")
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("failed to write dump: %w", err)
	}
	if stream.Error != nil {
		return fmt.Errorf("failed to encode dump: %w", stream.Error)
	}
	return nil
}

// fields tracks comma placement inside one object.
type fields struct {
	s *jsoniter.Stream
	n int
}

func (f *fields) name(name string) *jsoniter.Stream {
	if f.n > 0 {
		f.s.WriteMore()
	}
	f.n++
	f.s.WriteObjectField(name)
	return f.s
}

func (e *Emitter) encode(d *Dump, s *jsoniter.Stream) {
	s.WriteObjectStart()
	top := fields{s: s}

	top.name("TypeInfo")
	s.WriteObjectStart()
	ti := fields{s: s}
	for _, id := range sortedNumeric(d.TypeInfo) {
		writeType(ti.name(strconv.FormatInt(int64(id), 10)), d.TypeInfo[id])
	}
	s.WriteObjectEnd()

	top.name("SymbolInfo")
	s.WriteObjectStart()
	si := fields{s: s}
	for _, id := range sortedNumeric(d.SymbolInfo) {
		writeSymbol(si.name(strconv.FormatInt(int64(id), 10)), d.SymbolInfo[id])
	}
	s.WriteObjectEnd()

	top.name("Symbols")
	s.WriteVal(d.Symbols)
	top.name("UndefinedSymbols")
	s.WriteVal(d.UndefinedSymbols)
	top.name("Needed")
	writeStringList(s, d.Needed)
	top.name("SymbolVersion")
	s.WriteVal(d.SymbolVersion)

	top.name("LibraryVersion")
	s.WriteString(d.LibraryVersion)
	top.name("LibraryName")
	s.WriteString(d.LibraryName)
	top.name("Language")
	s.WriteString(d.Language)

	top.name("Headers")
	writeStringList(s, d.Headers)
	top.name("Sources")
	writeStringList(s, d.Sources)
	top.name("NameSpaces")
	writeStringList(s, d.NameSpaces)

	top.name("Target")
	s.WriteString("unix")
	top.name("Arch")
	s.WriteString(d.Arch)
	top.name("WordSize")
	s.WriteInt(d.WordSize)

	top.name("ABI_DUMP_VERSION")
	s.WriteString(DumpVersion)
	top.name("ABI_DUMPER_VERSION")
	s.WriteString(e.DumperVersion)

	if d.GccVersion != "" {
		top.name("GccVersion")
		s.WriteString(d.GccVersion)
	} else {
		top.name("Compiler")
		s.WriteString(d.Compiler)
	}
	s.WriteObjectEnd()
}

func writeType(s *jsoniter.Stream, t *Type) {
	s.WriteObjectStart()
	f := fields{s: s}
	f.name("Name")
	s.WriteString(t.Name)
	f.name("Type")
	s.WriteString(string(t.Kind))
	if t.Size != 0 {
		f.name("Size")
		s.WriteInt64(t.Size)
	}
	if t.Header != "" {
		f.name("Header")
		s.WriteString(t.Header)
	}
	if t.Source != "" {
		f.name("Source")
		s.WriteString(t.Source)
	}
	if t.Line != 0 {
		f.name("Line")
		s.WriteInt(t.Line)
	}
	if t.NameSpace != "" {
		f.name("NameSpace")
		s.WriteString(t.NameSpace)
	}
	if t.BaseType != 0 {
		f.name("BaseType")
		s.WriteInt64(int64(t.BaseType))
	}
	if t.Class != 0 {
		f.name("Class")
		s.WriteInt64(int64(t.Class))
	}
	if t.Return != 0 {
		f.name("Return")
		s.WriteInt64(int64(t.Return))
	}
	if len(t.Members) > 0 {
		f.name("Memb")
		s.WriteObjectStart()
		mf := fields{s: s}
		for i, m := range t.Members {
			writeMember(mf.name(strconv.Itoa(i)), m)
		}
		s.WriteObjectEnd()
	}
	if len(t.Bases) > 0 {
		f.name("Base")
		s.WriteObjectStart()
		bf := fields{s: s}
		bases := slices.Clone(t.Bases)
		slices.SortStableFunc(bases, func(a, b Base) int { return cmp.Compare(a.Type, b.Type) })
		for _, b := range bases {
			writeBase(bf.name(strconv.FormatInt(int64(b.Type), 10)), b)
		}
		s.WriteObjectEnd()
	}
	if len(t.VTable) > 0 {
		f.name("VTable")
		s.WriteObjectStart()
		vf := fields{s: s}
		for _, slot := range sortedNumeric(t.VTable) {
			vf.name(strconv.Itoa(slot))
			s.WriteString(t.VTable[slot])
		}
		s.WriteObjectEnd()
	}
	if len(t.TParams) > 0 {
		f.name("TParam")
		writeStringList(s, t.TParams)
	}
	if len(t.Params) > 0 {
		f.name("Param")
		s.WriteArrayStart()
		for i, p := range t.Params {
			if i > 0 {
				s.WriteMore()
			}
			s.WriteInt64(int64(p))
		}
		s.WriteArrayEnd()
	}
	if t.Copied {
		f.name("Copied")
		s.WriteInt(1)
	}
	s.WriteObjectEnd()
}

func writeMember(s *jsoniter.Stream, m Member) {
	s.WriteObjectStart()
	f := fields{s: s}
	f.name("name")
	s.WriteString(m.Name)
	if m.Type != 0 {
		f.name("type")
		s.WriteInt64(int64(m.Type))
	}
	if m.Offset != 0 {
		f.name("offset")
		s.WriteInt64(m.Offset)
	}
	if m.BitSize != 0 {
		f.name("bitfield")
		s.WriteInt64(m.BitSize)
	}
	if m.Access != "" {
		f.name("access")
		s.WriteString(m.Access)
	}
	if m.Value != "" {
		f.name("value")
		s.WriteString(m.Value)
	}
	s.WriteObjectEnd()
}

func writeBase(s *jsoniter.Stream, b Base) {
	s.WriteObjectStart()
	f := fields{s: s}
	f.name("pos")
	s.WriteInt(b.Pos)
	if b.Access != "" {
		f.name("access")
		s.WriteString(b.Access)
	}
	if b.Virtual {
		f.name("virtual")
		s.WriteInt(1)
	}
	s.WriteObjectEnd()
}

func writeSymbol(s *jsoniter.Stream, sym *Symbol) {
	s.WriteObjectStart()
	f := fields{s: s}
	f.name("ShortName")
	s.WriteString(sym.ShortName)
	if sym.MnglName != "" {
		f.name("MnglName")
		s.WriteString(sym.MnglName)
	}
	if sym.Alias != "" {
		f.name("Alias")
		s.WriteString(sym.Alias)
	}
	writeFlag(&f, "Constructor", sym.Constructor)
	writeFlag(&f, "Destructor", sym.Destructor)
	writeFlag(&f, "Virt", sym.Virt)
	writeFlag(&f, "PureVirt", sym.PureVirt)
	writeFlag(&f, "InLine", sym.InLine)
	writeFlag(&f, "Artificial", sym.Artificial)
	writeFlag(&f, "Static", sym.Static)
	writeFlag(&f, "Data", sym.Data)
	writeFlag(&f, "Const", sym.Const)
	writeFlag(&f, "Volatile", sym.Volatile)
	if sym.Class != 0 {
		f.name("Class")
		s.WriteInt64(int64(sym.Class))
	}
	if sym.NameSpace != "" {
		f.name("NameSpace")
		s.WriteString(sym.NameSpace)
	}
	if sym.Return != 0 {
		f.name("Return")
		s.WriteInt64(int64(sym.Return))
	}
	if len(sym.Params) > 0 {
		f.name("Param")
		s.WriteObjectStart()
		pf := fields{s: s}
		for i, p := range sym.Params {
			writeParam(pf.name(strconv.Itoa(i)), p)
		}
		s.WriteObjectEnd()
	}
	if sym.HasVirtPos {
		f.name("VirtPos")
		s.WriteInt64(sym.VirtPos)
	}
	if sym.Header != "" {
		f.name("Header")
		s.WriteString(sym.Header)
	}
	if sym.Source != "" {
		f.name("Source")
		s.WriteString(sym.Source)
	}
	if sym.Line != 0 {
		f.name("Line")
		s.WriteInt(sym.Line)
	}
	s.WriteObjectEnd()
}

func writeParam(s *jsoniter.Stream, p Param) {
	s.WriteObjectStart()
	f := fields{s: s}
	f.name("name")
	s.WriteString(p.Name)
	if p.Type != 0 {
		f.name("type")
		s.WriteInt64(int64(p.Type))
	}
	if p.HasOffset {
		f.name("offset")
		s.WriteInt64(p.Offset)
	}
	if p.Reg != "" {
		f.name("reg")
		s.WriteString(p.Reg)
	}
	s.WriteObjectEnd()
}

func writeFlag(f *fields, name string, v bool) {
	if v {
		f.name(name)
		f.s.WriteInt(1)
	}
}

func writeStringList(s *jsoniter.Stream, list []string) {
	s.WriteArrayStart()
	for i, v := range list {
		if i > 0 {
			s.WriteMore()
		}
		s.WriteString(v)
	}
	s.WriteArrayEnd()
}

// sortedNumeric returns the keys of an integer-keyed map in numeric order.
func sortedNumeric[K ~int | ~int64, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
