// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package abigen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/abi-dumper/pkg/abi"
	"github.com/DataDog/abi-dumper/pkg/dwarfdump"
	"github.com/DataDog/abi-dumper/pkg/elfsym"
	"github.com/DataDog/abi-dumper/pkg/vtable"
)

func generate(t *testing.T, dwarf, syms, vts string, opts Options) *abi.Dump {
	t.Helper()
	store, err := dwarfdump.Parse(strings.NewReader(dwarf))
	require.NoError(t, err)
	tbl, err := elfsym.Parse(strings.NewReader(syms), elfsym.Options{})
	require.NoError(t, err)
	dump, err := Generate(Input{
		Store:  store,
		Syms:   tbl,
		VTs:    vtable.Parse(vts),
		Header: elfsym.Header{Arch: "x86_64", WordSize: 8},
	}, opts)
	require.NoError(t, err)
	return dump
}

func findType(d *abi.Dump, name string) *abi.Type {
	for _, t := range d.TypeInfo {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func findSymbol(d *abi.Dump, name string) *abi.Symbol {
	for _, s := range d.SymbolInfo {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func symRows(rows ...string) string {
	out := `Symbol table [ 5] '.dynsym' contains entries:
  Num:            Value   Size Type    Bind   Vis          Ndx Name
`
	return out + strings.Join(rows, "\n") + "\n"
}

const inlineMethodDwarf = ` [     b]  compile_unit
           producer             (strp) "GNU C++14 9.4.0 -fPIC"
           language             (data1) C_plus_plus (4)
           name                 (strp) "lib.cpp"
 [    2d]    class_type           abbrev: 2
             name                 (strp) "C"
             byte_size            (data1) 1
 [    3a]      subprogram           abbrev: 3
               external             (flag_present) yes
               name                 (strp) "f"
               linkage_name         (strp) "_ZN1C1fEv"
               declaration          (flag_present) yes
               object_pointer       (ref4) [    52]
 [    52]        formal_parameter     abbrev: 4
                 type                 (ref4) [    7c]
                 artificial           (flag_present) yes
 [    7c]    pointer_type         abbrev: 6
             byte_size            (data1) 8
             type                 (ref4) [    2d]
 [    82]    subprogram           abbrev: 7
             specification        (ref4) [    3a]
             low_pc               (addr) 0x0000000000001135 <_ZN1C1fEv>
 [    9b]      formal_parameter     abbrev: 8
               type                 (ref4) [    7c]
               artificial           (flag_present) yes
`

func TestGenerateClassMethod(t *testing.T) {
	syms := symRows(
		"    1: 0000000000001135     22 FUNC    GLOBAL DEFAULT       12 _ZN1C1fEv",
	)
	d := generate(t, inlineMethodDwarf, syms, "", Options{})

	s := findSymbol(d, "_ZN1C1fEv")
	require.NotNil(t, s)
	assert.Equal(t, "f", s.ShortName)
	assert.Equal(t, "_ZN1C1fEv", s.MnglName)
	assert.False(t, s.Static, "dropping the this pointer marks the method non-static")
	assert.Equal(t, abi.TypeVoid, s.Return)

	cls := findType(d, "C")
	require.NotNil(t, cls)
	assert.Equal(t, abi.KindClass, cls.Kind)
	assert.Equal(t, cls.ID, s.Class)

	// The declaration and the out-of-line definition collapse into one
	// record.
	count := 0
	for _, sym := range d.SymbolInfo {
		if sym.Name() == "_ZN1C1fEv" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

const virtualDtorDwarf = ` [     b]  compile_unit
           producer             (strp) "GNU C++14 9.4.0"
           language             (data1) C_plus_plus (4)
           name                 (strp) "v.cpp"
 [    20]    class_type           abbrev: 2
             name                 (strp) "V"
             byte_size            (data1) 8
 [    2a]      subprogram           abbrev: 3
               external             (flag_present) yes
               name                 (strp) "~V"
               virtuality           (data1) virtual (1)
               vtable_elem_location (exprloc) [ 0] 2
               declaration          (flag_present) yes
 [    50]    subprogram           abbrev: 5
             specification        (ref4) [    2a]
             inline               (data1) declared_inlined (3)
 [    60]    subprogram           abbrev: 6
             abstract_origin      (ref4) [    50]
             low_pc               (addr) 0x0000000000001200 <_ZN1VD1Ev>
`

const virtualDtorVTables = `Vtable for V
_ZTV1V: 5 entries
0     (int (*)(...))0
8     (int (*)(...))(& _ZTI1V)
16    (int (*)(...))V::~V
24    (int (*)(...))V::~V
`

func TestGenerateVirtualDestructor(t *testing.T) {
	syms := symRows(
		"    1: 0000000000001200     30 FUNC    GLOBAL DEFAULT       12 _ZN1VD1Ev",
	)
	d := generate(t, virtualDtorDwarf, syms, virtualDtorVTables, Options{})

	s := findSymbol(d, "_ZN1VD1Ev")
	require.NotNil(t, s)
	assert.True(t, s.Destructor)
	assert.True(t, s.Virt)
	assert.Equal(t, "~V", s.ShortName)
	assert.Equal(t, int64(2), s.VirtPos)

	cls := findType(d, "V")
	require.NotNil(t, cls)
	assert.Equal(t, cls.ID, s.Class)
	require.NotNil(t, cls.VTable)
	assert.Equal(t, "(int (*)(...))V::~V", cls.VTable[16])
	assert.NotContains(t, cls.VTable, 0)
}

const vectorDwarf = ` [     b]  compile_unit
           producer             (strp) "GNU C++14 9.4.0"
           language             (data1) C_plus_plus (4)
           name                 (strp) "g.cpp"
 [    15]    namespace            abbrev: 2
             name                 (strp) "std"
 [    20]      class_type           abbrev: 3
               name                 (strp) "vector<int, std::allocator<int> >"
               byte_size            (data1) 24
 [    60]      class_type           abbrev: 3
               name                 (strp) "allocator<int>"
               byte_size            (data1) 1
 [    90]    base_type            abbrev: 4
             byte_size            (data1) 4
             encoding             (data1) signed (5)
             name                 (strp) "int"
 [    a0]    variable             abbrev: 5
             name                 (strp) "g"
             type                 (ref4) [    20]
             external             (flag_present) yes
             location             (exprloc) [ 0] addr 0x4028 <g>
`

func TestGenerateTemplateInstantiation(t *testing.T) {
	syms := symRows(
		"    1: 0000000000004028     24 OBJECT  GLOBAL DEFAULT       23 g",
	)
	d := generate(t, vectorDwarf, syms, "", Options{})

	vec := findType(d, "std::vector<int>")
	require.NotNil(t, vec, "default allocator argument is elided")
	assert.Nil(t, findType(d, "std::vector<int, std::allocator<int> >"))
	assert.Equal(t, "std", vec.NameSpace)
	assert.Equal(t, []string{"int"}, vec.TParams)

	s := findSymbol(d, "g")
	require.NotNil(t, s)
	assert.True(t, s.Data)
	assert.Equal(t, vec.ID, s.Return)

	require.NotNil(t, findType(d, "int"), "template arguments are retained")
}

const anonTypedefDwarf = ` [     b]  compile_unit
           producer             (strp) "GNU C17 9.4.0"
           language             (data1) C99 (12)
           name                 (strp) "s.c"
           stmt_list            (sec_offset) 0
 [    20]    structure_type       abbrev: 2
             byte_size            (data1) 4
             decl_file            (data1) 1
             decl_line            (data1) 3
 [    30]      member               abbrev: 3
               name                 (strp) "x"
               type                 (ref4) [    40]
               data_member_location (data1) 0
 [    40]    base_type            abbrev: 4
             byte_size            (data1) 4
             encoding             (data1) signed (5)
             name                 (strp) "int"
 [    50]    typedef              abbrev: 5
             name                 (strp) "S"
             type                 (ref4) [    20]
 [    60]    variable             abbrev: 6
             name                 (strp) "s"
             type                 (ref4) [    50]
             external             (flag_present) yes
             location             (exprloc) [ 0] addr 0x4040 <s>

DWARF section [28] '.debug_line' at offset 0x400:

 Table at offset 0:

 Directory table:

 File name table:
  Entry Dir Time Size Name
  1     0   0    0    s.c
`

func TestGenerateAnonymousStructTypedef(t *testing.T) {
	syms := symRows(
		"    1: 0000000000004040      4 OBJECT  GLOBAL DEFAULT       23 s",
	)
	d := generate(t, anonTypedefDwarf, syms, "", Options{})

	td := findType(d, "struct S")
	require.NotNil(t, td)
	assert.Equal(t, abi.KindTypedef, td.Kind)
	require.Len(t, td.Members, 1)
	assert.Equal(t, "x", td.Members[0].Name)
	assert.Equal(t, int64(4), td.Size)

	for _, typ := range d.TypeInfo {
		assert.NotContains(t, typ.Name, "anon-", "the anonymous base is removed")
	}
}

const methodPtrDwarf = ` [     b]  compile_unit
           producer             (strp) "GNU C++14 9.4.0"
           language             (data1) C_plus_plus (4)
           name                 (strp) "m.cpp"
 [    20]    class_type           abbrev: 2
             name                 (strp) "C"
             byte_size            (data1) 1
 [    40]    base_type            abbrev: 3
             byte_size            (data1) 4
             encoding             (data1) signed (5)
             name                 (strp) "int"
 [    48]    base_type            abbrev: 3
             byte_size            (data1) 8
             encoding             (data1) float (4)
             name                 (strp) "double"
 [    50]    structure_type       abbrev: 4
             byte_size            (data1) 16
             sibling              (ref4) [    90]
 [    60]      member               abbrev: 5
               name                 (strp) "__pfn"
               type                 (ref4) [    c0]
               data_member_location (data1) 0
 [    68]      member               abbrev: 5
               name                 (strp) "__delta"
               type                 (ref4) [    40]
               data_member_location (data1) 8
 [    90]    subroutine_type      abbrev: 6
             type                 (ref4) [    40]
 [    98]      formal_parameter     abbrev: 7
               type                 (ref4) [    c0]
               artificial           (flag_present) yes
 [    a0]      formal_parameter     abbrev: 8
               type                 (ref4) [    48]
 [    c0]    pointer_type         abbrev: 9
             byte_size            (data1) 8
             type                 (ref4) [    20]
 [    d0]    variable             abbrev: 10
             name                 (strp) "p"
             type                 (ref4) [    50]
             external             (flag_present) yes
             location             (exprloc) [ 0] addr 0x4048 <p>
`

func TestGenerateMethodPointer(t *testing.T) {
	syms := symRows(
		"    1: 0000000000004048     16 OBJECT  GLOBAL DEFAULT       23 p",
	)
	d := generate(t, methodPtrDwarf, syms, "", Options{})

	mp := findType(d, "int(C::*)(double)")
	require.NotNil(t, mp)
	assert.Equal(t, abi.KindMethodPtr, mp.Kind)

	cls := findType(d, "C")
	require.NotNil(t, cls)
	assert.Equal(t, cls.ID, mp.Class)

	intT := findType(d, "int")
	require.NotNil(t, intT)
	assert.Equal(t, intT.ID, mp.Return)

	dbl := findType(d, "double")
	require.NotNil(t, dbl)
	require.Len(t, mp.Params, 1, "the implicit this parameter is dropped")
	assert.Equal(t, dbl.ID, mp.Params[0])
}

const pureVirtDwarf = ` [     b]  compile_unit
           producer             (strp) "GNU C++14 9.4.0"
           language             (data1) C_plus_plus (4)
           name                 (strp) "w.cpp"
           stmt_list            (sec_offset) 0
 [    20]    class_type           abbrev: 2
             name                 (strp) "W"
             byte_size            (data1) 8
             decl_file            (data1) 1
             decl_line            (data1) 1
 [    2a]      subprogram           abbrev: 3
               external             (flag_present) yes
               name                 (strp) "f"
               linkage_name         (strp) "_ZN1W1fEv"
               virtuality           (data1) pure_virtual (2)
               vtable_elem_location (exprloc) [ 0] 0
               decl_file            (data1) 1
               decl_line            (data1) 2
               declaration          (flag_present) yes
 [    60]    subprogram           abbrev: 4
             specification        (ref4) [    2a]
             low_pc               (addr) 0x0000000000001300 <_ZN1W1fEv>

DWARF section [28] '.debug_line' at offset 0x400:

 Table at offset 0:

 Directory table:

 File name table:
  Entry Dir Time Size Name
  1     0   0    0    w.hpp
`

func TestGeneratePureVirtDemotion(t *testing.T) {
	syms := symRows(
		"    1: 0000000000001300     10 FUNC    GLOBAL DEFAULT       12 _ZN1W1fEv",
	)
	d := generate(t, pureVirtDwarf, syms, "", Options{})

	s := findSymbol(d, "_ZN1W1fEv")
	require.NotNil(t, s)
	assert.True(t, s.Virt, "an out-of-line definition implies virtual")
	assert.False(t, s.PureVirt, "and clears pure")
}

func TestGenerateInvariants(t *testing.T) {
	syms := symRows(
		"    1: 0000000000001135     22 FUNC    GLOBAL DEFAULT       12 _ZN1C1fEv",
	)
	d := generate(t, inlineMethodDwarf, syms, "", Options{})

	require.Contains(t, d.TypeInfo, abi.TypeVoid)
	require.Contains(t, d.TypeInfo, abi.TypeEllipsis)

	// No two retained types share a canonical name within a kind family.
	seen := make(map[string]abi.TypeID)
	for id, typ := range d.TypeInfo {
		key := typ.Kind.NameFamily() + "\x00" + typ.Name
		if prev, dup := seen[key]; dup {
			t.Fatalf("types %d and %d share name %q", prev, id, typ.Name)
		}
		seen[key] = id
	}

	// Every reference resolves inside the output.
	for _, typ := range d.TypeInfo {
		for _, ref := range []abi.TypeID{typ.BaseType, typ.Return, typ.Class} {
			if ref != 0 {
				assert.Contains(t, d.TypeInfo, ref)
			}
		}
		for _, m := range typ.Members {
			if m.Type != 0 {
				assert.Contains(t, d.TypeInfo, m.Type)
			}
		}
	}
	for _, s := range d.SymbolInfo {
		for _, ref := range []abi.TypeID{s.Return, s.Class} {
			if ref != 0 {
				assert.Contains(t, d.TypeInfo, ref)
			}
		}
	}
}

func TestGenerateMetadata(t *testing.T) {
	syms := symRows(
		"    1: 0000000000001135     22 FUNC    GLOBAL DEFAULT       12 _ZN1C1fEv",
	)
	d := generate(t, inlineMethodDwarf, syms, "", Options{LibVersion: "2.1"})
	assert.Equal(t, "C++", d.Language)
	assert.Equal(t, "9.4.0", d.GccVersion)
	assert.Empty(t, d.Compiler)
	assert.Equal(t, "2.1", d.LibraryVersion)
	assert.Equal(t, "x86_64", d.Arch)
	assert.Equal(t, 8, d.WordSize)
}
