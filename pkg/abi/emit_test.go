// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package abi

import (
	"bytes"
	encjson "encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDump() *Dump {
	d := NewDump()
	d.TypeInfo[2] = &Type{
		ID: 2, Kind: KindClass, Name: "C", Size: 1,
		Header: "c.hpp", Line: 3,
		Members: []Member{{Name: "x", Type: 3, Offset: 0, Access: "private"}},
	}
	d.TypeInfo[3] = &Type{ID: 3, Kind: KindIntrinsic, Name: "int", Size: 4}
	d.SymbolInfo[1] = &Symbol{
		ID: 1, ShortName: "f", MnglName: "_ZN1C1fEv",
		Class: 2, Return: 1,
		Params: []Param{{Name: "a", Type: 3, Reg: "rdi"}},
	}
	d.Symbols["_ZN1C1fEv"] = 22
	d.Symbols["g"] = -4
	d.UndefinedSymbols["__cxa_finalize"] = 0
	d.SymbolVersion["foo"] = "foo@@LIB_2.0"
	d.Needed = []string{"libc.so.6"}
	d.Headers = []string{"c.hpp"}
	d.LibraryName = "libfoo.so.1"
	d.Language = "C++"
	d.Arch = "x86_64"
	d.WordSize = 8
	d.GccVersion = "9.4.0"
	return d
}

func TestWriteRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	e := &Emitter{Fs: afero.NewMemMapFs(), DumperVersion: "1.2"}
	require.NoError(t, e.Write(sampleDump(), &buf))

	var tree map[string]any
	require.NoError(t, encjson.Unmarshal(buf.Bytes(), &tree))

	assert.Equal(t, "3.0", tree["ABI_DUMP_VERSION"])
	assert.Equal(t, "1.2", tree["ABI_DUMPER_VERSION"])
	assert.Equal(t, "unix", tree["Target"])
	assert.Equal(t, "9.4.0", tree["GccVersion"])
	assert.NotContains(t, tree, "Compiler")

	types, ok := tree["TypeInfo"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, types, "1")
	require.Contains(t, types, "-1")
	cls, ok := types["2"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "C", cls["Name"])
	assert.Equal(t, "Class", cls["Type"])

	syms, ok := tree["Symbols"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(-4), syms["g"], "object sizes stay negative")
}

func TestWriteDeterministic(t *testing.T) {
	e := &Emitter{Fs: afero.NewMemMapFs(), DumperVersion: "1.2"}
	var a, b bytes.Buffer
	require.NoError(t, e.Write(sampleDump(), &a))
	require.NoError(t, e.Write(sampleDump(), &b))
	if diff := cmp.Diff(a.String(), b.String()); diff != "" {
		t.Fatalf("emission is not deterministic (-first +second):\n%s", diff)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	fs := afero.NewMemMapFs()
	e := &Emitter{Fs: fs, DumperVersion: "1.2"}
	require.NoError(t, e.WriteFile(sampleDump(), "out/ABI.dump"))

	data, err := afero.ReadFile(fs, "out/ABI.dump")
	require.NoError(t, err)
	assert.True(t, encjson.Valid(data))

	entries, err := afero.ReadDir(fs, "out")
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files left behind")
}
