// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package abigen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSkipCxxPrefixes(t *testing.T) {
	type testCase struct {
		name string
		want bool
	}
	testCases := []testCase{
		{"_ZNSt6vectorIiSaIiEE9push_backERKi", true},
		{"_ZNKSt6vectorIiSaIiEE4sizeEv", true},
		{"_ZN9__gnu_cxx17__normal_iteratorC1Ev", true},
		{"_ZSt4cout", true},
		{"_ZTISt9exception", true},
		{"_ZN1C1fEv", false},
		{"foo", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, hasSkipCxxPrefix(tc.name))
		})
	}
}

func TestOperatorPunctReject(t *testing.T) {
	assert.True(t, hasOperatorPunct("operator=="))
	assert.True(t, hasOperatorPunct("~V"))
	assert.False(t, hasOperatorPunct("_ZN1C1fEv"))
	assert.False(t, hasOperatorPunct("plain_name$suffix"))
}

func TestGenerateSkipCxxOption(t *testing.T) {
	syms := symRows(
		"    1: 0000000000001135     22 FUNC    GLOBAL DEFAULT       12 _ZN1C1fEv",
	)
	// The only export is non-std, so --skip-cxx changes nothing here; it
	// must not drop regular symbols.
	d := generate(t, inlineMethodDwarf, syms, "", Options{SkipCxx: true})
	require.NotNil(t, findSymbol(d, "_ZN1C1fEv"))
}

func TestGenerateAllTypes(t *testing.T) {
	syms := symRows(
		"    1: 0000000000004028     24 OBJECT  GLOBAL DEFAULT       23 g",
	)
	d := generate(t, vectorDwarf, syms, "", Options{AllTypes: true})
	assert.NotNil(t, findType(d, "std::allocator<int>"),
		"unreferenced named types survive under all-types")

	d = generate(t, vectorDwarf, syms, "", Options{})
	assert.Nil(t, findType(d, "std::allocator<int>"),
		"unreferenced types are pruned by default")
}
