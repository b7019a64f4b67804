// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package names

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalTypeNames(t *testing.T) {
	type testCase struct {
		name string
		in   string
		want string
	}
	testCases := []testCase{
		{"whitespace collapse", "  std::basic_string \t <char>  ", "std::string"},
		{"punct spacing", "char const *", "char const*"},
		{"leading const", "const void", "void const"},
		{"qualifier order", "volatile const int", "const volatile int"},
		{"long long", "long long unsigned int", "unsigned long long"},
		{"short int", "short int", "short"},
		{"long int", "long int", "long"},
		{"unsigned long", "long unsigned int", "unsigned long"},
		{"shift split", "std::map<K,std::vector<T>>", "std::map<K, std::vector<T> >"},
		{"comma space", "void(*)(int,double)", "void(*)(int, double)"},
		{
			"vector default allocator",
			"std::vector<int, std::allocator<int> >",
			"std::vector<int>",
		},
		{
			"set default comparator",
			"std::set<int, std::less<int>, std::allocator<int> >",
			"std::set<int>",
		},
		{
			"basic_string to string",
			"std::basic_string<char, std::char_traits<char>, std::allocator<char> >",
			"std::string",
		},
		{
			"nested defaulted vector",
			"std::vector<std::vector<int, std::allocator<int> >, std::allocator<std::vector<int, std::allocator<int> > > >",
			"std::vector<std::vector<int> >",
		},
		{"non-std container keeps args", "mylist<int, std::allocator<int> >", "mylist<int, std::allocator<int> >"},
		{"plain name untouched", "int", "int"},
	}
	c := New()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Name(ModeType, tc.in)
			require.Equal(t, tc.want, got)
			require.Equal(t, got, c.Name(ModeType, got), "canonicalization must be idempotent")
		})
	}
}

func TestCanonicalSymbolNames(t *testing.T) {
	c := New()
	require.Equal(t, "operator>>", c.Name(ModeSymbol, "operator>>"))
	require.Equal(t, "std::vector<int>", c.Name(ModeSymbol, "std::vector<int, std::allocator<int> >"))
}

func TestSplitTemplate(t *testing.T) {
	type testCase struct {
		in       string
		wantHead string
		wantArgs []string
		wantOK   bool
	}
	testCases := []testCase{
		{"A<B<C,D>,E<F> >", "A", []string{"B<C,D>", "E<F>"}, true},
		{"std::vector<int>", "std::vector", []string{"int"}, true},
		{"foo::bar<int (*)(char, short)>", "foo::bar", []string{"int (*)(char, short)"}, true},
		{"plain", "", nil, false},
		{"operator<", "", nil, false},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			head, args, ok := SplitTemplate(tc.in)
			require.Equal(t, tc.wantOK, ok)
			if !tc.wantOK {
				return
			}
			require.Equal(t, tc.wantHead, head)
			require.Equal(t, tc.wantArgs, args)
		})
	}
}
