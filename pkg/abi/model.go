// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package abi defines the output data model of the ABI dumper: the canonical
// type graph, the symbol table, and the dump tree that ties them to the
// library metadata.
//
// Records are created by the resolvers in pkg/abigen, rewritten in place by
// the pruner, and frozen before emission. All inter-record links are IDs,
// never embedded values, so that the graph tolerates the cycles inherent to
// C++ type graphs (mutually recursive structs, specification edges).
package abi

// TypeID identifies one type record. IDs are process-local; only their
// relationships and the canonical names they map to are ABI-significant.
type TypeID int64

const (
	// TypeVoid is the reserved ID of the void type. It is always present.
	TypeVoid TypeID = 1
	// TypeEllipsis is the reserved ID of the variadic-ellipsis placeholder.
	// It is always present.
	TypeEllipsis TypeID = -1
)

// Kind classifies a type record.
type Kind string

// The closed set of type kinds.
const (
	KindIntrinsic Kind = "Intrinsic"
	KindClass     Kind = "Class"
	KindStruct    Kind = "Struct"
	KindUnion     Kind = "Union"
	KindEnum      Kind = "Enum"
	KindArray     Kind = "Array"
	KindConst     Kind = "Const"
	KindVolatile  Kind = "Volatile"
	KindPointer   Kind = "Pointer"
	KindRef       Kind = "Ref"
	KindTypedef   Kind = "Typedef"
	KindFuncPtr   Kind = "FuncPtr"
	KindMethodPtr Kind = "MethodPtr"
	KindFieldPtr  Kind = "FieldPtr"
	KindFunc      Kind = "Func"
)

// NameFamily returns the merge family a kind belongs to when checking the
// one-name-per-family invariant: struct and class merge together while enum,
// union and typedef each form their own family.
func (k Kind) NameFamily() string {
	switch k {
	case KindClass, KindStruct:
		return "record"
	case KindEnum, KindUnion, KindTypedef:
		return string(k)
	default:
		return "type"
	}
}

// Member is one data member or enumerator of an aggregate type, in
// declaration order.
type Member struct {
	Name   string
	Type   TypeID
	Offset int64
	// BitSize is the bit-field width, or 0 for ordinary members.
	BitSize int64
	Access  string
	// Value holds the enumerator value for members of enum types.
	Value string
}

// Base records one base class of an aggregate, in declaration order.
type Base struct {
	Type    TypeID
	Pos     int
	Access  string
	Virtual bool
}

// Type is one record of the canonical type graph.
type Type struct {
	ID   TypeID
	Kind Kind
	// Name is the canonical name, the output's type-identity key.
	Name string
	// Size is the byte size, negative sizes are never stored here; 0 means
	// unknown. Array sizes are element-size times bound.
	Size int64

	NameSpace string

	// Declaration site. Header is set when the declaring file is a header,
	// Source otherwise; Line qualifies whichever is set.
	Header string
	Source string
	Line   int

	// BaseType links qualifiers, typedefs, arrays and pointers to the type
	// they derive from.
	BaseType TypeID

	Members []Member
	Bases   []Base

	// VTable maps slot index to the dumper's textual entry.
	VTable map[int]string

	// TParams lists template parameter names for instantiated templates.
	TParams []string

	// Return and Params describe function-like kinds (Func, FuncPtr,
	// MethodPtr). Class is the owning class of MethodPtr/FieldPtr kinds.
	Return TypeID
	Params []TypeID
	Class  TypeID

	// Copied is set while the aggregate is assumed trivially copyable; the
	// symbol resolver clears it when it sees an explicit constructor.
	Copied bool

	// Local marks types declared inside a function body. Locals survive
	// pruning only when transitively referenced.
	Local bool

	// Spec redirects this record to its specification's canonical ID, 0 if
	// the record has no specification half.
	Spec TypeID
}

// SymbolID identifies one symbol record.
type SymbolID int64

// Param is one formal parameter of a symbol, in declaration order. At most
// one of Offset/Reg is meaningful: register-located parameters carry the
// register name, stack-located ones a frame offset (HasOffset), and
// parameters without a usable location carry neither.
type Param struct {
	Name      string
	Type      TypeID
	Offset    int64
	HasOffset bool
	Reg       string
}

// Symbol is one record of the output symbol table.
type Symbol struct {
	ID SymbolID

	ShortName string
	// MnglName is the linker-level name, verbatim. Empty when identical to
	// ShortName.
	MnglName string
	// Alias is the versioned alias mangling, when the ELF table exports one.
	Alias string

	Constructor bool
	Destructor  bool
	Virt        bool
	PureVirt    bool
	InLine      bool
	Artificial  bool
	Static      bool
	Data        bool
	Const       bool
	Volatile    bool

	// External reflects the DWARF external flag; non-exported externals are
	// retained only under all-symbols.
	External bool

	Class     TypeID
	NameSpace string
	Return    TypeID
	Params    []Param

	// VirtPos is the vtable slot of virtual methods; HasVirtPos
	// distinguishes slot 0 from absence.
	VirtPos    int64
	HasVirtPos bool

	Header string
	Source string
	Line   int
}

// Name returns the mangled name when present and the short name otherwise.
// This is the key symbols deduplicate under.
func (s *Symbol) Name() string {
	if s.MnglName != "" {
		return s.MnglName
	}
	return s.ShortName
}

// Dump is the complete output tree.
type Dump struct {
	TypeInfo   map[TypeID]*Type
	SymbolInfo map[SymbolID]*Symbol

	// Symbols maps exported mangled names to sizes; data objects carry
	// negative sizes to distinguish them from functions.
	Symbols          map[string]int64
	UndefinedSymbols map[string]int64

	// SymbolVersion maps base names to their versioned aliases, preferring
	// the default ("@@") version over a compatibility ("@") one.
	SymbolVersion map[string]string

	Needed     []string
	Headers    []string
	Sources    []string
	NameSpaces []string

	LibraryVersion string
	LibraryName    string
	Language       string
	Arch           string
	WordSize       int

	// GccVersion is set when the producer is a GNU compiler; Compiler
	// carries the raw producer string otherwise. Exactly one is emitted.
	GccVersion string
	Compiler   string
}

// NewDump returns a Dump with the reserved types installed: void under ID 1
// and the ellipsis placeholder under ID -1.
func NewDump() *Dump {
	d := &Dump{
		TypeInfo:         make(map[TypeID]*Type),
		SymbolInfo:       make(map[SymbolID]*Symbol),
		Symbols:          make(map[string]int64),
		UndefinedSymbols: make(map[string]int64),
		SymbolVersion:    make(map[string]string),
	}
	d.TypeInfo[TypeVoid] = &Type{ID: TypeVoid, Kind: KindIntrinsic, Name: "void"}
	d.TypeInfo[TypeEllipsis] = &Type{ID: TypeEllipsis, Kind: KindIntrinsic, Name: "..."}
	return d
}
