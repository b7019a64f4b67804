// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package dwarfdump

import (
	"strings"
)

// DIE is one debugging-information entry. Records are created by the scanner
// and never mutated afterward; identity is the numeric offset.
type DIE struct {
	Offset uint64
	Tag    Tag
	// Depth is the indentation-derived nesting depth.
	Depth int
	// Parent is the lexical parent's offset, 0 for unit roots.
	Parent uint64
	// Unit is the owning compile unit's offset.
	Unit  uint64
	Attrs map[string]Value
}

// Name returns the name attribute, empty when absent.
func (d *DIE) Name() string {
	s, _ := d.Str("name")
	return s
}

// Str returns a string or keyword attribute.
func (d *DIE) Str(attr string) (string, bool) {
	v, ok := d.Attrs[attr]
	if !ok || (v.Kind != ValueString && v.Kind != ValueKeyword) {
		return "", false
	}
	return v.Str, true
}

// Ref returns a reference attribute as a DIE offset.
func (d *DIE) Ref(attr string) (uint64, bool) {
	v, ok := d.Attrs[attr]
	if !ok || v.Kind != ValueRef {
		return 0, false
	}
	return v.Ref, true
}

// Int returns an integer attribute.
func (d *DIE) Int(attr string) (int64, bool) {
	v, ok := d.Attrs[attr]
	if !ok || v.Kind != ValueInt {
		return 0, false
	}
	return v.Int, true
}

// Flag reports whether a flag attribute is present and not "no".
func (d *DIE) Flag(attr string) bool {
	v, ok := d.Attrs[attr]
	if !ok {
		return false
	}
	return v.Str != "no"
}

// Raw returns the unparsed dump text of an attribute value.
func (d *DIE) Raw(attr string) (string, bool) {
	v, ok := d.Attrs[attr]
	if !ok {
		return "", false
	}
	return v.Raw, true
}

// SourceFile is one entry of a unit's file table.
type SourceFile struct {
	Path   string
	Header bool
}

// Unit couples a compile-unit DIE with its file table.
type Unit struct {
	Root  *DIE
	Files map[int64]SourceFile
}

// Store is the flat, offset-keyed index of the DIE graph with the derived
// edges the resolvers need. It is populated by the scanner and read-only
// afterward.
type Store struct {
	dies     map[uint64]*DIE
	order    []uint64
	children map[uint64][]uint64

	// defOf maps a specification DIE to the definition that references it;
	// concreteOf does the same for abstract origins.
	defOf      map[uint64]uint64
	concreteOf map[uint64]uint64

	// methods maps aggregate offsets to their subprogram/variable children.
	methods map[uint64][]uint64

	units      []*Unit
	unitByOff  map[uint64]*Unit
	locTable   map[uint64]string
	lineTables map[int64]map[int64]SourceFile
}

func newStore() *Store {
	return &Store{
		dies:       make(map[uint64]*DIE),
		children:   make(map[uint64][]uint64),
		defOf:      make(map[uint64]uint64),
		concreteOf: make(map[uint64]uint64),
		methods:    make(map[uint64][]uint64),
		unitByOff:  make(map[uint64]*Unit),
		locTable:   make(map[uint64]string),
		lineTables: make(map[int64]map[int64]SourceFile),
	}
}

func (s *Store) insert(d *DIE) {
	if _, dup := s.dies[d.Offset]; dup {
		return
	}
	s.dies[d.Offset] = d
	s.order = append(s.order, d.Offset)
	if d.Parent != 0 {
		s.children[d.Parent] = append(s.children[d.Parent], d.Offset)
	}
}

// finish wires the derived indices that need the parsed attributes or the
// whole graph: the reverse specification/abstract-origin edges and the
// class-method index, including threading through class specifications.
func (s *Store) finish() {
	for _, off := range s.order {
		d := s.dies[off]
		if ref, ok := d.Ref("specification"); ok {
			s.defOf[ref] = off
		}
		if ref, ok := d.Ref("abstract_origin"); ok {
			s.concreteOf[ref] = off
		}
		if d.Tag != TagSubprogram && d.Tag != TagVariable {
			continue
		}
		parent, ok := s.dies[d.Parent]
		if !ok || !parent.Tag.IsAggregate() {
			continue
		}
		s.methods[parent.Offset] = append(s.methods[parent.Offset], off)
		if spec, ok := parent.Ref("specification"); ok {
			s.methods[spec] = append(s.methods[spec], off)
		}
	}
}

// Get returns the DIE at the given offset.
func (s *Store) Get(off uint64) (*DIE, bool) {
	d, ok := s.dies[off]
	return d, ok
}

// Len returns the number of DIEs in the store.
func (s *Store) Len() int { return len(s.order) }

// All returns the DIE offsets in dump order.
func (s *Store) All() []uint64 { return s.order }

// Parent returns the lexical parent.
func (s *Store) Parent(d *DIE) (*DIE, bool) {
	if d.Parent == 0 {
		return nil, false
	}
	return s.Get(d.Parent)
}

// Namespace returns the nearest ancestor that opens a naming scope.
func (s *Store) Namespace(d *DIE) (*DIE, bool) {
	for p, ok := s.Parent(d); ok; p, ok = s.Parent(p) {
		if p.Tag.IsNamespaceLike() {
			return p, true
		}
	}
	return nil, false
}

// Children returns the offsets of d's children in dump order.
func (s *Store) Children(d *DIE) []uint64 {
	return s.children[d.Offset]
}

func (s *Store) childrenWithTags(d *DIE, tags ...Tag) []*DIE {
	var out []*DIE
	for _, off := range s.children[d.Offset] {
		c := s.dies[off]
		for _, t := range tags {
			if c.Tag == t {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// Members returns the ordered member and enumerator children of an
// aggregate or enumeration.
func (s *Store) Members(d *DIE) []*DIE {
	return s.childrenWithTags(d, TagMember, TagEnumerator)
}

// Inheritances returns the ordered inheritance children.
func (s *Store) Inheritances(d *DIE) []*DIE {
	return s.childrenWithTags(d, TagInheritance)
}

// Params returns the ordered formal parameters, including the
// unspecified-parameters ellipsis marker.
func (s *Store) Params(d *DIE) []*DIE {
	return s.childrenWithTags(d, TagFormalParameter, TagUnspecifiedParameters)
}

// TemplateParams returns the ordered template parameter children.
func (s *Store) TemplateParams(d *DIE) []*DIE {
	return s.childrenWithTags(d, TagTemplateTypeParam, TagTemplateValueParam)
}

// DefinitionOf returns the definition DIE whose specification attribute
// points at decl.
func (s *Store) DefinitionOf(decl *DIE) (*DIE, bool) {
	off, ok := s.defOf[decl.Offset]
	if !ok {
		return nil, false
	}
	return s.Get(off)
}

// ConcreteOf returns the concrete DIE whose abstract_origin points at d.
func (s *Store) ConcreteOf(d *DIE) (*DIE, bool) {
	off, ok := s.concreteOf[d.Offset]
	if !ok {
		return nil, false
	}
	return s.Get(off)
}

// ClassMethods returns the subprogram/variable children recorded for an
// aggregate offset, including ones threaded through its specification.
func (s *Store) ClassMethods(off uint64) []*DIE {
	outOffs := s.methods[off]
	out := make([]*DIE, 0, len(outOffs))
	for _, o := range outOffs {
		out = append(out, s.dies[o])
	}
	return out
}

// Units returns the compile units in dump order.
func (s *Store) Units() []*Unit { return s.units }

// UnitOf returns the unit owning d.
func (s *Store) UnitOf(d *DIE) (*Unit, bool) {
	u, ok := s.unitByOff[d.Unit]
	return u, ok
}

// FileOf resolves a decl_file index against d's unit file table.
func (s *Store) FileOf(d *DIE, idx int64) (SourceFile, bool) {
	u, ok := s.unitByOff[d.Unit]
	if !ok || u.Files == nil {
		return SourceFile{}, false
	}
	f, ok := u.Files[idx]
	return f, ok
}

// Location resolves a location-class attribute to a frame offset or a
// register number, following location-list offsets through the debug_loc
// table.
func (s *Store) Location(d *DIE, attr string) Loc {
	v, ok := d.Attrs[attr]
	if !ok {
		return Loc{}
	}
	switch v.Kind {
	case ValueLocExpr:
		return ParseLocExpr(v.Str)
	case ValueLocList:
		if expr, ok := s.locTable[v.Ref]; ok {
			return ParseLocExpr(expr)
		}
	case ValueInt:
		return Loc{Kind: LocOffset, Offset: v.Int}
	}
	return Loc{}
}

// LocListEntry returns the raw first-entry expression of a location list.
func (s *Store) LocListEntry(off uint64) (string, bool) {
	e, ok := s.locTable[off]
	return e, ok
}

// IsLocal reports whether d is nested inside a subprogram and therefore not
// part of the ABI unless transitively referenced. Constructor-template
// instances are exempt: their enclosing subprogram is a constructor whose
// short name equals the bare name of its object-pointer class.
func (s *Store) IsLocal(d *DIE) bool {
	for p, ok := s.Parent(d); ok; p, ok = s.Parent(p) {
		if p.Tag != TagSubprogram {
			continue
		}
		if s.isConstructorTemplateInstance(p) {
			return false
		}
		return true
	}
	return false
}

func (s *Store) isConstructorTemplateInstance(sub *DIE) bool {
	name := sub.Name()
	if name == "" {
		return false
	}
	objOff, ok := sub.Ref("object_pointer")
	if !ok {
		return false
	}
	obj, ok := s.Get(objOff)
	if !ok {
		return false
	}
	cls, ok := s.classOfObjectPointer(obj)
	if !ok {
		return false
	}
	return bareName(cls.Name()) == bareName(name)
}

// ObjectPointerClass resolves the class a subprogram or subroutine type
// belongs to, through its object-pointer (this) parameter. The attribute is
// preferred; the first artificial parameter serves as fallback.
func (s *Store) ObjectPointerClass(fn *DIE) (*DIE, bool) {
	if off, ok := fn.Ref("object_pointer"); ok {
		if obj, ok := s.Get(off); ok {
			return s.classOfObjectPointer(obj)
		}
	}
	for _, p := range s.Params(fn) {
		if p.Flag("artificial") {
			return s.classOfObjectPointer(p)
		}
	}
	return nil, false
}

// classOfObjectPointer follows a this-parameter DIE to its class: the
// parameter's type is a pointer whose base is the class.
func (s *Store) classOfObjectPointer(obj *DIE) (*DIE, bool) {
	tOff, ok := obj.Ref("type")
	if !ok {
		return nil, false
	}
	t, ok := s.Get(tOff)
	if !ok {
		return nil, false
	}
	// Step through the pointer and any qualifiers on the class.
	for t.Tag == TagPointerType || t.Tag == TagConstType || t.Tag == TagVolatileType {
		base, ok := t.Ref("type")
		if !ok {
			return nil, false
		}
		t, ok = s.Get(base)
		if !ok {
			return nil, false
		}
	}
	if !t.Tag.IsAggregate() {
		return nil, false
	}
	return t, true
}

// bareName strips template arguments from a name.
func bareName(name string) string {
	if i := strings.IndexByte(name, '<'); i >= 0 {
		return name[:i]
	}
	return name
}
