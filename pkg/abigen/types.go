// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package abigen

import (
	"fmt"
	"path"
	"strings"

	"github.com/DataDog/datadog-agent/pkg/util/log"

	"github.com/DataDog/abi-dumper/pkg/abi"
	"github.com/DataDog/abi-dumper/pkg/dwarfdump"
	"github.com/DataDog/abi-dumper/pkg/names"
)

var kindForTag = map[dwarfdump.Tag]abi.Kind{
	dwarfdump.TagBaseType:        abi.KindIntrinsic,
	dwarfdump.TagClassType:       abi.KindClass,
	dwarfdump.TagStructureType:   abi.KindStruct,
	dwarfdump.TagUnionType:       abi.KindUnion,
	dwarfdump.TagEnumerationType: abi.KindEnum,
	dwarfdump.TagArrayType:       abi.KindArray,
	dwarfdump.TagConstType:       abi.KindConst,
	dwarfdump.TagVolatileType:    abi.KindVolatile,
	dwarfdump.TagPointerType:     abi.KindPointer,
	dwarfdump.TagReferenceType:   abi.KindRef,
	dwarfdump.TagTypedef:         abi.KindTypedef,
	dwarfdump.TagPtrToMemberType: abi.KindFieldPtr,
	dwarfdump.TagSubroutineType:  abi.KindFunc,
}

// resolveTypes materializes a type record for every type-denoting DIE.
// Resolution is on demand elsewhere; this eager pass only guarantees every
// DIE got its chance, so the canonical-name registry is complete before
// symbols resolve.
func (c *Context) resolveTypes() {
	for _, off := range c.store.All() {
		d, _ := c.store.Get(off)
		if d.Tag.IsType() {
			c.resolveType(off)
		}
	}
}

// resolveType returns the type ID for a DIE offset, materializing the
// record on first use. It returns 0 for DIEs that do not yield a type
// (unknown tags, broken references, and types whose base DIE yields no
// type record). A base that resolves to a record with an empty name does
// not cause a drop. A placeholder is registered before any recursion so
// cyclic graphs terminate.
func (c *Context) resolveType(off uint64) abi.TypeID {
	if id, ok := c.typeByDIE[off]; ok {
		return id
	}
	d, ok := c.store.Get(off)
	if !ok {
		c.typeByDIE[off] = 0
		return 0
	}
	kind, ok := kindForTag[d.Tag]
	if !ok {
		c.typeByDIE[off] = 0
		return 0
	}

	id := c.nextType
	c.nextType++
	t := &abi.Type{ID: id, Kind: kind, Copied: kind == abi.KindClass || kind == abi.KindStruct}
	c.typeByDIE[off] = id
	c.dump.TypeInfo[id] = t
	t.Local = c.store.IsLocal(d)

	if size, ok := d.Int("byte_size"); ok {
		t.Size = size
	}
	c.attachSite(t, d)

	if !c.populateType(t, d) {
		// The base DIE yielded no type record (or an array has no element
		// type); this type does not exist for the ABI.
		delete(c.dump.TypeInfo, id)
		c.typeByDIE[off] = 0
		return 0
	}

	// A definition merges into its specification; the specification's ID
	// is canonical from here on.
	if specOff, ok := d.Ref("specification"); ok {
		if specID := c.resolveType(specOff); specID != 0 && specID != id {
			c.mergeIntoSpec(t, specID)
			c.typeByDIE[off] = specID
			return specID
		}
	}

	c.finishName(t)
	return id
}

// populateType fills the kind-dependent parts. It reports false when the
// record must be dropped.
func (c *Context) populateType(t *abi.Type, d *dwarfdump.DIE) bool {
	baseID := abi.TypeID(0)
	if baseOff, ok := d.Ref("type"); ok {
		baseID = c.resolveType(baseOff)
		if baseID == 0 {
			return false
		}
	}

	switch t.Kind {
	case abi.KindIntrinsic:
		t.Name = d.Name()

	case abi.KindClass, abi.KindStruct, abi.KindUnion:
		if c.asMethodPtr(t, d) {
			return true
		}
		// The name must exist before members recurse, so mutually
		// recursive aggregates see it through their pointer chains.
		c.populateScopedName(t, d)
		c.populateMembers(t, d)
		c.populateBases(t, d)

	case abi.KindEnum:
		c.populateScopedName(t, d)
		c.populateEnumerators(t, d)

	case abi.KindTypedef:
		t.BaseType = orVoid(baseID)
		c.populateScopedName(t, d)
		c.foldAnonymousBase(t)

	case abi.KindConst:
		t.BaseType = orVoid(baseID)
		t.Name = c.baseName(t.BaseType) + " const"

	case abi.KindVolatile:
		t.BaseType = orVoid(baseID)
		t.Name = c.baseName(t.BaseType) + " volatile"

	case abi.KindPointer:
		t.BaseType = orVoid(baseID)
		if c.asFuncPtr(t, d) {
			return true
		}
		t.Name = c.baseName(t.BaseType) + "*"

	case abi.KindRef:
		t.BaseType = orVoid(baseID)
		t.Name = c.baseName(t.BaseType) + "&"

	case abi.KindArray:
		if baseID == 0 {
			return false
		}
		t.BaseType = baseID
		c.populateArray(t, d)

	case abi.KindFieldPtr:
		c.populateFieldPtr(t, d, baseID)

	case abi.KindFunc:
		t.Return = orVoid(baseID)
		t.Params = c.subroutineParams(d, false)
		t.Name = c.baseName(t.Return) + "()(" + c.paramNameList(t.Params) + ")"
	}
	return true
}

func orVoid(id abi.TypeID) abi.TypeID {
	if id == 0 {
		return abi.TypeVoid
	}
	return id
}

func (c *Context) baseName(id abi.TypeID) string {
	if t, ok := c.dump.TypeInfo[id]; ok {
		return t.Name
	}
	return ""
}

// attachSite records the declaration site, splitting header and source
// paths.
func (c *Context) attachSite(t *abi.Type, d *dwarfdump.DIE) {
	idx, ok := d.Int("decl_file")
	if !ok {
		return
	}
	f, ok := c.store.FileOf(d, idx)
	if !ok {
		return
	}
	line, _ := d.Int("decl_line")
	if f.Header {
		t.Header = f.Path
	} else {
		t.Source = f.Path
	}
	t.Line = int(line)
}

func (c *Context) populateMembers(t *abi.Type, d *dwarfdump.DIE) {
	for _, m := range c.store.Members(d) {
		name := m.Name()
		if name == "" {
			name = fmt.Sprintf("unnamed%d", c.unnamedSeq[d.Offset])
			c.unnamedSeq[d.Offset]++
		}
		if strings.HasPrefix(name, "_vptr.") {
			name = "_vptr"
		}
		mt := abi.TypeID(0)
		if ref, ok := m.Ref("type"); ok {
			mt = c.resolveType(ref)
		}
		mem := abi.Member{Name: name, Type: mt}
		if t.Kind != abi.KindUnion {
			mem.Offset = c.store.Location(m, "data_member_location").Offset
		}
		if bits, ok := m.Int("bit_size"); ok {
			mem.BitSize = bits
		}
		if acc, ok := m.Str("accessibility"); ok {
			mem.Access = acc
		}
		t.Members = append(t.Members, mem)
	}
}

func (c *Context) populateEnumerators(t *abi.Type, d *dwarfdump.DIE) {
	for _, m := range c.store.Members(d) {
		mem := abi.Member{Name: m.Name()}
		if v, ok := m.Int("const_value"); ok {
			mem.Value = fmt.Sprintf("%d", v)
		} else if raw, ok := m.Raw("const_value"); ok {
			mem.Value = raw
		}
		t.Members = append(t.Members, mem)
	}
}

func (c *Context) populateBases(t *abi.Type, d *dwarfdump.DIE) {
	for i, inh := range c.store.Inheritances(d) {
		ref, ok := inh.Ref("type")
		if !ok {
			continue
		}
		baseID := c.resolveType(ref)
		if baseID == 0 {
			continue
		}
		b := abi.Base{Type: baseID, Pos: i}
		if acc, ok := inh.Str("accessibility"); ok {
			b.Access = acc
		}
		if v, ok := inh.Str("virtuality"); ok && strings.Contains(v, "virtual") {
			b.Virtual = true
		}
		t.Bases = append(t.Bases, b)
	}
}

// populateScopedName builds the qualified name by walking the namespace
// chain and prepends the lowercase kind keyword for struct/enum/union.
func (c *Context) populateScopedName(t *abi.Type, d *dwarfdump.DIE) {
	name := d.Name()
	if name == "" {
		name = c.anonymousName(t, d)
	}
	ns := c.scopeOf(d)
	if ns != "" {
		name = ns + "::" + name
		t.NameSpace = ns
	}
	switch t.Kind {
	case abi.KindStruct:
		name = "struct " + name
	case abi.KindEnum:
		name = "enum " + name
	case abi.KindUnion:
		name = "union " + name
	}
	t.Name = name
}

// scopeOf returns the qualified name of the enclosing naming scope, empty
// for file scope. Class scopes contribute their own qualified name with the
// kind keyword stripped.
func (c *Context) scopeOf(d *dwarfdump.DIE) string {
	p, ok := c.store.Namespace(d)
	if !ok || p.Tag == dwarfdump.TagSubprogram || p.Tag == dwarfdump.TagLexicalBlock {
		return ""
	}
	switch p.Tag {
	case dwarfdump.TagNamespace:
		name := p.Name()
		if outer := c.scopeOf(p); outer != "" {
			return outer + "::" + name
		}
		return name
	default:
		// A class scope: use the aggregate's own qualified name.
		id := c.resolveType(p.Offset)
		if id == 0 {
			return ""
		}
		name := c.baseName(id)
		name = strings.TrimPrefix(name, "struct ")
		name = strings.TrimPrefix(name, "union ")
		return name
	}
}

// anonymousName synthesizes a build-stable name for anonymous aggregates.
func (c *Context) anonymousName(t *abi.Type, d *dwarfdump.DIE) string {
	kw := strings.ToLower(string(t.Kind))
	file := ""
	if idx, ok := d.Int("decl_file"); ok {
		if f, ok := c.store.FileOf(d, idx); ok {
			file = path.Base(f.Path)
		}
	}
	line, _ := d.Int("decl_line")
	return fmt.Sprintf("anon-%s-%s-%d", kw, file, line)
}

// asFuncPtr reinterprets a pointer to a subroutine type.
func (c *Context) asFuncPtr(t *abi.Type, d *dwarfdump.DIE) bool {
	baseOff, ok := d.Ref("type")
	if !ok {
		return false
	}
	sub, ok := c.store.Get(baseOff)
	if !ok || sub.Tag != dwarfdump.TagSubroutineType {
		return false
	}
	t.Kind = abi.KindFuncPtr
	t.Return = abi.TypeVoid
	if ret, ok := sub.Ref("type"); ok {
		t.Return = orVoid(c.resolveType(ret))
	}
	t.Params = c.subroutineParams(sub, false)
	t.BaseType = 0
	t.Name = c.baseName(t.Return) + "(*)(" + c.paramNameList(t.Params) + ")"
	return true
}

// asMethodPtr recognizes the compiler's pointer-to-member-function pair: a
// struct whose sibling is a subroutine type and whose first member is
// __pfn. The implicit this parameter is dropped.
func (c *Context) asMethodPtr(t *abi.Type, d *dwarfdump.DIE) bool {
	if t.Kind != abi.KindStruct {
		return false
	}
	sibOff, ok := d.Ref("sibling")
	if !ok {
		return false
	}
	sub, ok := c.store.Get(sibOff)
	if !ok || sub.Tag != dwarfdump.TagSubroutineType {
		return false
	}
	members := c.store.Members(d)
	if len(members) == 0 || members[0].Name() != "__pfn" {
		return false
	}

	t.Kind = abi.KindMethodPtr
	t.Copied = false
	t.Return = abi.TypeVoid
	if ret, ok := sub.Ref("type"); ok {
		t.Return = orVoid(c.resolveType(ret))
	}
	t.Params = c.subroutineParams(sub, true)
	clsName := ""
	if cls, ok := c.store.ObjectPointerClass(sub); ok {
		if clsID := c.resolveType(cls.Offset); clsID != 0 {
			t.Class = clsID
			clsName = strings.TrimPrefix(c.baseName(clsID), "struct ")
		}
	}
	t.Name = c.baseName(t.Return) + "(" + clsName + "::*)(" + c.paramNameList(t.Params) + ")"
	return true
}

func (c *Context) populateFieldPtr(t *abi.Type, d *dwarfdump.DIE, baseID abi.TypeID) {
	t.BaseType = orVoid(baseID)
	t.Size = int64(c.wordSize)
	clsName := ""
	if ref, ok := d.Ref("containing_type"); ok {
		if clsID := c.resolveType(ref); clsID != 0 {
			t.Class = clsID
			clsName = strings.TrimPrefix(c.baseName(clsID), "struct ")
		}
	}
	t.Name = c.baseName(t.BaseType) + "(" + clsName + "::*)"
}

// subroutineParams materializes a subroutine type's parameter list.
// dropThis elides the artificial object pointer of member functions.
func (c *Context) subroutineParams(sub *dwarfdump.DIE, dropThis bool) []abi.TypeID {
	var out []abi.TypeID
	for _, p := range c.store.Params(sub) {
		if p.Tag == dwarfdump.TagUnspecifiedParameters {
			out = append(out, abi.TypeEllipsis)
			continue
		}
		if dropThis && p.Flag("artificial") {
			continue
		}
		ref, ok := p.Ref("type")
		if !ok {
			continue
		}
		if id := c.resolveType(ref); id != 0 {
			out = append(out, id)
		}
	}
	return out
}

func (c *Context) paramNameList(params []abi.TypeID) string {
	parts := make([]string, len(params))
	for i, id := range params {
		parts[i] = c.baseName(id)
	}
	return strings.Join(parts, ",")
}

func (c *Context) populateArray(t *abi.Type, d *dwarfdump.DIE) {
	count := int64(-1)
	for _, off := range c.store.Children(d) {
		sr, ok := c.store.Get(off)
		if !ok || sr.Tag != dwarfdump.TagSubrangeType {
			continue
		}
		if ub, ok := sr.Int("upper_bound"); ok {
			count = ub + 1
		}
		break
	}
	base := c.baseName(t.BaseType)
	if count < 0 {
		t.Name = base + "[]"
		return
	}
	t.Name = fmt.Sprintf("%s[%d]", base, count)
	if bt, ok := c.dump.TypeInfo[t.BaseType]; ok {
		t.Size = count * bt.Size
	}
}

// foldAnonymousBase absorbs an anonymous aggregate into the typedef naming
// it: the members move in, the name takes the aggregate's kind keyword, and
// the anonymous record leaves the type table.
func (c *Context) foldAnonymousBase(t *abi.Type) {
	base, ok := c.dump.TypeInfo[t.BaseType]
	if !ok || !isAnonymous(base) {
		return
	}
	switch base.Kind {
	case abi.KindStruct, abi.KindUnion, abi.KindEnum:
		t.Name = strings.ToLower(string(base.Kind)) + " " + t.Name
	case abi.KindClass:
	default:
		return
	}
	t.Members = base.Members
	t.Bases = base.Bases
	if t.Size == 0 {
		t.Size = base.Size
	}
	t.BaseType = 0
	c.mergedTo[base.ID] = t.ID
	delete(c.dump.TypeInfo, base.ID)
}

// mergeIntoSpec merges a definition record into its specification record.
// The specification is authoritative for names and access; the definition
// supplies its source site when it has one, and size, members and bases
// only when the specification lacks them.
func (c *Context) mergeIntoSpec(def *abi.Type, specID abi.TypeID) {
	spec := c.dump.TypeInfo[specID]
	if spec == nil {
		return
	}
	if spec.Size == 0 {
		spec.Size = def.Size
	}
	if len(spec.Members) == 0 {
		spec.Members = def.Members
	}
	if len(spec.Bases) == 0 {
		spec.Bases = def.Bases
	}
	if def.Source != "" {
		spec.Source = def.Source
		spec.Line = def.Line
	}
	def.Spec = specID
	c.mergedTo[def.ID] = specID
	delete(c.dump.TypeInfo, def.ID)
}

// finishName canonicalizes the record name, derives template parameters,
// and claims the canonical-name registry slot if this is the first record
// with that name in its family.
func (c *Context) finishName(t *abi.Type) {
	t.Name = c.canon.Name(names.ModeType, t.Name)
	if strings.HasSuffix(t.Name, ">") {
		if _, args, ok := names.SplitTemplate(t.Name); ok {
			t.TParams = args
		}
	}
	if t.Name == "" {
		return
	}
	key := nameKey{family: t.Kind.NameFamily(), name: t.Name}
	if _, taken := c.firstByName[key]; !taken {
		c.firstByName[key] = t.ID
	}
	if _, taken := c.byName[t.Name]; !taken {
		c.byName[t.Name] = t.ID
	}
}

// getFirst maps a type ID to the canonical ID for its name, normalizing
// forward declarations resolved in other compilation units and definitions
// merged into their specifications.
func (c *Context) getFirst(id abi.TypeID) abi.TypeID {
	for {
		next, ok := c.mergedTo[id]
		if !ok {
			break
		}
		id = next
	}
	t, ok := c.dump.TypeInfo[id]
	if !ok || t.Name == "" {
		return id
	}
	key := nameKey{family: t.Kind.NameFamily(), name: t.Name}
	if first, ok := c.firstByName[key]; ok && first != 0 {
		return first
	}
	return id
}

// attachVTables binds parsed vtable layouts to their class records.
func (c *Context) attachVTables() {
	for clsName, slots := range c.vts {
		canonical := c.canon.Name(names.ModeType, clsName)
		id, ok := c.byName[canonical]
		if !ok {
			id, ok = c.byName["struct "+canonical]
		}
		if !ok {
			if c.opts.Loud {
				log.Warnf("vtable for unknown class %q", clsName)
			}
			continue
		}
		if t, ok := c.dump.TypeInfo[c.getFirst(id)]; ok {
			t.VTable = slots
		}
	}
}
