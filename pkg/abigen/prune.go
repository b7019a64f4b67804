// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package abigen

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/DataDog/datadog-agent/pkg/util/log"

	"github.com/DataDog/abi-dumper/pkg/abi"
	"github.com/DataDog/abi-dumper/pkg/names"
)

// prune walks the retained symbols, decides the deferred bucket, drops
// unreachable and merged types, rewrites every reference to its canonical
// ID and audits completeness. Mutation happens in place; after prune the
// dump is frozen.
func (c *Context) prune() error {
	reach := make(map[abi.TypeID]bool)
	reach[abi.TypeVoid] = true
	reach[abi.TypeEllipsis] = true

	// Kept symbols first, in ID order for deterministic rewrites.
	for _, id := range sortedIDs(c.dump.SymbolInfo) {
		if c.deferred[id] {
			continue
		}
		c.walkSymbol(c.dump.SymbolInfo[id], reach)
	}

	// The deferred bucket is judged against the snapshot reached so far:
	// a deferred symbol survives when its class (or a subclass, which
	// implies the class through the base walk) or its declaring file is
	// already reachable.
	files := reachableFiles(c.dump.TypeInfo, reach)
	var kept []abi.SymbolID
	for _, id := range sortedIDs(c.deferred) {
		s := c.dump.SymbolInfo[id]
		if c.deferredSurvives(s, reach, files) {
			kept = append(kept, id)
			continue
		}
		delete(c.dump.SymbolInfo, id)
	}
	for _, id := range kept {
		delete(c.deferred, id)
		c.walkSymbol(c.dump.SymbolInfo[id], reach)
	}

	if c.opts.AllTypes {
		for _, id := range sortedIDs(c.dump.TypeInfo) {
			t := c.dump.TypeInfo[id]
			if t.Local {
				continue
			}
			if isAnonymous(t) && t.Kind != abi.KindEnum {
				continue
			}
			c.walkType(id, reach)
		}
	}

	// Drop what the walks never reached: in all-types mode that is only
	// anonymous leftovers, locals and non-canonical duplicates; otherwise
	// everything unreached goes.
	for _, id := range sortedIDs(c.dump.TypeInfo) {
		switch {
		case id == abi.TypeVoid || id == abi.TypeEllipsis:
		case !reach[id], c.getFirst(id) != id:
			delete(c.dump.TypeInfo, id)
		}
	}

	return c.audit()
}

// walkSymbol registers every type a symbol references, rewriting the
// references to canonical IDs as it goes.
func (c *Context) walkSymbol(s *abi.Symbol, reach map[abi.TypeID]bool) {
	if s.Return != 0 {
		s.Return = c.walkType(s.Return, reach)
	}
	if s.Class != 0 {
		s.Class = c.walkType(s.Class, reach)
	}
	for i := range s.Params {
		if s.Params[i].Type != 0 {
			s.Params[i].Type = c.walkType(s.Params[i].Type, reach)
		}
	}
	// Template instantiations pull in their argument types by name.
	if strings.HasSuffix(s.ShortName, ">") {
		if _, args, ok := names.SplitTemplate(s.ShortName); ok {
			c.walkTypeNames(args, reach)
		}
	}
}

// walkType registers a type and everything it references, returning the
// canonical ID the caller must store.
func (c *Context) walkType(id abi.TypeID, reach map[abi.TypeID]bool) abi.TypeID {
	id = c.getFirst(id)
	if id == 0 || reach[id] {
		return id
	}
	t, ok := c.dump.TypeInfo[id]
	if !ok {
		return id
	}
	reach[id] = true

	if t.BaseType != 0 {
		t.BaseType = c.walkType(t.BaseType, reach)
	}
	if t.Return != 0 {
		t.Return = c.walkType(t.Return, reach)
	}
	if t.Class != 0 {
		t.Class = c.walkType(t.Class, reach)
	}
	for i := range t.Members {
		if t.Members[i].Type != 0 {
			t.Members[i].Type = c.walkType(t.Members[i].Type, reach)
		}
	}
	for i := range t.Bases {
		t.Bases[i].Type = c.walkType(t.Bases[i].Type, reach)
	}
	for i := range t.Params {
		t.Params[i] = c.walkType(t.Params[i], reach)
	}
	c.walkTypeNames(t.TParams, reach)
	return id
}

func (c *Context) walkTypeNames(typeNames []string, reach map[abi.TypeID]bool) {
	for _, n := range typeNames {
		if id, ok := c.byName[n]; ok {
			c.walkType(id, reach)
		}
	}
}

func (c *Context) deferredSurvives(s *abi.Symbol, reach map[abi.TypeID]bool, files map[string]bool) bool {
	if s.Class != 0 && reach[c.getFirst(s.Class)] {
		return true
	}
	if s.Header != "" && files[s.Header] {
		return true
	}
	if s.Source != "" && files[s.Source] {
		return true
	}
	return false
}

func reachableFiles(types map[abi.TypeID]*abi.Type, reach map[abi.TypeID]bool) map[string]bool {
	files := make(map[string]bool)
	for id := range reach {
		t, ok := types[id]
		if !ok {
			continue
		}
		if t.Header != "" {
			files[t.Header] = true
		}
		if t.Source != "" {
			files[t.Source] = true
		}
	}
	return files
}

func isAnonymous(t *abi.Type) bool {
	return strings.Contains(t.Name, "anon-")
}

// audit verifies the frozen graph: every referenced type ID must exist and
// carry a name. Findings are logged, never fatal; dangling references
// surface only under --loud.
func (c *Context) audit() error {
	var merr *multierror.Error
	check := func(where string, id abi.TypeID) {
		if id == 0 {
			return
		}
		t, ok := c.dump.TypeInfo[id]
		if !ok {
			merr = multierror.Append(merr, fmt.Errorf("%s: missing type %d", where, id))
			return
		}
		if t.Name == "" {
			merr = multierror.Append(merr, fmt.Errorf("%s: nameless type %d", where, id))
		}
	}

	for _, id := range sortedIDs(c.dump.TypeInfo) {
		t := c.dump.TypeInfo[id]
		where := fmt.Sprintf("type %d (%s)", id, t.Name)
		check(where, t.BaseType)
		check(where, t.Return)
		check(where, t.Class)
		for _, m := range t.Members {
			check(where, m.Type)
		}
		for _, b := range t.Bases {
			check(where, b.Type)
		}
		for _, p := range t.Params {
			check(where, p)
		}
	}
	for _, id := range sortedIDs(c.dump.SymbolInfo) {
		s := c.dump.SymbolInfo[id]
		where := fmt.Sprintf("symbol %s", s.Name())
		check(where, s.Return)
		check(where, s.Class)
		for _, p := range s.Params {
			check(where, p.Type)
		}
	}

	if err := merr.ErrorOrNil(); err != nil {
		if c.opts.Loud {
			log.Warnf("completeness audit: %v", err)
		} else {
			log.Debugf("completeness audit: %v", err)
		}
	}
	return nil
}

func sortedIDs[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func sortedKeys(m map[string]bool) []string {
	return sortedIDs(m)
}
