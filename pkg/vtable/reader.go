// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package vtable parses the C++ vtable dump into a class-to-slot-to-entry
// map. The dumper runs only for C++ producers; everything here degrades to
// an empty map on malformed input.
package vtable

import (
	"strconv"
	"strings"
)

// Tables maps class names to their vtable layout (slot index to entry text).
type Tables map[string]map[int]string

// Parse splits the dump into blocks separated by triple newlines. Each
// block opens with "Vtable for <class>" and continues with "<slot> <entry>"
// lines. The slot-0 RTTI-offset line is discarded.
func Parse(text string) Tables {
	tables := make(Tables)
	for _, block := range strings.Split(text, "\n\n\n") {
		name, slots := parseBlock(block)
		if name == "" || len(slots) == 0 {
			continue
		}
		tables[name] = slots
	}
	return tables
}

func parseBlock(block string) (string, map[int]string) {
	var name string
	slots := make(map[int]string)
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "Vtable for "); ok {
			name = strings.TrimSpace(rest)
			continue
		}
		if name == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			continue
		}
		slot, err := strconv.Atoi(fields[0])
		if err != nil || slot == 0 {
			// Slot 0 carries the RTTI offset, not a method.
			continue
		}
		slots[slot] = strings.TrimSpace(fields[1])
	}
	return name, slots
}
