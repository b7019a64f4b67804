// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package command builds the abi-dumper command tree.
package command

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/cihub/seelog"
	"github.com/spf13/cobra"

	"github.com/DataDog/datadog-agent/pkg/util/log"

	"github.com/DataDog/abi-dumper/pkg/abi"
	"github.com/DataDog/abi-dumper/pkg/abigen"
	"github.com/DataDog/abi-dumper/pkg/dwarfdump"
	"github.com/DataDog/abi-dumper/pkg/elfsym"
	"github.com/DataDog/abi-dumper/pkg/extcmd"
	"github.com/DataDog/abi-dumper/pkg/vtable"
)

// Version is the tool version stamped into dumps.
const Version = "1.2"

type cliParams struct {
	output     string
	useStdout  bool
	sortOutput bool
	libVersion string
	extraInfo  string
	binOnly    bool
	allTypes   bool
	allSymbols bool
	skipCxx    bool
	all        bool
	loud       bool

	showVersion     bool
	showDumpVersion bool
}

// NewCommand returns the root command.
func NewCommand() *cobra.Command {
	p := &cliParams{}

	cmd := &cobra.Command{
		Use:          "abi-dumper [options] OBJECT...",
		Short:        "dump the ABI of an ELF object with DWARF debug info",
		Long: `abi-dumper reduces the DWARF debug info of a shared object or kernel
module to a structured ABI description: exported functions and data with
their full C/C++ type graph, vtable layouts and symbol versioning.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if p.loud {
				level = "info"
			}
			log.SetupLogger(seelog.Default, level)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case p.showDumpVersion:
				fmt.Fprintln(cmd.OutOrStdout(), abi.DumpVersion)
				return nil
			case p.showVersion:
				fmt.Fprintln(cmd.OutOrStdout(), "ABI Dumper "+Version)
				return nil
			}
			if len(args) == 0 {
				return extcmd.Exitf(extcmd.ExitGeneric, "no object path given")
			}
			if p.all {
				p.allTypes = true
				p.allSymbols = true
			}
			return runDump(p, args)
		},
	}

	cmd.Flags().StringVarP(&p.output, "output", "o", "./ABI.dump", "output path")
	cmd.Flags().BoolVar(&p.useStdout, "stdout", false, "write output to standard output")
	cmd.Flags().BoolVar(&p.sortOutput, "sort", false, "canonically sort every map before emission")
	cmd.Flags().StringVar(&p.libVersion, "lver", "", "embed library version string in the dump")
	cmd.Flags().StringVar(&p.extraInfo, "extra-info", "", "persist the raw disassembler outputs for audit")
	cmd.Flags().BoolVar(&p.binOnly, "bin-only", false, "exclude inline, pure-virtual and non-exported globals")
	cmd.Flags().BoolVar(&p.allTypes, "all-types", false, "retain types even when unreferenced")
	cmd.Flags().BoolVar(&p.allSymbols, "all-symbols", false, "retain non-exported externally-visible symbols")
	cmd.Flags().BoolVar(&p.skipCxx, "skip-cxx", false, "drop libstdc++ and __gnu_cxx symbols")
	cmd.Flags().BoolVar(&p.all, "all", false, "equivalent to --all-types --all-symbols")
	cmd.Flags().BoolVar(&p.loud, "loud", false, "emit non-fatal warnings")
	cmd.Flags().BoolVarP(&p.showVersion, "version", "v", false, "print the tool version")
	cmd.Flags().BoolVar(&p.showDumpVersion, "dumpversion", false, "print the dump format version")

	return cmd
}

func runDump(p *cliParams, objects []string) error {
	for _, obj := range objects {
		if err := extcmd.CheckInput(obj); err != nil {
			return err
		}
	}

	tools, err := extcmd.New(p.extraInfo)
	if err != nil {
		return err
	}
	defer tools.Close()

	primary := objects[0]

	var header elfsym.Header
	err = tools.Header(primary, func(r io.Reader) error {
		var err error
		header, err = elfsym.ParseHeader(r)
		return err
	})
	if err != nil {
		return extcmd.Exitf(extcmd.ExitBadInput, "failed to read ELF header of %q: %v", primary, err)
	}

	// Symbol tables merge across all given objects (a stripped library
	// plus its debug file contribute one view).
	syms := &elfsym.Table{
		Exports:   make(map[string]int64),
		Undefined: make(map[string]int64),
		Aliases:   make(map[string]string),
	}
	for _, obj := range objects {
		opts := elfsym.Options{KernelModule: extcmd.IsKernelModule(obj)}
		err := tools.Symbols(obj, func(r io.Reader) error {
			t, err := elfsym.Parse(r, opts)
			if err != nil {
				return err
			}
			mergeSymTables(syms, t)
			return nil
		})
		if err != nil {
			return err
		}
	}

	// The first object carrying DWARF provides the DIE graph.
	var store *dwarfdump.Store
	var lastErr error
	for _, obj := range objects {
		err := tools.Dwarf(obj, func(r io.Reader) error {
			var err error
			store, err = dwarfdump.Parse(r)
			return err
		})
		if err != nil {
			lastErr = err
			continue
		}
		if store != nil && len(store.Units()) > 0 {
			break
		}
		store = nil
	}
	if store == nil {
		if lastErr != nil {
			return lastErr
		}
		return extcmd.Exitf(extcmd.ExitBadInput, "no DWARF debug info in %q", primary)
	}

	var vts vtable.Tables
	if abigen.CxxLanguage(store) {
		vts = vtable.Parse(tools.VTables(primary))
	}

	dump, err := abigen.Generate(abigen.Input{
		Store:  store,
		Syms:   syms,
		VTs:    vts,
		Header: header,
	}, abigen.Options{
		AllTypes:     p.allTypes,
		AllSymbols:   p.allSymbols,
		BinOnly:      p.binOnly,
		SkipCxx:      p.skipCxx,
		Loud:         p.loud,
		KernelModule: extcmd.IsKernelModule(primary),
		LibVersion:   p.libVersion,
	})
	if err != nil {
		return err
	}
	if dump.LibraryName == "" {
		dump.LibraryName = filepath.Base(primary)
	}

	emitter := abi.NewEmitter(Version, p.sortOutput)
	if p.useStdout {
		return emitter.Write(dump, os.Stdout)
	}
	if err := emitter.WriteFile(dump, p.output); err != nil {
		return err
	}
	log.Infof("ABI dump written to %s", p.output)
	return nil
}

func mergeSymTables(dst, src *elfsym.Table) {
	for n, s := range src.Exports {
		dst.Exports[n] = s
	}
	for n, s := range src.Undefined {
		dst.Undefined[n] = s
	}
	for n, v := range src.Aliases {
		if _, taken := dst.Aliases[n]; !taken {
			dst.Aliases[n] = v
		}
	}
	for _, n := range src.Needed {
		if !slices.Contains(dst.Needed, n) {
			dst.Needed = append(dst.Needed, n)
		}
	}
	if dst.SOName == "" {
		dst.SOName = src.SOName
	}
}
