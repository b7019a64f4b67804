// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package extcmd drives the external disassembler and vtable dumper and
// turns their byte streams over to the parsers without buffering the full
// dump twice. Subprocess stderr is captured in a process-lifetime temporary
// directory that is released unconditionally at shutdown.
package extcmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/DataDog/datadog-agent/pkg/util/log"
)

// Exit codes of the tool.
const (
	ExitOK          = 0
	ExitGeneric     = 2
	ExitMissingTool = 3
	ExitBadInput    = 4
	// ExitMissingModule is reserved for missing runtime dependencies.
	ExitMissingModule = 9
)

// ExitError carries the process exit code of a fatal condition.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// Exitf builds an ExitError.
func Exitf(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

const readelfTool = "eu-readelf"
const vtableTool = "vtable-dumper"

// Tools runs the external commands for one process lifetime.
type Tools struct {
	tmpDir string
	// extraDir persists the raw dumps for audit when set.
	extraDir string

	readelf string
}

// New locates the disassembler and prepares the stderr capture directory.
func New(extraDir string) (*Tools, error) {
	readelf, err := exec.LookPath(readelfTool)
	if err != nil {
		return nil, Exitf(ExitMissingTool, "missing external command %q", readelfTool)
	}
	tmpDir, err := os.MkdirTemp("", "abi-dumper-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary directory: %w", err)
	}
	if extraDir != "" {
		if err := os.MkdirAll(extraDir, 0o755); err != nil {
			os.RemoveAll(tmpDir)
			return nil, fmt.Errorf("failed to create extra-info directory: %w", err)
		}
	}
	return &Tools{tmpDir: tmpDir, extraDir: extraDir, readelf: readelf}, nil
}

// Close releases the temporary directory. It runs unconditionally,
// including on fatal error paths.
func (t *Tools) Close() {
	os.RemoveAll(t.tmpDir)
}

// IsKernelModule classifies kernel-module debug inputs by suffix.
func IsKernelModule(path string) bool {
	return strings.HasSuffix(path, ".ko") || strings.HasSuffix(path, ".ko.debug")
}

// CheckInput verifies the object exists and is a regular file.
func CheckInput(path string) error {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return Exitf(ExitBadInput, "cannot read object %q", path)
	}
	return nil
}

// capName builds the per-object capture name for one stream kind.
func capName(kind, obj string) string {
	return kind + "-" + filepath.Base(obj)
}

// Header streams "eu-readelf -h" output into sink.
func (t *Tools) Header(obj string, sink func(io.Reader) error) error {
	return t.run(t.readelf, []string{"-h", obj}, capName("header", obj), sink)
}

// Symbols streams the dynamic segment and symbol tables. Kernel modules
// also dump their static table.
func (t *Tools) Symbols(obj string, sink func(io.Reader) error) error {
	args := []string{"--dynamic", "--dyn-syms"}
	if IsKernelModule(obj) {
		args = append(args, "--symbols")
	}
	args = append(args, obj)
	return t.run(t.readelf, args, capName("symbols", obj), sink)
}

// Dwarf streams the info, line and loc section dumps. A "No DWARF"
// diagnostic from the disassembler is fatal: the object has no debug info.
func (t *Tools) Dwarf(obj string, sink func(io.Reader) error) error {
	args := []string{
		"-N",
		"--debug-dump=info",
		"--debug-dump=line",
		"--debug-dump=loc",
		obj,
	}
	kind := capName("debug_dump", obj)
	if err := t.run(t.readelf, args, kind, sink); err != nil {
		return err
	}
	stderr, _ := os.ReadFile(t.stderrPath(kind))
	if bytes.Contains(stderr, []byte("No DWARF")) {
		return Exitf(ExitBadInput, "object %q carries no DWARF debug info", obj)
	}
	return nil
}

// VTables runs the vtable dumper and returns its full output. The dumper
// is optional: a missing or too-old binary degrades to empty vtables with
// a warning.
func (t *Tools) VTables(obj string) string {
	path, err := exec.LookPath(vtableTool)
	if err != nil {
		log.Warnf("%s not found, C++ vtables will be empty", vtableTool)
		return ""
	}
	var buf bytes.Buffer
	err = t.run(path, []string{"-mangled", "-demangled", obj}, capName("vtables", obj),
		func(r io.Reader) error {
			_, err := io.Copy(&buf, r)
			return err
		})
	if err != nil {
		log.Warnf("%s failed (%v), C++ vtables will be empty", vtableTool, err)
		return ""
	}
	return buf.String()
}

func (t *Tools) stderrPath(kind string) string {
	return filepath.Join(t.tmpDir, kind+".stderr")
}

// run starts the tool, hands its stdout to sink, and optionally tees the
// raw bytes into the extra-info directory.
func (t *Tools) run(bin string, args []string, kind string, sink func(io.Reader) error) error {
	cmd := exec.Command(bin, args...)

	stderrFile, err := os.Create(t.stderrPath(kind))
	if err != nil {
		return fmt.Errorf("failed to capture stderr: %w", err)
	}
	defer stderrFile.Close()
	cmd.Stderr = stderrFile

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open %s pipe: %w", bin, err)
	}

	var src io.Reader = stdout
	var tee *os.File
	if t.extraDir != "" {
		tee, err = os.Create(filepath.Join(t.extraDir, kind))
		if err != nil {
			return fmt.Errorf("failed to persist extra info: %w", err)
		}
		defer tee.Close()
		src = io.TeeReader(stdout, tee)
	}

	if err := cmd.Start(); err != nil {
		return Exitf(ExitMissingTool, "failed to start %s: %v", bin, err)
	}
	sinkErr := sink(src)
	if sinkErr != nil {
		// Drain so Wait does not block on a full pipe.
		io.Copy(io.Discard, src)
	}
	waitErr := cmd.Wait()
	if sinkErr != nil {
		return sinkErr
	}
	if waitErr != nil {
		return fmt.Errorf("%s failed: %w", bin, waitErr)
	}
	return nil
}
