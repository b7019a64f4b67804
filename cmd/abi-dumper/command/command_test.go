// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package command

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/abi-dumper/pkg/extcmd"
)

func TestDumpVersionFlag(t *testing.T) {
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--dumpversion"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "3.0\n", out.String())
}

func TestVersionFlag(t *testing.T) {
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"-v"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "ABI Dumper "+Version+"\n", out.String())
}

func TestNoObjectPath(t *testing.T) {
	cmd := NewCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	require.Error(t, err)
	var exitErr *extcmd.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, extcmd.ExitGeneric, exitErr.Code)
}

func TestMissingObject(t *testing.T) {
	cmd := NewCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"does/not/exist.so"})
	err := cmd.Execute()
	require.Error(t, err)
	var exitErr *extcmd.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, extcmd.ExitBadInput, exitErr.Code)
}
