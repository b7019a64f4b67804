// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package main is the entry point of abi-dumper.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/DataDog/abi-dumper/cmd/abi-dumper/command"
	"github.com/DataDog/abi-dumper/pkg/extcmd"
)

func main() {
	if err := command.NewCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var exitErr *extcmd.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(extcmd.ExitGeneric)
	}
}
