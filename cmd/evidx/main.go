// Package main provides the entry point for the evidx CLI.
package main

import (
	"fmt"
	"os"

	"github.com/Aman-CERP/evidx/cmd/evidx/cmd"
	everrors "github.com/Aman-CERP/evidx/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprint(os.Stderr, everrors.FormatForCLI(err))
		os.Exit(cmd.ExitCode(err))
	}
}
