// Package configs embeds the configuration templates written by
// `evidx config init`.
//
// Precedence when loading (see internal/config Load):
//  1. Hardcoded defaults
//  2. User config (~/.config/evidx/config.yaml)
//  3. Bank config (.evidx.yaml in the bank root)
//  4. .env in the bank root (never overrides variables already set)
//  5. Environment variables (EVIDX_*)
package configs

import _ "embed"

// UserConfigTemplate is written by `evidx config init --user`. It holds
// machine settings such as the Ollama host.
//
//go:embed user-config.example.yaml
var UserConfigTemplate string

// BankConfigTemplate is written by `evidx config init` into the bank root.
//
//go:embed bank-config.example.yaml
var BankConfigTemplate string
