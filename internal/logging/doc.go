// Package logging provides file-based structured logging with size rotation.
// Logs are JSON lines written to ~/.evidx/logs/evidx.log by default; --debug
// lowers the level to debug and mirrors entries to stderr.
package logging
