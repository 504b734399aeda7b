// Package logger builds the process-wide slog logger: JSON output in prod,
// text elsewhere, with the level taken from configuration.
package logger
