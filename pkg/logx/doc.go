// Package logx configures mailbot's structured logging.
//
// It is a thin wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - The zero value safe to use (no-op)
package logx
