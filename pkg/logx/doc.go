// Package logx configures autobc's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated by size (lumberjack)
//   - An optional Telegram sink (min-level + rate limiting) for the owner's log chat
package logx
