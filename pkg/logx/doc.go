// Package logx is speedlog's structured logging layer: a thin value-type
// Logger over zerolog whose outputs can be swapped at runtime.
//
// Sinks:
//   - console (human readable, short caller)
//   - JSON lines file
//   - Telegram chat, filtered by level and rate limited
package logx
