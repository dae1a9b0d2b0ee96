// Package logx configures mailrelay's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional chat sink (min-level + rate limiting) that reuses the
//     active notification channel, so operators see delivery failures
//     in the same place they read mail alerts
package logx
