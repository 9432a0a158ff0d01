// Package logging provides structured logging for the Open Peer Power kernel.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("kernel started", "entities", n)
//	logger.Error("service handler failed", "domain", d, "error", err)
//
// Never log access tokens, refresh tokens, JWT keys or passwords.
package logging
