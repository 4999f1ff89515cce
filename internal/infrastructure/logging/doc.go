// Package logging provides structured logging for pilight2mqtt.
//
// This package wraps Go's standard log/slog package so that every
// component logs with the same handler and default fields.
//
// # Configuration
//
//	logging:
//	  level: "warn"      # debug, info, warn, error
//	  format: "text"     # json, text
//	  output: "stderr"   # stdout, stderr
//
// The --verbose and --debug flags raise the level to info and debug.
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("connected to hub", "address", addr)
//	logger.Error("publish failed", "error", err)
//
// Never log MQTT passwords or InfluxDB tokens.
package logging
