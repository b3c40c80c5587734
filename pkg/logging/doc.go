// Package logging provides a structured logging system for mirror with unified
// log handling and level filtering.
//
// The package is a thin layer over Go's standard slog package. Every log entry
// carries a subsystem identifier so that output from the long-running cache
// loops (reflector, informer, listwatch) can be filtered and categorized by log
// aggregation tooling.
//
// # Log Levels
//   - Debug: detailed information for debugging and development
//   - Info: general informational messages about cache operation
//   - Warn: warnings that indicate potential issues (failed watch opens)
//   - Error: failures and exceptional conditions
//
// # Usage
//
//	import "mirror/pkg/logging"
//
//	logging.Init(logging.LevelInfo, os.Stdout)
//
//	logging.Info("reflector", "initial list complete at resource version %s", rv)
//	logging.Error("listwatch", err, "watch stream failed for %s", resource)
//
// The logging system is fully thread-safe; it is shared by every reflector
// goroutine in the process.
package logging
