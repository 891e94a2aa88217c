// Package storage persists task run outcomes for diagnostics.
//
// Only settled outcomes are stored; queued work is never persisted.
package storage
