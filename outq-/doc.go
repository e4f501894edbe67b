// Package outq has small process-wide helpers shared by the outq packages:
// operation ids for logging, a locked pseudo random source and a
// context-aware sleep.
package outq
