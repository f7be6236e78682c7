// Package dma implements the GPU DMA transfer engine: async channels that
// move bytes between host-pinned memory and GPU framebuffers, GPU-to-GPU
// peer copies, and GPU-side fill (memset) operations.
package dma

import (
	"os"

	"github.com/rs/zerolog"
)

// log is the package-level structured logger. Fence and descriptor
// retirement are logged through it at debug level, and Channel.Dispatch
// logs a driver error through it before exiting the process; programming
// errors panic instead, matching the fatal/transient split in spec.md §7.
var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
	With().
	Timestamp().
	Str("component", "dma").
	Logger()

// SetLogger replaces the package logger, e.g. to route through an
// application's own zerolog root logger instead of stderr.
func SetLogger(l zerolog.Logger) {
	log = l
}
