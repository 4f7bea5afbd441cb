// Package config carries the toolchain's compile-time constants and the
// optional mondot.yaml project configuration.
package config

// SourceFileExt is the recognized source extension.
const SourceFileExt = ".mon"

// CompiledFileExt is the recognized compiled-program extension.
const CompiledFileExt = ".mdotc"

// FrameSize is the fixed register-window stride of a call frame.
const FrameSize = 256

// DefaultStackSize is the initial register file size; the VM grows it on
// demand.
const DefaultStackSize = 4096

// DefaultOptimizeRounds caps optimizer iteration when the passes do not
// reach a fixed point earlier.
const DefaultOptimizeRounds = 8
