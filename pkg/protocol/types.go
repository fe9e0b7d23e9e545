package protocol

// Core ABI types shared by the host loader and the guest SDK.
// This package must stay free of host-only dependencies so that it
// compiles for GOOS=wasip1.

import "fmt"

// Address is an offset into the linear memory of one guest instance.
// It is only meaningful together with the instance that issued it.
type Address uint32

// String formats the address as a hex offset.
func (a Address) String() string {
	return fmt.Sprintf("0x%08x", uint32(a))
}

// Names of the exports every guest module must provide.
const (
	ExportAllocate   = "allocate"
	ExportDeallocate = "deallocate"
	ExportMemory     = "memory"
)

// Names of the imports the host provides to guests.
const (
	// ImportModule is the module name guests import host functions from.
	ImportModule = "env"

	// ImportRaiseError is the error-reporting import: (ptr) -> ().
	ImportRaiseError = "raise_error"

	// ImportLogMessage forwards a guest log line: (level, ptr) -> ().
	ImportLogMessage = "log_message"
)

// LogLevel is the level argument of the log_message import.
type LogLevel uint32

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// String returns the level name.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", uint32(l))
	}
}
