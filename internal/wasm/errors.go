package wasm

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/woxQAQ/wasp/pkg/protocol"
)

// ErrInstanceClosed is returned by calls on an instance that was torn down,
// either explicitly or after a fatal error.
var ErrInstanceClosed = errors.New("instance is closed")

// ErrRuntimeClosed is returned when instantiating on a closed runtime.
var ErrRuntimeClosed = errors.New("runtime is closed")

// CompilationError occurs when Wasm module compilation fails
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile Wasm module '%s': %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// InstantiationError occurs when module instantiation fails
type InstantiationError struct {
	ModuleName string
	InstanceID string
	Err        error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("failed to instantiate module '%s' (instance: %s): %v",
		e.ModuleName, e.InstanceID, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// ModuleNotFoundError occurs when a module is not in cache
type ModuleNotFoundError struct {
	ModuleName string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module '%s' not found in cache", e.ModuleName)
}

// FunctionNotFoundError occurs when an exported function is missing
type FunctionNotFoundError struct {
	ModuleName   string
	FunctionName string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("function '%s' not found in module '%s'",
		e.FunctionName, e.ModuleName)
}

// MemoryAccessError occurs when memory operations fail
type MemoryAccessError struct {
	Operation string
	Address   uint32
	Length    uint32
	Err       error
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("memory access failed (op=%s, addr=%d, len=%d): %v",
		e.Operation, e.Address, e.Length, e.Err)
}

func (e *MemoryAccessError) Unwrap() error {
	return e.Err
}

// HostFunctionError occurs when host function execution fails
type HostFunctionError struct {
	FunctionName string
	Err          error
}

func (e *HostFunctionError) Error() string {
	return fmt.Sprintf("host function '%s' failed: %v", e.FunctionName, e.Err)
}

func (e *HostFunctionError) Unwrap() error {
	return e.Err
}

// TimeoutError occurs when Wasm execution times out
type TimeoutError struct {
	Function string
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Wasm execution of '%s' timed out after %v", e.Function, e.Duration)
}

// ExecutionError wraps a trap or other runtime failure of a guest export.
type ExecutionError struct {
	Function string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("guest function '%s' trapped: %v", e.Function, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// GuestSignaledFailure is reported when the guest calls the error import
// during a call. The message is kept verbatim and the instance stays usable.
type GuestSignaledFailure struct {
	Function string
	Message  string
}

func (e *GuestSignaledFailure) Error() string {
	return fmt.Sprintf("guest function '%s' failed: %s", e.Function, e.Message)
}

// AllocationContractViolation is reported when the guest rejects a
// deallocate from the host. Guest memory can no longer be trusted, so the
// instance is closed.
type AllocationContractViolation struct {
	Address protocol.Address
	Size    uint32
	Err     error
}

func (e *AllocationContractViolation) Error() string {
	return fmt.Sprintf("allocation contract violation: deallocate(%s, %d): %v", e.Address, e.Size, e.Err)
}

func (e *AllocationContractViolation) Unwrap() error {
	return e.Err
}

// ReentrantCallError is returned when a callback tries to call back into the
// instance that is waiting on it.
type ReentrantCallError struct {
	InstanceID string
	Function   string
}

func (e *ReentrantCallError) Error() string {
	return fmt.Sprintf("reentrant call to '%s' on instance %s while a callback is in flight",
		e.Function, e.InstanceID)
}

// StateTransitionError is raised when a request moves through its lifecycle
// out of order, for example a callback after the guest already failed.
type StateTransitionError struct {
	From protocol.State
	To   protocol.State
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid request transition %s -> %s", e.From, e.To)
}

// ABIError lists every way a module fails the buffer ABI.
type ABIError struct {
	ModuleName string
	Problems   []string
}

func (e *ABIError) Error() string {
	return fmt.Sprintf("module '%s' does not conform to the buffer ABI: %s",
		e.ModuleName, strings.Join(e.Problems, "; "))
}

// ImportTableSealedError is returned when a callback is registered after the
// import table was bound to the runtime.
type ImportTableSealedError struct {
	Name string
}

func (e *ImportTableSealedError) Error() string {
	return fmt.Sprintf("cannot register callback '%s': import table already bound", e.Name)
}

// TooManyInstancesError is returned when MaxInstances would be exceeded.
type TooManyInstancesError struct {
	Limit int
}

func (e *TooManyInstancesError) Error() string {
	return fmt.Sprintf("instance limit of %d reached", e.Limit)
}
