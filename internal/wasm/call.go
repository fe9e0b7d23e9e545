package wasm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasp/internal/metrics"
	"github.com/woxQAQ/wasp/pkg/protocol"
)

// Call invokes an export with raw Wasm values and returns its raw results.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	args := make([]any, len(params))
	for n, p := range params {
		args[n] = p
	}
	return i.call(ctx, name, args, nil)
}

// CallFunction invokes an export, marshalling arguments and the result.
//
// Arguments of type string and []byte are written as wire buffers at
// addresses from the guest's allocator and released after the call.
// int32, uint32, int64, uint64 and protocol.Address pass through as-is.
//
// out may be nil, *int32, *uint32, *int64, *[]byte or *string. Byte and
// string results are read from the wire buffer the export returns; with
// ReleaseResults the buffer is then released with deallocate(ptr, L+4).
func (i *Instance) CallFunction(ctx context.Context, name string, out any, args ...any) error {
	_, err := i.call(ctx, name, args, out)
	return err
}

// CallBytes calls an export taking and returning one wire buffer.
func (i *Instance) CallBytes(ctx context.Context, name string, payload []byte) ([]byte, error) {
	var out []byte
	err := i.CallFunction(ctx, name, &out, payload)
	return out, err
}

// CallString calls an export taking and returning UTF-8 text.
func (i *Instance) CallString(ctx context.Context, name string, text string) (string, error) {
	var out string
	err := i.CallFunction(ctx, name, &out, text)
	return out, err
}

// CallInt32 calls an export taking and returning i32 values.
func (i *Instance) CallInt32(ctx context.Context, name string, args ...int32) (int32, error) {
	in := make([]any, len(args))
	for n, a := range args {
		in[n] = a
	}
	var out int32
	err := i.CallFunction(ctx, name, &out, in...)
	return out, err
}

// Allocate reserves size bytes in guest memory. The caller owns the region.
func (i *Instance) Allocate(ctx context.Context, size uint32) (protocol.Address, error) {
	var addr protocol.Address
	err := i.locked(ctx, "allocate", func() (err error) {
		addr, err = i.memory.Allocate(ctx, size)
		return err
	})
	return addr, err
}

// Deallocate releases a region obtained from Allocate or a result buffer.
// A rejected release closes the instance.
func (i *Instance) Deallocate(ctx context.Context, addr protocol.Address, size uint32) error {
	return i.locked(ctx, "deallocate", func() error {
		return i.release(ctx, addr, size)
	})
}

// WriteBuffer writes payload as a wire buffer in guest memory.
func (i *Instance) WriteBuffer(ctx context.Context, payload []byte) (protocol.Address, error) {
	var addr protocol.Address
	err := i.locked(ctx, "write_buffer", func() (err error) {
		addr, err = i.memory.WriteBuffer(ctx, payload)
		return err
	})
	return addr, err
}

// ReadBuffer reads the wire buffer at addr.
func (i *Instance) ReadBuffer(ctx context.Context, addr protocol.Address) ([]byte, error) {
	var payload []byte
	err := i.locked(ctx, "read_buffer", func() (err error) {
		payload, err = i.memory.ReadBuffer(addr)
		return err
	})
	return payload, err
}

// ReadString reads the wire buffer at addr as UTF-8 text.
func (i *Instance) ReadString(ctx context.Context, addr protocol.Address) (string, error) {
	var text string
	err := i.locked(ctx, "read_buffer", func() (err error) {
		text, err = i.memory.ReadString(addr)
		return err
	})
	return text, err
}

// locked runs fn with the instance serialized against other calls.
func (i *Instance) locked(ctx context.Context, name string, fn func() error) error {
	if req, ok := RequestFromContext(ctx); ok && req.inFlight(i) {
		return &ReentrantCallError{InstanceID: i.ID, Function: name}
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed.Load() {
		return ErrInstanceClosed
	}
	return fn()
}

func (i *Instance) call(ctx context.Context, name string, args []any, out any) (results []uint64, err error) {
	err = i.locked(ctx, name, func() error {
		fn, ok := i.exports[name]
		if !ok {
			return &FunctionNotFoundError{ModuleName: i.Name, FunctionName: name}
		}

		req := newRequest(i, name)
		outcome := metrics.OutcomeSuccess
		defer func() {
			i.runtime.metrics.ObserveCall(name, outcome, time.Since(req.StartedAt))
		}()

		var callErr error
		results, outcome, callErr = i.execute(withRequest(ctx, req), req, fn, args, out)
		if callErr != nil {
			i.logger.Debug("Guest call failed",
				zap.String("function", name),
				zap.Stringer("state", req.State()),
				zap.String("outcome", string(outcome)),
				zap.Error(callErr),
			)
		}
		return callErr
	})
	return results, err
}

func (i *Instance) execute(ctx context.Context, req *Request, fn api.Function, args []any, out any) ([]uint64, metrics.Outcome, error) {
	// Housekeeping after the export returns must not be cut short by the
	// call deadline.
	cleanupCtx := context.WithoutCancel(ctx)
	defer i.releaseInputs(cleanupCtx, req)

	if err := req.Transition(protocol.StateDispatched); err != nil {
		return nil, metrics.OutcomeTrap, err
	}
	params, err := i.dispatch(ctx, req, args)
	if err != nil {
		if i.interrupted(ctx) {
			i.fatal(cleanupCtx, "Guest call interrupted", err)
			return nil, metrics.OutcomeCancelled, fmt.Errorf("guest function '%s' interrupted: %w", req.Function, ctx.Err())
		}
		return nil, outcomeOf(err), err
	}

	callCtx := ctx
	if timeout := i.runtime.config.ExecutionTimeout; timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := req.Transition(protocol.StateComputing); err != nil {
		return nil, metrics.OutcomeTrap, err
	}
	results, err := fn.Call(callCtx, params...)

	switch {
	case err != nil && req.failure != nil:
		// The guest trapped after raising; its message is the error.
		return nil, metrics.OutcomeGuestFailure, req.failure
	case err != nil && req.hostErr != nil:
		return nil, metrics.OutcomeTrap, req.hostErr
	case err != nil && i.interrupted(callCtx):
		// wazero closed the module when the context ended.
		if ctx.Err() == nil {
			i.fatal(cleanupCtx, "Guest call timed out", err)
			return nil, metrics.OutcomeTimeout, &TimeoutError{Function: req.Function, Duration: i.runtime.config.ExecutionTimeout}
		}
		i.fatal(cleanupCtx, "Guest call interrupted", err)
		return nil, metrics.OutcomeCancelled, fmt.Errorf("guest function '%s' interrupted: %w", req.Function, ctx.Err())
	case err != nil:
		return nil, metrics.OutcomeTrap, &ExecutionError{Function: req.Function, Err: err}
	case req.failure != nil:
		return nil, metrics.OutcomeGuestFailure, req.failure
	}

	if err := req.Transition(protocol.StateSucceeded); err != nil {
		return nil, metrics.OutcomeTrap, err
	}
	if err := i.decodeResult(cleanupCtx, req, results, out); err != nil {
		return results, outcomeOf(err), err
	}
	return results, metrics.OutcomeSuccess, nil
}

// dispatch turns arguments into Wasm values, writing buffers into guest
// memory. Buffers are recorded on the request as host-owned.
func (i *Instance) dispatch(ctx context.Context, req *Request, args []any) ([]uint64, error) {
	params := make([]uint64, 0, len(args))
	for n, arg := range args {
		var payload []byte
		switch v := arg.(type) {
		case uint64:
			params = append(params, v)
			continue
		case int32:
			params = append(params, api.EncodeI32(v))
			continue
		case uint32:
			params = append(params, api.EncodeU32(v))
			continue
		case int64:
			params = append(params, api.EncodeI64(v))
			continue
		case protocol.Address:
			params = append(params, api.EncodeU32(uint32(v)))
			continue
		case []byte:
			payload = v
		case string:
			payload = []byte(v)
		default:
			return nil, fmt.Errorf("argument %d of '%s': unsupported type %T", n, req.Function, arg)
		}

		addr, err := i.memory.WriteBuffer(ctx, payload)
		if err != nil {
			return nil, err
		}
		req.inputs = append(req.inputs, allocation{addr: addr, size: uint32(protocol.Size(payload))})
		params = append(params, api.EncodeU32(uint32(addr)))
	}
	return params, nil
}

func (i *Instance) decodeResult(ctx context.Context, req *Request, results []uint64, out any) error {
	if out == nil {
		return nil
	}
	if len(results) == 0 {
		return fmt.Errorf("guest function '%s' returned no result", req.Function)
	}

	switch v := out.(type) {
	case *int32:
		*v = api.DecodeI32(results[0])
	case *uint32:
		*v = api.DecodeU32(results[0])
	case *int64:
		*v = int64(results[0])
	case *[]byte:
		payload, err := i.takeResult(ctx, protocol.Address(api.DecodeU32(results[0])))
		if err != nil {
			return err
		}
		*v = payload
	case *string:
		payload, err := i.takeResult(ctx, protocol.Address(api.DecodeU32(results[0])))
		if err != nil {
			return err
		}
		text, err := protocol.TextFromPayload(payload)
		if err != nil {
			return err
		}
		*v = text
	default:
		return fmt.Errorf("result of '%s': unsupported output type %T", req.Function, out)
	}
	return nil
}

// takeResult reads a result buffer. Ownership has passed to the host, which
// releases it right away when ReleaseResults is set.
func (i *Instance) takeResult(ctx context.Context, addr protocol.Address) ([]byte, error) {
	payload, err := i.memory.ReadBuffer(addr)
	if err != nil {
		return nil, err
	}
	if i.runtime.config.ReleaseResults {
		if err := i.release(ctx, addr, uint32(protocol.Size(payload))); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func (i *Instance) releaseInputs(ctx context.Context, req *Request) {
	for _, a := range req.inputs {
		if i.closed.Load() {
			return
		}
		if err := i.release(ctx, a.addr, a.size); err != nil {
			i.logger.Error("Failed to release input buffer",
				zap.String("function", req.Function),
				zap.Stringer("ptr", a.addr),
				zap.Error(err),
			)
			return
		}
	}
	req.inputs = nil
}

// release deallocates a host-owned region. A rejection is fatal for the
// instance.
func (i *Instance) release(ctx context.Context, addr protocol.Address, size uint32) error {
	err := i.memory.Deallocate(ctx, addr, size)
	var violation *AllocationContractViolation
	if errors.As(err, &violation) {
		i.fatal(ctx, "Allocation contract violated", err)
	}
	return err
}

// interrupted reports whether ctx ended while the runtime closes modules on
// context done, which leaves the instance unusable.
func (i *Instance) interrupted(ctx context.Context) bool {
	return i.runtime.config.ExecutionTimeout > 0 && ctx.Err() != nil
}

// fatal tears down an instance whose memory can no longer be trusted.
func (i *Instance) fatal(ctx context.Context, msg string, err error) {
	i.logger.Error(msg+", closing instance", zap.Error(err))
	if closeErr := i.Close(ctx); closeErr != nil {
		i.logger.Warn("Failed to close instance", zap.Error(closeErr))
	}
}

func outcomeOf(err error) metrics.Outcome {
	var (
		violation *AllocationContractViolation
		timeout   *TimeoutError
		failure   *GuestSignaledFailure
	)
	switch {
	case errors.As(err, &violation):
		return metrics.OutcomeContractViolation
	case errors.As(err, &timeout):
		return metrics.OutcomeTimeout
	case errors.As(err, &failure):
		return metrics.OutcomeGuestFailure
	case errors.Is(err, protocol.ErrMalformedBuffer), errors.Is(err, protocol.ErrInvalidEncoding):
		return metrics.OutcomeMalformed
	default:
		return metrics.OutcomeTrap
	}
}
