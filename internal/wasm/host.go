package wasm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasp/pkg/protocol"
)

// Callback is a host capability a guest imports from env as (ptr) -> ptr.
// It receives the decoded argument payload and returns the result payload,
// which the host writes into guest memory through the guest's allocator.
type Callback func(ctx context.Context, payload []byte) ([]byte, error)

// TextCallback adapts a string function to a Callback. Both directions are
// validated as UTF-8.
func TextCallback(fn func(ctx context.Context, text string) (string, error)) Callback {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		in, err := protocol.TextFromPayload(payload)
		if err != nil {
			return nil, err
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		if !utf8.ValidString(out) {
			return nil, fmt.Errorf("callback result: %w", protocol.ErrInvalidEncoding)
		}
		return []byte(out), nil
	}
}

var errNoRequest = errors.New("called outside of a guest request")

// ImportTable holds the host functions offered under env. It is bound to the
// runtime when the first instance is created and sealed from then on, since
// wazero host modules cannot gain functions after instantiation.
type ImportTable struct {
	mu        sync.Mutex
	callbacks map[string]Callback
	sealed    bool
}

// NewImportTable creates an empty import table.
func NewImportTable() *ImportTable {
	return &ImportTable{callbacks: make(map[string]Callback)}
}

// Register adds a named callback.
func (t *ImportTable) Register(name string, cb Callback) error {
	if name == "" || cb == nil {
		return fmt.Errorf("callback needs a name and a function")
	}
	if name == protocol.ImportRaiseError || name == protocol.ImportLogMessage {
		return fmt.Errorf("callback name '%s' is reserved", name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return &ImportTableSealedError{Name: name}
	}
	if _, ok := t.callbacks[name]; ok {
		return fmt.Errorf("callback '%s' already registered", name)
	}
	t.callbacks[name] = cb
	return nil
}

// Names returns the registered callback names in order.
func (t *ImportTable) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.callbacks))
	for name := range t.callbacks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a callback is registered under name.
func (t *ImportTable) Has(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.callbacks[name]
	return ok
}

// Sealed reports whether the table has been bound.
func (t *ImportTable) Sealed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sealed
}

// bindImports instantiates the env host module, and WASI when enabled, the
// first time it is called.
func (r *Runtime) bindImports(ctx context.Context) error {
	t := r.imports
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return nil
	}

	i32 := api.ValueTypeI32
	builder := r.runtime.NewHostModuleBuilder(protocol.ImportModule)
	for name, cb := range t.callbacks {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(r.callbackFunction(name, cb), []api.ValueType{i32}, []api.ValueType{i32}).
			WithParameterNames("ptr").
			Export(name)
	}
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(r.raiseError), []api.ValueType{i32}, nil).
		WithParameterNames("ptr").
		Export(protocol.ImportRaiseError)
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(r.logMessage), []api.ValueType{i32, i32}, nil).
		WithParameterNames("level", "ptr").
		Export(protocol.ImportLogMessage)

	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}

	if r.config.EnableWASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, r.runtime); err != nil {
			return fmt.Errorf("failed to instantiate WASI: %w", err)
		}
	}

	t.sealed = true
	r.logger.Info("Host import table bound",
		zap.Int("callbacks", len(t.callbacks)),
		zap.Bool("wasi", r.config.EnableWASI),
	)
	return nil
}

// callbackFunction wraps a Callback as a host function. The argument buffer
// stays owned by the guest; the result buffer is allocated through the
// guest's allocator and ownership passes to the guest.
func (r *Runtime) callbackFunction(name string, cb Callback) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		req := mustRequest(ctx, name)
		r.metrics.IncCallback(name)

		if err := req.Transition(protocol.StateCallbackInFlight); err != nil {
			req.abort(name, err)
		}
		req.callbacks++

		in, err := req.instance.memory.ReadBuffer(protocol.Address(api.DecodeU32(stack[0])))
		if err != nil {
			req.abort(name, err)
		}
		out, err := cb(ctx, in)
		if err != nil {
			req.abort(name, err)
		}
		addr, err := req.instance.memory.WriteBuffer(ctx, out)
		if err != nil {
			req.abort(name, err)
		}

		if err := req.Transition(protocol.StateComputing); err != nil {
			req.abort(name, err)
		}
		stack[0] = api.EncodeU32(uint32(addr))
	}
}

// raiseError implements raise_error(ptr). The message buffer stays owned by
// the guest. Whatever the export returns afterwards is ignored.
//
// Invalid UTF-8 in the message is replaced with U+FFFD; the failure is still
// reported as a GuestSignaledFailure.
func (r *Runtime) raiseError(ctx context.Context, mod api.Module, stack []uint64) {
	req := mustRequest(ctx, protocol.ImportRaiseError)

	addr := protocol.Address(api.DecodeU32(stack[0]))
	payload, err := req.instance.memory.ReadBuffer(addr)
	if err != nil {
		req.abort(protocol.ImportRaiseError, err)
	}
	msg := string(payload)
	if !utf8.ValidString(msg) {
		msg = strings.ToValidUTF8(msg, string(utf8.RuneError))
	}

	if req.State() == protocol.StateFailed {
		r.logger.Warn("Guest raised an error after already failing",
			zap.String("instance_id", req.instance.ID),
			zap.String("function", req.Function),
			zap.String("message", msg),
		)
		return
	}
	if err := req.Transition(protocol.StateFailed); err != nil {
		req.abort(protocol.ImportRaiseError, err)
	}
	req.failure = &GuestSignaledFailure{Function: req.Function, Message: msg}
}

// logMessage implements log_message(level, ptr). It may be called outside a
// request, for example while the guest initializes.
func (r *Runtime) logMessage(ctx context.Context, mod api.Module, stack []uint64) {
	level := protocol.LogLevel(api.DecodeU32(stack[0]))
	addr := protocol.Address(api.DecodeU32(stack[1]))

	fields := []zap.Field{zap.String("module", mod.Name())}
	if req, ok := RequestFromContext(ctx); ok {
		fields = append(fields, zap.String("function", req.Function))
	}

	payload, err := readBuffer(mod.Memory(), addr)
	if err != nil {
		r.logger.Error("Failed to read log message from Wasm memory",
			append(fields, zap.Stringer("ptr", addr), zap.Error(err))...,
		)
		return
	}

	logger := r.logger.With(zap.String("component", "guest"))
	msg := string(payload)
	switch level {
	case protocol.LogLevelDebug:
		logger.Debug(msg, fields...)
	case protocol.LogLevelInfo:
		logger.Info(msg, fields...)
	case protocol.LogLevelWarn:
		logger.Warn(msg, fields...)
	case protocol.LogLevelError:
		logger.Error(msg, fields...)
	default:
		logger.Info(msg, append(fields, zap.Stringer("level", level))...)
	}
}

// mustRequest returns the request the call context carries. Host functions
// that need one trap without it.
func mustRequest(ctx context.Context, function string) *Request {
	req, ok := RequestFromContext(ctx)
	if !ok {
		panic(&HostFunctionError{FunctionName: function, Err: errNoRequest})
	}
	return req
}
