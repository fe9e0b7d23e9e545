package wasm

import (
	"context"
	"time"

	"github.com/woxQAQ/wasp/pkg/protocol"
)

// Request tracks one host-driven call into an instance, from dispatching its
// inputs to the terminal state. It is only touched by the goroutine running
// the call, including host functions the guest invokes along the way.
type Request struct {
	Function  string
	StartedAt time.Time

	instance  *Instance
	parent    *Request // request whose callback issued this one
	state     protocol.State
	inputs    []allocation
	callbacks int
	failure   *GuestSignaledFailure
	hostErr   error
}

// allocation is a guest region the host obtained from allocate.
type allocation struct {
	addr protocol.Address
	size uint32
}

func newRequest(inst *Instance, function string) *Request {
	return &Request{
		Function:  function,
		StartedAt: time.Now(),
		instance:  inst,
		state:     protocol.StateIdle,
	}
}

// State returns the current lifecycle state.
func (r *Request) State() protocol.State {
	return r.state
}

// InstanceID returns the ID of the instance serving the request.
func (r *Request) InstanceID() string {
	return r.instance.ID
}

// Callbacks returns how many host callbacks the guest made so far.
func (r *Request) Callbacks() int {
	return r.callbacks
}

// Failure returns the guest-signaled failure, if any.
func (r *Request) Failure() *GuestSignaledFailure {
	return r.failure
}

// Transition moves the request to the next state.
func (r *Request) Transition(to protocol.State) error {
	if !protocol.CanTransition(r.state, to) {
		return &StateTransitionError{From: r.state, To: to}
	}
	r.state = to
	return nil
}

// abort records a host function failure, fails the request if it still can
// and traps the guest.
func (r *Request) abort(function string, err error) {
	hostErr := &HostFunctionError{FunctionName: function, Err: err}
	if r.hostErr == nil {
		r.hostErr = hostErr
	}
	if protocol.CanTransition(r.state, protocol.StateFailed) {
		r.state = protocol.StateFailed
	}
	panic(hostErr)
}

type requestKey struct{}

// withRequest attaches r to ctx. A request already in ctx becomes its parent,
// so calls issued from callbacks keep the whole chain.
func withRequest(ctx context.Context, r *Request) context.Context {
	if parent, ok := RequestFromContext(ctx); ok {
		r.parent = parent
	}
	return context.WithValue(ctx, requestKey{}, r)
}

// inFlight reports whether inst is serving r or any request up its chain.
func (r *Request) inFlight(inst *Instance) bool {
	for req := r; req != nil; req = req.parent {
		if req.instance == inst {
			return true
		}
	}
	return false
}

// RequestFromContext returns the request in flight for ctx. Callbacks receive
// a context carrying it.
func RequestFromContext(ctx context.Context) (*Request, bool) {
	r, ok := ctx.Value(requestKey{}).(*Request)
	return r, ok && r != nil
}
