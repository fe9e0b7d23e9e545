package wasmtest

// Memory layout of the fixture plugin.
const (
	// HeapBase is the first address the bump allocator hands out.
	HeapBase = 1024

	dataHello = 16 // "Hello "
	dataNic   = 32 // "Nic"
	dataOops  = 48 // "Oops"
	dataBad   = 56 // "Oops" with invalid UTF-8 in place of the p

	// CorruptAddress holds a buffer whose prefix claims 100 bytes but only
	// the prefix fits before the end of memory.
	CorruptAddress = 65532
)

var (
	typeII  = FuncType{Params: []byte{I32}, Results: []byte{I32}}
	typeIV  = FuncType{Params: []byte{I32}}
	typeIIV = FuncType{Params: []byte{I32, I32}}
	typeIII = FuncType{Params: []byte{I32, I32}, Results: []byte{I32}}
	typeV   = FuncType{}
	typeVI  = FuncType{Results: []byte{I32}}
)

type options struct {
	callback    bool
	imports     []string
	noAllocator bool
	badAllocate bool
}

// Plugin returns a conformant guest exporting the example functions and
// importing env.call_me, env.raise_error and env.log_message.
//
// Its allocator is a bump allocator: deallocate checks the address is
// inside the heap and counts releases, but memory is never reclaimed. That
// leaks and is only acceptable for short-lived instances such as tests.
//
// Exports: allocate, deallocate, sum, hello, reverse, echo, fail,
// live_allocations, corrupt, spin, log, fail_invalid_utf8, callback.
func Plugin() []byte {
	return build(options{callback: true})
}

// PluginWithoutCallback is Plugin without the call_me import and the
// callback export.
func PluginWithoutCallback() []byte {
	return build(options{})
}

// PluginWithImports is PluginWithoutCallback plus extra (i32) -> i32
// imports from env.
func PluginWithImports(names ...string) []byte {
	return build(options{imports: names})
}

// PluginMissingAllocator exports the example functions but neither
// allocate nor deallocate.
func PluginMissingAllocator() []byte {
	return build(options{noAllocator: true})
}

// PluginBadAllocateSignature exports allocate as (i32, i32) -> i32. The
// functions that allocate internally still use a (i32) -> i32 allocator.
func PluginBadAllocateSignature() []byte {
	return build(options{badAllocate: true})
}

func build(o options) []byte {
	var imports []Import
	if o.callback {
		imports = append(imports, Import{Module: "env", Name: "call_me", Type: typeII})
	}
	imports = append(imports,
		Import{Module: "env", Name: "raise_error", Type: typeIV},
		Import{Module: "env", Name: "log_message", Type: typeIIV},
	)
	for _, n := range o.imports {
		imports = append(imports, Import{Module: "env", Name: n, Type: typeII})
	}

	names := []string{
		"allocate", "deallocate", "copy", "encode",
		"sum", "hello", "reverse", "echo", "fail",
		"live_allocations", "corrupt", "spin", "log", "fail_invalid_utf8",
	}
	if o.callback {
		names = append(names, "callback")
	}

	idx := make(map[string]uint32)
	for i, imp := range imports {
		idx[imp.Name] = uint32(i)
	}
	for i, n := range names {
		idx[n] = uint32(len(imports) + i)
	}

	allocate := Func{
		Export: "allocate",
		Type:   typeII,
		Body: Code(
			GlobalGet(0),
			GlobalGet(0), LocalGet(0), I32Const(15), Add, I32Const(-8), And, Add, GlobalSet(0),
			GlobalGet(0), I32Const(65536), GtU, If, Unreachable, End,
			GlobalGet(1), I32Const(1), Add, GlobalSet(1),
		),
	}
	deallocate := Func{
		Export: "deallocate",
		Type:   typeIIV,
		Body: Code(
			LocalGet(0), I32Const(HeapBase), LtU,
			LocalGet(0), GlobalGet(0), GeU,
			Or, If, Unreachable, End,
			GlobalGet(1), I32Const(1), Sub, GlobalSet(1),
		),
	}
	if o.noAllocator {
		allocate.Export = ""
		deallocate.Export = ""
	}
	if o.badAllocate {
		allocate.Export = ""
	}

	funcs := []Func{
		allocate,
		deallocate,
		{
			// copy(dst, src, n)
			Type:   FuncType{Params: []byte{I32, I32, I32}},
			Locals: []byte{I32},
			Body: Code(
				Block, Loop,
				LocalGet(3), LocalGet(2), GeU, BrIf(1),
				LocalGet(0), LocalGet(3), Add,
				LocalGet(1), LocalGet(3), Add, I32Load8U(0),
				I32Store8(0),
				LocalGet(3), I32Const(1), Add, LocalSet(3),
				Br(0),
				End, End,
			),
		},
		{
			// encode(src, len) -> ptr
			Type:   typeIII,
			Locals: []byte{I32},
			Body: Code(
				LocalGet(1), I32Const(4), Add, Call(idx["allocate"]), LocalSet(2),
				LocalGet(2), LocalGet(1), I32Store(0),
				LocalGet(2), I32Const(4), Add, LocalGet(0), LocalGet(1), Call(idx["copy"]),
				LocalGet(2),
			),
		},
		{
			Export: "sum",
			Type:   typeIII,
			Body:   Code(LocalGet(0), LocalGet(1), Add),
		},
		{
			Export: "hello",
			Type:   typeII,
			Locals: []byte{I32, I32},
			Body: Code(
				LocalGet(0), I32Load(0), LocalSet(1),
				LocalGet(1), I32Const(10), Add, Call(idx["allocate"]), LocalSet(2),
				LocalGet(2), LocalGet(1), I32Const(6), Add, I32Store(0),
				LocalGet(2), I32Const(4), Add, I32Const(dataHello), I32Const(6), Call(idx["copy"]),
				LocalGet(2), I32Const(10), Add, LocalGet(0), I32Const(4), Add, LocalGet(1), Call(idx["copy"]),
				LocalGet(2),
			),
		},
		{
			Export: "reverse",
			Type:   typeII,
			Locals: []byte{I32, I32, I32},
			Body: Code(
				LocalGet(0), I32Load(0), LocalSet(1),
				LocalGet(1), I32Const(4), Add, Call(idx["allocate"]), LocalSet(2),
				LocalGet(2), LocalGet(1), I32Store(0),
				Block, Loop,
				LocalGet(3), LocalGet(1), GeU, BrIf(1),
				// out[4+i] = in[4+len-1-i]
				LocalGet(2), LocalGet(3), Add,
				LocalGet(0), LocalGet(1), Add, LocalGet(3), Sub, I32Load8U(3),
				I32Store8(4),
				LocalGet(3), I32Const(1), Add, LocalSet(3),
				Br(0),
				End, End,
				LocalGet(2),
			),
		},
		{
			Export: "echo",
			Type:   typeII,
			Body:   Code(LocalGet(0), I32Const(4), Add, LocalGet(0), I32Load(0), Call(idx["encode"])),
		},
		{
			Export: "fail",
			Type:   typeVI,
			Body: Code(
				I32Const(dataOops), I32Const(4), Call(idx["encode"]), Call(idx["raise_error"]),
				I32Const(0),
			),
		},
		{
			Export: "live_allocations",
			Type:   typeVI,
			Body:   GlobalGet(1),
		},
		{
			Export: "corrupt",
			Type:   typeVI,
			Body: Code(
				I32Const(CorruptAddress), I32Const(100), I32Store(0),
				I32Const(CorruptAddress),
			),
		},
		{
			Export: "spin",
			Type:   typeV,
			Body:   Code(Loop, Br(0), End),
		},
		{
			// log() sends "Hello " to log_message at info level.
			Export: "log",
			Type:   typeV,
			Body: Code(
				I32Const(1), I32Const(dataHello), I32Const(6), Call(idx["encode"]),
				Call(idx["log_message"]),
			),
		},
		{
			Export: "fail_invalid_utf8",
			Type:   typeVI,
			Body: Code(
				I32Const(dataBad), I32Const(4), Call(idx["encode"]), Call(idx["raise_error"]),
				I32Const(0),
			),
		},
	}
	if o.callback {
		funcs = append(funcs, Func{
			Export: "callback",
			Type:   typeVI,
			Locals: []byte{I32},
			Body: Code(
				I32Const(dataNic), I32Const(3), Call(idx["encode"]), LocalTee(0),
				Call(idx["call_me"]),
				// The argument is guest-owned; the callback result is
				// returned to the host as-is.
				LocalGet(0), I32Const(7), Call(idx["deallocate"]),
			),
		})
	}

	if o.badAllocate {
		// Appended last so the indices above stay valid.
		funcs = append(funcs, Func{
			Export: "allocate",
			Type:   typeIII,
			Body:   Code(LocalGet(0), Call(idx["allocate"])),
		})
	}

	m := &Module{
		Imports:     imports,
		Funcs:       funcs,
		MemoryPages: 1,
		Globals:     []Global{{Init: HeapBase}, {Init: 0}},
		Data: []Segment{
			{Offset: dataHello, Data: []byte("Hello ")},
			{Offset: dataNic, Data: []byte("Nic")},
			{Offset: dataOops, Data: []byte("Oops")},
			{Offset: dataBad, Data: []byte{'O', 'o', 0xff, 's'}},
		},
	}
	return m.Binary()
}
