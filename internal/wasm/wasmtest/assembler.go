// Package wasmtest assembles small guest modules for host tests, so the host
// can be exercised against real Wasm without a guest toolchain.
package wasmtest

import (
	"bytes"

	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

// Value types.
const (
	I32 = wasm.ValueTypeI32
)

// Opcodes used by the fixtures.
const (
	opUnreachable = wasm.OpcodeUnreachable
	opBlock       = wasm.OpcodeBlock
	opLoop        = wasm.OpcodeLoop
	opIf          = wasm.OpcodeIf
	opEnd         = wasm.OpcodeEnd
	opBr          = wasm.OpcodeBr
	opBrIf        = wasm.OpcodeBrIf
	opCall        = wasm.OpcodeCall
	opDrop        = wasm.OpcodeDrop
	opLocalGet    = wasm.OpcodeLocalGet
	opLocalSet    = wasm.OpcodeLocalSet
	opLocalTee    = wasm.OpcodeLocalTee
	opGlobalGet   = wasm.OpcodeGlobalGet
	opGlobalSet   = wasm.OpcodeGlobalSet
	opI32Load     = wasm.OpcodeI32Load
	opI32Load8U   = wasm.OpcodeI32Load8U
	opI32Store    = wasm.OpcodeI32Store
	opI32Store8   = wasm.OpcodeI32Store8
	opI32Const    = wasm.OpcodeI32Const
	opI32LtU      = wasm.OpcodeI32LtU
	opI32GtU      = wasm.OpcodeI32GtU
	opI32GeU      = wasm.OpcodeI32GeU
	opI32Add      = wasm.OpcodeI32Add
	opI32Sub      = wasm.OpcodeI32Sub
	opI32And      = wasm.OpcodeI32And
	opI32Or       = wasm.OpcodeI32Or

	// empty block type
	blockEmpty byte = 0x40
)

// FuncType is a function signature.
type FuncType struct {
	Params  []byte
	Results []byte
}

// Import is a function import.
type Import struct {
	Module string
	Name   string
	Type   FuncType
}

// Func is a function defined in the module.
type Func struct {
	Export string // exported under this name unless empty
	Type   FuncType
	Locals []byte
	Body   []byte // without the trailing end opcode
}

// Global is a mutable i32 global.
type Global struct {
	Init int32
}

// Segment is an active data segment in memory 0.
type Segment struct {
	Offset int32
	Data   []byte
}

// Module describes a guest module.
type Module struct {
	Imports     []Import
	Funcs       []Func
	MemoryPages uint32
	Globals     []Global
	Data        []Segment
}

// Binary encodes the module in the Wasm binary format. Memory 0 is exported
// as "memory".
func (m *Module) Binary() []byte {
	mod := &wasm.Module{
		MemorySection: &wasm.Memory{Min: m.MemoryPages},
	}
	typeIndex := func(ft FuncType) wasm.Index {
		for i, t := range mod.TypeSection {
			if bytes.Equal(t.Params, ft.Params) && bytes.Equal(t.Results, ft.Results) {
				return wasm.Index(i)
			}
		}
		mod.TypeSection = append(mod.TypeSection, &wasm.FunctionType{Params: ft.Params, Results: ft.Results})
		return wasm.Index(len(mod.TypeSection) - 1)
	}

	for _, imp := range m.Imports {
		mod.ImportSection = append(mod.ImportSection, &wasm.Import{
			Type:     wasm.ExternTypeFunc,
			Module:   imp.Module,
			Name:     imp.Name,
			DescFunc: typeIndex(imp.Type),
		})
	}
	for i, f := range m.Funcs {
		mod.FunctionSection = append(mod.FunctionSection, typeIndex(f.Type))
		if f.Export != "" {
			mod.ExportSection = append(mod.ExportSection, &wasm.Export{
				Type:  wasm.ExternTypeFunc,
				Name:  f.Export,
				Index: wasm.Index(len(m.Imports) + i),
			})
		}
		mod.CodeSection = append(mod.CodeSection, &wasm.Code{
			LocalTypes: f.Locals,
			Body:       append(append([]byte{}, f.Body...), opEnd),
		})
	}
	mod.ExportSection = append(mod.ExportSection, &wasm.Export{Type: wasm.ExternTypeMemory, Name: "memory"})

	for _, g := range m.Globals {
		mod.GlobalSection = append(mod.GlobalSection, &wasm.Global{
			Type: &wasm.GlobalType{ValType: I32, Mutable: true},
			Init: i32Expr(g.Init),
		})
	}
	for _, s := range m.Data {
		mod.DataSection = append(mod.DataSection, &wasm.DataSegment{
			OffsetExpression: i32Expr(s.Offset),
			Init:             s.Data,
		})
	}
	return binary.EncodeModule(mod)
}

func i32Expr(v int32) *wasm.ConstantExpression {
	return &wasm.ConstantExpression{Opcode: opI32Const, Data: leb128.EncodeInt32(v)}
}

// Instruction helpers.

func I32Const(v int32) []byte { return append([]byte{opI32Const}, leb128.EncodeInt32(v)...) }
func LocalGet(i uint32) []byte { return append([]byte{opLocalGet}, leb128.EncodeUint32(i)...) }
func LocalSet(i uint32) []byte { return append([]byte{opLocalSet}, leb128.EncodeUint32(i)...) }
func LocalTee(i uint32) []byte { return append([]byte{opLocalTee}, leb128.EncodeUint32(i)...) }
func GlobalGet(i uint32) []byte { return append([]byte{opGlobalGet}, leb128.EncodeUint32(i)...) }
func GlobalSet(i uint32) []byte { return append([]byte{opGlobalSet}, leb128.EncodeUint32(i)...) }
func Call(i uint32) []byte { return append([]byte{opCall}, leb128.EncodeUint32(i)...) }
func Br(depth uint32) []byte { return append([]byte{opBr}, leb128.EncodeUint32(depth)...) }
func BrIf(depth uint32) []byte { return append([]byte{opBrIf}, leb128.EncodeUint32(depth)...) }

// Memory access with explicit alignment and offset immediates.
func I32Load(offset uint32) []byte { return memarg(opI32Load, 2, offset) }
func I32Store(offset uint32) []byte { return memarg(opI32Store, 2, offset) }
func I32Load8U(offset uint32) []byte { return memarg(opI32Load8U, 0, offset) }
func I32Store8(offset uint32) []byte { return memarg(opI32Store8, 0, offset) }

func memarg(op wasm.Opcode, align, offset uint32) []byte {
	out := []byte{op}
	out = append(out, leb128.EncodeUint32(align)...)
	return append(out, leb128.EncodeUint32(offset)...)
}

// Simple opcodes.
var (
	Unreachable = []byte{opUnreachable}
	Drop        = []byte{opDrop}
	End         = []byte{opEnd}
	Block       = []byte{opBlock, blockEmpty}
	Loop        = []byte{opLoop, blockEmpty}
	If          = []byte{opIf, blockEmpty}
	Add         = []byte{opI32Add}
	Sub         = []byte{opI32Sub}
	And         = []byte{opI32And}
	Or          = []byte{opI32Or}
	LtU         = []byte{opI32LtU}
	GtU         = []byte{opI32GtU}
	GeU         = []byte{opI32GeU}
)

// Code concatenates instructions.
func Code(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
