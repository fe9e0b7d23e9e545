package wasm

import (
	"fmt"
	"slices"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/woxQAQ/wasp/pkg/protocol"
)

var (
	sigAllocate   = signature{params: []api.ValueType{api.ValueTypeI32}, results: []api.ValueType{api.ValueTypeI32}}
	sigDeallocate = signature{params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}}
	sigCallback   = sigAllocate
	sigRaiseError = signature{params: []api.ValueType{api.ValueTypeI32}}
	sigLogMessage = sigDeallocate
)

type signature struct {
	params  []api.ValueType
	results []api.ValueType
}

func (s signature) matches(def api.FunctionDefinition) bool {
	return slices.Equal(def.ParamTypes(), s.params) && slices.Equal(def.ResultTypes(), s.results)
}

func (s signature) String() string {
	return fmt.Sprintf("(%s) -> (%s)", valueTypes(s.params), valueTypes(s.results))
}

func valueTypes(types []api.ValueType) string {
	out := ""
	for i, t := range types {
		if i > 0 {
			out += ", "
		}
		out += api.ValueTypeName(t)
	}
	return out
}

// ValidateABI checks that a compiled module exports the allocator pair and
// its memory, and that every function it imports can be satisfied by the
// runtime. All problems are reported together in an *ABIError.
func (r *Runtime) ValidateABI(compiled *CompiledModule) error {
	var problems []string

	exports := compiled.Module.ExportedFunctions()
	for _, want := range []struct {
		name string
		sig  signature
	}{
		{protocol.ExportAllocate, sigAllocate},
		{protocol.ExportDeallocate, sigDeallocate},
	} {
		def, ok := exports[want.name]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("missing export '%s'", want.name))
		case !want.sig.matches(def):
			problems = append(problems, fmt.Sprintf("export '%s' must have signature %s", want.name, want.sig))
		}
	}
	if _, ok := compiled.Module.ExportedMemories()[protocol.ExportMemory]; !ok {
		problems = append(problems, fmt.Sprintf("missing exported memory '%s'", protocol.ExportMemory))
	}

	for _, def := range compiled.Module.ImportedFunctions() {
		module, name, _ := def.Import()
		var want signature
		switch {
		case module == wasi_snapshot_preview1.ModuleName:
			if !r.config.EnableWASI {
				problems = append(problems, fmt.Sprintf("import '%s.%s' needs WASI, which is disabled", module, name))
			}
			continue
		case module != protocol.ImportModule:
			problems = append(problems, fmt.Sprintf("import '%s.%s' is from an unknown module", module, name))
			continue
		case name == protocol.ImportRaiseError:
			want = sigRaiseError
		case name == protocol.ImportLogMessage:
			want = sigLogMessage
		case r.imports.Has(name):
			want = sigCallback
		default:
			problems = append(problems, fmt.Sprintf("import '%s.%s' has no registered callback", module, name))
			continue
		}
		if !want.matches(def) {
			problems = append(problems, fmt.Sprintf("import '%s.%s' must have signature %s", module, name, want))
		}
	}

	if len(problems) > 0 {
		return &ABIError{ModuleName: compiled.Name, Problems: problems}
	}
	return nil
}

// ImportedCallbacks lists the env callbacks the module imports, leaving out
// raise_error and log_message.
func (c *CompiledModule) ImportedCallbacks() []string {
	var names []string
	for _, def := range c.Module.ImportedFunctions() {
		module, name, _ := def.Import()
		if module != protocol.ImportModule || name == protocol.ImportRaiseError || name == protocol.ImportLogMessage {
			continue
		}
		names = append(names, name)
	}
	return names
}
