// Package plugin registers named guest modules on a shared runtime and hands
// out instances of them.
package plugin

import (
	"fmt"
	"slices"
	"time"

	"github.com/woxQAQ/wasp/internal/wasm"
	"github.com/woxQAQ/wasp/pkg/protocol"
)

// Plugin is a named, ABI-checked guest module.
type Plugin struct {
	Name string

	// Source is the file path or identifier the module was loaded from.
	Source string

	// Compiled is the compiled Wasm module
	Compiled *wasm.CompiledModule

	Config Config

	// LoadedAt is the timestamp when the plugin was loaded
	LoadedAt time.Time
}

// Config holds per-plugin instance settings.
type Config struct {
	// Environment variables passed to every instance.
	Environment map[string]string

	// Callbacks limits the env callbacks the plugin may import. A nil
	// slice allows every callback registered on the runtime.
	Callbacks []string
}

// checkCallbacks reports the imported callbacks cfg does not allow.
func (c *Config) checkCallbacks(compiled *wasm.CompiledModule) []string {
	if c.Callbacks == nil {
		return nil
	}
	var problems []string
	for _, name := range compiled.ImportedCallbacks() {
		if !slices.Contains(c.Callbacks, name) {
			problems = append(problems, fmt.Sprintf("import '%s.%s' is not in the plugin's allowed callbacks", protocol.ImportModule, name))
		}
	}
	return problems
}
