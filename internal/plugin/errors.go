package plugin

import (
	"fmt"
)

// PluginLoadError occurs when plugin loading fails.
type PluginLoadError struct {
	PluginName string
	Err        error
}

func (e *PluginLoadError) Error() string {
	return fmt.Sprintf("failed to load plugin '%s': %v", e.PluginName, e.Err)
}

func (e *PluginLoadError) Unwrap() error {
	return e.Err
}

// PluginNotFoundError occurs when a plugin is not found in the registry.
type PluginNotFoundError struct {
	PluginName string
}

func (e *PluginNotFoundError) Error() string {
	return fmt.Sprintf("plugin '%s' not found", e.PluginName)
}

// PluginAlreadyRegisteredError occurs when attempting to register a duplicate plugin.
type PluginAlreadyRegisteredError struct {
	PluginName string
}

func (e *PluginAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("plugin '%s' is already registered", e.PluginName)
}
