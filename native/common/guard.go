package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// Module names recognised by the pause switchboard.
const (
	ModuleRamp     = "ramp"
	ModuleRegistry = "registry"
	ModuleBank     = "bank"
)

// PauseView reports whether a module is administratively paused. Reads happen
// on every state-changing call so a pause takes effect immediately.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the module is paused. A nil view or empty module
// name never blocks.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
