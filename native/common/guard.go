package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a native module has been administratively halted.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard returns ErrModulePaused when the named module is paused. A nil view
// means no pause control is wired and the call is allowed.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
