package common

import (
	"errors"
	"fmt"
)

var ErrModulePaused = errors.New("module paused")

// PauseView exposes the pause switches maintained in state.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard fails with ErrModulePaused when the module has been paused. A nil
// view never blocks.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return fmt.Errorf("%s: %w", module, ErrModulePaused)
	}
	return nil
}
