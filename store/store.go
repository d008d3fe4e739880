package store

import (
	"fmt"

	"github.com/hupe1980/starmesh/core"
)

// CheckRunWrite enforces the terminal status guard every OrchestrationStore
// applies in SaveRun: once a run is stored in a terminal status only writes
// carrying that same status are accepted. prev may be nil.
func CheckRunWrite(prev *core.Run, next *core.Run) error {
	if prev == nil || !prev.Status.IsTerminal() || next.Status == prev.Status {
		return nil
	}

	return fmt.Errorf("%w: run %s is %s, refusing to store %s", core.ErrStaleWrite, next.ID, prev.Status, next.Status)
}

// NotFound builds the error returned for unknown ids.
func NotFound(entity, id string) error {
	if entity == "run" {
		return &core.RunNotFoundError{RunID: id}
	}

	return fmt.Errorf("%s %s: %w", entity, id, core.ErrNotFound)
}
