package artifact

import (
	"fmt"

	"github.com/hupe1980/starmesh/core"
)

// ErrNotFound is returned for an unknown scope / id pair. It matches
// core.ErrNotFound under errors.Is.
var ErrNotFound = fmt.Errorf("artifact %w", core.ErrNotFound)
