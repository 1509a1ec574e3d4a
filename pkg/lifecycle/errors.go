package lifecycle

import "errors"

// ErrNotExecuting is returned when steering targets an agent that is not
// currently EXECUTING.
var ErrNotExecuting = errors.New("agent not executing")
