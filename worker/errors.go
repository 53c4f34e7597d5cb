package worker

import "errors"

// errNoQueue is returned by NewPerTaskSupervisor and
// NewPersistentSupervisor when Config.Queue is nil.
var errNoQueue = errors.New("worker: config.Queue must be set")
