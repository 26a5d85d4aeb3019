package wick

import "errors"

// ErrThreadBusy is returned when a turn is started on a thread that already
// has one in flight. The server surfaces it as HTTP 409.
var ErrThreadBusy = errors.New("thread busy: a turn is already in flight")

// ErrAgentNotFound is returned by the registry when no template exists for
// the requested agent ID.
var ErrAgentNotFound = errors.New("agent not found")

// ErrMaxIterations is reported through the error stream event when a turn
// exhausts its iteration budget without the model stopping on its own.
var ErrMaxIterations = errors.New("max iterations reached")
