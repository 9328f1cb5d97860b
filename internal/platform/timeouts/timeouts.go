// Package timeouts defines shared timeout constants used across the
// dispatcher runtime. Centralizing these values prevents drift between
// component boundaries and makes the durations discoverable.
package timeouts

import "time"

// TaskExecution is the default deadline for one task execution when the
// task record does not carry its own timeout.
const TaskExecution = 60 * time.Second

// CollaboratorRequest caps a single HTTP call to an external task-execution
// collaborator (cache renderer, mail relay, notification sink).
const CollaboratorRequest = 30 * time.Second

// ReadHeader limits how long the admin HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second
