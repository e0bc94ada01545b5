// Package dispatch owns the lifecycle of runners: which job types are
// subscribed on the shared queue connection, and the transitions between
// STOPPED and ACTIVE.
//
// A runner is ACTIVE while its subscription handle is open. Stopping is
// synchronous: the handle is closed, then polled until the queue confirms
// that fetching ended and no job of the runner is still in flight. If that
// does not happen within the configured number of polls the stop fails with
// ErrCantStopRunner and the runner stays registered as running.
//
// Lifecycle operations are serialized. Status reads (IsActive, List) only
// take a read lock on the instance map and never wait for a stop to finish.
//
// Every transition is written to the operation log and published on the
// event hub. Failing to record an operation is logged and otherwise ignored.
package dispatch
