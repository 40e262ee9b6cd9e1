// Package session holds the in-memory record of every conversation relay
// is running on behalf of a work item.
//
// # Sessions
//
// A Session is created on the first event for a work item and lives until it
// is explicitly removed. It owns at most one runner handle at a time: a new
// process may only be attached once the previous one has been stopped or
// has exited. All mutable fields are guarded by the session's own lock, and
// a separate dispatch lock serializes the decide-then-act sequence of the
// dispatch engine for that one session.
//
// # Registries
//
// A Registry holds the sessions of one repository. The Set groups one
// Registry per configured repository plus one unscoped registry for threads
// that are not tied to a repository, and offers lookups across all of them.
// Every registry shares the process-wide delegation registry so child and
// parent sessions can be found regardless of which repository they live in.
//
// # Persistence
//
// Record is the serializable form of a Session. Registry.Records and
// Registry.Restore convert in both directions; runner handles are never
// persisted, so restored sessions resume through their resume token.
package session
