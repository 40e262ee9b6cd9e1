// Package errors provides structured error types for relay.
// These errors provide context about what operation failed and where.
package errors

import (
	"errors"
	"fmt"
)

// Op describes an operation, usually as "package.function".
type Op string

// Kind categorizes the type of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalid
	KindPermission
	KindIO
	KindNetwork
	KindConfig
	KindGit
	KindRunner
	KindRouting
	KindPlatform
	KindPersistence
	KindTimeout
)

var kinds = map[Kind]struct{ code, text string }{
	KindNotFound:    {"not_found", "not found"},
	KindInvalid:     {"invalid", "invalid"},
	KindPermission:  {"permission", "permission denied"},
	KindIO:          {"io", "I/O error"},
	KindNetwork:     {"network", "network error"},
	KindConfig:      {"config", "configuration error"},
	KindGit:         {"git", "git error"},
	KindRunner:      {"runner", "runner error"},
	KindRouting:     {"routing", "routing error"},
	KindPlatform:    {"platform", "platform error"},
	KindPersistence: {"persistence", "persistence error"},
	KindTimeout:     {"timeout", "timeout"},
}

func (k Kind) String() string {
	if n, ok := kinds[k]; ok {
		return n.text
	}
	return "unknown error"
}

// Code is the stable machine-readable name of k, as reported in HTTP
// error bodies.
func (k Kind) Code() string {
	if n, ok := kinds[k]; ok {
		return n.code
	}
	return "unknown"
}

// Error is the structured error type for relay.
type Error struct {
	Op      Op     // Operation that failed
	Kind    Kind   // Category of error
	Err     error  // Underlying error
	Context string // Additional context
}

func (e *Error) Error() string {
	switch {
	case e.Context != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Context, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error from its arguments, matched by type: Op, Kind, a
// context string, and the underlying error. With no underlying error the
// context becomes the message. When no Kind is given and the underlying
// error is itself an *Error, its Kind is carried up so callers can add an
// Op without losing the category.
func E(args ...any) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case string:
			e.Context = a
		case error:
			e.Err = a
		}
	}
	if e.Err == nil {
		e.Err = errors.New(e.Context)
		e.Context = ""
	}
	if e.Kind == KindUnknown {
		e.Kind = GetKind(e.Err)
	}
	return e
}

// Is reports whether err is of the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && GetKind(err) == kind
}

// GetKind returns the Kind of the outermost *Error in err's chain.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Sessions and routing

func SessionNotFound(id string) error {
	return E(Op("session.Get"), KindNotFound, fmt.Sprintf("session %s not found", id))
}

func NoRoute(workItem string) error {
	return E(Op("routing.Resolve"), KindRouting, fmt.Sprintf("no repository matches work item %s", workItem))
}

// Procedures

func ProcedureNotFound(name string) error {
	return E(Op("procedure.Get"), KindNotFound, fmt.Sprintf("procedure %q not defined", name))
}

func ClassifierTimeout(err error) error {
	return E(Op("procedure.Classify"), KindTimeout, "classifier did not answer in time", err)
}

// Configuration

func ConfigLoadFailed(path string, err error) error {
	return E(Op("config.Load"), KindConfig, fmt.Sprintf("failed to load config from %s", path), err)
}

func ConfigSaveFailed(path string, err error) error {
	return E(Op("config.Save"), KindConfig, fmt.Sprintf("failed to save config to %s", path), err)
}

func ConfigInvalid(reason string) error {
	return E(Op("config.Validate"), KindInvalid, reason)
}

// Workspaces

func GitNotRepo(path string) error {
	return E(Op("workspace.Create"), KindInvalid, fmt.Sprintf("%s is not a git repository", path))
}

func GitWorktreeFailed(branch string, err error) error {
	return E(Op("workspace.Create"), KindGit, fmt.Sprintf("failed to create worktree for branch %s", branch), err)
}

// Runners

func RunnerStartFailed(sessionID string, err error) error {
	return E(Op("runner.Start"), KindRunner, fmt.Sprintf("failed to start runner for session %s", sessionID), err)
}

func RunnerNotStreaming(name string) error {
	return E(Op("runner.AddInput"), KindRunner, fmt.Sprintf("runner %s does not accept streaming input", name))
}

func CLINotFound(name string) error {
	return E(Op("runner.LookPath"), KindNotFound, fmt.Sprintf("required CLI tool '%s' not found in PATH", name))
}

// Platforms and persistence

func PlatformFailed(op string, err error) error {
	return E(Op("platform."+op), KindPlatform, err)
}

func PersistenceFailed(backend string, err error) error {
	return E(Op("store.Save"), KindPersistence, fmt.Sprintf("%s backend", backend), err)
}
