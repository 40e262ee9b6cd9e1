// Package procedure defines the multi-step procedures a session follows and
// the router that picks one for an inbound request and tracks progress
// through it.
package procedure

import (
	"slices"
	"time"
)

// Kind marks subroutines with special completion handling.
type Kind string

const (
	KindStandard     Kind = ""
	KindVerification Kind = "verification"
	KindValidation   Kind = "validation"
)

// Subroutine is one step of a procedure.
type Subroutine struct {
	Name      string `yaml:"name" json:"name"`
	PromptRef string `yaml:"prompt" json:"prompt"`
	// SingleTurn constrains the runner to exactly one reply.
	SingleTurn       bool     `yaml:"single_turn,omitempty" json:"singleTurn,omitempty"`
	DisallowAllTools bool     `yaml:"disallow_all_tools,omitempty" json:"disallowAllTools,omitempty"`
	DisallowedTools  []string `yaml:"disallowed_tools,omitempty" json:"disallowedTools,omitempty"`
	Kind             Kind     `yaml:"kind,omitempty" json:"kind,omitempty"`
	// FixerPromptRef is used when a validation subroutine is re-entered after a failure.
	FixerPromptRef string `yaml:"fixer_prompt,omitempty" json:"fixerPrompt,omitempty"`
}

// Procedure is an ordered list of subroutines.
type Procedure struct {
	Name        string       `yaml:"name" json:"name"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Subroutines []Subroutine `yaml:"subroutines" json:"subroutines"`
}

// Subroutine returns the subroutine at index i, or nil when out of range.
func (p *Procedure) Subroutine(i int) *Subroutine {
	if p == nil || i < 0 || i >= len(p.Subroutines) {
		return nil
	}
	return &p.Subroutines[i]
}

// State is a session's progress through its current procedure. Sessions
// reference procedures by name and index only.
type State struct {
	Name                string `json:"procedureName,omitempty"`
	SubroutineIndex     int    `json:"currentSubroutineIndex"`
	ValidationIteration int    `json:"validationIteration"`
	// ValidationFeedback carries the last failed validation's findings into the fixer prompt.
	ValidationFeedback string `json:"validationFeedback,omitempty"`
	Classification     string `json:"classification,omitempty"`
	Reasoning          string `json:"reasoning,omitempty"`

	History []HistoryEntry `json:"history,omitempty"`
}

// HistoryEntry records one procedure event for a session.
type HistoryEntry struct {
	Subroutine string    `json:"subroutine"`
	Event      string    `json:"event"`
	At         time.Time `json:"at"`
}

// Initialized reports whether a procedure has been assigned.
func (s *State) Initialized() bool {
	return s != nil && s.Name != ""
}

// maxHistory bounds History so long-lived sessions do not grow snapshots.
const maxHistory = 50

func (s *State) record(subroutine, event string) {
	s.History = append(s.History, HistoryEntry{Subroutine: subroutine, Event: event, At: time.Now().UTC()})
	if len(s.History) > maxHistory {
		s.History = s.History[len(s.History)-maxHistory:]
	}
}

// Clone returns a copy of s that shares no memory with it.
func (s State) Clone() State {
	s.History = slices.Clone(s.History)
	return s
}
