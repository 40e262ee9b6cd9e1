package procedure

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	relayerrors "github.com/zhubert/relay/internal/errors"
)

type stubClassifier struct {
	label     string
	reasoning string
	err       error
	delay     time.Duration
	calls     int
	gotLabels []string
}

func (s *stubClassifier) Classify(ctx context.Context, _ string, labels []string) (string, string, error) {
	s.calls++
	s.gotLabels = labels
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
	return s.label, s.reasoning, s.err
}

func testRouter(opts ...RouterOption) *Router {
	base := []RouterOption{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}
	return NewRouter(DefaultCatalog(), append(base, opts...)...)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name           string
		classifier     *stubClassifier
		labels         []string
		wantProcedure  string
		wantSource     Source
		wantClassCalls int
	}{
		{
			name:           "override label skips classifier",
			classifier:     &stubClassifier{label: "code"},
			labels:         []string{"Bug", "Debugger"},
			wantProcedure:  DebuggerFull,
			wantSource:     SourceOverride,
			wantClassCalls: 0,
		},
		{
			name:           "override priority order wins",
			classifier:     &stubClassifier{label: "code"},
			labels:         []string{"question", "orchestrator"},
			wantProcedure:  OrchestratorFull,
			wantSource:     SourceOverride,
			wantClassCalls: 0,
		},
		{
			name:           "classifier label",
			classifier:     &stubClassifier{label: "question", reasoning: "asks how"},
			labels:         []string{"frontend"},
			wantProcedure:  SimpleQuestion,
			wantSource:     SourceClassifier,
			wantClassCalls: 1,
		},
		{
			name:           "classifier error falls back",
			classifier:     &stubClassifier{err: errors.New("boom")},
			wantProcedure:  FullDevelopment,
			wantSource:     SourceFallback,
			wantClassCalls: 1,
		},
		{
			name:           "unknown classifier label falls back",
			classifier:     &stubClassifier{label: "poetry"},
			wantProcedure:  FullDevelopment,
			wantSource:     SourceFallback,
			wantClassCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRouter(WithClassifier(tt.classifier))
			c, err := r.Classify(context.Background(), Request{Text: "please help", Labels: tt.labels})
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if c.Procedure.Name != tt.wantProcedure {
				t.Errorf("procedure = %q, want %q", c.Procedure.Name, tt.wantProcedure)
			}
			if c.Source != tt.wantSource {
				t.Errorf("source = %q, want %q", c.Source, tt.wantSource)
			}
			if tt.classifier.calls != tt.wantClassCalls {
				t.Errorf("classifier calls = %d, want %d", tt.classifier.calls, tt.wantClassCalls)
			}
		})
	}
}

func TestClassify_Timeout(t *testing.T) {
	slow := &stubClassifier{label: "question", delay: time.Second}
	r := testRouter(WithClassifier(slow), WithTimeout(20*time.Millisecond))

	start := time.Now()
	c, err := r.Classify(context.Background(), Request{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Source != SourceFallback {
		t.Errorf("source = %q, want fallback", c.Source)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("classifier timeout was not enforced")
	}
}

func TestClassify_PassesLabels(t *testing.T) {
	s := &stubClassifier{label: "code"}
	r := testRouter(WithClassifier(s))
	if _, err := r.Classify(context.Background(), Request{Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if len(s.gotLabels) != len(DefaultClassifications()) {
		t.Errorf("classifier saw %d labels, want %d", len(s.gotLabels), len(DefaultClassifications()))
	}
}

func TestClassify_NoClassifier(t *testing.T) {
	r := testRouter()
	c, err := r.Classify(context.Background(), Request{Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Procedure.Name != FullDevelopment || c.Source != SourceFallback {
		t.Errorf("got %+v", c)
	}
}

func TestClassify_MissingDefault(t *testing.T) {
	r := testRouter(WithDefault("nope"))
	_, err := r.Classify(context.Background(), Request{Text: "x"})
	if !relayerrors.Is(err, relayerrors.KindNotFound) {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestInitializeAndAdvance(t *testing.T) {
	r := testRouter()
	p, _ := r.Catalog().Get(SimpleQuestion)

	state := &State{SubroutineIndex: 5, ValidationIteration: 2, ValidationFeedback: "old"}
	r.InitializeMetadata(state, p)

	if state.Name != SimpleQuestion || state.SubroutineIndex != 0 || state.ValidationIteration != 0 || state.ValidationFeedback != "" {
		t.Fatalf("state not reset: %+v", state)
	}
	if cur := r.Current(state); cur == nil || cur.Name != "question-investigation" {
		t.Fatalf("Current() = %+v", cur)
	}

	next := r.Advance(state)
	if next == nil || next.Name != "question-answer" || !next.SingleTurn {
		t.Fatalf("Advance() = %+v", next)
	}
	if r.Advance(state) != nil {
		t.Error("Advance past last subroutine should return nil")
	}
	if !r.IsComplete(state) {
		t.Error("IsComplete() should be true")
	}
	if r.Advance(state) != nil || state.SubroutineIndex != len(p.Subroutines) {
		t.Error("Advance on a complete procedure should stay complete")
	}
	if r.Current(state) != nil {
		t.Error("Current() on a complete procedure should be nil")
	}
}

func TestCurrent_Uninitialized(t *testing.T) {
	r := testRouter()
	if r.Current(&State{}) != nil {
		t.Error("Current() on empty state should be nil")
	}
	if r.Advance(&State{Name: "gone"}) != nil {
		t.Error("Advance() on unknown procedure should be nil")
	}
}

// validationState returns a full-development state positioned on its
// validation subroutine.
func validationState(t *testing.T, r *Router) *State {
	t.Helper()
	p, _ := r.Catalog().Get(FullDevelopment)
	state := &State{}
	r.InitializeMetadata(state, p)
	r.Advance(state)
	r.Advance(state)
	if cur := r.Current(state); cur == nil || cur.Kind != KindValidation {
		t.Fatalf("expected validation subroutine, got %+v", cur)
	}
	return state
}

func TestCompleteValidation_Passed(t *testing.T) {
	r := testRouter()
	state := validationState(t, r)

	tr := r.CompleteValidation(state, ValidationOutcome{Passed: true})
	if tr.Kind != TransitionAdvance || tr.Next == nil || tr.Next.Name != "git-gh" {
		t.Errorf("transition = %v %+v", tr.Kind, tr.Next)
	}
}

func TestCompleteValidation_FixerThenAbandon(t *testing.T) {
	r := testRouter(WithMaxValidationIterations(2))
	state := validationState(t, r)
	index := state.SubroutineIndex

	for i := 1; i <= 2; i++ {
		tr := r.CompleteValidation(state, ValidationOutcome{Feedback: "tests fail"})
		if tr.Kind != TransitionRetryFixer {
			t.Fatalf("iteration %d: kind = %v, want retry-fixer", i, tr.Kind)
		}
		if tr.Next.Name != "acceptance-validation" || state.SubroutineIndex != index {
			t.Fatalf("fixer must re-run the same subroutine")
		}
		if state.ValidationIteration != i || state.ValidationFeedback != "tests fail" {
			t.Fatalf("state after iteration %d: %+v", i, state)
		}
	}

	tr := r.CompleteValidation(state, ValidationOutcome{Feedback: "still failing"})
	if tr.Kind != TransitionAbandon {
		t.Fatalf("kind = %v, want abandon", tr.Kind)
	}
	if tr.Next == nil || tr.Next.Name != "git-gh" {
		t.Errorf("abandon should advance, next = %+v", tr.Next)
	}
	if state.ValidationIteration != 0 {
		t.Errorf("validation iteration not cleared: %d", state.ValidationIteration)
	}
}

func TestCompleteValidation_RerunVerification(t *testing.T) {
	r := testRouter(WithMaxValidationIterations(3))
	state := validationState(t, r)

	tr := r.CompleteValidation(state, ValidationOutcome{RerunVerification: true})
	if tr.Kind != TransitionRerunVerification || tr.Next.Name != "verifications" {
		t.Fatalf("transition = %v %+v", tr.Kind, tr.Next)
	}
	if state.ValidationIteration != 1 {
		t.Errorf("rerun should consume an iteration, got %d", state.ValidationIteration)
	}

	// Verification completes and moves into validation again without
	// resetting the loop counter.
	next := r.Advance(state)
	if next == nil || next.Kind != KindValidation {
		t.Fatalf("expected validation after verification, got %+v", next)
	}
	if state.ValidationIteration != 1 {
		t.Errorf("iteration reset on re-entry: %d", state.ValidationIteration)
	}
}

func TestCompleteValidation_NonValidationSubroutine(t *testing.T) {
	r := testRouter()
	p, _ := r.Catalog().Get(FullDevelopment)
	state := &State{}
	r.InitializeMetadata(state, p)

	tr := r.CompleteValidation(state, ValidationOutcome{})
	if tr.Kind != TransitionAdvance || tr.Next.Name != "verifications" {
		t.Errorf("non-validation subroutine should simply advance, got %v %+v", tr.Kind, tr.Next)
	}
}

func TestState_HistoryBounded(t *testing.T) {
	s := &State{}
	for i := 0; i < maxHistory*2; i++ {
		s.record("x", "e")
	}
	if len(s.History) != maxHistory {
		t.Errorf("history length = %d, want %d", len(s.History), maxHistory)
	}
}

func TestTransitionKind_String(t *testing.T) {
	for kind, want := range map[TransitionKind]string{
		TransitionAdvance:           "advance",
		TransitionRetryFixer:        "retry-fixer",
		TransitionRerunVerification: "rerun-verification",
		TransitionAbandon:           "abandon",
		TransitionKind(42):          "unknown",
	} {
		if got := kind.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", kind, got, want)
		}
	}
}
