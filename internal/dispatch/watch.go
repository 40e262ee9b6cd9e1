package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zhubert/relay/internal/logger"
	"github.com/zhubert/relay/internal/platform"
	"github.com/zhubert/relay/internal/procedure"
	"github.com/zhubert/relay/internal/prompt"
	"github.com/zhubert/relay/internal/runner"
	"github.com/zhubert/relay/internal/session"
)

// metaFeedbackSent marks a child session whose result was already handed
// to its parent.
const metaFeedbackSent = "delegation.feedbackSent"

// maxParameterLen bounds the tool parameter shown in action activities.
const maxParameterLen = 200

// watch consumes one handle's messages until the turn ends, then applies
// the result to the session.
func (e *Engine) watch(sess *session.Session, h runner.Handle) {
	defer e.wg.Done()
	log := logger.WithSession(sess.ID()).With("component", "dispatch")

	delegationTool := e.cfg.GetRunner().DelegationTool
	toolNames := make(map[string]string)
	var terminal *runner.Message
	var lastText string

	for msg := range h.Messages() {
		if msg.ResumeToken != "" {
			sess.SetResumeToken(msg.ResumeToken)
		}
		switch msg.Type {
		case runner.MessageText:
			if msg.Content == "" {
				continue
			}
			lastText = msg.Content
			sess.AppendEntry(session.Entry{Type: string(msg.Type), Content: msg.Content})
			e.Post(e.baseCtx, sess, platform.Activity{Type: platform.ActivityThought, Body: msg.Content})

		case runner.MessageToolUse:
			toolNames[msg.ToolUseID] = msg.ToolName
			param := toolParameter(msg.ToolInput)
			sess.AppendEntry(session.Entry{Type: string(msg.Type), ToolName: msg.ToolName, Content: param})
			e.Post(e.baseCtx, sess, platform.Activity{Type: platform.ActivityAction, Action: msg.ToolName, Parameter: param})

		case runner.MessageToolResult:
			name := toolNames[msg.ToolUseID]
			sess.AppendEntry(session.Entry{Type: string(msg.Type), ToolName: name, Content: truncate(msg.Content, maxParameterLen)})
			if name != "" && name == delegationTool && !msg.IsError {
				e.captureDelegation(sess, msg.Content)
			}

		case runner.MessageResult, runner.MessageError:
			m := msg
			terminal = &m
		}
		if terminal != nil {
			break
		}
	}

	if tok := h.ResumeToken(); tok != "" {
		sess.SetResumeToken(tok)
	}
	if terminal != nil && terminal.Type == runner.MessageResult && terminal.Content == "" {
		terminal.Content = lastText
	}
	log.Debug("runner turn ended", "terminal", terminal != nil)
	e.finish(sess, h, terminal)
}

// finish applies a finished turn to the session. A turn that was stopped
// or replaced by a newer one changes nothing.
func (e *Engine) finish(sess *session.Session, h runner.Handle, terminal *runner.Message) {
	log := logger.WithSession(sess.ID()).With("component", "dispatch")
	defer h.Stop()

	sess.LockDispatch()
	if sess.Handle() != h {
		sess.UnlockDispatch()
		log.Debug("turn superseded, ignoring its result")
		return
	}
	sess.DetachHandle(h)
	h.Stop()

	if terminal == nil {
		sess.UnlockDispatch()
		e.changed()
		return
	}

	if terminal.Type == runner.MessageError {
		sess.SetStatus(session.StatusError)
		sess.AppendEntry(session.Entry{Type: string(terminal.Type), Content: terminal.Content})
		sess.UnlockDispatch()
		log.Warn("runner turn failed", "error", terminal.Content)
		e.Post(e.baseCtx, sess, platform.Activity{Type: platform.ActivityError, Body: terminal.Content})
		if e.notifier != nil {
			e.notifier.Failed(e.displayName(sess), terminal.Content)
		}
		e.changed()
		return
	}

	result := terminal.Content
	sess.AppendEntry(session.Entry{Type: string(terminal.Type), Content: result})
	e.Post(e.baseCtx, sess, platform.Activity{Type: platform.ActivityResponse, Body: result})

	tr, advanced := e.applyResult(sess, result)
	st := sess.Procedure()
	if tr.Kind == procedure.TransitionAbandon {
		note := fmt.Sprintf("Validation did not pass after %d attempts; continuing without it.", e.procedures.MaxValidationIterations())
		log.Warn("validation loop exhausted, advancing", "procedure", st.Name)
		sess.AppendEntry(session.Entry{Type: "validation", Content: note})
		e.Post(e.baseCtx, sess, platform.Activity{Type: platform.ActivityThought, Body: note})
	}
	complete := !advanced || e.procedures.IsComplete(&st)

	if !complete && tr.Next != nil {
		log.Info("continuing procedure", "transition", tr.Kind, "subroutine", tr.Next.Name)
		err := e.resumeLocked(e.baseCtx, sess, Input{
			Continuation: true,
			Fixer:        tr.Kind == procedure.TransitionRetryFixer,
		})
		sess.UnlockDispatch()
		if err != nil {
			sess.SetStatus(session.StatusError)
			e.Post(e.baseCtx, sess, platform.Activity{Type: platform.ActivityError, Body: err.Error()})
			e.changed()
		}
		return
	}

	sess.SetStatus(session.StatusComplete)
	sendFeedback := false
	if _, ok := e.sessions.Delegation().GetParent(sess.ID()); ok && sess.Metadata(metaFeedbackSent) == "" {
		sess.SetMetadata(metaFeedbackSent, "true")
		sendFeedback = true
	}
	sess.UnlockDispatch()

	log.Info("procedure complete", "procedure", st.Name)
	if e.notifier != nil {
		e.notifier.Completed(e.displayName(sess))
	}
	e.changed()
	if sendFeedback {
		e.deliverToParent(sess, result)
	}
}

// applyResult moves the session's procedure past the subroutine that just
// finished. It returns false when the session had no subroutine to finish.
func (e *Engine) applyResult(sess *session.Session, result string) (procedure.Transition, bool) {
	var tr procedure.Transition
	advanced := false
	sess.UpdateProcedure(func(st *procedure.State) {
		cur := e.procedures.Current(st)
		if cur == nil {
			return
		}
		advanced = true
		if cur.Kind == procedure.KindValidation {
			tr = e.procedures.CompleteValidation(st, prompt.ParseValidation(result))
			return
		}
		tr = procedure.Transition{Kind: procedure.TransitionAdvance, Next: e.procedures.Advance(st)}
	})
	return tr, advanced
}

// deliverToParent resumes the parent of child with the child's result and
// grants it the child's workspace for that turn.
func (e *Engine) deliverToParent(child *session.Session, result string) {
	parentID, ok := e.sessions.Delegation().GetParent(child.ID())
	if !ok {
		return
	}
	log := logger.WithSession(child.ID()).With("component", "dispatch", "parent", parentID)
	parent, ok := e.sessions.Find(parentID)
	if !ok {
		log.Warn("parent session not found, dropping child result")
		return
	}

	var dirs []string
	if ws := child.Workspace().Path; ws != "" {
		dirs = append(dirs, ws)
	}
	text := prompt.DelegationFeedback(child.ID(), child.WorkItem().Identifier, result)
	out, err := e.HandleInboundText(e.baseCtx, parent, Input{
		Text:                  text,
		Continuation:          true,
		AdditionalDirectories: dirs,
	})
	if err != nil {
		log.Error("failed to deliver child result to parent", "error", err)
		e.Post(e.baseCtx, parent, platform.Activity{Type: platform.ActivityError, Body: err.Error()})
		return
	}
	log.Info("delivered child result to parent", "outcome", out)
}

// captureDelegation records the child session announced by a delegation
// tool result.
func (e *Engine) captureDelegation(parent *session.Session, output string) {
	child := childSessionID(output)
	if child == "" {
		return
	}
	if e.sessions.Delegation().SetParent(child, parent.ID()) {
		logger.WithSession(parent.ID()).Info("recorded child session", "child", child)
		e.changed()
	}
}

var childIDKeys = []string{"agentSessionId", "sessionId", "session_id", "childSessionId", "child_session_id"}

// childSessionID extracts a session id from a delegation tool's JSON
// output. It accepts the id at the top level or under "session".
func childSessionID(output string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &obj); err != nil {
		return ""
	}
	for _, k := range childIDKeys {
		if v, ok := obj[k].(string); ok && v != "" {
			return v
		}
	}
	if nested, ok := obj["session"].(map[string]any); ok {
		if v, ok := nested["id"].(string); ok {
			return v
		}
	}
	return ""
}

var parameterKeys = []string{"command", "file_path", "path", "pattern", "url", "query", "description"}

// toolParameter picks the most descriptive field of a tool input for
// display.
func toolParameter(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, k := range parameterKeys {
			if v, ok := obj[k].(string); ok && v != "" {
				return truncate(v, maxParameterLen)
			}
		}
	}
	return truncate(string(raw), maxParameterLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
