package agent

import (
	"fmt"
	"strings"

	"github.com/zhubert/relay/internal/config"
	"github.com/zhubert/relay/internal/platform"
	"github.com/zhubert/relay/internal/session"
)

// maxComments bounds how many recent comments are added to a first prompt.
const maxComments = 10

// formatComments formats work item comments as context for the first turn.
// Only the most recent maxComments are kept.
func formatComments(comments []platform.Comment) string {
	if len(comments) > maxComments {
		comments = comments[len(comments)-maxComments:]
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Recent comments on the work item (%d comment(s)):\n\n", len(comments)))

	for i, c := range comments {
		sb.WriteString(fmt.Sprintf("--- Comment %d", i+1))
		if c.Author != "" {
			sb.WriteString(fmt.Sprintf(" by @%s", c.Author))
		}
		sb.WriteString(" ---\n")
		sb.WriteString(strings.TrimSpace(c.Body))
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// formatInitialMessage formats the first message of a session that was
// started without any text, based on the work item's platform.
func formatInitialMessage(platformName string, item platform.WorkItem) string {
	id := item.Identifier
	if id == "" {
		id = item.ID
	}

	switch platformName {
	case "linear", "":
		return strings.TrimSpace(fmt.Sprintf("Linear Issue %s: %s\n\n%s", id, item.Title, item.URL))
	default:
		return strings.TrimSpace(fmt.Sprintf("Issue %s: %s\n\n%s", id, item.Title, item.URL))
	}
}

// formatSelectionPrompt asks the user to pick one of candidates.
func formatSelectionPrompt(candidates []config.Repository) string {
	var sb strings.Builder
	sb.WriteString("I could not tell which repository this belongs to. Which one should I work in?\n\n")
	for _, c := range candidates {
		sb.WriteString("- ")
		sb.WriteString(repoName(c))
		if c.Slug != "" && c.Slug != c.Name {
			sb.WriteString(fmt.Sprintf(" (%s)", c.Slug))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nReply with the repository name.")
	return sb.String()
}

// formatContentNotice tells a running turn that its work item changed.
func formatContentNotice(wi session.WorkItem) string {
	var sb strings.Builder
	sb.WriteString("The work item was updated while you were working.")
	if wi.Title != "" {
		sb.WriteString(fmt.Sprintf("\n\nTitle: %s", wi.Title))
	}
	if d := strings.TrimSpace(wi.Description); d != "" {
		sb.WriteString("\n\n")
		sb.WriteString(d)
	}
	if len(wi.Labels) > 0 {
		sb.WriteString(fmt.Sprintf("\n\nLabels: %s", strings.Join(wi.Labels, ", ")))
	}
	return sb.String()
}

func repoName(r config.Repository) string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}
