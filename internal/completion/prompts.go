package completion

import (
	"strings"

	"github.com/sevir/capataz/pkg/models"
)

// CompleteTaskTool is the tool the agent calls to report completion.
const CompleteTaskTool = "complete_task"

// ReminderPrompt is sent when the agent stopped after doing work without
// reporting completion.
const ReminderPrompt = `You stopped without calling the complete_task tool.

Review what you have done against the original request. If the work is finished and verified, call complete_task with status "success" and a short summary. If work remains, keep going and call complete_task when you are done. If you cannot make further progress, call complete_task with status "blocked" and explain what is in the way.`

// PartialPrompt builds the continuation prompt after a partial report. It
// restates the request, the agent's own summary and the remaining work so the
// resumed turn does not need to re-read history.
func PartialPrompt(originalPrompt string, args *models.CompleteTaskArgs) string {
	var b strings.Builder
	b.WriteString("You reported the task as only partially complete. Continue working until it is done.\n")

	request := originalPrompt
	if args != nil && args.OriginalRequestSummary != "" {
		request = args.OriginalRequestSummary
	}
	if request != "" {
		b.WriteString("\n## Original request\n")
		b.WriteString(strings.TrimSpace(request))
		b.WriteString("\n")
	}

	if args != nil && args.Summary != "" {
		b.WriteString("\n## What you reported so far\n")
		b.WriteString(strings.TrimSpace(args.Summary))
		b.WriteString("\n")
	}

	if args != nil && args.RemainingWork != "" {
		b.WriteString("\n## Remaining work\n")
		for _, line := range strings.Split(strings.TrimSpace(args.RemainingWork), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				b.WriteString("- ")
				b.WriteString(line)
				b.WriteString("\n")
			}
		}
	}

	b.WriteString("\nWhen everything is finished, call ")
	b.WriteString(CompleteTaskTool)
	b.WriteString(` with status "success". Mark finished todos as completed first.`)
	return b.String()
}
