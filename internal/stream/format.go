package stream

import (
	"fmt"
	"sort"
	"strings"
)

const maxFormattedValue = 200

// Formatter renders messages as a human-readable transcript.
type Formatter struct {
	lastKind Kind
	inDelta  bool
}

// NewFormatter creates a Formatter.
func NewFormatter() *Formatter {
	return &Formatter{}
}

// Format returns the transcript text for msg, or "" if it has none.
func (f *Formatter) Format(msg Message) string {
	var out strings.Builder

	// Close a run of streamed text before anything else is printed.
	if f.inDelta && !(msg.Kind == KindText && msg.Delta) {
		out.WriteString("\n")
		f.inDelta = false
	}

	switch msg.Kind {
	case KindStepStart:
		if f.lastKind == "" && msg.SessionID != "" {
			fmt.Fprintf(&out, "Session started: %s\n", msg.SessionID)
		}

	case KindText:
		if msg.Delta {
			out.WriteString(msg.Text)
			f.inDelta = msg.Text != ""
			break
		}
		if msg.Text != "" {
			out.WriteString(msg.Text)
			if !strings.HasSuffix(msg.Text, "\n") {
				out.WriteString("\n")
			}
		}

	case KindToolCall, KindToolUse:
		if msg.Tool == nil {
			break
		}
		name := msg.Tool.Name
		if msg.Tool.Title != "" {
			name += " (" + msg.Tool.Title + ")"
		}
		fmt.Fprintf(&out, "[Tool: %s]\n", name)
		formatInput(&out, msg.Tool.Input)

	case KindToolResult:
		if msg.Tool == nil {
			break
		}
		for _, line := range strings.Split(msg.Tool.Output, "\n") {
			if line != "" {
				fmt.Fprintf(&out, "  > %s\n", line)
			}
		}

	case KindStepFinish:
		if msg.Finish != nil && msg.Finish.Reason.IsTerminating() {
			fmt.Fprintf(&out, "[Step finished: %s", msg.Finish.Reason)
			if msg.Finish.Cost > 0 {
				fmt.Fprintf(&out, ", cost: $%.4f", msg.Finish.Cost)
			}
			out.WriteString("]\n")
		}

	case KindError:
		if msg.Err != nil {
			fmt.Fprintf(&out, "[Error] %s\n", msg.Err.Error())
		}
	}

	f.lastKind = msg.Kind
	return out.String()
}

func formatInput(out *strings.Builder, input map[string]any) {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := input[k]
		switch k {
		case "command":
			fmt.Fprintf(out, "  $ %v\n", v)
		case "filePath", "file_path", "path":
			fmt.Fprintf(out, "  File: %v\n", v)
		case "content", "newString", "new_string":
			fmt.Fprintf(out, "  Content: %s\n", truncate(fmt.Sprintf("%v", v), maxFormattedValue))
		default:
			fmt.Fprintf(out, "  %s: %s\n", k, truncate(fmt.Sprintf("%v", v), maxFormattedValue))
		}
	}
}

