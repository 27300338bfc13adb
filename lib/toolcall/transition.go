package toolcall

import "strings"

// Append adds a running marker for m to the end of content, on its own line.
func Append(content string, m Marker) string {
	m.Status = StatusRunning
	m.Result = ""
	m.ResultData = ""
	var sb strings.Builder
	sb.WriteString(content)
	if content != "" && !strings.HasSuffix(content, "\n") {
		sb.WriteByte('\n')
	}
	sb.WriteString(m.String())
	sb.WriteByte('\n')
	return sb.String()
}

// Result is the outcome a tool_result record reports for a tool call.
type Result struct {
	ID         string
	Failed     bool
	Output     string
	ResultData string
}

// Finish replaces the running marker that res belongs to with its terminal
// form, in place. It reports false when no marker was transitioned.
//
// Matching prefers a running marker whose id equals res.ID. When res.ID is
// empty, or no marker with that id exists yet, the last running marker in
// content is used instead. That fallback can attribute a result to the wrong
// call when several id-less tools run at once; it is kept because agents that
// omit ids rely on it. A result whose id only matches markers that already
// finished is dropped, so each id transitions at most once.
func Finish(content string, res Result) (string, bool) {
	spans := Parse(content)
	target := -1
	idSeen := false
	if res.ID != "" {
		for i, s := range spans {
			if s.ID != res.ID {
				continue
			}
			idSeen = true
			if s.Status == StatusRunning {
				target = i
				break
			}
		}
	}
	if target < 0 && !idSeen {
		for i := len(spans) - 1; i >= 0; i-- {
			if spans[i].Status == StatusRunning {
				target = i
				break
			}
		}
	}
	if target < 0 {
		return content, false
	}

	span := spans[target]
	done := span.Marker
	if done.ID == "" {
		done.ID = res.ID
	}
	done.Status = StatusCompleted
	if res.Failed {
		done.Status = StatusFailed
	}
	done.Result = res.Output
	done.ResultData = res.ResultData
	return content[:span.Start] + done.String() + content[span.End:], true
}

// Running returns the markers in content that have not reached a terminal
// status.
func Running(content string) []Marker {
	var out []Marker
	for _, s := range Parse(content) {
		if s.Status == StatusRunning {
			out = append(out, s.Marker)
		}
	}
	return out
}

// Summarize replaces every marker with a short bracketed label, for plain
// text views of a message.
func Summarize(content string) string {
	spans := Parse(content)
	if len(spans) == 0 {
		return content
	}
	var sb strings.Builder
	last := 0
	for _, s := range spans {
		sb.WriteString(content[last:s.Start])
		sb.WriteString("[")
		sb.WriteString(s.Name)
		switch s.Status {
		case StatusCompleted:
			sb.WriteString(" done")
		case StatusFailed:
			sb.WriteString(" failed")
		default:
			sb.WriteString(" …")
		}
		sb.WriteString("]")
		last = s.End
	}
	sb.WriteString(content[last:])
	return sb.String()
}
