// Package toolcall encodes and decodes the inline tool-call markers that
// assistant content carries. A marker looks like
//
//	<tool-call id="t1" name="read_file" args="%7B%7D" status="running" />
//
// with every attribute value percent-encoded. Callers work with Marker values;
// only this package reads or writes the textual form.
package toolcall

import (
	"net/url"
	"strings"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	openTag  = "<tool-call"
	closeTag = "/>"
)

type Marker struct {
	ID         string
	Name       string
	Args       string
	Checkpoint string
	Status     Status
	Result     string
	ResultData string
}

// String serializes the marker. Optional attributes are omitted when empty,
// except that terminal markers always carry result and result_data.
func (m Marker) String() string {
	var sb strings.Builder
	sb.WriteString(openTag)
	writeAttr(&sb, "id", m.ID)
	writeAttr(&sb, "name", m.Name)
	writeAttr(&sb, "args", m.Args)
	if m.Checkpoint != "" {
		writeAttr(&sb, "checkpoint", m.Checkpoint)
	}
	status := m.Status
	if status == "" {
		status = StatusRunning
	}
	writeAttr(&sb, "status", string(status))
	if status.Terminal() {
		writeAttr(&sb, "result", m.Result)
		writeAttr(&sb, "result_data", m.ResultData)
	}
	sb.WriteString(" ")
	sb.WriteString(closeTag)
	return sb.String()
}

func writeAttr(sb *strings.Builder, key, value string) {
	sb.WriteByte(' ')
	sb.WriteString(key)
	sb.WriteString(`="`)
	sb.WriteString(url.PathEscape(value))
	sb.WriteByte('"')
}

// Span is a marker found in content, with its byte offsets.
type Span struct {
	Marker
	Start int
	End   int
}

// Parse returns every well-formed marker in content, in text order.
// Malformed markers are left alone as plain text.
func Parse(content string) []Span {
	var spans []Span
	offset := 0
	for {
		idx := strings.Index(content[offset:], openTag)
		if idx < 0 {
			return spans
		}
		start := offset + idx
		m, end, ok := parseAt(content, start)
		if !ok {
			offset = start + len(openTag)
			continue
		}
		spans = append(spans, Span{Marker: m, Start: start, End: end})
		offset = end
	}
}

// parseAt decodes the marker beginning at content[start:]. end is the offset
// just past the closing "/>".
func parseAt(content string, start int) (Marker, int, bool) {
	var m Marker
	i := start + len(openTag)
	if i >= len(content) || (content[i] != ' ' && content[i] != '\t' && content[i] != '\n') {
		return m, 0, false
	}
	for {
		for i < len(content) && (content[i] == ' ' || content[i] == '\t' || content[i] == '\n') {
			i++
		}
		if strings.HasPrefix(content[i:], closeTag) {
			if m.Status == "" {
				m.Status = StatusRunning
			}
			return m, i + len(closeTag), true
		}
		eq := strings.Index(content[i:], `="`)
		if eq <= 0 {
			return m, 0, false
		}
		key := content[i : i+eq]
		if strings.ContainsAny(key, " <>\"/\n") {
			return m, 0, false
		}
		valueStart := i + eq + 2
		quote := strings.IndexByte(content[valueStart:], '"')
		if quote < 0 {
			return m, 0, false
		}
		raw := content[valueStart : valueStart+quote]
		value, err := url.PathUnescape(raw)
		if err != nil {
			value = raw
		}
		m.set(key, value)
		i = valueStart + quote + 1
	}
}

func (m *Marker) set(key, value string) {
	switch key {
	case "id":
		m.ID = value
	case "name":
		m.Name = value
	case "args":
		m.Args = value
	case "checkpoint":
		m.Checkpoint = value
	case "status":
		m.Status = Status(value)
	case "result":
		m.Result = value
	case "result_data":
		m.ResultData = value
	}
}
