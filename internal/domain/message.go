package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Severity of a log message.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
	SeverityInvalid Severity = "invalid"
)

// Field limits applied to every stored message.
const (
	MaxShortField   = 50
	MaxDetailsField = 2000
)

// ParseSeverity maps free-form severities to the known set; anything
// unrecognised is informational.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warning", "warn":
		return SeverityWarning
	case "error":
		return SeverityError
	case "fatal":
		return SeverityFatal
	case "invalid":
		return SeverityInvalid
	}
	return SeverityInfo
}

func (s Severity) rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityFatal, SeverityInvalid:
		return 3
	}
	return 0
}

// Message is a log entry of one execution attempt of a task.
type Message struct {
	TaskID    int64     `json:"task_id"`
	Attempt   int32     `json:"attempt"`
	Seq       int32     `json:"seq"`
	Severity  Severity  `json:"severity"`
	Category  string    `json:"category"`
	What      string    `json:"what"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Normalize strips NUL bytes and truncates fields to their storage limits.
func (m *Message) Normalize() {
	m.Severity = ParseSeverity(string(m.Severity))
	m.Category = clip(m.Category, MaxShortField)
	m.What = clip(m.What, MaxShortField)
	m.Details = clip(m.Details, MaxDetailsField)
}

func clip(s string, limit int) string {
	s = strings.ReplaceAll(s, "\x00", "")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit])
}

// StatusFromMessages derives a task outcome from its worst message.
func StatusFromMessages(msgs []Message) TaskStatus {
	worst := 0
	for _, m := range msgs {
		if r := ParseSeverity(string(m.Severity)).rank(); r > worst {
			worst = r
		}
	}
	switch worst {
	case 1:
		return StatusWarning
	case 2:
		return StatusError
	case 3:
		return StatusFatal
	}
	return StatusNoProblem
}
