// Package logparse turns converter logs into task messages.
//
// Logs follow the LaTeXML convention: a message header line of the form
//
//	severity:category:what details
//
// optionally followed by tab-indented continuation lines that extend the
// details of the preceding message. Anything else is ignored.
package logparse

import (
	"bufio"
	"regexp"
	"strings"

	"corpus-dispatch/internal/domain"
)

var headerLine = regexp.MustCompile(`^([^ :]+):([^ :]+):([^ ]+)(\s(.*))?$`)

// Parse extracts messages from log, numbering them from 1 in log order.
func Parse(log string) []domain.Message {
	var msgs []domain.Message
	inDetails := false

	sc := bufio.NewScanner(strings.NewReader(log))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if inDetails {
			if strings.HasPrefix(line, "\t") {
				last := &msgs[len(msgs)-1]
				last.Details = clipDetails(last.Details + "\n" + line)
				continue
			}
			inDetails = false
		}

		m := headerLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		msg := domain.Message{
			Severity: domain.Severity(strings.ToLower(m[1])),
			Category: m[2],
			What:     m[3],
			Details:  m[5],
		}
		if msg.Severity == domain.SeverityFatal && msg.Category == "invalid" {
			msg.Severity = domain.SeverityInvalid
			msg.Category = msg.What
			msg.What = "all"
		}
		msg.Normalize()
		msg.Seq = int32(len(msgs) + 1)
		msgs = append(msgs, msg)
		inDetails = true
	}
	return msgs
}

func clipDetails(s string) string {
	r := []rune(strings.ReplaceAll(s, "\x00", ""))
	if len(r) > domain.MaxDetailsField {
		r = r[:domain.MaxDetailsField]
	}
	return string(r)
}
