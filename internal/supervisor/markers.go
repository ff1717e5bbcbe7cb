// internal/supervisor/markers.go
package supervisor

import (
	"regexp"
	"strings"
)

// Output markers printed by the inference server. These strings are the
// contract with the server and must match its output exactly.
var (
	readyPattern   = regexp.MustCompile(`Please connect to custom endpoint at (.*)`)
	successPattern = regexp.MustCompile(`^CtxLimit:.*$`)
	abortPattern   = regexp.MustCompile(`Generation Aborted`)
	oomPattern     = regexp.MustCompile(`out of memory$`)
)

func matchReady(line string) (string, bool) {
	m := readyPattern.FindStringSubmatch(line)
	if m == nil || strings.TrimSpace(m[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

func matchSuccess(line string) bool { return successPattern.MatchString(line) }

func matchAbort(line string) bool { return abortPattern.MatchString(line) }

func matchOOM(line string) bool { return oomPattern.MatchString(line) }

// lineBuffer splits a stream delivered in arbitrary chunks into lines.
type lineBuffer struct {
	pending string
}

// feed appends a chunk and returns every line it completed.
func (b *lineBuffer) feed(chunk string) []string {
	b.pending += chunk
	var lines []string
	for {
		i := strings.IndexByte(b.pending, '\n')
		if i < 0 {
			return lines
		}
		lines = append(lines, strings.TrimSuffix(b.pending[:i], "\r"))
		b.pending = b.pending[i+1:]
	}
}

// flush returns the trailing unterminated line, if any.
func (b *lineBuffer) flush() (string, bool) {
	if b.pending == "" {
		return "", false
	}
	line := strings.TrimSuffix(b.pending, "\r")
	b.pending = ""
	return line, true
}
