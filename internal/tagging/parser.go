// Package tagging detects patient requests for human attention and routes
// them to therapists instead of the AI.
package tagging

import (
	"sort"
	"strings"
	"unicode"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/conversation"
)

// DefaultMarkers address every assigned therapist.
var DefaultMarkers = []string{"@therapist", "@therapists", "@team"}

// Mention is the result of scanning one message.
type Mention struct {
	Found bool
	// TherapistID is empty when the mention addresses all assigned therapists.
	TherapistID   string
	TherapistName string
	Marker        string
}

// Parser recognises generic markers ("@therapist") and "@Name" mentions.
// A marker counts only at the start of the text or after whitespace, so
// email addresses never tag anyone.
type Parser struct {
	markers []string
}

func NewParser(markers []string) *Parser {
	p := &Parser{}
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if !strings.HasPrefix(m, "@") {
			m = "@" + m
		}
		p.markers = append(p.markers, m)
	}
	if len(p.markers) == 0 {
		p.markers = append(p.markers, DefaultMarkers...)
	}
	// Longest first so "@therapists" wins over "@therapist".
	sort.SliceStable(p.markers, func(i, j int) bool { return len(p.markers[i]) > len(p.markers[j]) })
	return p
}

// Markers returns the configured generic markers.
func (p *Parser) Markers() []string {
	return append([]string(nil), p.markers...)
}

// Parse scans text for the first mention. candidates are the therapists
// assigned to the patient; an "@Name" that matches none of them addresses all.
func (p *Parser) Parse(text string, candidates []access.User) Mention {
	lower := strings.ToLower(text)
	for i := 0; i < len(lower); i++ {
		if lower[i] != '@' || !atBoundary(lower, i) {
			continue
		}
		rest := lower[i:]
		for _, m := range p.markers {
			if strings.HasPrefix(rest, m) && endsWord(rest, len(m)) {
				return Mention{Found: true, Marker: m}
			}
		}
		name := rest[1:]
		if name == "" || !startsName(name) {
			continue
		}
		if u, ok := matchTherapist(name, candidates); ok {
			return Mention{Found: true, TherapistID: u.ID, TherapistName: u.Name, Marker: "@" + strings.ToLower(u.Name)}
		}
		return Mention{Found: true, Marker: "@" + firstWord(name)}
	}
	return Mention{}
}

func atBoundary(s string, i int) bool {
	if i == 0 {
		return true
	}
	r := rune(s[i-1])
	return unicode.IsSpace(r) || r == '(' || r == '"' || r == '\''
}

func endsWord(s string, n int) bool {
	if n >= len(s) {
		return true
	}
	r := rune(s[n])
	return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}

func startsName(s string) bool {
	for _, r := range s {
		return unicode.IsLetter(r)
	}
	return false
}

func firstWord(s string) string {
	end := strings.IndexFunc(s, func(r rune) bool { return !(unicode.IsLetter(r) || r == '-' || r == '.') })
	if end < 0 {
		return s
	}
	return s[:end]
}

// matchTherapist picks the candidate whose full or first name is the longest
// case-insensitive prefix of s ending on a word boundary.
func matchTherapist(s string, candidates []access.User) (access.User, bool) {
	var best access.User
	bestLen := 0
	for _, u := range candidates {
		for _, name := range []string{u.Name, u.FirstName()} {
			n := strings.ToLower(strings.TrimSpace(name))
			if n == "" || len(n) <= bestLen {
				continue
			}
			if strings.HasPrefix(s, n) && endsWord(s, len(n)) {
				best = u
				bestLen = len(n)
			}
		}
	}
	return best, bestLen > 0
}

// ParseReasons reads "code:urgency" pairs separated by commas. Unknown
// urgencies fall back to normal.
func ParseReasons(raw string) map[string]conversation.Urgency {
	out := make(map[string]conversation.Urgency)
	for _, pair := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' || r == '\n' }) {
		code, urgency, _ := strings.Cut(pair, ":")
		code = strings.ToLower(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		u := conversation.Urgency(strings.ToLower(strings.TrimSpace(urgency)))
		if !u.Valid() {
			u = conversation.UrgencyNormal
		}
		out[code] = u
	}
	return out
}
