// Package safety detects crisis language in patient messages and AI replies
// and runs the shared escalation routine exactly once per message.
package safety

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/wolfman30/careline/internal/llm"
)

// Layer names the detector that produced a verdict.
type Layer string

const (
	LayerKeyword    Layer = "keyword"
	LayerModeration Layer = "moderation"
	LayerAssessment Layer = "assessment"
)

// ErrUnavailable means a detector could not produce a verdict. It never
// means "no danger".
var ErrUnavailable = errors.New("safety: detector unavailable")

// Verdict is the outcome of one detector run.
type Verdict struct {
	Dangerous  bool     `json:"dangerous"`
	Layer      Layer    `json:"layer,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Matched    []string `json:"matched,omitempty"`
}

// Detector inspects patient-authored text.
type Detector interface {
	Layer() Layer
	Detect(ctx context.Context, text string) (Verdict, error)
}

// ParseKeywords splits a configured list on commas, semicolons and newlines.
// Entries are lower-cased and trimmed; empty entries are dropped.
func ParseKeywords(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '\r'
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		kw := normalize(f)
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
	}
	return out
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// KeywordDetector matches configured phrases by case-insensitive substring
// containment. A keyword inside an unrelated word still matches unless word
// boundaries are enabled.
type KeywordDetector struct {
	keywords     []string
	wordBoundary bool
	patterns     []*regexp.Regexp
}

// NewKeywordDetector builds a detector. An empty list never trips.
func NewKeywordDetector(keywords []string, wordBoundary bool) *KeywordDetector {
	d := &KeywordDetector{wordBoundary: wordBoundary}
	for _, kw := range keywords {
		kw = normalize(kw)
		if kw == "" {
			continue
		}
		d.keywords = append(d.keywords, kw)
		if wordBoundary {
			d.patterns = append(d.patterns, regexp.MustCompile(`\b`+regexp.QuoteMeta(kw)+`\b`))
		}
	}
	return d
}

func (d *KeywordDetector) Layer() Layer { return LayerKeyword }

func (d *KeywordDetector) Detect(_ context.Context, text string) (Verdict, error) {
	v := Verdict{Layer: LayerKeyword}
	body := normalize(text)
	if body == "" {
		return v, nil
	}
	for i, kw := range d.keywords {
		var hit bool
		if d.wordBoundary {
			hit = d.patterns[i].MatchString(body)
		} else {
			hit = strings.Contains(body, kw)
		}
		if hit {
			v.Matched = append(v.Matched, kw)
		}
	}
	v.Dangerous = len(v.Matched) > 0
	return v, nil
}

// ModerationDetector delegates to an external moderation service with a
// bounded timeout. Errors, timeouts and ambiguous answers are ErrUnavailable.
type ModerationDetector struct {
	moderator llm.Moderator
	timeout   time.Duration
}

// NewModerationDetector wraps moderator. A non-positive timeout defaults to
// five seconds.
func NewModerationDetector(moderator llm.Moderator, timeout time.Duration) *ModerationDetector {
	if moderator == nil {
		panic("safety: moderator required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ModerationDetector{moderator: moderator, timeout: timeout}
}

func (d *ModerationDetector) Layer() Layer { return LayerModeration }

func (d *ModerationDetector) Detect(ctx context.Context, text string) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res, err := d.moderator.Moderate(ctx, text)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Verdict{
		Dangerous:  res.Crisis,
		Layer:      LayerModeration,
		Categories: res.Categories,
	}, nil
}

// AssessReply inspects the structured safety field of an AI reply. Critical
// and emergency levels are dangerous.
func AssessReply(reply llm.StructuredReply) Verdict {
	v := Verdict{Layer: LayerAssessment}
	if reply.Critical() {
		v.Dangerous = true
		v.Categories = []string{"danger_level:" + reply.DangerLevel}
	}
	return v
}
