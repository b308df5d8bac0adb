package safety

import (
	"context"
	"errors"

	"github.com/wolfman30/careline/internal/llm"
	"github.com/wolfman30/careline/internal/observability/metrics"
	"github.com/wolfman30/careline/pkg/logging"
)

// Pipeline runs the inbound detectors in priority order: the moderation
// service when configured, then the keyword fallback whenever moderation is
// unavailable or did not trip.
type Pipeline struct {
	moderation Detector
	keyword    Detector
	metrics    *metrics.ChatMetrics
	logger     *logging.Logger
}

// NewPipeline wires the detectors. moderation may be nil.
func NewPipeline(keyword, moderation Detector, m *metrics.ChatMetrics, logger *logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.Default()
	}
	return &Pipeline{moderation: moderation, keyword: keyword, metrics: m, logger: logger}
}

// ScanInbound checks a patient message before any AI call.
func (p *Pipeline) ScanInbound(ctx context.Context, text string) Verdict {
	if p.moderation != nil {
		v, err := p.moderation.Detect(ctx, text)
		switch {
		case err != nil:
			outcome := "unavailable"
			if !errors.Is(err, ErrUnavailable) {
				outcome = "error"
			}
			p.metrics.ObserveDetection(string(LayerModeration), outcome)
			p.logger.Warn("moderation layer unavailable, falling back to keyword scan", "error", err)
		case v.Dangerous:
			p.metrics.ObserveDetection(string(LayerModeration), "tripped")
			return v
		default:
			p.metrics.ObserveDetection(string(LayerModeration), "clear")
		}
	}

	if p.keyword == nil {
		return Verdict{}
	}
	v, err := p.keyword.Detect(ctx, text)
	if err != nil {
		p.metrics.ObserveDetection(string(p.keyword.Layer()), "error")
		p.logger.Error("keyword layer failed", "error", err)
		return Verdict{}
	}
	if v.Dangerous {
		p.metrics.ObserveDetection(string(p.keyword.Layer()), "tripped")
	} else {
		p.metrics.ObserveDetection(string(p.keyword.Layer()), "clear")
	}
	return v
}

// ScanReply checks the AI's own structured safety assessment.
func (p *Pipeline) ScanReply(reply llm.StructuredReply) Verdict {
	v := AssessReply(reply)
	outcome := "clear"
	if v.Dangerous {
		outcome = "tripped"
	}
	p.metrics.ObserveDetection(string(LayerAssessment), outcome)
	return v
}
