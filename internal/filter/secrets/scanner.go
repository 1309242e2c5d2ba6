package secrets

import (
	"context"
	"fmt"

	"github.com/doublewordai/silt/internal/config"
	"github.com/doublewordai/silt/internal/filter"
	"github.com/doublewordai/silt/internal/types"
)

// Detection represents a detected secret in text.
type Detection struct {
	PatternName string // e.g. "AWS Access Key"
	Start       int    // byte offset
	End         int    // byte offset
}

// Scanner scans text for secrets using pre-compiled regex patterns.
type Scanner struct {
	patterns []Pattern
	cfg      func() config.SecretsFilterConfig
}

// NewScanner creates a scanner with the default secret patterns.
func NewScanner(cfg func() config.SecretsFilterConfig) *Scanner {
	return &Scanner{patterns: DefaultPatterns(), cfg: cfg}
}

func (s *Scanner) Name() string  { return "secrets" }
func (s *Scanner) Enabled() bool { return s.cfg().Enabled }

// Scan checks a single text string for secrets and returns all detections.
func (s *Scanner) Scan(text string) []Detection {
	var detections []Detection
	for _, p := range s.patterns {
		locs := p.Regex.FindAllStringIndex(text, -1)
		for _, loc := range locs {
			detections = append(detections, Detection{
				PatternName: p.Name,
				Start:       loc[0],
				End:         loc[1],
			})
		}
	}
	return detections
}

// ScanMessages scans all messages for secrets. Returns the first detection found
// (we only need to know if any secret is present to block the request).
func (s *Scanner) ScanMessages(messages []types.Message) []Detection {
	var detections []Detection
	for _, m := range messages {
		detections = append(detections, s.Scan(m.Content)...)
	}
	return detections
}

// ScanRequest implements filter.Filter. Any detection blocks the request
// outright — the batching hot path never partially redacts a payload.
func (s *Scanner) ScanRequest(_ context.Context, req *types.ChatCompletionRequest) filter.Result {
	detections := s.ScanMessages(req.Messages)
	if len(detections) == 0 {
		return filter.Result{Action: filter.ActionPass, FilterName: "secrets"}
	}
	return filter.Result{
		Action:     filter.ActionBlock,
		FilterName: "secrets",
		Message:    fmt.Sprintf("request blocked: %s detected", detections[0].PatternName),
		Detections: len(detections),
	}
}
