package detect

import (
	"bytes"
	"context"
	"image"
	"sort"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rs/zerolog"

	"mockupforge/internal/domain"
)

// Config carries the empirically tuned detection knobs. These were
// calibrated against representative templates and must stay configurable.
type Config struct {
	PlacementLabels    []string
	ConfidenceFloor    float64
	MinRegionAreaRatio float64
	MinRegionSizePx    int
	FallbackMargin     float64
	FallbackConfidence float64
	MaxDetections      int
}

// Result is the outcome of one detection pass.
type Result struct {
	Regions        []domain.Region
	TemplateWidth  int
	TemplateHeight int
	// Billed is true when a remote inference call actually ran; the
	// orchestrator only appends a detection cost record in that case.
	Billed bool
	// Fallback is true when the heuristic fallback produced the regions.
	Fallback bool
}

// Service turns a template into a ranked list of placement regions. It only
// escalates to a terminal DetectionFailed when the template itself is
// unusable; an empty model result degrades to the deterministic fallback.
type Service struct {
	client *Client
	cfg    Config
	logger zerolog.Logger
}

func NewService(client *Client, cfg Config, logger zerolog.Logger) *Service {
	if cfg.MaxDetections <= 0 {
		cfg.MaxDetections = 10
	}
	return &Service{client: client, cfg: cfg, logger: logger}
}

// FindRegions decodes the template, obtains candidates (remote inference or
// the local heuristic), filters them to placement-suitable regions, ranks
// them, and falls back to the centered rectangle when nothing survives.
func (s *Service) FindRegions(ctx context.Context, templateData []byte, templateURL string) (Result, error) {
	img, _, err := image.Decode(bytes.NewReader(templateData))
	if err != nil {
		// Unusable template: terminal, the fallback has nothing to anchor on.
		return Result{}, domain.NewPipelineError(domain.ErrDetectionFailed, "template image is undecodable", err)
	}
	bounds := img.Bounds()
	res := Result{TemplateWidth: bounds.Dx(), TemplateHeight: bounds.Dy()}

	var candidates []domain.Region
	fromModel := s.client.Configured()
	if fromModel {
		candidates, err = s.client.Detect(ctx, templateURL)
		if err != nil {
			return res, err
		}
		res.Billed = true
	} else {
		s.logger.Warn().Msg("detector endpoint missing, using local heuristic detection")
		candidates = heuristicRegions(img)
	}

	suitable := s.filter(candidates, res.TemplateWidth, res.TemplateHeight, fromModel)
	if len(suitable) == 0 {
		s.logger.Info().
			Int("candidates", len(candidates)).
			Msg("no suitable regions, applying centered fallback")
		res.Regions = []domain.Region{s.fallbackRegion(res.TemplateWidth, res.TemplateHeight)}
		res.Fallback = true
		return res, nil
	}

	if len(suitable) > s.cfg.MaxDetections {
		suitable = suitable[:s.cfg.MaxDetections]
	}
	res.Regions = suitable
	return res, nil
}

// filter keeps the placement-suitable candidates. The allow-list names model
// classes, so it only applies to inference output; heuristic candidates carry
// a synthetic label and are judged on geometry and confidence alone.
func (s *Service) filter(candidates []domain.Region, tw, th int, checkLabels bool) []domain.Region {
	minArea := float64(tw) * float64(th) * s.cfg.MinRegionAreaRatio
	minSize := float64(s.cfg.MinRegionSizePx)

	out := make([]domain.Region, 0, len(candidates))
	for _, r := range candidates {
		if checkLabels && !s.labelAllowed(r.Label) {
			continue
		}
		if r.Confidence < s.cfg.ConfidenceFloor {
			continue
		}
		if r.BBox.Width < minSize || r.BBox.Height < minSize {
			continue
		}
		if r.BBox.Area() < minArea {
			continue
		}
		if !s.withinBounds(r.BBox, tw, th) {
			continue
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].BBox.Area() > out[j].BBox.Area()
	})
	return out
}

func (s *Service) labelAllowed(label string) bool {
	if len(s.cfg.PlacementLabels) == 0 {
		return true
	}
	label = strings.ToLower(label)
	for _, allowed := range s.cfg.PlacementLabels {
		if strings.Contains(label, allowed) {
			return true
		}
	}
	return false
}

func (s *Service) withinBounds(b domain.BBox, tw, th int) bool {
	return b.X >= 0 && b.Y >= 0 &&
		b.X+b.Width <= float64(tw) &&
		b.Y+b.Height <= float64(th)
}

// fallbackRegion is the largest centered rectangle inside the configured
// margin of the template bounds.
func (s *Service) fallbackRegion(tw, th int) domain.Region {
	margin := s.cfg.FallbackMargin
	if margin < 0 || margin >= 0.5 {
		margin = 0.1
	}
	w := float64(tw) * (1 - 2*margin)
	h := float64(th) * (1 - 2*margin)
	return domain.Region{
		Label:      domain.FallbackLabel,
		Confidence: s.cfg.FallbackConfidence,
		BBox: domain.BBox{
			X:      float64(tw) * margin,
			Y:      float64(th) * margin,
			Width:  w,
			Height: h,
		},
	}
}
