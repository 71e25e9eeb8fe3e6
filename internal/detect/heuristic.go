package detect

import (
	"image"
	"sort"

	"mockupforge/internal/domain"
)

// heuristicRegions is the degraded-mode detector used when no inference
// endpoint is configured. It scans a coarse luminance grid for large smooth
// patches — walls, screens, table tops — and proposes them as placement
// surfaces. Deterministic by construction so local runs are reproducible.
func heuristicRegions(img image.Image) []domain.Region {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < 2 || h < 2 {
		return nil
	}

	const grid = 24
	cellW := float64(w) / grid
	cellH := float64(h) / grid

	// Per-cell mean luminance on a subsampled grid.
	mean := make([][]float64, grid)
	for gy := 0; gy < grid; gy++ {
		mean[gy] = make([]float64, grid)
		for gx := 0; gx < grid; gx++ {
			mean[gy][gx] = cellLuma(img, bounds, gx, gy, cellW, cellH)
		}
	}

	// Candidate windows at a few scales and anchor points; score each by
	// how uniform its cells are.
	scales := []float64{0.5, 0.4, 0.3}
	anchors := []float64{0.0, 0.25, 0.5}

	var candidates []domain.Region
	for _, scale := range scales {
		span := int(grid * scale)
		if span < 2 {
			continue
		}
		for _, ax := range anchors {
			for _, ay := range anchors {
				gx0 := int(float64(grid-span) * ax / 0.5 * 0.5)
				gy0 := int(float64(grid-span) * ay / 0.5 * 0.5)
				if gx0+span > grid || gy0+span > grid {
					continue
				}
				score := uniformity(mean, gx0, gy0, span)
				if score < 0.55 {
					continue
				}
				candidates = append(candidates, domain.Region{
					Label:      "surface",
					Confidence: score,
					BBox: domain.BBox{
						X:      float64(gx0) * cellW,
						Y:      float64(gy0) * cellH,
						Width:  float64(span) * cellW,
						Height: float64(span) * cellH,
					},
				})
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].BBox.Area() > candidates[j].BBox.Area()
	})
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}
	return candidates
}

func cellLuma(img image.Image, bounds image.Rectangle, gx, gy int, cellW, cellH float64) float64 {
	x0 := bounds.Min.X + int(float64(gx)*cellW)
	y0 := bounds.Min.Y + int(float64(gy)*cellH)
	x1 := bounds.Min.X + int(float64(gx+1)*cellW)
	y1 := bounds.Min.Y + int(float64(gy+1)*cellH)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}

	// Sample a handful of pixels per cell; exact averages are not needed at
	// this granularity.
	const step = 4
	var sum, n float64
	for y := y0; y < y1; y += step {
		for x := x0; x < x1; x += step {
			r, g, b, _ := img.At(x, y).RGBA()
			sum += 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n
}

// uniformity maps the luminance spread of a window to (0,1], higher meaning
// smoother.
func uniformity(mean [][]float64, gx0, gy0, span int) float64 {
	var sum, sumSq, n float64
	for gy := gy0; gy < gy0+span; gy++ {
		for gx := gx0; gx < gx0+span; gx++ {
			v := mean[gy][gx]
			sum += v
			sumSq += v * v
			n++
		}
	}
	avg := sum / n
	variance := sumSq/n - avg*avg
	if variance < 0 {
		variance = 0
	}
	// 48 levels of stddev wipe the score out entirely.
	score := 1 - (variance / (48 * 48))
	if score < 0 {
		score = 0
	}
	if score > 0.95 {
		score = 0.95
	}
	return score
}
