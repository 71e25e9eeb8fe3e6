package transform

import (
	"fmt"
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"

	"github.com/rs/zerolog"

	"mockupforge/internal/domain"
)

// Config carries the transform tuning knobs.
type Config struct {
	// MinRegionSizePx rejects regions too small to hold artwork.
	MinRegionSizePx int
	// PerspectiveSkew is the synthetic viewing-angle distortion applied when
	// the detector supplied only an axis-aligned bbox.
	PerspectiveSkew float64
	// PaddingRatio grows the output layer beyond the region so the skewed
	// quad is never clipped.
	PaddingRatio float64
}

// Layer is a warped artwork ready for compositing: an RGBA image plus its
// paste offset in template coordinates.
type Layer struct {
	Image   *image.NRGBA
	OffsetX int
	OffsetY int
}

// Transformer maps rectangular artwork onto a region's target quadrilateral.
type Transformer struct {
	cfg    Config
	logger zerolog.Logger
}

func NewTransformer(cfg Config, logger zerolog.Logger) *Transformer {
	if cfg.PaddingRatio == 0 {
		cfg.PaddingRatio = 0.05
	}
	return &Transformer{cfg: cfg, logger: logger}
}

// ValidateRegion guards against geometry the warp cannot handle. These are
// data problems, reported as terminal InvalidGeometry so the orchestrator
// never retries them.
func (t *Transformer) ValidateRegion(region domain.Region, templateW, templateH int) error {
	b := region.BBox
	if b.Width <= 0 || b.Height <= 0 {
		return domain.NewPipelineError(domain.ErrInvalidGeometry,
			fmt.Sprintf("region has zero area (%gx%g)", b.Width, b.Height), nil)
	}
	minSize := float64(t.cfg.MinRegionSizePx)
	if b.Width < minSize || b.Height < minSize {
		return domain.NewPipelineError(domain.ErrInvalidGeometry,
			fmt.Sprintf("region %gx%g below minimum %dpx", b.Width, b.Height, t.cfg.MinRegionSizePx), nil)
	}
	if b.X < 0 || b.Y < 0 || b.X+b.Width > float64(templateW) || b.Y+b.Height > float64(templateH) {
		return domain.NewPipelineError(domain.ErrInvalidGeometry, "region extends outside template bounds", nil)
	}
	if region.Corners != nil {
		if err := validateQuad(*region.Corners); err != nil {
			return domain.NewPipelineError(domain.ErrInvalidGeometry, err.Error(), nil)
		}
	}
	return nil
}

// Warp letterboxes the artwork to the region's aspect ratio and maps it onto
// the target quadrilateral. Aspect ratio is preserved by the letterbox step;
// only an explicit detector-supplied corner set can force distortion.
func (t *Transformer) Warp(artwork image.Image, region domain.Region, templateW, templateH int) (*Layer, error) {
	if err := t.ValidateRegion(region, templateW, templateH); err != nil {
		return nil, err
	}
	ab := artwork.Bounds()
	if ab.Dx() == 0 || ab.Dy() == 0 {
		return nil, domain.NewPipelineError(domain.ErrInvalidGeometry, "artwork has zero dimensions", nil)
	}

	target := t.targetCorners(region)

	// Output layer frame: the target bbox plus padding, clamped to the
	// template. All target coordinates below are relative to its origin.
	pad := int(math.Max(region.BBox.Width, region.BBox.Height) * t.cfg.PaddingRatio)
	offX := clampInt(int(region.BBox.X)-pad, 0, templateW)
	offY := clampInt(int(region.BBox.Y)-pad, 0, templateH)
	outW := clampInt(int(region.BBox.Width)+2*pad, 1, templateW-offX)
	outH := clampInt(int(region.BBox.Height)+2*pad, 1, templateH-offY)

	for i := range target {
		target[i][0] -= float64(offX)
		target[i][1] -= float64(offY)
	}

	// Letterbox the artwork into the region's aspect ratio with a quality
	// resampling kernel; the warp then samples this canvas bilinearly.
	canvas := t.letterbox(artwork, region.BBox.Width/region.BBox.Height)
	cb := canvas.Bounds()
	source := [4][2]float64{
		{0, 0},
		{float64(cb.Dx()), 0},
		{float64(cb.Dx()), float64(cb.Dy())},
		{0, float64(cb.Dy())},
	}

	h, err := solveHomography(source, target)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrInvalidGeometry, "cannot map artwork onto region", err)
	}
	inv, err := h.invert()
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrInvalidGeometry, "cannot map artwork onto region", err)
	}

	out := image.NewNRGBA(image.Rect(0, 0, outW, outH))
	srcW, srcH := float64(cb.Dx()), float64(cb.Dy())
	for y := 0; y < outH; y++ {
		for x := 0; x < outW; x++ {
			sx, sy := inv.apply(float64(x)+0.5, float64(y)+0.5)
			if sx < 0 || sy < 0 || sx >= srcW || sy >= srcH {
				continue
			}
			out.SetNRGBA(x, y, sampleBilinear(canvas, sx, sy))
		}
	}

	t.logger.Debug().
		Int("layer_w", outW).Int("layer_h", outH).
		Int("offset_x", offX).Int("offset_y", offY).
		Msg("artwork warped")

	return &Layer{Image: out, OffsetX: offX, OffsetY: offY}, nil
}

// targetCorners returns the quad the artwork maps onto. Detector corners are
// used as-is; a bare bbox gets the subtle synthetic skew so flat placements
// still read as viewed at an angle.
func (t *Transformer) targetCorners(region domain.Region) [4][2]float64 {
	if region.Corners != nil {
		return *region.Corners
	}
	x, y := region.BBox.X, region.BBox.Y
	w, h := region.BBox.Width, region.BBox.Height
	f := t.cfg.PerspectiveSkew
	return [4][2]float64{
		{x, y},
		{x + w - w*f*0.5, y + h*f*0.3},
		{x + w, y + h},
		{x + w*f*0.3, y + h - h*f*0.2},
	}
}

// letterbox scales the artwork to fit a canvas of the given aspect ratio
// without distortion, centered, transparent bars around it.
func (t *Transformer) letterbox(artwork image.Image, aspect float64) *image.NRGBA {
	ab := artwork.Bounds()
	aw, ah := float64(ab.Dx()), float64(ab.Dy())

	// Canvas resolution: artwork's pixel budget reshaped to the target
	// aspect so the warp has the full source detail to sample from.
	var cw, ch int
	if aw/ah > aspect {
		cw = ab.Dx()
		ch = int(math.Round(aw / aspect))
	} else {
		ch = ab.Dy()
		cw = int(math.Round(ah * aspect))
	}
	if cw < 1 {
		cw = 1
	}
	if ch < 1 {
		ch = 1
	}

	scale := math.Min(float64(cw)/aw, float64(ch)/ah)
	sw := int(math.Round(aw * scale))
	sh := int(math.Round(ah * scale))
	x0 := (cw - sw) / 2
	y0 := (ch - sh) / 2

	canvas := image.NewNRGBA(image.Rect(0, 0, cw, ch))
	xdraw.CatmullRom.Scale(canvas, image.Rect(x0, y0, x0+sw, y0+sh), artwork, ab, xdraw.Over, nil)
	return canvas
}

func sampleBilinear(img *image.NRGBA, x, y float64) color.NRGBA {
	x -= 0.5
	y -= 0.5
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)

	var acc [4]float64
	for dy := 0; dy <= 1; dy++ {
		for dx := 0; dx <= 1; dx++ {
			wx := 1 - fx
			if dx == 1 {
				wx = fx
			}
			wy := 1 - fy
			if dy == 1 {
				wy = fy
			}
			c := atClamped(img, x0+dx, y0+dy)
			w := wx * wy
			acc[0] += float64(c.R) * w
			acc[1] += float64(c.G) * w
			acc[2] += float64(c.B) * w
			acc[3] += float64(c.A) * w
		}
	}
	return color.NRGBA{
		R: uint8(clampF(acc[0], 0, 255)),
		G: uint8(clampF(acc[1], 0, 255)),
		B: uint8(clampF(acc[2], 0, 255)),
		A: uint8(clampF(acc[3], 0, 255)),
	}
}

func atClamped(img *image.NRGBA, x, y int) color.NRGBA {
	b := img.Bounds()
	x = clampInt(x, b.Min.X, b.Max.X-1)
	y = clampInt(y, b.Min.Y, b.Max.Y-1)
	return img.NRGBAAt(x, y)
}

func validateQuad(q [4][2]float64) error {
	// Duplicate corners collapse the quad.
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			if math.Abs(q[i][0]-q[j][0]) < 1e-6 && math.Abs(q[i][1]-q[j][1]) < 1e-6 {
				return fmt.Errorf("region corners %d and %d coincide", i, j)
			}
		}
	}
	// Opposite edges of a simple quad never cross; a bowtie corner order
	// does, and warping onto one produces garbage.
	if segmentsCross(q[0], q[1], q[2], q[3]) || segmentsCross(q[1], q[2], q[3], q[0]) {
		return fmt.Errorf("region corners self-intersect")
	}
	// Shoelace area; near-zero means collinear corners or a bowtie whose
	// lobes cancel out.
	var area float64
	for i := 0; i < 4; i++ {
		j := (i + 1) % 4
		area += q[i][0]*q[j][1] - q[j][0]*q[i][1]
	}
	if math.Abs(area/2) < 1 {
		return fmt.Errorf("region corners are collinear")
	}
	return nil
}

// segmentsCross reports whether the open segments p1p2 and p3p4 properly
// intersect. Shared endpoints do not count; the duplicate-corner check above
// already rejects those.
func segmentsCross(p1, p2, p3, p4 [2]float64) bool {
	d1 := edgeSide(p3, p4, p1)
	d2 := edgeSide(p3, p4, p2)
	d3 := edgeSide(p1, p2, p3)
	d4 := edgeSide(p1, p2, p4)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

// edgeSide is the cross product sign test: which side of the directed edge
// a->b the point p lies on.
func edgeSide(a, b, p [2]float64) float64 {
	return (b[0]-a[0])*(p[1]-a[1]) - (b[1]-a[1])*(p[0]-a[0])
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
