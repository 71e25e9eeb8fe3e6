package compose

import (
	"bytes"
	"context"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"

	_ "image/gif"

	_ "golang.org/x/image/webp"

	"github.com/rs/zerolog"

	"mockupforge/internal/domain"
	"mockupforge/internal/storage"
)

const jpegQuality = 90

// Compositor merges a warped artwork layer onto the template background,
// encodes the result and publishes it to the blob store. The caller updates
// the job record only after the blob write returns, so a partial upload is
// never visible as a completed mockup.
type Compositor struct {
	store  *storage.BlobStore
	logger zerolog.Logger
}

func NewCompositor(store *storage.BlobStore, logger zerolog.Logger) *Compositor {
	return &Compositor{store: store, logger: logger}
}

// ComposeAndStore alpha-blends the layer over the template at the given
// offset and stores the encoded result. Returns the content-addressed
// reference of the final mockup.
func (c *Compositor) ComposeAndStore(ctx context.Context, templateData, layerData []byte, offsetX, offsetY int) (storage.Ref, error) {
	template, _, err := image.Decode(bytes.NewReader(templateData))
	if err != nil {
		return storage.Ref{}, domain.NewPipelineError(domain.ErrAssetInvalid, "template is undecodable", err)
	}
	layer, err := png.Decode(bytes.NewReader(layerData))
	if err != nil {
		return storage.Ref{}, domain.NewPipelineError(domain.ErrInternal, "warped layer is undecodable", err)
	}

	tb := template.Bounds()
	base := image.NewNRGBA(image.Rect(0, 0, tb.Dx(), tb.Dy()))
	draw.Draw(base, base.Bounds(), template, tb.Min, draw.Src)

	lb := layer.Bounds()
	dst := image.Rect(offsetX, offsetY, offsetX+lb.Dx(), offsetY+lb.Dy())
	draw.Draw(base, dst, layer, lb.Min, draw.Over)

	data, contentType, err := encode(base)
	if err != nil {
		return storage.Ref{}, domain.NewPipelineError(domain.ErrInternal, "encode final mockup", err)
	}

	ref, err := c.store.Put(ctx, data, contentType)
	if err != nil {
		return storage.Ref{}, domain.NewPipelineError(domain.ErrTransientIO, "store final mockup", err)
	}

	c.logger.Info().
		Str("key", ref.Key).
		Str("format", contentType).
		Int64("size", ref.Size).
		Msg("final mockup stored")
	return ref, nil
}

// encode picks PNG when the composite carries transparency, JPEG otherwise.
func encode(img *image.NRGBA) ([]byte, string, error) {
	var buf bytes.Buffer
	if opaque(img) {
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/jpeg", nil
	}
	if err := png.Encode(&buf, img); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "image/png", nil
}

func opaque(img *image.NRGBA) bool {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride : (y-b.Min.Y)*img.Stride+b.Dx()*4]
		for i := 3; i < len(row); i += 4 {
			if row[i] != 0xff {
				return false
			}
		}
	}
	return true
}
