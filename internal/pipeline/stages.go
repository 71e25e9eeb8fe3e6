package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"time"

	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/webp"

	"mockupforge/internal/detect"
	"mockupforge/internal/domain"
	"mockupforge/internal/storage"
	"mockupforge/internal/transform"
)

// Stage names double as checkpoint keys; renaming one orphans the recorded
// progress of in-flight jobs.
const (
	StageFetchAssets   = "fetch_assets"
	StageDetectRegions = "detect_regions"
	StageTransform     = "transform_artwork"
	StageComposeStore  = "compose_store"
)

// StagePolicy is the per-stage execution budget.
type StagePolicy struct {
	Timeout     time.Duration
	MaxAttempts int
}

// The orchestrator depends on narrow interfaces so tests can substitute
// in-memory fakes; production wires assets.Fetcher, detect.Service,
// transform.Transformer and compose.Compositor.

type Blobs interface {
	Put(ctx context.Context, data []byte, contentType string) (storage.Ref, error)
	Get(ctx context.Context, key string) ([]byte, error)
	URLFor(key string) string
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (storage.Ref, error)
}

type Detector interface {
	FindRegions(ctx context.Context, templateData []byte, templateURL string) (detect.Result, error)
}

type Warper interface {
	Warp(artwork image.Image, region domain.Region, templateW, templateH int) (*transform.Layer, error)
}

type Composer interface {
	ComposeAndStore(ctx context.Context, templateData, layerData []byte, offsetX, offsetY int) (storage.Ref, error)
}

// run accumulates the decoded stage outputs for one job execution. Restored
// checkpoints and fresh executions populate it identically.
type run struct {
	job *domain.Job

	artworkKey  string
	templateKey string

	regions        []domain.Region
	templateWidth  int
	templateHeight int
	fallback       bool

	layerKey string
	offsetX  int
	offsetY  int

	resultKey string
}

// Stage outputs are the only state crossing stage boundaries, and they carry
// blob references and geometry only — never image bytes. The payload
// ceiling in the orchestrator enforces this at write time.

type fetchOutput struct {
	ArtworkKey  string `json:"artwork_key"`
	TemplateKey string `json:"template_key"`
}

type detectOutput struct {
	Regions        []domain.Region `json:"regions"`
	TemplateWidth  int             `json:"template_width"`
	TemplateHeight int             `json:"template_height"`
	Fallback       bool            `json:"fallback"`
}

type transformOutput struct {
	LayerKey string `json:"layer_key"`
	OffsetX  int    `json:"offset_x"`
	OffsetY  int    `json:"offset_y"`
}

type composeOutput struct {
	ResultKey string `json:"result_key"`
}

func (o *Orchestrator) stageFetchAssets(ctx context.Context, r *run) (any, error) {
	artworkRef, err := o.fetcher.Fetch(ctx, r.job.ArtworkURL)
	if err != nil {
		return nil, err
	}
	templateRef, err := o.fetcher.Fetch(ctx, r.job.TemplateURL)
	if err != nil {
		return nil, err
	}
	if err := o.jobs.SaveAssetRefs(ctx, r.job.ID, artworkRef.Key, templateRef.Key); err != nil {
		return nil, domain.NewPipelineError(domain.ErrTransientIO, "persist asset refs", err)
	}
	r.artworkKey = artworkRef.Key
	r.templateKey = templateRef.Key
	return fetchOutput{ArtworkKey: artworkRef.Key, TemplateKey: templateRef.Key}, nil
}

func (o *Orchestrator) stageDetectRegions(ctx context.Context, r *run) (any, error) {
	templateData, err := o.blobs.Get(ctx, r.templateKey)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrTransientIO, "load template blob", err)
	}
	res, err := o.detector.FindRegions(ctx, templateData, o.blobs.URLFor(r.templateKey))
	if err != nil {
		return nil, err
	}
	if res.Billed {
		o.appendCost(ctx, r.job.ID, domain.CostOpDetection, o.costDetectionUSD,
			stageToken(r.job.ID, StageDetectRegions), map[string]any{
				"regions":  len(res.Regions),
				"fallback": res.Fallback,
			})
	}
	r.regions = res.Regions
	r.templateWidth = res.TemplateWidth
	r.templateHeight = res.TemplateHeight
	r.fallback = res.Fallback
	return detectOutput{
		Regions:        res.Regions,
		TemplateWidth:  res.TemplateWidth,
		TemplateHeight: res.TemplateHeight,
		Fallback:       res.Fallback,
	}, nil
}

func (o *Orchestrator) stageTransform(ctx context.Context, r *run) (any, error) {
	if len(r.regions) == 0 {
		return nil, domain.NewPipelineError(domain.ErrDetectionFailed, "no placement region available", nil)
	}
	artworkData, err := o.blobs.Get(ctx, r.artworkKey)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrTransientIO, "load artwork blob", err)
	}
	artwork, _, err := image.Decode(bytes.NewReader(artworkData))
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrAssetInvalid, "artwork is undecodable", err)
	}

	layer, err := o.warper.Warp(artwork, r.regions[0], r.templateWidth, r.templateHeight)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, layer.Image); err != nil {
		return nil, domain.NewPipelineError(domain.ErrInternal, "encode warped layer", err)
	}
	ref, err := o.blobs.Put(ctx, buf.Bytes(), "image/png")
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrTransientIO, "store warped layer", err)
	}

	r.layerKey = ref.Key
	r.offsetX = layer.OffsetX
	r.offsetY = layer.OffsetY
	return transformOutput{LayerKey: ref.Key, OffsetX: layer.OffsetX, OffsetY: layer.OffsetY}, nil
}

func (o *Orchestrator) stageComposeStore(ctx context.Context, r *run) (any, error) {
	templateData, err := o.blobs.Get(ctx, r.templateKey)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrTransientIO, "load template blob", err)
	}
	layerData, err := o.blobs.Get(ctx, r.layerKey)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrTransientIO, "load warped layer blob", err)
	}

	ref, err := o.composer.ComposeAndStore(ctx, templateData, layerData, r.offsetX, r.offsetY)
	if err != nil {
		return nil, err
	}

	o.appendCost(ctx, r.job.ID, domain.CostOpStoragePut, storagePutCost(o.costStorageGBMonth, ref.Size),
		stageToken(r.job.ID, StageComposeStore), map[string]any{
			"bytes":        ref.Size,
			"content_type": ref.ContentType,
		})

	r.resultKey = ref.Key
	return composeOutput{ResultKey: ref.Key}, nil
}

// restore replays a checkpoint's recorded output into the run.
func (r *run) restore(stage string, output []byte) error {
	switch stage {
	case StageFetchAssets:
		var out fetchOutput
		if err := json.Unmarshal(output, &out); err != nil {
			return err
		}
		r.artworkKey = out.ArtworkKey
		r.templateKey = out.TemplateKey
	case StageDetectRegions:
		var out detectOutput
		if err := json.Unmarshal(output, &out); err != nil {
			return err
		}
		r.regions = out.Regions
		r.templateWidth = out.TemplateWidth
		r.templateHeight = out.TemplateHeight
		r.fallback = out.Fallback
	case StageTransform:
		var out transformOutput
		if err := json.Unmarshal(output, &out); err != nil {
			return err
		}
		r.layerKey = out.LayerKey
		r.offsetX = out.OffsetX
		r.offsetY = out.OffsetY
	case StageComposeStore:
		var out composeOutput
		if err := json.Unmarshal(output, &out); err != nil {
			return err
		}
		r.resultKey = out.ResultKey
	default:
		return fmt.Errorf("unknown checkpoint stage %q", stage)
	}
	return nil
}

// storagePutCost prorates the monthly per-GB price to a daily rate, matching
// how the ledger attributes one put operation.
func storagePutCost(gbMonthUSD float64, sizeBytes int64) float64 {
	sizeGB := float64(sizeBytes) / (1024 * 1024 * 1024)
	return sizeGB * gbMonthUSD / 30
}
