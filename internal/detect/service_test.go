package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"mockupforge/internal/domain"
)

func templatePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 200, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode template: %v", err)
	}
	return buf.Bytes()
}

func testConfig() Config {
	return Config{
		PlacementLabels:    []string{"picture frame", "tv", "laptop", "poster"},
		ConfidenceFloor:    0.5,
		MinRegionAreaRatio: 0.01,
		MinRegionSizePx:    50,
		FallbackMargin:     0.1,
		FallbackConfidence: 0.7,
	}
}

func detectorServer(t *testing.T, regions []domain.Region) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/detect" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"regions": regions})
	}))
}

func TestFindRegions_FiltersAndRanks(t *testing.T) {
	candidates := []domain.Region{
		{Label: "person", Confidence: 0.99, BBox: domain.BBox{X: 10, Y: 10, Width: 200, Height: 200}},
		{Label: "picture frame", Confidence: 0.3, BBox: domain.BBox{X: 10, Y: 10, Width: 200, Height: 200}},
		{Label: "tv", Confidence: 0.8, BBox: domain.BBox{X: 10, Y: 10, Width: 30, Height: 200}},
		{Label: "picture frame", Confidence: 0.7, BBox: domain.BBox{X: 20, Y: 20, Width: 300, Height: 200}},
		{Label: "laptop", Confidence: 0.9, BBox: domain.BBox{X: 100, Y: 100, Width: 250, Height: 180}},
		{Label: "poster", Confidence: 0.6, BBox: domain.BBox{X: 700, Y: 700, Width: 200, Height: 200}},
	}
	srv := detectorServer(t, candidates)
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, Logger: zerolog.Nop()})
	svc := NewService(client, testConfig(), zerolog.Nop())

	res, err := svc.FindRegions(context.Background(), templatePNG(t, 800, 600), "http://blobs/tpl.png")
	if err != nil {
		t.Fatalf("find regions: %v", err)
	}
	if !res.Billed {
		t.Fatal("remote inference ran, expected Billed")
	}
	if res.Fallback {
		t.Fatal("did not expect fallback")
	}
	// Survivors: laptop 0.9, picture frame 0.7. person is off-list, 0.3 is
	// below the floor, 30px wide is below min size, poster is out of bounds.
	if len(res.Regions) != 2 {
		t.Fatalf("expected 2 regions, got %d: %+v", len(res.Regions), res.Regions)
	}
	if res.Regions[0].Label != "laptop" || res.Regions[1].Label != "picture frame" {
		t.Fatalf("wrong ranking: %q then %q", res.Regions[0].Label, res.Regions[1].Label)
	}
}

func TestFindRegions_ConfidenceTieBreaksOnArea(t *testing.T) {
	candidates := []domain.Region{
		{Label: "tv", Confidence: 0.8, BBox: domain.BBox{X: 0, Y: 0, Width: 100, Height: 100}},
		{Label: "picture frame", Confidence: 0.8, BBox: domain.BBox{X: 0, Y: 0, Width: 300, Height: 300}},
	}
	srv := detectorServer(t, candidates)
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, Logger: zerolog.Nop()})
	svc := NewService(client, testConfig(), zerolog.Nop())

	res, err := svc.FindRegions(context.Background(), templatePNG(t, 800, 600), "u")
	if err != nil {
		t.Fatalf("find regions: %v", err)
	}
	if res.Regions[0].Label != "picture frame" {
		t.Fatalf("expected the larger region first, got %q", res.Regions[0].Label)
	}
}

func TestFindRegions_EmptyResultFallsBack(t *testing.T) {
	srv := detectorServer(t, nil)
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, Logger: zerolog.Nop()})
	svc := NewService(client, testConfig(), zerolog.Nop())

	res, err := svc.FindRegions(context.Background(), templatePNG(t, 1000, 800), "u")
	if err != nil {
		t.Fatalf("find regions: %v", err)
	}
	if !res.Fallback {
		t.Fatal("expected fallback result")
	}
	if len(res.Regions) != 1 {
		t.Fatalf("expected exactly one fallback region, got %d", len(res.Regions))
	}
	fb := res.Regions[0]
	if fb.Label != domain.FallbackLabel {
		t.Fatalf("expected fallback label, got %q", fb.Label)
	}
	if fb.Confidence != 0.7 {
		t.Fatalf("expected configured fallback confidence, got %g", fb.Confidence)
	}
	if fb.BBox.X != 100 || fb.BBox.Y != 80 || fb.BBox.Width != 800 || fb.BBox.Height != 640 {
		t.Fatalf("unexpected fallback geometry: %+v", fb.BBox)
	}
	if res.Billed != true {
		t.Fatal("the remote call ran and must still be billed")
	}
}

func TestFindRegions_UndecodableTemplateIsTerminal(t *testing.T) {
	client := NewClient(Options{Logger: zerolog.Nop()})
	svc := NewService(client, testConfig(), zerolog.Nop())

	_, err := svc.FindRegions(context.Background(), []byte("garbage"), "u")
	if kind := domain.KindOf(err); kind != domain.ErrDetectionFailed {
		t.Fatalf("expected DetectionFailed, got %s (%v)", kind, err)
	}
	if domain.KindOf(err).Retryable() {
		t.Fatal("DetectionFailed must not be retryable")
	}
}

func TestFindRegions_UnconfiguredClientUsesHeuristic(t *testing.T) {
	client := NewClient(Options{Logger: zerolog.Nop()})
	// Production default allow-list: heuristic surfaces are not model
	// classes and must survive it anyway.
	cfg := testConfig()
	cfg.PlacementLabels = []string{
		"picture frame", "tv", "laptop", "cell phone", "book", "monitor", "poster", "screen",
	}
	svc := NewService(client, cfg, zerolog.Nop())

	res, err := svc.FindRegions(context.Background(), templatePNG(t, 640, 480), "u")
	if err != nil {
		t.Fatalf("find regions: %v", err)
	}
	if res.Billed {
		t.Fatal("heuristic detection must not be billed")
	}
	if res.Fallback {
		t.Fatal("a smooth template must yield heuristic regions, not the fallback")
	}
	if len(res.Regions) == 0 {
		t.Fatal("expected at least one heuristic region")
	}
	if res.Regions[0].Label != "surface" {
		t.Fatalf("expected a heuristic surface region, got %q", res.Regions[0].Label)
	}
	for _, r := range res.Regions {
		b := r.BBox
		if b.X < 0 || b.Y < 0 || b.X+b.Width > 640 || b.Y+b.Height > 480 {
			t.Fatalf("region escapes template bounds: %+v", b)
		}
	}
}

func TestClientDetect_ServerErrorIsServiceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, Logger: zerolog.Nop()})
	_, err := client.Detect(context.Background(), "u")
	if kind := domain.KindOf(err); kind != domain.ErrServiceUnavailable {
		t.Fatalf("expected ServiceUnavailable, got %s (%v)", kind, err)
	}
	if !domain.KindOf(err).Retryable() {
		t.Fatal("ServiceUnavailable must be retryable")
	}
}

func TestClientDetect_BadRequestIsDetectionFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, Logger: zerolog.Nop()})
	_, err := client.Detect(context.Background(), "u")
	if kind := domain.KindOf(err); kind != domain.ErrDetectionFailed {
		t.Fatalf("expected DetectionFailed, got %s (%v)", kind, err)
	}
}

func TestClientDetect_SendsAuthAndPayload(t *testing.T) {
	var gotAuth string
	var gotBody detectRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(detectResponse{})
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, APIKey: "secret", Logger: zerolog.Nop()})
	if _, err := client.Detect(context.Background(), "http://blobs/tpl.png"); err != nil {
		t.Fatalf("detect: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotBody.TemplateURL != "http://blobs/tpl.png" {
		t.Fatalf("expected template url in payload, got %q", gotBody.TemplateURL)
	}
}
