package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mockupforge/internal/compose"
	"mockupforge/internal/detect"
	"mockupforge/internal/domain"
	"mockupforge/internal/storage"
	"mockupforge/internal/transform"
)

// fakeJobs is an in-memory JobRepository covering the subset of behavior the
// orchestrator depends on: single-winner claims and guarded terminal writes.
type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job

	heartbeats int
}

func newFakeJobs(jobs ...*domain.Job) *fakeJobs {
	m := make(map[string]*domain.Job, len(jobs))
	for _, j := range jobs {
		m[j.ID] = j
	}
	return &fakeJobs{jobs: m}
}

func (f *fakeJobs) get(id string) *domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

func (f *fakeJobs) Create(ctx context.Context, job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobs) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) ListPending(ctx context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, j := range f.jobs {
		if j.Status == domain.JobStatusPending {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeJobs) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return nil, nil
}

func (f *fakeJobs) Claim(ctx context.Context, jobID string) (*domain.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok || j.Status != domain.JobStatusPending {
		return nil, false, nil
	}
	j.Status = domain.JobStatusProcessing
	now := time.Now()
	j.ProcessingStartedAt = &now
	return j, true, nil
}

func (f *fakeJobs) Adopt(ctx context.Context, jobID string, cutoff time.Time) (*domain.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok || j.Status != domain.JobStatusProcessing {
		return nil, false, nil
	}
	return j, true, nil
}

func (f *fakeJobs) Heartbeat(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeJobs) SaveAssetRefs(ctx context.Context, jobID, artworkRef, templateRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[jobID]; ok {
		j.ArtworkRef = artworkRef
		j.TemplateRef = templateRef
	}
	return nil
}

func (f *fakeJobs) Complete(ctx context.Context, jobID, resultRef string, region *domain.Region, regionCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[jobID]
	j.Status = domain.JobStatusCompleted
	j.ResultRef = resultRef
	j.SelectedRegion = region
	j.RegionCount = regionCount
	now := time.Now()
	j.CompletedAt = &now
	return nil
}

func (f *fakeJobs) Fail(ctx context.Context, jobID string, jobErr *domain.JobError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[jobID]
	j.Status = domain.JobStatusFailed
	j.Error = jobErr
	return nil
}

func (f *fakeJobs) Retry(ctx context.Context, jobID string) (*domain.Job, error) {
	return nil, domain.ErrNotFound
}

type fakeCheckpoints struct {
	mu   sync.Mutex
	byID map[string]map[string]*domain.Checkpoint
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{byID: make(map[string]map[string]*domain.Checkpoint)}
}

func (f *fakeCheckpoints) Put(ctx context.Context, cp *domain.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byID[cp.JobID] == nil {
		f.byID[cp.JobID] = make(map[string]*domain.Checkpoint)
	}
	// Write-once, matching the database constraint.
	if _, exists := f.byID[cp.JobID][cp.Stage]; !exists {
		f.byID[cp.JobID][cp.Stage] = cp
	}
	return nil
}

func (f *fakeCheckpoints) ListForJob(ctx context.Context, jobID string) (map[string]*domain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*domain.Checkpoint, len(f.byID[jobID]))
	for stage, cp := range f.byID[jobID] {
		out[stage] = cp
	}
	return out, nil
}

type fakeLedger struct {
	mu      sync.Mutex
	records []*domain.CostRecord
}

func (f *fakeLedger) Append(ctx context.Context, rec *domain.CostRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Idempotent on (job, operation, token) like the unique index.
	for _, existing := range f.records {
		if existing.JobID == rec.JobID && existing.Operation == rec.Operation && existing.Token == rec.Token {
			return nil
		}
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeLedger) byOperation(op domain.CostOperation) []*domain.CostRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.CostRecord
	for _, rec := range f.records {
		if rec.Operation == op {
			out = append(out, rec)
		}
	}
	return out
}

// fakeFetcher serves canned image bytes per URL and rehosts them through the
// real blob store.
type fakeFetcher struct {
	mu     sync.Mutex
	store  *storage.BlobStore
	assets map[string][]byte
	errs   map[string][]error
	calls  int
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (storage.Ref, error) {
	f.mu.Lock()
	f.calls++
	if queue := f.errs[url]; len(queue) > 0 {
		err := queue[0]
		f.errs[url] = queue[1:]
		f.mu.Unlock()
		return storage.Ref{}, err
	}
	data, ok := f.assets[url]
	f.mu.Unlock()
	if !ok {
		return storage.Ref{}, domain.NewPipelineError(domain.ErrAssetInvalid, "unknown asset url", nil)
	}
	return f.store.Put(ctx, data, "image/png")
}

type fakeDetector struct {
	mu     sync.Mutex
	result detect.Result
	err    error
	block  bool
	calls  int
}

func (f *fakeDetector) FindRegions(ctx context.Context, templateData []byte, templateURL string) (detect.Result, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return detect.Result{}, domain.NewPipelineError(domain.ErrTimeout, "inference interrupted", ctx.Err())
	}
	if f.err != nil {
		return detect.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakeDetector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testPipeline struct {
	jobs        *fakeJobs
	checkpoints *fakeCheckpoints
	ledger      *fakeLedger
	blobs       *storage.BlobStore
	fetcher     *fakeFetcher
	detector    *fakeDetector
	orch        *Orchestrator
}

func imageBytes(t *testing.T, w, h int, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode image: %v", err)
	}
	return buf.Bytes()
}

func frameRegion() domain.Region {
	return domain.Region{
		Label:      "picture frame",
		Confidence: 0.9,
		BBox:       domain.BBox{X: 100, Y: 100, Width: 200, Height: 150},
	}
}

func newTestPipeline(t *testing.T, job *domain.Job, opts Options) *testPipeline {
	t.Helper()
	store, err := storage.NewBlobStore(t.TempDir(), "http://localhost:8080/blobs")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	tp := &testPipeline{
		jobs:        newFakeJobs(job),
		checkpoints: newFakeCheckpoints(),
		ledger:      &fakeLedger{},
		blobs:       store,
		fetcher: &fakeFetcher{
			store: store,
			assets: map[string][]byte{
				job.ArtworkURL:  imageBytes(t, 120, 80, color.NRGBA{R: 255, A: 255}),
				job.TemplateURL: imageBytes(t, 800, 600, color.NRGBA{R: 200, G: 200, B: 200, A: 255}),
			},
			errs: map[string][]error{},
		},
		detector: &fakeDetector{
			result: detect.Result{
				Regions:        []domain.Region{frameRegion()},
				TemplateWidth:  800,
				TemplateHeight: 600,
				Billed:         true,
			},
		},
	}

	if opts.Policies == nil {
		opts.Policies = Policies{
			StageFetchAssets:   {Timeout: 5 * time.Second, MaxAttempts: 3},
			StageDetectRegions: {Timeout: 5 * time.Second, MaxAttempts: 2},
			StageTransform:     {Timeout: 5 * time.Second, MaxAttempts: 2},
			StageComposeStore:  {Timeout: 5 * time.Second, MaxAttempts: 2},
		}
	}
	if opts.CostDetectionUSD == 0 {
		opts.CostDetectionUSD = 0.025
	}
	if opts.CostStorageGBMonth == 0 {
		opts.CostStorageGBMonth = 0.020
	}

	warper := transform.NewTransformer(transform.Config{MinRegionSizePx: 50, PerspectiveSkew: 0.05}, zerolog.Nop())
	composer := compose.NewCompositor(store, zerolog.Nop())

	tp.orch = New(
		tp.jobs, tp.checkpoints, tp.ledger, store,
		tp.fetcher, tp.detector, warper, composer,
		opts, zerolog.Nop(),
	)
	return tp
}

func pendingJob(id string) *domain.Job {
	return &domain.Job{
		ID:          id,
		Status:      domain.JobStatusPending,
		ArtworkURL:  "http://assets.test/artwork.png",
		TemplateURL: "http://assets.test/template.png",
	}
}

func TestExecute_HappyPathCompletesJob(t *testing.T) {
	job := pendingJob("job-1")
	tp := newTestPipeline(t, job, Options{})

	started, err := tp.orch.Execute(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !started {
		t.Fatal("expected the claim to succeed")
	}

	final := tp.jobs.get(job.ID)
	if final.Status != domain.JobStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (error: %+v)", final.Status, final.Error)
	}
	if final.ResultRef == "" {
		t.Fatal("expected a result reference")
	}
	if final.SelectedRegion == nil || final.SelectedRegion.Label != "picture frame" {
		t.Fatalf("unexpected selected region: %+v", final.SelectedRegion)
	}
	if final.RegionCount != 1 {
		t.Fatalf("expected region count 1, got %d", final.RegionCount)
	}
	if final.ArtworkRef == "" || final.TemplateRef == "" {
		t.Fatal("expected asset refs to be persisted")
	}

	cps, _ := tp.checkpoints.ListForJob(context.Background(), job.ID)
	for _, stage := range []string{StageFetchAssets, StageDetectRegions, StageTransform, StageComposeStore} {
		if _, ok := cps[stage]; !ok {
			t.Fatalf("missing checkpoint for stage %s", stage)
		}
	}

	if n := len(tp.ledger.byOperation(domain.CostOpDetection)); n != 1 {
		t.Fatalf("expected 1 detection cost record, got %d", n)
	}
	if n := len(tp.ledger.byOperation(domain.CostOpStoragePut)); n != 1 {
		t.Fatalf("expected 1 storage cost record, got %d", n)
	}

	// The stored result must actually decode.
	data, err := tp.blobs.Get(context.Background(), final.ResultRef)
	if err != nil {
		t.Fatalf("load result blob: %v", err)
	}
	if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("result blob is not a decodable image: %v", err)
	}
}

func TestExecute_LostClaimIsSilent(t *testing.T) {
	job := pendingJob("job-2")
	job.Status = domain.JobStatusProcessing
	tp := newTestPipeline(t, job, Options{})

	started, err := tp.orch.Execute(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if started {
		t.Fatal("claim of a PROCESSING job must be lost")
	}
	if tp.fetcher.calls != 0 {
		t.Fatalf("no stage may run after a lost claim, fetcher ran %d times", tp.fetcher.calls)
	}
}

func TestExecute_TerminalErrorFailsWithoutRetry(t *testing.T) {
	job := pendingJob("job-3")
	tp := newTestPipeline(t, job, Options{})
	tp.detector.err = domain.NewPipelineError(domain.ErrDetectionFailed, "template image is undecodable", nil)

	if _, err := tp.orch.Execute(context.Background(), job.ID); err == nil {
		t.Fatal("expected pipeline failure")
	}

	final := tp.jobs.get(job.ID)
	if final.Status != domain.JobStatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
	if final.Error == nil || final.Error.Kind != domain.ErrDetectionFailed {
		t.Fatalf("expected DetectionFailed error, got %+v", final.Error)
	}
	if tp.detector.callCount() != 1 {
		t.Fatalf("terminal error must not retry, detector ran %d times", tp.detector.callCount())
	}
	if n := len(tp.ledger.byOperation(domain.CostOpDetection)); n != 0 {
		t.Fatalf("failed detection must not bill, got %d records", n)
	}
}

func TestExecute_TransientErrorIsRetried(t *testing.T) {
	job := pendingJob("job-4")
	tp := newTestPipeline(t, job, Options{})
	tp.fetcher.errs[job.ArtworkURL] = []error{
		domain.NewPipelineError(domain.ErrTransientIO, "asset host returned 502", nil),
	}

	started, err := tp.orch.Execute(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !started {
		t.Fatal("expected claim to succeed")
	}
	if final := tp.jobs.get(job.ID); final.Status != domain.JobStatusCompleted {
		t.Fatalf("expected COMPLETED after retry, got %s (%+v)", final.Status, final.Error)
	}
}

func TestExecute_InvalidGeometryIsTerminal(t *testing.T) {
	job := pendingJob("job-5")
	tp := newTestPipeline(t, job, Options{})
	region := frameRegion()
	region.BBox.Width = 10 // below the 50px minimum
	tp.detector.result.Regions = []domain.Region{region}

	if _, err := tp.orch.Execute(context.Background(), job.ID); err == nil {
		t.Fatal("expected pipeline failure")
	}
	final := tp.jobs.get(job.ID)
	if final.Status != domain.JobStatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
	if final.Error == nil || final.Error.Kind != domain.ErrInvalidGeometry {
		t.Fatalf("expected InvalidGeometry, got %+v", final.Error)
	}
}

func TestExecute_CancellationIsTerminalCancelled(t *testing.T) {
	job := pendingJob("job-6")
	tp := newTestPipeline(t, job, Options{})
	tp.detector.block = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if _, err := tp.orch.Execute(ctx, job.ID); err == nil {
		t.Fatal("expected pipeline failure")
	}

	final := tp.jobs.get(job.ID)
	if final.Status != domain.JobStatusFailed {
		t.Fatalf("expected FAILED even after cancel, got %s", final.Status)
	}
	if final.Error == nil || final.Error.Kind != domain.ErrCancelled {
		t.Fatalf("expected Cancelled, got %+v", final.Error)
	}
}

func TestExecute_CancelDuringRetryWaitIsCancelled(t *testing.T) {
	job := pendingJob("job-10")
	tp := newTestPipeline(t, job, Options{})
	// Two transient failures keep the stage inside its retry loop; the
	// cancel lands while the orchestrator sleeps before the second attempt.
	tp.fetcher.errs[job.ArtworkURL] = []error{
		domain.NewPipelineError(domain.ErrTransientIO, "asset host returned 502", nil),
		domain.NewPipelineError(domain.ErrTransientIO, "asset host returned 502", nil),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	if _, err := tp.orch.Execute(ctx, job.ID); err == nil {
		t.Fatal("expected pipeline failure")
	}

	final := tp.jobs.get(job.ID)
	if final.Status != domain.JobStatusFailed {
		t.Fatalf("expected FAILED after cancel, got %s", final.Status)
	}
	if final.Error == nil || final.Error.Kind != domain.ErrCancelled {
		t.Fatalf("cancel during the retry wait must surface as Cancelled, got %+v", final.Error)
	}
}

func TestExecute_ZeroAttemptBudgetRunsOnce(t *testing.T) {
	job := pendingJob("job-11")
	tp := newTestPipeline(t, job, Options{Policies: Policies{
		StageFetchAssets: {Timeout: 5 * time.Second, MaxAttempts: 0},
	}})
	tp.fetcher.errs[job.ArtworkURL] = []error{
		domain.NewPipelineError(domain.ErrTransientIO, "asset host returned 502", nil),
		domain.NewPipelineError(domain.ErrTransientIO, "asset host returned 502", nil),
	}

	if _, err := tp.orch.Execute(context.Background(), job.ID); err == nil {
		t.Fatal("expected pipeline failure")
	}
	if tp.fetcher.calls != 1 {
		t.Fatalf("a zero attempt budget must clamp to one attempt, fetcher ran %d times", tp.fetcher.calls)
	}
	if final := tp.jobs.get(job.ID); final.Status != domain.JobStatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
}

func TestResume_SkipsCheckpointedStages(t *testing.T) {
	job := pendingJob("job-7")
	job.Status = domain.JobStatusProcessing
	tp := newTestPipeline(t, job, Options{})

	ctx := context.Background()

	// Simulate a crashed worker that finished fetch and detect: blobs are
	// stored and both checkpoints recorded.
	artworkRef, err := tp.blobs.Put(ctx, tp.fetcher.assets[job.ArtworkURL], "image/png")
	if err != nil {
		t.Fatalf("seed artwork: %v", err)
	}
	templateRef, err := tp.blobs.Put(ctx, tp.fetcher.assets[job.TemplateURL], "image/png")
	if err != nil {
		t.Fatalf("seed template: %v", err)
	}
	seedCheckpoint(t, tp.checkpoints, job.ID, StageFetchAssets,
		fetchOutput{ArtworkKey: artworkRef.Key, TemplateKey: templateRef.Key})
	seedCheckpoint(t, tp.checkpoints, job.ID, StageDetectRegions,
		detectOutput{Regions: []domain.Region{frameRegion()}, TemplateWidth: 800, TemplateHeight: 600})

	started, err := tp.orch.Resume(ctx, job.ID, time.Now())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !started {
		t.Fatal("expected adoption to succeed")
	}

	final := tp.jobs.get(job.ID)
	if final.Status != domain.JobStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%+v)", final.Status, final.Error)
	}
	if tp.fetcher.calls != 0 {
		t.Fatalf("checkpointed fetch stage must be skipped, ran %d times", tp.fetcher.calls)
	}
	if tp.detector.callCount() != 0 {
		t.Fatalf("checkpointed detect stage must be skipped, ran %d times", tp.detector.callCount())
	}
	if n := len(tp.ledger.byOperation(domain.CostOpDetection)); n != 0 {
		t.Fatalf("replayed detection must not bill again, got %d records", n)
	}
}

func TestExecute_PayloadCeilingIsHardFailure(t *testing.T) {
	job := pendingJob("job-8")
	tp := newTestPipeline(t, job, Options{MaxStagePayloadBytes: 48})

	if _, err := tp.orch.Execute(context.Background(), job.ID); err == nil {
		t.Fatal("expected pipeline failure")
	}
	final := tp.jobs.get(job.ID)
	if final.Status != domain.JobStatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
	if final.Error == nil || final.Error.Kind != domain.ErrInternal {
		t.Fatalf("expected Internal for an oversized stage output, got %+v", final.Error)
	}
}

func TestExecute_OversizedAssetFailsBeforeDetection(t *testing.T) {
	job := pendingJob("job-9")
	tp := newTestPipeline(t, job, Options{})
	tp.fetcher.errs[job.ArtworkURL] = []error{
		domain.NewPipelineError(domain.ErrAssetTooLarge, "asset exceeds cap", nil),
	}

	if _, err := tp.orch.Execute(context.Background(), job.ID); err == nil {
		t.Fatal("expected pipeline failure")
	}
	final := tp.jobs.get(job.ID)
	if final.Error == nil || final.Error.Kind != domain.ErrAssetTooLarge {
		t.Fatalf("expected AssetTooLarge, got %+v", final.Error)
	}
	if tp.detector.callCount() != 0 {
		t.Fatal("detection must not run after a fetch failure")
	}
	if len(tp.ledger.records) != 0 {
		t.Fatalf("no cost may accrue, got %d records", len(tp.ledger.records))
	}
}

func TestStageToken_Deterministic(t *testing.T) {
	a := stageToken("job-x", StageDetectRegions)
	b := stageToken("job-x", StageDetectRegions)
	if a != b {
		t.Fatalf("token must be stable: %q vs %q", a, b)
	}
	if a == stageToken("job-x", StageComposeStore) {
		t.Fatal("different stages must produce different tokens")
	}
	if a == stageToken("job-y", StageDetectRegions) {
		t.Fatal("different jobs must produce different tokens")
	}
}

func seedCheckpoint(t *testing.T, store *fakeCheckpoints, jobID, stage string, output any) {
	t.Helper()
	data, err := json.Marshal(output)
	if err != nil {
		t.Fatalf("marshal checkpoint output: %v", err)
	}
	if err := store.Put(context.Background(), &domain.Checkpoint{
		JobID:  jobID,
		Stage:  stage,
		Token:  stageToken(jobID, stage),
		Output: data,
	}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
}
