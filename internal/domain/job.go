package domain

import (
	"time"
)

// JobStatus enumerates the mockup job lifecycle states. The order is
// meaningful: a job only ever moves forward, and RETRIED is reached
// exclusively from a terminal state when a follow-up job is created.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusRetried    JobStatus = "RETRIED"
)

// Terminal reports whether the status admits no further pipeline work.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusRetried
}

// Job encapsulates one artwork-into-template placement request. A job is
// created PENDING by the submission surface and afterwards mutated only by
// the pipeline orchestrator.
type Job struct {
	ID          string
	Status      JobStatus
	ArtworkURL  string
	TemplateURL string

	// Blob store references populated by the asset fetch stage.
	ArtworkRef  string
	TemplateRef string

	SelectedRegion *Region
	RegionCount    int
	ResultRef      string
	Error          *JobError

	OriginJobID string

	CreatedAt           time.Time
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	UpdatedAt           time.Time
}

// JobError is the externally visible failure record: a machine-readable kind
// plus a human-readable message. Raw internal errors never leave the worker.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// Region is a candidate or selected placement area within a template.
// Corners, when present, list the target quadrilateral clockwise from the
// top-left; otherwise the axis-aligned BBox is the geometry.
type Region struct {
	Label      string         `json:"label"`
	Confidence float64        `json:"confidence"`
	BBox       BBox           `json:"bbox"`
	Corners    *[4][2]float64 `json:"corners,omitempty"`
}

// BBox is an axis-aligned box in template pixel coordinates.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the box area in square pixels.
func (b BBox) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// CornerPoints expands the box to its four corners, clockwise from top-left.
func (b BBox) CornerPoints() [4][2]float64 {
	return [4][2]float64{
		{b.X, b.Y},
		{b.X + b.Width, b.Y},
		{b.X + b.Width, b.Y + b.Height},
		{b.X, b.Y + b.Height},
	}
}

// TargetCorners returns the quadrilateral the artwork must be mapped onto:
// the explicit corner set when the detector supplied one, the bbox corners
// otherwise.
func (r Region) TargetCorners() [4][2]float64 {
	if r.Corners != nil {
		return *r.Corners
	}
	return r.BBox.CornerPoints()
}

// FallbackLabel marks a region produced by the deterministic fallback
// heuristic rather than the vision model.
const FallbackLabel = "fallback"
