package infra

import (
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"

	"mockupforge/internal/sqlinline"
)

func TestExtractMarker_StripsMarkerLine(t *testing.T) {
	query := "--sql 0a1b2c3d-0000-1111-2222-333344445555\nSELECT 1"
	marker, trimmed, err := extractMarker(query)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if marker != "0a1b2c3d-0000-1111-2222-333344445555" {
		t.Fatalf("unexpected marker %q", marker)
	}
	if trimmed != "SELECT 1" {
		t.Fatalf("marker not stripped: %q", trimmed)
	}
}

func TestExtractMarker_RejectsUnmarkedQuery(t *testing.T) {
	if _, _, err := extractMarker("SELECT 1"); err == nil {
		t.Fatal("expected unmarked query to be rejected")
	}
}

func TestAllInlineQueriesCarryMarkers(t *testing.T) {
	queries := map[string]string{
		"QCreateJob":       sqlinline.QCreateJob,
		"QGetJob":          sqlinline.QGetJob,
		"QListPendingJobs": sqlinline.QListPendingJobs,
		"QListStaleJobs":   sqlinline.QListStaleJobs,
		"QClaimJob":        sqlinline.QClaimJob,
		"QAdoptJob":        sqlinline.QAdoptJob,
		"QHeartbeatJob":    sqlinline.QHeartbeatJob,
		"QSaveAssetRefs":   sqlinline.QSaveAssetRefs,
		"QCompleteJob":     sqlinline.QCompleteJob,
		"QFailJob":         sqlinline.QFailJob,
		"QRetryJob":        sqlinline.QRetryJob,
		"QPutCheckpoint":   sqlinline.QPutCheckpoint,
		"QListCheckpoints": sqlinline.QListCheckpoints,
		"QAppendCost":      sqlinline.QAppendCost,
	}
	seen := make(map[string]string, len(queries))
	for name, q := range queries {
		marker, trimmed, err := extractMarker(q)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if strings.TrimSpace(trimmed) == "" {
			t.Fatalf("%s: empty statement", name)
		}
		if prev, dup := seen[marker]; dup {
			t.Fatalf("%s and %s share marker %s", name, prev, marker)
		}
		seen[marker] = name
	}
}

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(pgx.ErrNoRows) {
		t.Fatal("pgx.ErrNoRows must be recognized")
	}
	if IsNoRows(nil) {
		t.Fatal("nil is not a no-rows error")
	}
}
