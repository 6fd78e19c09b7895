package store

import (
	"testing"
	"time"
)

func TestScanCache(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	got, err := db.GetScan("/logs/a.jsonl")
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no scan, got %+v", got)
	}

	mod := time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC)
	first := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s := &Scan{
		Path:           "/logs/a.jsonl",
		Size:           4096,
		ModTime:        mod.UnixNano(),
		MessageCount:   120,
		TokenCount:     2400,
		SkippedCount:   1,
		PinnedCount:    2,
		FirstMessageID: "m-0000",
		LastMessageID:  "m-0119",
		FirstTimestamp: first,
		LastTimestamp:  first.Add(2 * time.Hour),
	}
	if err := db.PutScan(s); err != nil {
		t.Fatalf("PutScan: %v", err)
	}

	got, err = db.GetScan("/logs/a.jsonl")
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	if got.MessageCount != 120 || got.LastMessageID != "m-0119" || got.PinnedCount != 2 {
		t.Errorf("unexpected scan %+v", got)
	}
	if !got.LastTimestamp.Equal(first.Add(2 * time.Hour)) {
		t.Errorf("LastTimestamp = %v", got.LastTimestamp)
	}
	if !got.Matches(4096, mod) {
		t.Error("expected scan to match its own identity")
	}
	if got.Matches(4097, mod) || got.Matches(4096, mod.Add(time.Nanosecond)) {
		t.Error("scan should not match a changed file")
	}

	s.MessageCount = 130
	s.ScannedAt = 0
	if err := db.PutScan(s); err != nil {
		t.Fatalf("PutScan replace: %v", err)
	}
	got, _ = db.GetScan("/logs/a.jsonl")
	if got.MessageCount != 130 {
		t.Errorf("MessageCount = %d, want 130", got.MessageCount)
	}

	if err := db.DeleteScan("/logs/a.jsonl"); err != nil {
		t.Fatalf("DeleteScan: %v", err)
	}
	got, _ = db.GetScan("/logs/a.jsonl")
	if got != nil {
		t.Error("scan survived delete")
	}
}
