package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestFilterPendingSkipsInflightAndDone(t *testing.T) {
	now := time.Now()
	statuses := map[string]noteStatus{
		"done.mp3":     {Status: "succeeded", LastStage: "REFLECT", UpdatedAt: now},
		"ingested.mp3": {Status: "succeeded", LastStage: "INGEST", UpdatedAt: now},
		"running.mp3":  {Status: "running", LastStage: "TRANSCRIBE", UpdatedAt: now},
		"queued.mp3":   {Status: "queued", LastStage: "INGEST", UpdatedAt: now},
		"error.mp3":    {Status: "failed", LastStage: "TRANSCRIBE", UpdatedAt: now},
	}

	files := []string{"done.mp3", "error.mp3", "ingested.mp3", "new.mp3", "queued.mp3", "running.mp3"}
	pending, sum := filterPending(files, statuses, 0)

	expected := []string{"error.mp3", "new.mp3"}
	if !reflect.DeepEqual(pending, expected) {
		t.Fatalf("unexpected pending list: %#v", pending)
	}
	if sum.Done != 1 || sum.InFlight != 3 || sum.Errors != 1 || sum.New != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestFilterPendingRequeuesStaleInflight(t *testing.T) {
	stale := time.Now().Add(-4 * time.Hour)
	statuses := map[string]noteStatus{
		"stale.m4a": {Status: "running", LastStage: "TRANSCRIBE", UpdatedAt: stale},
	}

	pending, sum := filterPending([]string{"stale.m4a"}, statuses, 3*time.Hour)
	if len(pending) != 1 || pending[0] != "stale.m4a" {
		t.Fatalf("expected stale file to be pending, got %#v", pending)
	}
	if sum.Stale != 1 {
		t.Fatalf("expected stale count to increment, got %+v", sum)
	}
}

func TestFilterPendingRequeuesStaleMidPipelineNote(t *testing.T) {
	// A crash between stages leaves the last stage succeeded with no
	// successor job; only a succeeded REFLECT stage counts as finished.
	old := time.Now().Add(-4 * time.Hour)
	statuses := map[string]noteStatus{
		"stranded.m4a": {Status: "succeeded", LastStage: "INGEST", UpdatedAt: old},
	}

	pending, sum := filterPending([]string{"stranded.m4a"}, statuses, 3*time.Hour)
	if len(pending) != 1 || pending[0] != "stranded.m4a" {
		t.Fatalf("expected stranded note to be pending, got %#v", pending)
	}
	if sum.Done != 0 || sum.Stale != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	if got := normalizeBaseURL("localhost:9000/", "8000"); got != "http://localhost:9000" {
		t.Fatalf("expected normalized URL, got %s", got)
	}
	if got := normalizeBaseURL("", "8000"); got != "http://localhost:8000" {
		t.Fatalf("expected fallback URL, got %s", got)
	}
	if got := normalizeBaseURL("https://svc.internal/", "8000"); got != "https://svc.internal" {
		t.Fatalf("expected scheme kept, got %s", got)
	}
}

func TestListAudioFilesFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"z.mp3", "a.wav", "ignore.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("data"), 0o644); err != nil {
			t.Fatalf("write temp file: %v", err)
		}
	}

	got, err := listAudioFiles(dir)
	if err != nil {
		t.Fatalf("list audio files: %v", err)
	}
	expected := []string{"a.wav", "z.mp3"}
	if !reflect.DeepEqual(got, expected) {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
