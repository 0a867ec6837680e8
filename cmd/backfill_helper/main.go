// Command backfill_helper scans the notes directory for voice notes the
// service never finished processing and asks the running service to pick
// them up again. Meant for cron or manual recovery after an outage.
package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"reflect_framework/internal/config"

	_ "modernc.org/sqlite"
)

const staleAfter = 3 * time.Hour

func main() {
	cfg := config.Load()

	files, err := listAudioFiles(cfg.NotesDir)
	if err != nil {
		log.Fatalf("scan notes dir: %v", err)
	}
	if len(files) == 0 {
		log.Println("no audio files found")
		return
	}

	statuses, err := loadStatuses(cfg.DBPath)
	if err != nil {
		log.Fatalf("load note statuses: %v", err)
	}

	pending, summary := filterPending(files, statuses, staleAfter)
	log.Printf("notes: %d total, %d done, %d in flight, %d failed, %d new, %d stale",
		len(files), summary.Done, summary.InFlight, summary.Errors, summary.New, summary.Stale)
	if len(pending) == 0 {
		return
	}

	baseURL := normalizeBaseURL(os.Getenv("SERVICE_BASE_URL"), cfg.HTTPPort)
	log.Printf("requesting reprocessing from %s", baseURL)
	enqueue(baseURL, pending)
}

type noteStatus struct {
	Status    string
	LastStage string
	UpdatedAt time.Time
}

// done means the whole pipeline ran, not just some stage: only a note whose
// REFLECT stage succeeded is finished.
func (n noteStatus) done() bool {
	return n.Status == "succeeded" && n.LastStage == "REFLECT"
}

type summary struct {
	Done     int
	InFlight int
	Errors   int
	New      int
	Stale    int
}

func listAudioFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".mp3", ".wav", ".m4a", ".aac", ".flac", ".ogg":
			out = append(out, entry.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func loadStatuses(dbPath string) (map[string]noteStatus, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	statuses := make(map[string]noteStatus)
	rows, err := db.Query(`SELECT filename, status, last_stage, updated_at FROM notes`)
	if err != nil {
		// A missing table just means nothing was processed yet.
		return statuses, nil
	}
	defer rows.Close()
	for rows.Next() {
		var name, status, stage string
		var updated time.Time
		if err := rows.Scan(&name, &status, &stage, &updated); err == nil {
			statuses[name] = noteStatus{Status: status, LastStage: stage, UpdatedAt: updated}
		}
	}
	return statuses, nil
}

// filterPending keeps files the service has not finished: unseen files,
// failed ones, and in-flight ones whose last update is older than the stale
// threshold (a threshold of zero never requeues in-flight notes). A stage
// other than REFLECT succeeding is progress, not completion, so such notes
// stay in flight and get requeued once stale.
func filterPending(files []string, statuses map[string]noteStatus, stale time.Duration) ([]string, summary) {
	var pending []string
	var sum summary
	now := time.Now()
	for _, f := range files {
		st, ok := statuses[f]
		switch {
		case !ok:
			sum.New++
			pending = append(pending, f)
		case st.done():
			sum.Done++
		case st.Status == "failed":
			sum.Errors++
			pending = append(pending, f)
		default:
			if stale > 0 && now.Sub(st.UpdatedAt) > stale {
				sum.Stale++
				pending = append(pending, f)
			} else {
				sum.InFlight++
			}
		}
	}
	return pending, sum
}

func normalizeBaseURL(raw, port string) string {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "/")
	if raw == "" {
		return "http://localhost:" + strings.TrimPrefix(port, ":")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	return raw
}

func enqueue(baseURL string, files []string) {
	client := &http.Client{Timeout: 30 * time.Second}
	var wg sync.WaitGroup
	slots := make(chan struct{}, 8)
	for _, f := range files {
		wg.Add(1)
		slots <- struct{}{}
		go func(name string) {
			defer wg.Done()
			defer func() { <-slots }()
			payload, _ := json.Marshal(map[string]string{"filename": name})
			endpoint := fmt.Sprintf("%s/ops/reprocess", baseURL)
			resp, err := client.Post(endpoint, "application/json", bytes.NewReader(payload))
			if err != nil {
				log.Printf("enqueue %s: %v", name, err)
				return
			}
			resp.Body.Close()
			if resp.StatusCode >= 300 {
				log.Printf("enqueue %s: %s", name, resp.Status)
				return
			}
			log.Printf("queued %s", name)
		}(f)
	}
	wg.Wait()
}
