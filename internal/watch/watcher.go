package watch

import (
	"context"
	"log"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"reflect_framework/internal/config"
	"reflect_framework/internal/pipeline"
)

// Watcher monitors NOTES_DIR for freshly recorded voice notes and hands each
// one to the intake pipeline.
type Watcher struct {
	cfg      config.Config
	pipeline *pipeline.Pipeline
}

func New(cfg config.Config, p *pipeline.Pipeline) *Watcher {
	return &Watcher{cfg: cfg, pipeline: p}
}

func (w *Watcher) Start(ctx context.Context) error {
	if !w.cfg.EnableWatcher {
		log.Println("watcher disabled")
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-watcher.Events:
				if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && isAudio(evt.Name) {
					if err := w.pipeline.Intake(ctx, evt.Name); err != nil {
						log.Printf("intake %s: %v", evt.Name, err)
					}
				}
			case err := <-watcher.Errors:
				log.Printf("watcher error: %v", err)
			}
		}
	}()
	return watcher.Add(w.cfg.NotesDir)
}

func isAudio(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3", ".wav", ".m4a", ".aac", ".flac", ".ogg":
		return true
	default:
		return false
	}
}

// Backfill runs intake for notes already sitting in the directory.
func (w *Watcher) Backfill(ctx context.Context) error {
	entries, err := filepath.Glob(filepath.Join(w.cfg.NotesDir, "*"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if isAudio(e) {
			if err := w.pipeline.Intake(ctx, e); err != nil {
				log.Printf("backfill %s: %v", e, err)
			}
		}
	}
	return nil
}
