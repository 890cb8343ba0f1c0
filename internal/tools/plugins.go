package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manifest describes one external tool: a command invoked with the call
// arguments as JSON on stdin, returning a JSON result on stdout.
type Manifest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Write       bool     `json:"write"`
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
}

func (m Manifest) validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest missing name")
	}
	if m.Command == "" {
		return fmt.Errorf("manifest %q missing command", m.Name)
	}
	return nil
}

// LoadManifests parses every *.json manifest in dir. A missing dir yields
// an empty set; a broken manifest is skipped with a warning so one bad
// file cannot take out the rest.
func LoadManifests(dir string, log *slog.Logger) ([]Tool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugin dir: %w", err)
	}

	var out []Tool
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn("plugins.manifest_unreadable", "path", path, "error", err)
			continue
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			log.Warn("plugins.manifest_invalid", "path", path, "error", err)
			continue
		}
		if err := m.validate(); err != nil {
			log.Warn("plugins.manifest_invalid", "path", path, "error", err)
			continue
		}
		out = append(out, &execTool{manifest: m, dir: dir})
	}
	return out, nil
}

// execTool runs the manifest's command. Arguments go in as one JSON
// object on stdin; the result is the decoded stdout.
type execTool struct {
	manifest Manifest
	dir      string
}

func (t *execTool) Name() string        { return t.manifest.Name }
func (t *execTool) Description() string { return t.manifest.Description }
func (t *execTool) Write() bool         { return t.manifest.Write }

func (t *execTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}

	cmd := exec.CommandContext(ctx, t.manifest.Command, t.manifest.Args...)
	cmd.Dir = t.dir
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("plugin %s: %s", t.manifest.Name, msg)
	}

	var result any
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("plugin %s: invalid json output: %w", t.manifest.Name, err)
	}
	return result, nil
}

// debounce absorbs the burst of fs events an editor save produces.
const debounce = 300 * time.Millisecond

// Watch reloads the registry's external tools whenever a manifest in dir
// changes. Blocks until ctx is canceled.
func Watch(ctx context.Context, dir string, reg *Registry, log *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var timer *time.Timer
	reloadC := make(chan struct{}, 1)
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			select {
			case reloadC <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if strings.HasSuffix(ev.Name, ".json") {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("plugins.watch_error", "error", err)
		case <-reloadC:
			loaded, err := LoadManifests(dir, log)
			if err != nil {
				log.Error("plugins.reload_failed", "error", err)
				continue
			}
			if err := reg.Replace(loaded); err != nil {
				log.Error("plugins.reload_rejected", "error", err)
				continue
			}
			log.Info("plugins.reloaded", "count", len(loaded))
		}
	}
}
