// Package skills manages the local library of markdown skill files the
// agent can list, read, and download. The directory is watched so files a
// human drops in by hand show up without a restart.
package skills

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// maxSkillBytes caps a downloaded skill file.
const maxSkillBytes = 1 << 20

var skillNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Manager owns the skills directory.
type Manager struct {
	dir    string
	logger *slog.Logger
	client *http.Client

	mu      sync.Mutex
	names   []string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewManager creates a Manager rooted at dir and starts the watcher.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("skills: create dir: %w", err)
	}
	m := &Manager{
		dir:    dir,
		logger: logger.With("component", "skills"),
		client: &http.Client{Timeout: 30 * time.Second},
		done:   make(chan struct{}),
	}
	if err := m.rescan(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("skills: start watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("skills: watch %s: %w", dir, err)
	}
	m.watcher = watcher
	go m.watch()
	return m, nil
}

// Close stops the directory watcher.
func (m *Manager) Close() error {
	close(m.done)
	return m.watcher.Close()
}

func (m *Manager) watch() {
	for {
		select {
		case <-m.done:
			return
		case _, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if err := m.rescan(); err != nil {
				m.logger.Warn("skills rescan failed", "error", err)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("skills watcher error", "error", err)
		}
	}
}

func (m *Manager) rescan() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("skills: read dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".md"))
	}
	sort.Strings(names)

	m.mu.Lock()
	m.names = names
	m.mu.Unlock()
	return nil
}

// List returns the available skill names.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.names...)
}

// Read returns a skill's markdown content.
func (m *Manager) Read(name string) (string, error) {
	path, err := m.skillPath(name)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("skills: no skill named %q", name)
		}
		return "", fmt.Errorf("skills: read %s: %w", name, err)
	}
	return string(raw), nil
}

// Download fetches a markdown skill from rawURL and stores it under name.
func (m *Manager) Download(ctx context.Context, rawURL, name string) error {
	target, err := url.Parse(rawURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return fmt.Errorf("skills: url must be http(s)")
	}
	path, err := m.skillPath(name)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("skills: build request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("skills: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("skills: download returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSkillBytes))
	if err != nil {
		return fmt.Errorf("skills: read download: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("skills: store %s: %w", name, err)
	}
	return m.rescan()
}

// skillPath validates the name and resolves it inside the skills dir,
// rejecting traversal.
func (m *Manager) skillPath(name string) (string, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".md")
	if name == "" || !skillNamePattern.MatchString(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("skills: invalid skill name %q", name)
	}
	return filepath.Join(m.dir, name+".md"), nil
}
