// Package memory implements the named-blob memory surface spliced into
// every system prompt: a small fixed set of markdown files, each guarded by
// its own lock, with the Conscious blob expiring on a timestamped span.
package memory

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind names one of the memory blobs.
type Kind string

const (
	Identity     Kind = "identity"
	User         Kind = "user"
	Personality  Kind = "personality"
	Subconscious Kind = "subconscious"
	Conscious    Kind = "conscious"
	Learning     Kind = "learning"
)

// Kinds lists every blob kind. The first four are the ones the system
// prompt includes, in this order; Conscious and Learning are not part of it.
var Kinds = []Kind{Identity, User, Personality, Subconscious, Conscious, Learning}

// fileNames maps each kind to its on-disk markdown file.
var fileNames = map[Kind]string{
	Identity:     "IDENTITY.md",
	User:         "USER.md",
	Personality:  "PERSONALITY.md",
	Subconscious: "SUBCONSCIOUS.md",
	Conscious:    "CONSCIOUS.md",
	Learning:     "LEARNING.md",
}

const (
	// ConsciousMaxExpiryMinutes caps the DURATION header of the Conscious
	// blob. A focus can ask for less, never more.
	ConsciousMaxExpiryMinutes = 20

	// ConsciousIdle is returned by Read(Conscious) when no focus is active
	// or the previous one has expired.
	ConsciousIdle = "No active conscious focus. Ready for new intent."

	consciousTimeFormat = "2006-01-02 15:04:05"
)

// Store reads and writes the memory blobs under a single directory. Each
// kind has its own mutex so writers to different blobs never contend.
// Contents are cached in memory and invalidated when fsnotify reports an
// external edit, so a human editing IDENTITY.md by hand takes effect on the
// next read without a restart.
type Store struct {
	dir    string
	logger *slog.Logger

	locks   map[Kind]*sync.Mutex
	cacheMu sync.Mutex
	cache   map[Kind]string

	watcher *fsnotify.Watcher
	done    chan struct{}

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewStore creates a Store rooted at dir, creating the directory and
// starting the file watcher. Close releases the watcher.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memory: create dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		logger: logger.With("component", "memory"),
		locks:  make(map[Kind]*sync.Mutex, len(Kinds)),
		cache:  make(map[Kind]string, len(Kinds)),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	for _, kind := range Kinds {
		s.locks[kind] = &sync.Mutex{}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("memory: start watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("memory: watch %s: %w", dir, err)
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

// Close stops the file watcher.
func (s *Store) Close() error {
	close(s.done)
	return s.watcher.Close()
}

func (s *Store) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			for kind, file := range fileNames {
				if file == name {
					s.invalidate(kind)
					break
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("memory watcher error", "error", err)
		}
	}
}

func (s *Store) invalidate(kind Kind) {
	s.cacheMu.Lock()
	delete(s.cache, kind)
	s.cacheMu.Unlock()
}

func (s *Store) path(kind Kind) string {
	return filepath.Join(s.dir, fileNames[kind])
}

func (s *Store) lock(kind Kind) *sync.Mutex {
	m, ok := s.locks[kind]
	if !ok {
		// Unknown kinds share one fallback lock; Read/Write reject them
		// before getting here.
		m = &sync.Mutex{}
	}
	return m
}

func validKind(kind Kind) error {
	if _, ok := fileNames[kind]; !ok {
		return fmt.Errorf("memory: unknown kind %q", kind)
	}
	return nil
}

// Read returns the blob text for kind. A missing file reads as empty. For
// the Conscious kind, an expired focus is rewritten to the idle form and
// the idle sentinel is returned; a blank Conscious blob also reads as idle.
func (s *Store) Read(kind Kind) (string, error) {
	if err := validKind(kind); err != nil {
		return "", err
	}
	mu := s.lock(kind)
	mu.Lock()
	defer mu.Unlock()

	text, err := s.load(kind)
	if err != nil {
		return "", err
	}
	if kind != Conscious {
		return text, nil
	}

	if strings.TrimSpace(text) == "" {
		return ConsciousIdle, nil
	}
	if expired, span := s.consciousExpired(text); expired {
		idle := s.idleForm(fmt.Sprintf("Memory expired (%dmin span reached).", span))
		if err := s.storeLocked(Conscious, idle); err != nil {
			return "", err
		}
		return ConsciousIdle, nil
	}
	if strings.Contains(text, "ACTIVE FOCUS:\nIdle.") {
		return ConsciousIdle, nil
	}
	return text, nil
}

// Write replaces the blob for kind in full.
func (s *Store) Write(kind Kind, text string) error {
	if err := validKind(kind); err != nil {
		return err
	}
	mu := s.lock(kind)
	mu.Lock()
	defer mu.Unlock()
	return s.storeLocked(kind, text)
}

// Append adds text to the end of the blob for kind, separated by a newline.
func (s *Store) Append(kind Kind, text string) error {
	if err := validKind(kind); err != nil {
		return err
	}
	mu := s.lock(kind)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.load(kind)
	if err != nil {
		return err
	}
	if existing != "" && !strings.HasSuffix(existing, "\n") {
		existing += "\n"
	}
	return s.storeLocked(kind, existing+text)
}

// SetFocus writes a new Conscious focus with the current timestamp. The
// duration is capped at ConsciousMaxExpiryMinutes; values <= 0 get the cap.
func (s *Store) SetFocus(intent string, durationMinutes int) error {
	if durationMinutes <= 0 || durationMinutes > ConsciousMaxExpiryMinutes {
		durationMinutes = ConsciousMaxExpiryMinutes
	}
	content := fmt.Sprintf("TIMESTAMP: %s\nDURATION: %d\n\nACTIVE FOCUS:\n%s",
		s.now().Format(consciousTimeFormat), durationMinutes, intent)
	return s.Write(Conscious, content)
}

// ClearFocus resets the Conscious blob to the idle form.
func (s *Store) ClearFocus(reason string) error {
	if reason == "" {
		reason = "Task completed"
	}
	return s.Write(Conscious, s.idleForm(reason))
}

func (s *Store) idleForm(reason string) string {
	return fmt.Sprintf("TIMESTAMP: %s\n\nACTIVE FOCUS:\nIdle. Reason: %s",
		s.now().Format(consciousTimeFormat), reason)
}

// consciousExpired parses the TIMESTAMP/DURATION header and reports whether
// the focus is past its span, along with the effective span in minutes. A
// blob without a parseable header never expires.
func (s *Store) consciousExpired(text string) (bool, int) {
	lines := strings.SplitN(text, "\n", 3)
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "TIMESTAMP:") {
		return false, 0
	}
	ts, err := time.ParseInLocation(consciousTimeFormat,
		strings.TrimSpace(strings.TrimPrefix(lines[0], "TIMESTAMP:")), time.Local)
	if err != nil {
		return false, 0
	}
	span := ConsciousMaxExpiryMinutes
	if len(lines) > 1 && strings.HasPrefix(lines[1], "DURATION:") {
		if parsed, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(lines[1], "DURATION:"))); err == nil {
			if parsed < span {
				span = parsed
			}
		}
	}
	return s.now().Sub(ts) > time.Duration(span)*time.Minute, span
}

// load returns the cached text for kind, reading from disk on a cache miss.
// Callers hold the kind's lock.
func (s *Store) load(kind Kind) (string, error) {
	s.cacheMu.Lock()
	cached, ok := s.cache[kind]
	s.cacheMu.Unlock()
	if ok {
		return cached, nil
	}

	raw, err := os.ReadFile(s.path(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("memory: read %s: %w", kind, err)
	}
	text := string(raw)
	s.cacheMu.Lock()
	s.cache[kind] = text
	s.cacheMu.Unlock()
	return text, nil
}

// storeLocked writes kind's file and refreshes the cache. Callers hold the
// kind's lock.
func (s *Store) storeLocked(kind Kind, text string) error {
	if err := os.WriteFile(s.path(kind), []byte(text), 0o644); err != nil {
		return fmt.Errorf("memory: write %s: %w", kind, err)
	}
	s.cacheMu.Lock()
	s.cache[kind] = text
	s.cacheMu.Unlock()
	return nil
}
