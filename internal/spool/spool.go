// Package spool implements the engine's durable, file-based event log:
// one JSON file per event, partitioned into pending/ and processed/
// directories beneath a base directory, made crash-safe by relying on
// POSIX rename(2) atomicity rather than any in-process coordination.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/forgehq/forge/internal/errs"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// Event is one record on the spool.
type Event struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
}

// Spool is the directory-backed append-only event log.
type Spool struct {
	baseDir      string
	pendingDir   string
	processedDir string
	logger       *slog.Logger
	watcher      *fsnotify.Watcher
	notifyC      chan struct{}
}

// Open ensures the pending/ and processed/ directories exist beneath
// baseDir and returns a ready Spool.
func Open(baseDir string, logger *slog.Logger) (*Spool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pending := filepath.Join(baseDir, "pending")
	processed := filepath.Join(baseDir, "processed")
	for _, d := range []string{pending, processed} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, errs.Wrap(errs.KindSpool, "create spool directory", err)
		}
	}
	return &Spool{
		baseDir:      baseDir,
		pendingDir:   pending,
		processedDir: processed,
		logger:       logger,
		notifyC:      make(chan struct{}, 1),
	}, nil
}

// Append writes a new event file to pending/, fsyncing before
// returning so the write survives a crash. The filename is
// lexicographically ordered by timestamp, per the wire contract.
func (s *Spool) Append(kind string, payload any, source string) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "marshal event payload", err)
	}

	id := uuid.New().String()
	ts := time.Now().UTC()
	ev := &Event{ID: id, Kind: kind, Timestamp: ts, Source: source, Payload: raw}

	body, err := json.Marshal(ev)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "marshal event", err)
	}

	name := fileName(ts, kind, id)
	path := filepath.Join(s.pendingDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.KindSpool, "create event file", err)
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		return nil, errs.Wrap(errs.KindSpool, "write event file", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, errs.Wrap(errs.KindSpool, "fsync event file", err)
	}
	if err := f.Close(); err != nil {
		return nil, errs.Wrap(errs.KindSpool, "close event file", err)
	}

	select {
	case s.notifyC <- struct{}{}:
	default:
	}
	return ev, nil
}

// ListPending returns every event in pending/, in lexicographic
// filename (≈ timestamp) order.
func (s *Spool) ListPending() ([]Event, error) {
	return s.listDir(s.pendingDir)
}

// ListProcessed returns every event in processed/.
func (s *Spool) ListProcessed() ([]Event, error) {
	return s.listDir(s.processedDir)
}

// ListAll returns pending and processed events together, pending first.
func (s *Spool) ListAll() ([]Event, error) {
	pending, err := s.ListPending()
	if err != nil {
		return nil, err
	}
	processed, err := s.ListProcessed()
	if err != nil {
		return nil, err
	}
	return append(pending, processed...), nil
}

// MarkProcessed atomically renames the event's file from pending/ to
// processed/. If the file is absent (another observer already claimed
// it, or the id is unknown), it returns a not-found error — the
// mechanism that deduplicates concurrent handler retries.
//
// id may be a full event id or the 8-char suffix fileName embeds;
// either way the match is against that embedded suffix, since the
// filename never carries the full id.
func (s *Spool) MarkProcessed(id string) error {
	name, err := s.findPendingFile(id)
	if err != nil {
		return err
	}
	src := filepath.Join(s.pendingDir, name)
	dst := filepath.Join(s.processedDir, name)
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return errs.New(errs.KindNotFound, fmt.Sprintf("event %s not pending", id))
		}
		return errs.Wrap(errs.KindSpool, "mark event processed", err)
	}
	return nil
}

// GetByID looks up an event by id across both directories, rejecting
// ambiguous lookups if the prefix search (used by callers identifying
// events by their short id8 suffix) matches more than one file.
func (s *Spool) GetByID(id string) (*Event, error) {
	suffix := idSuffix(id)
	for _, dir := range []string{s.pendingDir, s.processedDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, errs.Wrap(errs.KindSpool, "read spool directory", err)
		}
		var matches []string
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if matchesSuffix(e.Name(), suffix) {
				matches = append(matches, e.Name())
			}
		}
		if len(matches) > 1 {
			return nil, errs.New(errs.KindValidation, fmt.Sprintf("ambiguous event id %q matches %d files", id, len(matches)))
		}
		if len(matches) == 1 {
			return s.readEventFile(filepath.Join(dir, matches[0]))
		}
	}
	return nil, errs.New(errs.KindNotFound, fmt.Sprintf("event %s not found", id))
}

// WatchPending starts an optional fast-path notifier backed by
// fsnotify: when a new file appears under pending/, the router's poll
// loop can Fire() its ticker immediately instead of waiting out the
// full poll interval. Correctness never depends on this: if the
// watcher fails to start, the poll ticker alone still drives progress.
func (s *Spool) WatchPending(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("spool fsnotify unavailable, relying on poll ticker", "error", err)
		close(out)
		return out
	}
	if err := fsw.Add(s.pendingDir); err != nil {
		s.logger.Warn("spool fsnotify add failed, relying on poll ticker", "error", err)
		_ = fsw.Close()
		close(out)
		return out
	}
	s.watcher = fsw

	go func() {
		defer fsw.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-fsw.Events:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				s.logger.Warn("spool watcher error", "error", err)
			}
		}
	}()
	return out
}

func (s *Spool) findPendingFile(id string) (string, error) {
	suffix := idSuffix(id)
	entries, err := os.ReadDir(s.pendingDir)
	if err != nil {
		return "", errs.Wrap(errs.KindSpool, "read pending directory", err)
	}
	var matches []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if matchesSuffix(e.Name(), suffix) {
			matches = append(matches, e.Name())
		}
	}
	if len(matches) > 1 {
		return "", errs.New(errs.KindValidation, fmt.Sprintf("ambiguous event id %q matches %d pending files", id, len(matches)))
	}
	if len(matches) == 1 {
		return matches[0], nil
	}
	return "", errs.New(errs.KindNotFound, fmt.Sprintf("event %s not pending", id))
}

// idSuffix returns the 8-char id fragment fileName embeds in event
// filenames. Callers may pass either a full event id or an already
// 8-char suffix; both compare against the same fragment.
func idSuffix(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// matchesSuffix reports whether name embeds suffix as the id fragment
// fileName writes, i.e. immediately before the ".json" extension.
func matchesSuffix(name, suffix string) bool {
	return strings.HasSuffix(strings.TrimSuffix(name, ".json"), suffix)
}

func (s *Spool) readEventFile(path string) (*Event, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindSpool, "read event file", err)
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, errs.Wrap(errs.KindSpool, "decode event file", err)
	}
	return &ev, nil
}

func (s *Spool) listDir(dir string) ([]Event, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.Wrap(errs.KindSpool, "read spool directory", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]Event, 0, len(names))
	for _, name := range names {
		ev, err := s.readEventFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, nil
}

// fileName builds "<ts>-<kind-with-dashes>-<id8>.json" per the wire
// contract: ISO-8601 timestamp with ':' and '.' replaced by '-', and
// the event kind's dots replaced by dashes.
func fileName(ts time.Time, kind, id string) string {
	iso := ts.UTC().Format("2006-01-02T15:04:05.000000000Z")
	tsPart := strings.NewReplacer(":", "-", ".", "-").Replace(iso)
	kindPart := strings.ReplaceAll(kind, ".", "-")
	id8 := id
	if len(id8) > 8 {
		id8 = id8[:8]
	}
	return fmt.Sprintf("%s-%s-%s.json", tsPart, kindPart, id8)
}
