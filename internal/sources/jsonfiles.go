package sources

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/jcmvstard-prog/customs-kb/internal/ingest"
	"github.com/jcmvstard-prog/customs-kb/internal/store"
)

const maxLineSize = 16 * 1024 * 1024

// Glob expands a doublestar pattern such as "data/**/*.json" into the
// matching files, sorted. Hidden files and directories are skipped.
func Glob(pattern string) ([]string, error) {
	if !doublestar.ValidatePathPattern(pattern) {
		return nil, fmt.Errorf("invalid glob pattern %q", pattern)
	}
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to expand %q: %w", pattern, err)
	}
	files := matches[:0]
	for _, m := range matches {
		if !isHidden(m) && isRecordFile(m) {
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

// JSONFiles reads records from .json files (one object or an array of
// objects) and .jsonl files (one object per line).
type JSONFiles struct {
	paths   []string
	pending []ingest.Record
	log     zerolog.Logger
}

// NewJSONFiles creates a source over paths, read in order.
func NewJSONFiles(paths []string, log zerolog.Logger) *JSONFiles {
	return &JSONFiles{
		paths: append([]string(nil), paths...),
		log:   log.With().Str("component", "json_files").Logger(),
	}
}

// Next implements ingest.RecordSource. A file that cannot be parsed ends
// the iteration with an error.
func (s *JSONFiles) Next(ctx context.Context) (*ingest.Record, error) {
	for len(s.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(s.paths) == 0 {
			return nil, io.EOF
		}
		path := s.paths[0]
		s.paths = s.paths[1:]
		records, err := ReadRecordFile(path)
		if err != nil {
			return nil, err
		}
		s.log.Debug().Str("path", path).Int("records", len(records)).Msg("read record file")
		s.pending = records
	}
	rec := s.pending[0]
	s.pending = s.pending[1:]
	return &rec, nil
}

// ReadRecordFile parses one record file. Bodies are cleaned the same way
// as fetched notices and the source defaults to "files".
func ReadRecordFile(path string) ([]ingest.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var records []ingest.Record
	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for line := 1; sc.Scan(); line++ {
			raw := bytes.TrimSpace(sc.Bytes())
			if len(raw) == 0 {
				continue
			}
			var rec ingest.Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			records = append(records, rec)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", path, err)
		}
	} else {
		trimmed := bytes.TrimSpace(data)
		if bytes.HasPrefix(trimmed, []byte("[")) {
			err = json.Unmarshal(trimmed, &records)
		} else {
			var rec ingest.Record
			err = json.Unmarshal(trimmed, &rec)
			records = []ingest.Record{rec}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	for i := range records {
		if records[i].Source == "" {
			records[i].Source = store.SourceFiles
		}
		if records[i].Text != nil {
			records[i].Text = cleanBody(*records[i].Text)
		}
	}
	return records, nil
}

// Watch calls onChange with every file matching pattern that is created or
// written under the pattern's base directory, until ctx is done.
// Directories created while watching are watched too.
func Watch(ctx context.Context, pattern string, onChange func(path string) error, log zerolog.Logger) error {
	pattern = filepath.Clean(pattern)
	base, _ := doublestar.SplitPattern(filepath.ToSlash(pattern))
	base = filepath.FromSlash(base)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := addDirs(watcher, base); err != nil {
		return err
	}
	log.Info().Str("dir", base).Str("pattern", pattern).Msg("watching for record files")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watch error")
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			path, ok := handleEvent(watcher, event, pattern)
			if !ok {
				continue
			}
			if err := onChange(path); err != nil {
				log.Error().Err(err).Str("path", path).Msg("failed to ingest changed file")
			}
		}
	}
}

// handleEvent reports whether event touched a record file matching pattern.
func handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event, pattern string) (string, bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return "", false
	}
	if isHidden(event.Name) {
		return "", false
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return "", false
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			_ = addDirs(watcher, event.Name)
		}
		return "", false
	}
	matched, _ := doublestar.PathMatch(pattern, event.Name)
	if !matched || !isRecordFile(event.Name) {
		return "", false
	}
	return event.Name, true
}

func addDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && isHidden(path) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func isRecordFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl":
		return true
	}
	return false
}

func isHidden(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if len(part) > 1 && strings.HasPrefix(part, ".") && part != ".." {
			return true
		}
	}
	return false
}
