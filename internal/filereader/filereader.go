// Package filereader loads traces from disk and keeps watching for more.
// It understands two formats: tracelanes snapshots (*.trace.json, one trace
// per file) and JSONL written by the OpenTelemetry Collector's file exporter
// (*.jsonl, one TracesData message per line).
package filereader

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/tobert/tracelanes/internal/trace"
)

const (
	// OTLP JSON lines can be large, especially for batches carrying bodies.
	jsonlBufferInitial = 1 * 1024 * 1024  // 1MB initial buffer
	jsonlBufferMax     = 10 * 1024 * 1024 // 10MB maximum line size

	// SnapshotSuffix marks a tracelanes snapshot file.
	SnapshotSuffix = ".trace.json"

	// ActiveJSONL is the file the Collector file exporter appends to.
	ActiveJSONL = "traces.jsonl"
)

// Sink receives everything read from disk. storage.TraceStore implements it.
type Sink interface {
	ReceiveSpans(ctx context.Context, resourceSpans []*tracepb.ResourceSpans) error
	Add(ctx context.Context, tr *trace.Trace) error
}

// FileSource reads traces from a directory and watches it for changes.
type FileSource struct {
	directory  string
	sink       Sink
	verbose    bool
	activeOnly bool

	watcher *fsnotify.Watcher

	// JSONL read positions, so appended data is read once.
	mu          sync.Mutex
	fileOffsets map[string]int64
	snapshots   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds configuration for a FileSource.
type Config struct {
	Directory string // base directory, e.g. /tank/otel
	Verbose   bool

	// ActiveOnly skips rotated Collector archives such as
	// traces-2025-12-09T13-10-56.jsonl and reads only traces.jsonl.
	ActiveOnly bool
}

// New creates a FileSource over cfg.Directory. Files are read from the
// directory itself and from its traces/ subdirectory when present.
func New(cfg Config, sink Sink) (*FileSource, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("directory is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}

	info, err := os.Stat(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("cannot access directory %s: %w", cfg.Directory, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", cfg.Directory)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &FileSource{
		directory:   cfg.Directory,
		sink:        sink,
		verbose:     cfg.Verbose,
		activeOnly:  cfg.ActiveOnly,
		watcher:     watcher,
		fileOffsets: make(map[string]int64),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func (fs *FileSource) dirs() []string {
	dirs := []string{fs.directory}
	sub := filepath.Join(fs.directory, "traces")
	if info, err := os.Stat(sub); err == nil && info.IsDir() {
		dirs = append(dirs, sub)
	}
	return dirs
}

// Start loads existing files and begins watching. It returns after the
// initial load; watching continues in the background until Stop.
func (fs *FileSource) Start(ctx context.Context) error {
	if fs.verbose {
		log.Printf("📁 FileSource: starting with directory %s\n", fs.directory)
	}

	for _, dir := range fs.dirs() {
		if err := fs.watcher.Add(dir); err != nil {
			log.Printf("⚠️  FileSource: could not watch %s: %v\n", dir, err)
		} else if fs.verbose {
			log.Printf("📁 FileSource: watching %s\n", dir)
		}
	}

	if err := fs.loadInitialData(ctx); err != nil {
		return fmt.Errorf("initial data load failed: %w", err)
	}

	fs.wg.Add(1)
	go fs.watchLoop()

	return nil
}

// Stop stops the watcher and waits for its goroutine.
func (fs *FileSource) Stop() {
	fs.cancel()
	fs.watcher.Close()
	fs.wg.Wait()
}

// Directory returns the base directory being watched.
func (fs *FileSource) Directory() string {
	return fs.directory
}

func (fs *FileSource) loadInitialData(ctx context.Context) error {
	for _, dir := range fs.dirs() {
		files, err := fs.findFiles(dir)
		if err != nil {
			return err
		}
		for _, file := range files {
			fs.load(ctx, file)
		}
	}
	return nil
}

// load reads one file of either format, logging rather than failing.
func (fs *FileSource) load(ctx context.Context, path string) {
	name := filepath.Base(path)
	switch {
	case isSnapshot(name):
		if err := fs.loadSnapshot(ctx, path); err != nil {
			log.Printf("⚠️  FileSource: error loading %s: %v\n", name, err)
		} else if fs.verbose {
			log.Printf("📁 FileSource: loaded snapshot %s\n", name)
		}
	case isJSONL(name):
		count, err := fs.loadTraceFile(ctx, path)
		if err != nil {
			log.Printf("⚠️  FileSource: error reading %s: %v\n", name, err)
		} else if fs.verbose && count > 0 {
			log.Printf("📁 FileSource: loaded %d trace batches from %s\n", count, name)
		}
	}
}

// LoadFile reads a single snapshot or JSONL file into sink without
// watching it. Files not named like JSONL are decoded as snapshots, and a
// snapshot that fails to decode is an error.
func LoadFile(ctx context.Context, path string, sink Sink) error {
	fs := &FileSource{
		directory:   filepath.Dir(path),
		sink:        sink,
		fileOffsets: make(map[string]int64),
	}
	if isJSONL(filepath.Base(path)) {
		_, err := fs.loadTraceFile(ctx, path)
		return err
	}
	return fs.loadSnapshot(ctx, path)
}

func isSnapshot(name string) bool { return strings.HasSuffix(name, SnapshotSuffix) }

func isJSONL(name string) bool {
	return strings.HasSuffix(name, ".jsonl") || strings.Contains(name, ".jsonl.")
}

// findFiles returns the readable files in dir, oldest first.
func (fs *FileSource) findFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}
	var files []fileInfo

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !isSnapshot(name) && !isJSONL(name) {
			continue
		}
		if isJSONL(name) && fs.activeOnly && name != ActiveJSONL {
			if fs.verbose {
				log.Printf("📁 FileSource: skipping archived file %s (activeOnly mode)\n", name)
			}
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: filepath.Join(dir, name), modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	result := make([]string, len(files))
	for i, f := range files {
		result[i] = f.path
	}
	return result, nil
}

// loadSnapshot decodes a whole snapshot file. Rewritten files replace the
// stored snapshot with the same id.
func (fs *FileSource) loadSnapshot(ctx context.Context, path string) error {
	tr, err := trace.DecodeFile(path)
	if err != nil {
		return err
	}
	if tr.ID == "" {
		tr.ID = strings.TrimSuffix(filepath.Base(path), SnapshotSuffix)
	}
	if err := fs.sink.Add(ctx, tr); err != nil {
		return err
	}
	fs.mu.Lock()
	fs.snapshots++
	fs.mu.Unlock()
	return nil
}

// loadTraceFile reads Collector JSONL from the last known offset.
func (fs *FileSource) loadTraceFile(ctx context.Context, path string) (int, error) {
	return fs.processFile(ctx, path, func(line []byte) error {
		var data tracepb.TracesData
		if err := protojson.Unmarshal(line, &data); err != nil {
			return fmt.Errorf("parse trace JSON: %w", err)
		}
		if len(data.ResourceSpans) > 0 {
			return fs.sink.ReceiveSpans(ctx, data.ResourceSpans)
		}
		return nil
	})
}

// processFile calls handler for each new line of path and returns how many
// lines were handled. A file shorter than the saved offset is treated as
// rotated and read from the start.
func (fs *FileSource) processFile(ctx context.Context, path string, handler func([]byte) error) (int, error) {
	fs.mu.Lock()
	offset := fs.fileOffsets[path]
	fs.mu.Unlock()

	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	if info, err := file.Stat(); err == nil && info.Size() < offset {
		offset = 0
	}
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			offset = 0
		}
	}

	reader := bufio.NewReaderSize(file, jsonlBufferInitial)
	count := 0
	consumed := offset
	for {
		select {
		case <-ctx.Done():
			fs.saveOffset(path, consumed)
			return count, ctx.Err()
		default:
		}

		line, err := reader.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			line, err = readLong(reader, line)
		}
		if err == io.EOF {
			// A partial trailing line is still being written; leave it.
			break
		}
		if err != nil {
			fs.saveOffset(path, consumed)
			return count, fmt.Errorf("reading %s: %w", path, err)
		}
		consumed += int64(len(line))

		line = []byte(strings.TrimSpace(string(line)))
		if len(line) == 0 {
			continue
		}
		if err := handler(line); err != nil {
			if fs.verbose {
				log.Printf("⚠️  FileSource: error processing line in %s: %v\n", filepath.Base(path), err)
			}
			continue
		}
		count++
	}

	fs.saveOffset(path, consumed)
	return count, nil
}

// readLong finishes a line longer than the reader buffer, up to
// jsonlBufferMax bytes.
func readLong(r *bufio.Reader, first []byte) ([]byte, error) {
	buf := append([]byte(nil), first...)
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > jsonlBufferMax {
			return nil, fmt.Errorf("line exceeds %d bytes", jsonlBufferMax)
		}
		if err != bufio.ErrBufferFull {
			return buf, err
		}
	}
}

func (fs *FileSource) saveOffset(path string, offset int64) {
	fs.mu.Lock()
	fs.fileOffsets[path] = offset
	fs.mu.Unlock()
}

func (fs *FileSource) watchLoop() {
	defer fs.wg.Done()

	for {
		select {
		case <-fs.ctx.Done():
			return

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			name := filepath.Base(event.Name)
			if isJSONL(name) && fs.activeOnly && name != ActiveJSONL {
				continue
			}
			fs.load(fs.ctx, event.Name)

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  FileSource: watcher error: %v\n", err)
		}
	}
}

// Stats describes what the file source has read.
type Stats struct {
	Directory    string   `json:"directory"`
	WatchedDirs  []string `json:"watched_dirs"`
	FilesTracked int      `json:"files_tracked"`
	Snapshots    int      `json:"snapshots_loaded"`
}

// Stats returns current statistics.
func (fs *FileSource) Stats() Stats {
	fs.mu.Lock()
	filesTracked := len(fs.fileOffsets)
	snapshots := fs.snapshots
	fs.mu.Unlock()

	return Stats{
		Directory:    fs.directory,
		WatchedDirs:  fs.watcher.WatchList(),
		FilesTracked: filesTracked,
		Snapshots:    snapshots,
	}
}
