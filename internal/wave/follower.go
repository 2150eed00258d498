// Package wave opens simulation waveforms: it follows a VCD file while ghdl is
// still writing it and launches an external viewer (GTKWave) on finished files.
package wave

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"ghdlflow/internal/logging"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Progress is what the follower has seen of a VCD file so far.
type Progress struct {
	// Time is the latest #<time> marker, in timescale units.
	Time uint64

	// Timescale is the $timescale declaration, e.g. "1fs".
	Timescale string

	// Markers counts the time markers read.
	Markers int

	// Bytes is how much of the file has been consumed.
	Bytes int64
}

// String renders the simulated time, e.g. "1500 x 1fs".
func (p Progress) String() string {
	if p.Timescale == "" {
		return strconv.FormatUint(p.Time, 10)
	}
	return fmt.Sprintf("%d x %s", p.Time, p.Timescale)
}

// Follower tails a growing VCD file and tracks the simulation time it reached.
type Follower struct {
	mu       sync.Mutex
	path     string
	logger   *zap.Logger
	interval time.Duration

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool

	offset      int64
	pending     []byte
	inTimescale bool
	timescale   []string
	progress    Progress
	lastLog     time.Time
}

// NewFollower creates a follower for path. The file does not need to exist yet.
func NewFollower(path string, logger *zap.Logger) *Follower {
	return &Follower{
		path:     path,
		logger:   logging.Named(logger, logging.CategoryWave).With(zap.String("file", filepath.Base(path))),
		interval: 250 * time.Millisecond,
	}
}

// Start begins following. It is non-blocking.
func (f *Follower) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// ghdl may recreate the file, so the directory is watched.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	f.watcher = watcher
	f.cancel = cancel
	f.group = group
	f.running = true

	group.Go(func() error { return f.watch(ctx) })
	group.Go(func() error { return f.poll(ctx) })

	f.logger.Debug("following waveform")
	return nil
}

// Stop stops following, reads whatever is left and returns the final progress.
func (f *Follower) Stop() (Progress, error) {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return f.Progress(), nil
	}
	f.running = false
	cancel, group, watcher := f.cancel, f.group, f.watcher
	f.mu.Unlock()

	cancel()
	err := group.Wait()
	if closeErr := watcher.Close(); err == nil {
		err = closeErr
	}
	if readErr := f.read(); err == nil {
		err = readErr
	}

	p := f.Progress()
	f.logger.Info("waveform complete", zap.Stringer("time", p), zap.Int("markers", p.Markers), zap.Int64("bytes", p.Bytes))
	return p, err
}

// Progress returns the current progress.
func (f *Follower) Progress() Progress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progress
}

func (f *Follower) watch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-f.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if err := f.read(); err != nil {
				f.logger.Warn("failed to read waveform", zap.Error(err))
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// poll catches writes that the platform coalesced or dropped.
func (f *Follower) poll(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := f.read(); err != nil {
				f.logger.Warn("failed to read waveform", zap.Error(err))
			}
		}
	}
}

// read consumes the bytes appended since the last call.
func (f *Follower) read() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	if info.Size() < f.offset {
		// Truncated or recreated: start over.
		f.offset = 0
		f.pending = nil
		f.inTimescale = false
		f.timescale = nil
		f.progress = Progress{}
	}
	if info.Size() == f.offset {
		return nil
	}

	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(file, info.Size()-f.offset))
	if err != nil {
		return err
	}
	f.offset += int64(len(data))
	f.progress.Bytes = f.offset

	f.pending = append(f.pending, data...)
	for {
		i := bytes.IndexByte(f.pending, '\n')
		if i < 0 {
			break
		}
		f.parseLine(strings.TrimSpace(string(f.pending[:i])))
		f.pending = f.pending[i+1:]
	}

	if time.Since(f.lastLog) >= time.Second {
		f.lastLog = time.Now()
		f.logger.Info("simulation progress", zap.Stringer("time", f.progress))
	}
	return nil
}

func (f *Follower) parseLine(line string) {
	if line == "" {
		return
	}

	if f.inTimescale || strings.HasPrefix(line, "$timescale") {
		for _, tok := range strings.Fields(line) {
			switch tok {
			case "$timescale":
				f.inTimescale = true
			case "$end":
				f.inTimescale = false
				f.progress.Timescale = strings.Join(f.timescale, "")
			default:
				f.timescale = append(f.timescale, tok)
			}
		}
		return
	}

	if line[0] == '#' {
		t, err := strconv.ParseUint(line[1:], 10, 64)
		if err != nil {
			return
		}
		f.progress.Time = t
		f.progress.Markers++
	}
}
