// SPDX-License-Identifier: GPL-2.0-or-later

// Package recorder owns the recording lifecycle. It paces frame
// capture to the target frame rate and finalizes or discards the AVI
// file when the recording ends.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"camrec/pkg/avi"
	"camrec/pkg/camera"
	"camrec/pkg/log"
)

// Target frame rate bounds.
const (
	minFPS = 1
	maxFPS = 15
)

// Extra index capacity on top of the worst case frame count.
const indexSlack = 16

// Errors.
var (
	ErrAlreadyRecording = errors.New("a recording is already active")
	ErrNotRecording     = errors.New("no recording is active")
)

// Config recorder configuration.
type Config struct {
	RecordingsDir string
	MaxDuration   time.Duration
	MinFreeSpace  uint64 // Stop the recording when storage drops below this.
	DisableIndex  bool   // Degraded mode, files have no seek index.
}

type freeSpaceFunc func() (uint64, error)

// Recorder records MJPEG video to AVI files.
//
// The recorder owns no timer of its own. An external driver must call
// Update at a rate finer than the frame interval, the recorder is
// purely reactive. All public calls are guarded by a single mutex so
// they may come from different goroutines.
type Recorder struct {
	cfg    Config
	source camera.Source

	freeSpace freeSpaceFunc
	logger    *log.Logger

	// Injected for testing.
	now func() time.Time

	mu sync.Mutex

	// Session state, only valid while active.
	active        bool
	mux           *avi.Muxer
	fps           int
	frameInterval time.Duration
	startedAt     time.Time
	lastFrameAt   time.Time
}

// NewRecorder creates a recorder.
func NewRecorder(
	cfg Config,
	source camera.Source,
	freeSpace func() (uint64, error),
	logger *log.Logger,
) *Recorder {
	return &Recorder{
		cfg:       cfg,
		source:    source,
		freeSpace: freeSpace,
		logger:    logger,
		now:       time.Now,
	}
}

// Start begins a new recording at the given frame rate, clamped to
// [1,15]. The first frame is captured up front to learn the frame
// dimensions and becomes frame one of the recording.
func (r *Recorder) Start(fps int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.start(fps)
}

func (r *Recorder) start(fps int) error {
	if r.active {
		return ErrAlreadyRecording
	}

	frame, err := r.source.Capture()
	if err != nil {
		return fmt.Errorf("capture probe frame: %w", err)
	}
	width, height := frame.Width, frame.Height

	err = os.MkdirAll(r.cfg.RecordingsDir, 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		r.source.Release(frame)
		return fmt.Errorf("make recordings directory: %w", err)
	}

	if fps < minFPS {
		fps = minFPS
	}
	if fps > maxFPS {
		fps = maxFPS
	}

	// Sized for the worst case. The muxer stops indexing when the
	// capacity is reached, the recording itself is unaffected.
	indexCap := 0
	if !r.cfg.DisableIndex {
		indexCap = fps*int(r.cfg.MaxDuration/time.Second) + indexSlack
	}

	path := filepath.Join(r.cfg.RecordingsDir, r.fileName())
	mux, err := avi.NewMuxer(path, width, height, fps, indexCap)
	if err != nil {
		r.source.Release(frame)
		return fmt.Errorf("create muxer: %w", err)
	}

	if err := mux.WriteFrame(frame.Buf); err != nil {
		r.source.Release(frame)
		mux.Discard() //nolint:errcheck
		return fmt.Errorf("write probe frame: %w", err)
	}
	r.source.Release(frame)

	now := r.now()
	r.active = true
	r.mux = mux
	r.fps = fps
	r.frameInterval = time.Second / time.Duration(fps)
	r.startedAt = now
	r.lastFrameAt = now

	r.logger.Info().Src("recorder").
		Msgf("started: %v (%vx%v @ %vfps)", filepath.Base(path), width, height, fps)
	return nil
}

// Wall clock may not be set yet on a freshly booted device, fall back
// to a monotonic-tick name.
func (r *Recorder) fileName() string {
	now := r.now()
	if now.Year() > 1970 {
		return now.Format("REC_2006-01-02_15-04-05") + ".avi"
	}
	return fmt.Sprintf("REC_%d.avi", now.UnixNano()/int64(time.Millisecond))
}

// Stop ends the active recording. The file is finalized, or deleted if
// it never received a frame.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop()
}

func (r *Recorder) stop() error {
	if !r.active {
		return ErrNotRecording
	}
	r.active = false
	mux := r.mux
	r.mux = nil

	name := filepath.Base(mux.Path())

	if mux.FrameCount() == 0 {
		// Header-only file, not worth keeping.
		if err := mux.Discard(); err != nil {
			return fmt.Errorf("discard: %w", err)
		}
		r.logger.Info().Src("recorder").Msgf("no frames recorded, deleted %v", name)
		return nil
	}

	frames := mux.FrameCount()
	if err := mux.Finalize(); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	r.logger.Info().Src("recorder").Msgf("saved %v (%v frames)", name, frames)
	return nil
}

// Update checks the auto-stop conditions and captures a frame if the
// frame interval has elapsed. No-op while inactive.
func (r *Recorder) Update() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return
	}

	now := r.now()

	if now.Sub(r.startedAt) >= r.cfg.MaxDuration {
		r.logger.Info().Src("recorder").Msg("maximum duration reached, stopping")
		if err := r.stop(); err != nil {
			r.logger.Error().Src("recorder").Msgf("could not stop: %v", err)
		}
		return
	}

	free, err := r.freeSpace()
	if err != nil {
		r.logger.Warn().Src("recorder").Msgf("could not check free space: %v", err)
	} else if free < r.cfg.MinFreeSpace {
		r.logger.Info().Src("recorder").Msg("free space low, stopping")
		if err := r.stop(); err != nil {
			r.logger.Error().Src("recorder").Msgf("could not stop: %v", err)
		}
		return
	}

	if now.Sub(r.lastFrameAt) < r.frameInterval {
		return
	}
	r.lastFrameAt = now

	frame, err := r.source.Capture()
	if err != nil {
		// A transient capture failure is tolerated, the recording
		// continues.
		r.logger.Warn().Src("recorder").Msgf("could not capture frame: %v", err)
		return
	}
	if err := r.mux.WriteFrame(frame.Buf); err != nil {
		r.logger.Error().Src("recorder").Msgf("could not write frame: %v", err)
	}
	r.source.Release(frame)
}

// RunLoop polls Update until ctx is canceled, then stops any active
// recording so the file is finalized rather than left with placeholder
// headers.
func (r *Recorder) RunLoop(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			if r.active {
				if err := r.stop(); err != nil {
					r.logger.Error().Src("recorder").Msgf("could not stop: %v", err)
				}
			}
			r.mu.Unlock()
			return
		case <-ticker.C:
			r.Update()
		}
	}
}

// IsRecording reports whether a recording is active.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Status the current recording status.
type Status struct {
	Recording bool   `json:"recording"`
	Elapsed   int    `json:"elapsed,omitempty"` // Seconds.
	Frames    int    `json:"frames,omitempty"`
	FileName  string `json:"filename,omitempty"`
}

// Status returns the current recording status.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return Status{}
	}
	return Status{
		Recording: true,
		Elapsed:   int(r.now().Sub(r.startedAt) / time.Second),
		Frames:    r.mux.FrameCount(),
		FileName:  filepath.Base(r.mux.Path()),
	}
}
