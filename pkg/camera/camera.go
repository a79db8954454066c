// SPDX-License-Identifier: GPL-2.0-or-later

// Package camera provides JPEG frame sources for the recorder.
package camera

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "image/jpeg" // JPEG decoder for image.DecodeConfig.
)

// Frame is a single captured JPEG image. The buffer is borrowed from
// the source and must be returned with Release immediately after use.
type Frame struct {
	Buf    []byte
	Width  int
	Height int
}

// Source produces JPEG frames.
type Source interface {
	Capture() (*Frame, error)
	Release(*Frame)
}

// DirSource cycles through the JPEG files of a directory. Used for
// offline replay and testing.
type DirSource struct {
	files []string
	next  int

	mu sync.Mutex
}

// ErrNoFrames directory contains no JPEG files.
var ErrNoFrames = errors.New("no jpeg files in directory")

// NewDirSource creates a source from the JPEG files in dir.
func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !isJPEG(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoFrames, dir)
	}
	sort.Strings(files)

	return &DirSource{files: files}, nil
}

func isJPEG(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".jpg" || ext == ".jpeg"
}

// Capture returns the next frame, wrapping around at the end.
func (s *DirSource) Capture() (*Frame, error) {
	s.mu.Lock()
	path := s.files[s.next]
	s.next = (s.next + 1) % len(s.files)
	s.mu.Unlock()

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return frameFromJPEG(buf)
}

// Release returns the frame buffer to the source.
func (s *DirSource) Release(*Frame) {}

// HTTPSource captures frames from a JPEG snapshot endpoint, such as an
// ESP32-CAM's /capture URL.
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource creates a source polling url.
func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Capture fetches a single frame.
func (s *HTTPSource) Capture() (*Frame, error) {
	res, err := s.client.Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get snapshot: %v", res.Status) //nolint:goerr113
	}

	buf, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return frameFromJPEG(buf)
}

// Release returns the frame buffer to the source.
func (s *HTTPSource) Release(*Frame) {}

func frameFromJPEG(buf []byte) (*Frame, error) {
	config, _, err := image.DecodeConfig(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	return &Frame{
		Buf:    buf,
		Width:  config.Width,
		Height: config.Height,
	}, nil
}
