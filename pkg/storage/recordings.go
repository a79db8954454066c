// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"camrec/pkg/avi"
)

// Recording a stored recording.
type Recording struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ListRecordings returns all stored recordings sorted by name
// descending. Names embed the start timestamp, so this is newest first.
func (s *Manager) ListRecordings() ([]Recording, error) {
	entries, err := os.ReadDir(s.RecordingsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Recording{}, nil
		}
		return nil, fmt.Errorf("read recordings directory: %w", err)
	}

	recordings := []Recording{}
	for _, entry := range entries {
		if entry.IsDir() || !avi.IsAVI(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		recordings = append(recordings, Recording{
			Name: entry.Name(),
			Size: info.Size(),
		})
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].Name > recordings[j].Name
	})
	return recordings, nil
}

// ErrInvalidName file name contains a path traversal token.
var ErrInvalidName = errors.New("invalid file name")

// RecordingPath validates name and returns the absolute path of the
// recording. Names with parent-directory references are rejected
// before touching storage.
func (s *Manager) RecordingPath(name string) (string, error) {
	if strings.Contains(name, "..") ||
		strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.RecordingsDir(), name), nil
}

// DeleteRecording removes a stored recording by name.
func (s *Manager) DeleteRecording(name string) error {
	path, err := s.RecordingPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove recording: %w", err)
	}
	return nil
}

// PurgeLoop runs purge on an interval until ctx is canceled.
func (s *Manager) PurgeLoop(ctx context.Context, duration time.Duration, minFree uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(duration):
			if err := s.purge(minFree); err != nil {
				s.logger.Error().Src("app").Msgf("could not purge storage: %v", err)
			}
		}
	}
}

// purge deletes the oldest recordings until the free space of the
// storage volume is above minFree.
func (s *Manager) purge(minFree uint64) error {
	for {
		free, err := s.FreeSpace()
		if err != nil {
			return err
		}
		if free >= minFree {
			return nil
		}

		recordings, err := s.ListRecordings()
		if err != nil {
			return err
		}
		if len(recordings) == 0 {
			return nil
		}

		// Names sort newest first, the oldest recording is last.
		oldest := recordings[len(recordings)-1]
		if err := s.DeleteRecording(oldest.Name); err != nil {
			return err
		}
		s.logger.Info().Src("app").Msgf("purged %v", oldest.Name)
	}
}
