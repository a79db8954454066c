// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"camrec/pkg/log"

	"github.com/shirou/gopsutil/v3/disk"
	"gopkg.in/yaml.v3"
)

// ConfigEnv stores system configuration.
type ConfigEnv struct {
	Port       int    `yaml:"port"`
	StorageDir string `yaml:"storageDir"`

	// Frame source. Exactly one must be set.
	SourceURL string `yaml:"sourceUrl"` // JPEG snapshot endpoint.
	FramesDir string `yaml:"framesDir"` // Directory of JPEG files.

	RecordingFPS        int `yaml:"recordingFps"`
	MaxRecordingSeconds int `yaml:"maxRecordingSeconds"`
	MinFreeSpaceMB      int `yaml:"minFreeSpaceMb"`

	ConfigDir string
}

// Errors.
var (
	ErrPathNotAbsolute = errors.New("path is not absolute")
	ErrNoFrameSource   = errors.New("neither sourceUrl nor framesDir is set")
)

// NewConfigEnv return new environment configuration.
func NewConfigEnv(envPath string, envYAML []byte) (*ConfigEnv, error) {
	var env ConfigEnv

	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)

	if env.Port == 0 {
		env.Port = 2020
	}
	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(filepath.Dir(env.ConfigDir), "storage")
	}
	if env.RecordingFPS == 0 {
		env.RecordingFPS = 10
	}
	if env.MaxRecordingSeconds == 0 {
		env.MaxRecordingSeconds = 300
	}
	if env.MinFreeSpaceMB == 0 {
		env.MinFreeSpaceMB = 50
	}

	if env.SourceURL == "" && env.FramesDir == "" {
		return nil, ErrNoFrameSource
	}

	if !filepath.IsAbs(env.StorageDir) {
		return nil, fmt.Errorf("storageDir %q: %w", env.StorageDir, ErrPathNotAbsolute)
	}

	return &env, nil
}

// RecordingsDir return recordings directory.
func (env ConfigEnv) RecordingsDir() string {
	return filepath.Join(env.StorageDir, "recordings")
}

// PrepareEnvironment prepares directories.
func (env ConfigEnv) PrepareEnvironment() error {
	err := os.MkdirAll(env.RecordingsDir(), 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create recordings directory: %v: %w", env.StorageDir, err)
	}
	return nil
}

type freeSpaceFunc func(string) (uint64, error)

// Manager storage manager.
type Manager struct {
	storageDir string
	freeSpace  freeSpaceFunc

	logger *log.Logger
}

// NewManager returns new manager.
func NewManager(storageDir string, logger *log.Logger) *Manager {
	return &Manager{
		storageDir: storageDir,
		freeSpace:  diskFreeSpace,
		logger:     logger,
	}
}

func diskFreeSpace(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// RecordingsDir returns the path to the recordings directory.
func (s *Manager) RecordingsDir() string {
	return filepath.Join(s.storageDir, "recordings")
}

// FreeSpace returns the free space of the storage volume in bytes.
func (s *Manager) FreeSpace() (uint64, error) {
	free, err := s.freeSpace(s.storageDir)
	if err != nil {
		return 0, fmt.Errorf("disk usage: %w", err)
	}
	return free, nil
}
