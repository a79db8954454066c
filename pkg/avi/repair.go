// SPDX-License-Identifier: GPL-2.0-or-later

package avi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// RepairAction describes what TryRepair did to a file.
type RepairAction int

// Repair actions.
const (
	RepairSkipped RepairAction = iota // Already finalized, untouched.
	RepairPatched                     // Placeholder fields were filled in.
	RepairDeleted                     // Unrecoverable, file removed.
)

func (a RepairAction) String() string {
	switch a {
	case RepairSkipped:
		return "skipped"
	case RepairPatched:
		return "patched"
	case RepairDeleted:
		return "deleted"
	}
	return "unknown"
}

// RepairResult result of repairing a single file.
type RepairResult struct {
	Name   string
	Action RepairAction
	Frames int // Complete frames found, only set when patched.
}

// TryRepair finalizes a file that was left with placeholder header
// fields by a power loss or crash.
//
// A file below the fixed header size, or one without a single complete
// frame chunk, is deleted rather than kept in a broken state. A file
// whose frame count is already non-zero was finalized correctly and is
// not touched.
func TryRepair(path string) (RepairResult, error) {
	result := RepairResult{Name: filepath.Base(path)}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return result, fmt.Errorf("open: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return result, fmt.Errorf("stat: %w", err)
	}
	size := uint64(stat.Size())

	// Too small to ever have held a frame.
	if size < headerSize {
		file.Close()
		if err := os.Remove(path); err != nil {
			return result, fmt.Errorf("remove: %w", err)
		}
		result.Action = RepairDeleted
		return result, nil
	}

	frames, err := readUint32At(file, avihFramesPos)
	if err != nil {
		return result, fmt.Errorf("read frame count: %w", err)
	}
	if frames != 0 {
		result.Action = RepairSkipped
		return result, nil
	}

	frameCount := countCompleteFrames(file, size)
	if frameCount == 0 {
		file.Close()
		if err := os.Remove(path); err != nil {
			return result, fmt.Errorf("remove: %w", err)
		}
		result.Action = RepairDeleted
		return result, nil
	}

	// Patch the same four fields as Finalize, using the scanned frame
	// count and the current file size. No index chunk is reconstructed,
	// repaired files only support sequential playback.
	err = patchPlaceholders(file, patches{
		riffSizeOff:   riffSizePos,
		avihFramesOff: avihFramesPos,
		strhFramesOff: strhFramesPos,
		moviSizeOff:   moviSizePos,

		riffSize:   uint32(size) - 8,
		moviSize:   uint32(size) - (moviSizePos + 4),
		frameCount: uint32(frameCount),
	})
	if err != nil {
		return result, fmt.Errorf("patch header: %w", err)
	}
	if err := file.Sync(); err != nil {
		return result, fmt.Errorf("sync: %w", err)
	}

	result.Action = RepairPatched
	result.Frames = frameCount
	return result, nil
}

// countCompleteFrames walks the movi list counting fully present
// frames. A chunk with a bad tag, or a length that points past the end
// of the file, stops the scan. A power loss mid-write therefore loses
// only the last chunk, never the ones before it.
func countCompleteFrames(file io.ReaderAt, size uint64) int {
	var head [8]byte
	count := 0
	pos := uint64(moviStart)
	for {
		if pos+8 > size {
			return count
		}
		if _, err := file.ReadAt(head[:], int64(pos)); err != nil {
			return count
		}
		if string(head[:4]) != "00dc" {
			return count
		}
		length := uint64(binary.LittleEndian.Uint32(head[4:]))
		if pos+8+length > size {
			// Truncated trailing chunk.
			return count
		}
		count++
		pos += 8 + length
		if length%2 != 0 {
			// Same pad rule as write time.
			pos++
		}
	}
}

// RepairDir runs TryRepair on every AVI file in dir. A missing
// directory is not an error, there is simply nothing to repair.
func RepairDir(dir string) ([]RepairResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}

	var results []RepairResult
	for _, entry := range entries {
		if entry.IsDir() || !IsAVI(entry.Name()) {
			continue
		}
		result, err := TryRepair(filepath.Join(dir, entry.Name()))
		if err != nil {
			return results, fmt.Errorf("repair %q: %w", entry.Name(), err)
		}
		results = append(results, result)
	}
	return results, nil
}

// IsAVI reports whether name has an AVI file extension.
func IsAVI(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".avi")
}

func readUint32At(r io.ReaderAt, off int64) (uint32, error) {
	var b [4]byte
	if _, err := r.ReadAt(b[:], off); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
