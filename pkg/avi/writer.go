// SPDX-License-Identifier: GPL-2.0-or-later

package avi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// Absolute positions of the four placeholder fields and the start of
// frame data. These are part of the format contract, existing files
// depend on them.
const (
	riffSizePos   = 4   // RIFF chunk size.
	avihFramesPos = 48  // dwTotalFrames in 'avih'.
	strhFramesPos = 140 // dwLength in 'strh'.
	moviSizePos   = 216 // 'LIST movi' size.
	moviStart     = 224 // First '00dc' chunk.
)

const headerSize = moviStart

// Heuristic upper bound for MJPEG at moderate quality. Baked into the
// header of existing files, do not change.
const maxBytesPerSecPerFPS = 15000

const keyframeFlag = 0x10 // AVIIF_KEYFRAME.

// Errors.
var (
	ErrClosed     = errors.New("muxer is closed")
	ErrInvalidFPS = errors.New("fps must be at least 1")
)

type indexEntry struct {
	offset uint32 // Chunk offset relative to the start of movi data.
	size   uint32 // JPEG payload size, excluding the chunk header.
}

// Muxer writes a single AVI file incrementally.
type Muxer struct {
	file *os.File
	path string

	frameCount int
	totalBytes uint32 // True current file length, including padding.

	// Byte positions of the four placeholder fields, captured while the
	// header is emitted. Fixed for the life of the file.
	riffSizeOff   uint32
	avihFramesOff uint32
	strhFramesOff uint32
	moviSizeOff   uint32

	// Optional seek index for the trailing 'idx1' chunk. The file stays
	// playable without it, players fall back to a linear scan.
	index    []indexEntry
	maxIndex int
}

// NewMuxer creates path and writes the AVI header.
// indexCap is the maximum number of indexed frames, zero disables the
// seek index.
func NewMuxer(path string, width int, height int, fps int, indexCap int) (*Muxer, error) {
	if fps < 1 {
		return nil, ErrInvalidFPS
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	m := &Muxer{
		file:     file,
		path:     path,
		maxIndex: indexCap,
	}
	if indexCap > 0 {
		m.index = make([]indexEntry, 0, indexCap)
	}

	if err := m.writeHeader(width, height, fps); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write header: %w", err)
	}
	return m, nil
}

// Every write goes through here so totalBytes always matches the true
// length of the file.
func (m *Muxer) write(buf []byte) error {
	n, err := m.file.Write(buf)
	m.totalBytes += uint32(n)
	return err
}

func (m *Muxer) writeHeader(width int, height int, fps int) error { //nolint:funlen
	usPerFrame := uint32(1000000 / fps)
	maxBytesPerSec := uint32(fps * maxBytesPerSecPerFPS)

	buf := make([]byte, 0, headerSize)
	pos := func() uint32 { return uint32(len(buf)) }

	fcc := func(tag string) { buf = append(buf, tag...) }
	u32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	u16 := func(v uint16) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		buf = append(buf, b[:]...)
	}

	// RIFF wrapper.
	fcc("RIFF")
	m.riffSizeOff = pos()
	u32(0) // Placeholder.
	fcc("AVI ")

	// LIST hdrl.
	fcc("LIST")
	u32(192) // 4 + 64 + 124.
	fcc("hdrl")

	// avih chunk.
	fcc("avih")
	u32(56)
	u32(usPerFrame)     // dwMicroSecPerFrame.
	u32(maxBytesPerSec) // dwMaxBytesPerSec.
	u32(0)              // dwPaddingGranularity.
	u32(0)              // dwFlags.
	m.avihFramesOff = pos()
	u32(0)              // dwTotalFrames placeholder.
	u32(0)              // dwInitialFrames.
	u32(1)              // dwStreams.
	u32(maxBytesPerSec) // dwSuggestedBufferSize.
	u32(uint32(width))  // dwWidth.
	u32(uint32(height)) // dwHeight.
	u32(0)              // dwReserved[0..3].
	u32(0)
	u32(0)
	u32(0)

	// LIST strl.
	fcc("LIST")
	u32(116) // 4 + 64 + 48.
	fcc("strl")

	// strh chunk.
	fcc("strh")
	u32(56)
	fcc("vids")      // fccType.
	fcc("MJPG")      // fccHandler.
	u32(0)           // dwFlags.
	u16(0)           // wPriority.
	u16(0)           // wLanguage.
	u32(0)           // dwInitialFrames.
	u32(1)           // dwScale.
	u32(uint32(fps)) // dwRate.
	u32(0)           // dwStart.
	m.strhFramesOff = pos()
	u32(0)              // dwLength placeholder.
	u32(maxBytesPerSec) // dwSuggestedBufferSize.
	u32(0xFFFFFFFF)     // dwQuality.
	u32(0)              // dwSampleSize.
	u16(0)              // rcFrame.left.
	u16(0)              // rcFrame.top.
	u16(uint16(width))  // rcFrame.right.
	u16(uint16(height)) // rcFrame.bottom.

	// strf chunk, BITMAPINFOHEADER.
	fcc("strf")
	u32(40)
	u32(40)             // biSize.
	u32(uint32(width))  // biWidth.
	u32(uint32(height)) // biHeight.
	u16(1)              // biPlanes.
	u16(24)             // biBitCount.
	fcc("MJPG")         // biCompression.
	u32(uint32(width * height * 3)) // biSizeImage.
	u32(0) // biXPelsPerMeter.
	u32(0) // biYPelsPerMeter.
	u32(0) // biClrUsed.
	u32(0) // biClrImportant.

	// LIST movi. Frame chunks start at moviStart.
	fcc("LIST")
	m.moviSizeOff = pos()
	u32(0) // Placeholder.
	fcc("movi")

	if len(buf) != headerSize {
		panic(fmt.Sprintf("avi: header length %d", len(buf)))
	}

	return m.write(buf)
}

// WriteFrame appends a single JPEG image as a '00dc' chunk.
func (m *Muxer) WriteFrame(jpeg []byte) error {
	if m.file == nil {
		return ErrClosed
	}

	if m.index != nil && len(m.index) < m.maxIndex {
		m.index = append(m.index, indexEntry{
			offset: m.totalBytes - moviStart,
			size:   uint32(len(jpeg)),
		})
	}

	var head [8]byte
	copy(head[:4], "00dc")
	binary.LittleEndian.PutUint32(head[4:], uint32(len(jpeg)))
	if err := m.write(head[:]); err != nil {
		return err
	}
	if err := m.write(jpeg); err != nil {
		return err
	}

	// Chunks must have even length. The pad byte is not counted in the
	// chunk length, only in totalBytes.
	if len(jpeg)%2 != 0 {
		if err := m.write([]byte{0}); err != nil {
			return err
		}
	}

	m.frameCount++
	return nil
}

// FrameCount returns the number of frames written so far.
func (m *Muxer) FrameCount() int {
	return m.frameCount
}

// Size returns the current length of the file in bytes.
func (m *Muxer) Size() uint32 {
	return m.totalBytes
}

// Path returns the path of the output file.
func (m *Muxer) Path() string {
	return m.path
}

// Finalize writes the seek index and patches the header placeholders.
//
// The file is closed and reopened in read/write mode before the
// backward seeks. Not every storage stack supports seek-then-write on a
// handle that is still open from a sequential append session, so the
// two-step is deliberate.
func (m *Muxer) Finalize() error {
	if m.file == nil {
		return ErrClosed
	}

	sizeBeforeIndex := m.totalBytes

	if len(m.index) > 0 {
		if err := m.writeIndex(); err != nil {
			m.file.Close()
			m.file = nil
			return fmt.Errorf("write index: %w", err)
		}
	}
	m.index = nil

	if err := m.file.Close(); err != nil {
		m.file = nil
		return fmt.Errorf("close: %w", err)
	}
	m.file = nil

	file, err := os.OpenFile(m.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("reopen: %w", err)
	}
	defer file.Close()

	err = patchPlaceholders(file, patches{
		riffSizeOff:   m.riffSizeOff,
		avihFramesOff: m.avihFramesOff,
		strhFramesOff: m.strhFramesOff,
		moviSizeOff:   m.moviSizeOff,

		riffSize:   m.totalBytes - 8,
		moviSize:   sizeBeforeIndex - (moviSizePos + 4),
		frameCount: uint32(m.frameCount),
	})
	if err != nil {
		return fmt.Errorf("patch header: %w", err)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// writeIndex appends the 'idx1' chunk. Every MJPEG frame is
// independently decodable, so all entries carry the keyframe flag.
func (m *Muxer) writeIndex() error {
	buf := make([]byte, 8+16*len(m.index))
	copy(buf[:4], "idx1")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(16*len(m.index)))

	pos := 8
	for _, entry := range m.index {
		copy(buf[pos:], "00dc")
		binary.LittleEndian.PutUint32(buf[pos+4:], keyframeFlag)
		binary.LittleEndian.PutUint32(buf[pos+8:], entry.offset)
		binary.LittleEndian.PutUint32(buf[pos+12:], entry.size)
		pos += 16
	}
	return m.write(buf)
}

// Discard closes and deletes the file. Used when a recording ends
// without a single frame, a header-only file is not worth keeping.
func (m *Muxer) Discard() error {
	if m.file == nil {
		return ErrClosed
	}
	m.file.Close()
	m.file = nil
	m.index = nil
	return os.Remove(m.path)
}

type patches struct {
	riffSizeOff   uint32
	avihFramesOff uint32
	strhFramesOff uint32
	moviSizeOff   uint32

	riffSize   uint32
	moviSize   uint32
	frameCount uint32
}

// patchPlaceholders overwrites the four placeholder fields. These are
// the only bytes ever rewritten after initial emission.
func patchPlaceholders(file *os.File, p patches) error {
	writeAt := func(off uint32, v uint32) error {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		_, err := file.WriteAt(b[:], int64(off))
		return err
	}

	if err := writeAt(p.riffSizeOff, p.riffSize); err != nil {
		return err
	}
	if err := writeAt(p.moviSizeOff, p.moviSize); err != nil {
		return err
	}
	if err := writeAt(p.avihFramesOff, p.frameCount); err != nil {
		return err
	}
	return writeAt(p.strhFramesOff, p.frameCount)
}
