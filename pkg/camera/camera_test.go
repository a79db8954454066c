package camera

import (
	"bytes"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func encodeJPEG(t *testing.T, width int, height int) []byte {
	t.Helper()

	buf := &bytes.Buffer{}
	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420)
	require.NoError(t, jpeg.Encode(buf, img, nil))
	return buf.Bytes()
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()

	small := encodeJPEG(t, 64, 48)
	large := encodeJPEG(t, 160, 120)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frame_b.jpg"), large, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frame_a.jpeg"), small, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	source, err := NewDirSource(dir)
	require.NoError(t, err)

	// Sorted order, wrapping around at the end.
	frame, err := source.Capture()
	require.NoError(t, err)
	require.Equal(t, small, frame.Buf)
	require.Equal(t, 64, frame.Width)
	require.Equal(t, 48, frame.Height)
	source.Release(frame)

	frame, err = source.Capture()
	require.NoError(t, err)
	require.Equal(t, large, frame.Buf)
	require.Equal(t, 160, frame.Width)
	require.Equal(t, 120, frame.Height)
	source.Release(frame)

	frame, err = source.Capture()
	require.NoError(t, err)
	require.Equal(t, small, frame.Buf)
	source.Release(frame)
}

func TestDirSourceEmpty(t *testing.T) {
	_, err := NewDirSource(t.TempDir())
	require.ErrorIs(t, err, ErrNoFrames)
}

func TestDirSourceMissing(t *testing.T) {
	_, err := NewDirSource(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestDirSourceInvalidJPEG(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.jpg"), []byte("nope"), 0o600))

	source, err := NewDirSource(dir)
	require.NoError(t, err)

	_, err = source.Capture()
	require.Error(t, err)
}

func TestHTTPSource(t *testing.T) {
	raw := encodeJPEG(t, 320, 240)

	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write(raw) //nolint:errcheck
		}))
	defer server.Close()

	source := NewHTTPSource(server.URL)

	frame, err := source.Capture()
	require.NoError(t, err)
	require.Equal(t, raw, frame.Buf)
	require.Equal(t, 320, frame.Width)
	require.Equal(t, 240, frame.Height)
	source.Release(frame)
}

func TestHTTPSourceStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "busy", http.StatusServiceUnavailable)
		}))
	defer server.Close()

	_, err := NewHTTPSource(server.URL).Capture()
	require.Error(t, err)
}

func TestHTTPSourceUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	_, err := NewHTTPSource(server.URL).Capture()
	require.Error(t, err)
}
