// SPDX-License-Identifier: GPL-2.0-or-later

package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"camrec/pkg/camera"
	"camrec/pkg/log"
	"camrec/pkg/recorder"
	"camrec/pkg/storage"
	"camrec/pkg/web/auth"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const jsonContentType = "application/json"

// RecordStart handler to start a recording. The frame rate can be
// overridden with the `fps` query parameter.
func RecordStart(rec *recorder.Recorder, defaultFPS int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		fps := defaultFPS
		if fpsStr := r.URL.Query().Get("fps"); fpsStr != "" {
			fpsInt, err := strconv.Atoi(fpsStr)
			if err != nil {
				http.Error(w, fmt.Sprintf("could not convert fps to int: %v", err),
					http.StatusBadRequest)
				return
			}
			fps = fpsInt
		}

		err := rec.Start(fps)
		if err != nil {
			if errors.Is(err, recorder.ErrAlreadyRecording) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", jsonContentType)
		json.NewEncoder(w).Encode(rec.Status()) //nolint:errcheck
	})
}

// RecordStop handler to stop the active recording.
func RecordStop(rec *recorder.Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		err := rec.Stop()
		if err != nil {
			if errors.Is(err, recorder.ErrNotRecording) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// RecordStatus returns the recording status in json format.
func RecordStatus(rec *recorder.Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", jsonContentType)
		err := json.NewEncoder(w).Encode(rec.Status())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// RecordingList returns the stored recordings in json format, newest
// first.
func RecordingList(manager *storage.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		recordings, err := manager.ListRecordings()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", jsonContentType)
		err = json.NewEncoder(w).Encode(recordings)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// RecordingDelete handler to delete a recording.
func RecordingDelete(manager *storage.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		name := r.URL.Query().Get("name")
		if name == "" {
			http.Error(w, "name missing", http.StatusBadRequest)
			return
		}

		err := manager.DeleteRecording(name)
		if err != nil {
			if errors.Is(err, storage.ErrInvalidName) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// RecordingDownload serves a recording as a file download.
func RecordingDownload(manager *storage.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		name := r.URL.Query().Get("name")
		if name == "" {
			http.Error(w, "name missing", http.StatusBadRequest)
			return
		}

		path, err := manager.RecordingPath(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "video/x-msvideo")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", name))
		http.ServeFile(w, r, path)
	})
}

// Snapshot returns a single JPEG frame from the camera.
func Snapshot(source camera.Source) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		frame, err := source.Capture()
		if err != nil {
			http.Error(w, fmt.Sprintf("could not capture frame: %v", err),
				http.StatusServiceUnavailable)
			return
		}
		defer source.Release(frame)

		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", strconv.Itoa(len(frame.Buf)))
		w.Write(frame.Buf) //nolint:errcheck
	})
}

const streamBoundary = "frame"

// Stream serves a live MJPEG stream in multipart format until the
// client disconnects.
func Stream(source camera.Source, fps int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type",
			"multipart/x-mixed-replace; boundary="+streamBoundary)

		interval := time.Second / time.Duration(fps)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
			}

			frame, err := source.Capture()
			if err != nil {
				// Skip the frame, the camera may recover.
				continue
			}

			_, err = fmt.Fprintf(w,
				"--%v\r\nContent-Type: image/jpeg\r\nContent-Length: %v\r\n\r\n",
				streamBoundary, len(frame.Buf))
			if err == nil {
				_, err = w.Write(frame.Buf)
			}
			if err == nil {
				_, err = fmt.Fprint(w, "\r\n")
			}
			source.Release(frame)
			if err != nil {
				return
			}
			flusher.Flush()
		}
	})
}

// LogFeed opens a websocket with system logs.
func LogFeed(ctx context.Context, logger *log.Logger, a *auth.Authenticator) http.Handler { //nolint:funlen
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		levels, err := parseLevels(r.URL.Query().Get("levels"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sources := parseCSV(r.URL.Query().Get("sources"))

		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer c.Close()

		feed, cancel := logger.Subscribe()
		defer cancel()

		for {
			var entry log.Entry
			select {
			case entry = <-feed:
			case <-ctx.Done():
				return
			}

			if !log.LevelInLevels(entry.Level, levels) {
				continue
			}
			if !log.StringInStrings(entry.Src, sources) {
				continue
			}

			// Validate auth before each message.
			res := a.ValidateRequest(r)
			if !res.IsValid || !res.User.IsAdmin {
				return
			}

			if err := c.WriteJSON(entry); err != nil {
				return
			}
		}
	})
}

// LogQuery handles log queries.
func LogQuery(logDB *log.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		limit := query.Get("limit")
		if limit == "" {
			http.Error(w, "limit missing", http.StatusBadRequest)
			return
		}
		limitInt, err := strconv.Atoi(limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("could not convert limit to int: %v", err),
				http.StatusBadRequest)
			return
		}

		levels, err := parseLevels(query.Get("levels"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sources := parseCSV(query.Get("sources"))

		var timeInt int
		if timeStr := query.Get("time"); timeStr != "" {
			timeInt, err = strconv.Atoi(timeStr)
			if err != nil {
				http.Error(w, fmt.Sprintf("could not convert time to int: %v", err),
					http.StatusBadRequest)
				return
			}
		}

		entries, err := logDB.Query(log.Query{
			Levels:  levels,
			Sources: sources,
			Time:    log.UnixMicro(timeInt),
			Limit:   limitInt,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", jsonContentType)
		err = json.NewEncoder(w).Encode(entries)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

func parseLevels(csv string) ([]log.Level, error) {
	if csv == "" {
		return nil, nil
	}
	var levels []log.Level
	for _, levelStr := range strings.Split(csv, ",") {
		levelInt, err := strconv.Atoi(levelStr)
		if err != nil {
			return nil, fmt.Errorf("invalid levels list: %v %w", csv, err)
		}
		levels = append(levels, log.Level(levelInt))
	}
	return levels, nil
}

func parseCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	return strings.Split(csv, ",")
}

// Users returns a censored user list in json format.
func Users(a *auth.Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", jsonContentType)
		err := json.NewEncoder(w).Encode(a.UsersList())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// UserSet handler to set user details.
func UserSet(a *auth.Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		var req auth.SetUserRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		err = a.UserSet(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	})
}

// UserDelete handler to delete user.
func UserDelete(a *auth.Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id missing", http.StatusBadRequest)
			return
		}

		err := a.UserDelete(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

type systemStatus struct {
	CPUUsage  int    `json:"cpuUsage"`
	RAMUsage  int    `json:"ramUsage"`
	FreeSpace uint64 `json:"freeSpace"` // Bytes.

	Recording recorder.Status `json:"recording"`
}

// SystemStatus returns cpu, memory, storage and recording status in
// json format.
func SystemStatus(manager *storage.Manager, rec *recorder.Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		var status systemStatus

		cpuUsage, err := cpu.PercentWithContext(r.Context(), 0, false)
		if err == nil && len(cpuUsage) > 0 {
			status.CPUUsage = int(cpuUsage[0])
		}
		if memUsage, err := mem.VirtualMemory(); err == nil {
			status.RAMUsage = int(memUsage.UsedPercent)
		}
		if free, err := manager.FreeSpace(); err == nil {
			status.FreeSpace = free
		}
		status.Recording = rec.Status()

		w.Header().Set("Content-Type", jsonContentType)
		err = json.NewEncoder(w).Encode(status)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}
