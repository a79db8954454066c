// SPDX-License-Identifier: GPL-2.0-or-later

// Package camrec is a MJPEG video recorder. It captures JPEG frames
// from a camera, writes them into AVI files with crash tolerant
// finalization and serves a web interface for control and playback.
package camrec

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"camrec/pkg/avi"
	"camrec/pkg/camera"
	"camrec/pkg/log"
	"camrec/pkg/recorder"
	"camrec/pkg/storage"
	"camrec/pkg/web"
	"camrec/pkg/web/auth"
)

// The recorder is polled at a rate finer than the shortest frame
// interval, 66ms at 15fps.
const recorderTick = 10 * time.Millisecond

// Run starts the app and blocks until it exits.
func Run() error {
	envFlag := flag.String("env", "", "path to env.yaml")
	flag.Parse()

	if *envFlag == "" {
		flag.Usage()
		return nil
	}

	envPath, err := filepath.Abs(*envFlag)
	if err != nil {
		return fmt.Errorf("could not get absolute path of env.yaml: %w", err)
	}

	wg := &sync.WaitGroup{}
	app, err := newApp(envPath, wg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fatal := make(chan error, 1)
	go func() { fatal <- app.run(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-fatal:
		app.Logger.Info().Src("app").Msgf("fatal error: %v", err)
	case sig := <-stop:
		app.Logger.Info().Msg("") // New line.
		app.Logger.Info().Src("app").Msgf("received %v, stopping", sig)
	}

	// Finalize any active recording before the logger stops.
	if stopErr := app.Recorder.Stop(); stopErr == nil {
		app.Logger.Info().Src("app").Msg("recording stopped")
	}

	cancel()
	wg.Wait()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()

	if err != nil {
		return err
	}
	if app.server != nil {
		return app.server.Shutdown(ctx2)
	}
	return nil
}

func newApp(envPath string, wg *sync.WaitGroup) (*App, error) {
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return nil, fmt.Errorf("could not read env.yaml: %w", err)
	}

	env, err := storage.NewConfigEnv(envPath, envYAML)
	if err != nil {
		return nil, fmt.Errorf("could not get environment config: %w", err)
	}

	// Logs.
	logger := log.NewLogger(wg)
	logDB := log.NewDB(filepath.Join(env.StorageDir, "logs.db"), wg)

	// Storage.
	storageManager := storage.NewManager(env.StorageDir, logger)

	// Camera.
	var source camera.Source
	if env.FramesDir != "" {
		source, err = camera.NewDirSource(env.FramesDir)
		if err != nil {
			return nil, fmt.Errorf("could not create frame source: %w", err)
		}
	} else {
		source = camera.NewHTTPSource(env.SourceURL)
	}

	// Recorder.
	rec := recorder.NewRecorder(
		recorder.Config{
			RecordingsDir: env.RecordingsDir(),
			MaxDuration:   time.Duration(env.MaxRecordingSeconds) * time.Second,
			MinFreeSpace:  uint64(env.MinFreeSpaceMB) * 1024 * 1024,
		},
		source,
		storageManager.FreeSpace,
		logger,
	)

	return &App{
		Logger:   logger,
		logDB:    logDB,
		Env:      *env,
		Storage:  storageManager,
		Source:   source,
		Recorder: rec,
		wg:       wg,
	}, nil
}

// App is the main application.
type App struct {
	Logger   *log.Logger
	logDB    *log.DB
	Env      storage.ConfigEnv
	Storage  *storage.Manager
	Source   camera.Source
	Recorder *recorder.Recorder

	wg     *sync.WaitGroup
	server *http.Server
}

func (app *App) run(ctx context.Context) error {
	app.Logger.Start(ctx)
	go app.Logger.LogToStdout(ctx)

	if err := app.Env.PrepareEnvironment(); err != nil {
		return fmt.Errorf("could not prepare environment: %w", err)
	}

	if err := app.logDB.Init(ctx); err != nil {
		// Continue even if log database is corrupt.
		time.Sleep(10 * time.Millisecond)
		app.Logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
	} else {
		go app.logDB.SaveLogs(ctx, app.Logger)
		time.Sleep(10 * time.Millisecond)
	}

	app.Logger.Info().Src("app").Msg("Starting..")

	app.repairRecordings()

	authenticator, err := auth.NewAuthenticator(app.Env.ConfigDir, app.Logger)
	if err != nil {
		return fmt.Errorf("could not create authenticator: %w", err)
	}

	app.wg.Add(1)
	go func() {
		app.Recorder.RunLoop(ctx, recorderTick)
		app.wg.Done()
	}()

	minFree := uint64(app.Env.MinFreeSpaceMB) * 1024 * 1024
	go app.Storage.PurgeLoop(ctx, 10*time.Minute, minFree)

	mux := app.newMux(ctx, authenticator)
	address := ":" + strconv.Itoa(app.Env.Port)
	app.server = &http.Server{Addr: address, Handler: mux}

	app.Logger.Info().Src("app").Msgf("Serving app on port %v", app.Env.Port)
	err = app.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Recordings interrupted by a crash or power loss still have
// placeholder header fields. Patch them before serving the directory.
func (app *App) repairRecordings() {
	results, err := avi.RepairDir(app.Env.RecordingsDir())
	if err != nil {
		app.Logger.Error().Src("app").Msgf("could not repair recordings: %v", err)
		return
	}

	for _, result := range results {
		switch result.Action {
		case avi.RepairPatched:
			app.Logger.Info().Src("app").
				Msgf("repaired %v (%v frames)", result.Name, result.Frames)
		case avi.RepairDeleted:
			app.Logger.Warn().Src("app").
				Msgf("deleted unrecoverable recording %v", result.Name)
		case avi.RepairSkipped:
		}
	}
}

func (app *App) newMux(ctx context.Context, a *auth.Authenticator) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/", a.User(web.Index()))
	mux.Handle("/static/", a.User(web.Static()))
	mux.Handle("/capture", a.User(web.Snapshot(app.Source)))
	mux.Handle("/stream", a.User(web.Stream(app.Source, app.Env.RecordingFPS)))

	mux.Handle("/api/record/start", a.User(web.RecordStart(app.Recorder, app.Env.RecordingFPS)))
	mux.Handle("/api/record/stop", a.User(web.RecordStop(app.Recorder)))
	mux.Handle("/api/record/status", a.User(web.RecordStatus(app.Recorder)))

	mux.Handle("/api/recording/list", a.User(web.RecordingList(app.Storage)))
	mux.Handle("/api/recording/delete", a.User(web.RecordingDelete(app.Storage)))
	mux.Handle("/api/recording/download", a.User(web.RecordingDownload(app.Storage)))

	mux.Handle("/api/system/status", a.User(web.SystemStatus(app.Storage, app.Recorder)))

	mux.Handle("/api/users", a.Admin(web.Users(a)))
	mux.Handle("/api/user/set", a.Admin(web.UserSet(a)))
	mux.Handle("/api/user/delete", a.Admin(web.UserDelete(a)))

	mux.Handle("/api/log/feed", a.Admin(web.LogFeed(ctx, app.Logger, a)))
	mux.Handle("/api/log/query", a.Admin(web.LogQuery(app.logDB)))

	return mux
}
