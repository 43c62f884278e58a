package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/satindergrewal/chordsync/internal/api"
	"github.com/satindergrewal/chordsync/internal/audio"
	"github.com/satindergrewal/chordsync/internal/checkpoint"
	"github.com/satindergrewal/chordsync/internal/chord"
	"github.com/satindergrewal/chordsync/internal/config"
	"github.com/satindergrewal/chordsync/internal/lesson"
	"github.com/satindergrewal/chordsync/internal/oracle"
	"github.com/satindergrewal/chordsync/internal/recorder"
	"github.com/satindergrewal/chordsync/internal/session"
	"github.com/satindergrewal/chordsync/internal/store"
	"github.com/satindergrewal/chordsync/internal/stream"
)

var waitOracle time.Duration

func init() {
	serveCmd.Flags().DurationVar(&waitOracle, "wait-oracle", 0,
		"block startup until the recognition service is healthy (0 skips the check)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the practice HTTP service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(config.Load())
	},
}

func serve(cfg config.Config) error {
	log := initLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	lessons, err := lesson.LoadDir(cfg.LessonDir)
	if err != nil {
		return err
	}
	log.Info("lessons loaded", "dir", cfg.LessonDir, "count", len(lessons.List()))

	client := oracle.NewClient(cfg.OracleURL, cfg.OracleTimeout, log)
	if waitOracle > 0 {
		healthCtx, healthCancel := context.WithTimeout(ctx, waitOracle)
		err := client.WaitForHealthy(healthCtx, 2*time.Second)
		healthCancel()
		if err != nil {
			return fmt.Errorf("recognition service not available: %w", err)
		}
	}

	history, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer history.Close()

	// One engine plays every session's track; each track has its own feed.
	engine := audio.NewEngine(audio.EngineConfig{ResumeFade: cfg.ResumeFade, Logger: log})
	defer engine.Close()

	listen := stream.NewWebRTCStreamer(log)
	defer listen.Close()
	mic := stream.NewMicCapture(log)
	defer mic.Close()

	sessions := session.NewManager(session.ManagerConfig{
		Player:  engine,
		Oracle:  client,
		Matcher: chord.Matcher{},
		NewRecorder: func(id string) session.Recorder {
			return recorder.New(filepath.Join(cfg.ClipDir, id), cfg.MaxTake, log)
		},
		Session: session.Config{
			TickInterval: cfg.TickInterval,
			Policy:       checkpoint.Stride{N: cfg.Stride},
			Logger:       log,
		},
		OnEnd: func(s *session.Session) {
			saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer saveCancel()
			if err := history.SaveSession(saveCtx, store.RecordFrom(s)); err != nil {
				log.Error("history: save session", "session", s.ID(), "error", err)
			}
		},
		Retention: cfg.SessionRetention,
		Logger:    log,
	})
	defer sessions.Shutdown()

	srv := api.New(api.Config{
		Lessons:     lessons,
		Sessions:    sessions,
		Oracle:      client,
		History:     history,
		Feeds:       engine,
		Mic:         mic,
		Listen:      listen,
		MP3:         stream.NewHTTPStreamer(log),
		Stride:      cfg.Stride,
		UserTimeout: cfg.UserTimeout,
		Logger:      log,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: srv.Handler()}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		server.Shutdown(shutCtx)
	}()

	log.Info("chordsync live", "addr", addr, "oracle", cfg.OracleURL)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
