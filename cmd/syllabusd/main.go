package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/coursecal/syllabus-ingest/constants"
	"github.com/coursecal/syllabus-ingest/internal/common"
	"github.com/coursecal/syllabus-ingest/internal/courses"
	"github.com/coursecal/syllabus-ingest/internal/deadletter"
	"github.com/coursecal/syllabus-ingest/internal/dedupe"
	"github.com/coursecal/syllabus-ingest/internal/extract"
	"github.com/coursecal/syllabus-ingest/internal/llm"
	"github.com/coursecal/syllabus-ingest/internal/orchestrator"
	"github.com/coursecal/syllabus-ingest/internal/repository"
	"github.com/coursecal/syllabus-ingest/internal/security"
	"github.com/coursecal/syllabus-ingest/internal/server"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("could not load .env file", "error", err)
	}

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}
	if err := store.HealthCheck(ctx, 5*time.Second); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	jobsRepo := repository.NewJobStore(store)
	coursesRepo := repository.NewCourseStore(store)
	dlRepo := repository.NewDeadLetterStore(store)

	gate := security.NewGate(security.Config{}, logger)

	admission := extract.NewAdmission(cfg.OCR.MaxConcurrent, cfg.OCR.MemoryCeiling, logger)
	extractor := extract.NewEngine(extract.Config{
		Pdftotext:      cfg.OCR.Pdftotext,
		Pdftoppm:       cfg.OCR.Pdftoppm,
		Tesseract:      cfg.OCR.Tesseract,
		TesseractLang:  cfg.OCR.TesseractLang,
		DPI:            cfg.OCR.DPI,
		MaxPages:       cfg.OCR.MaxPages,
		MaxImagePixels: cfg.OCR.MaxImagePixels,
		PageTimeout:    cfg.OCR.PageTimeout,
		StageTimeout:   cfg.OCR.StageTimeout,
		MaxTextBytes:   cfg.OCR.MaxTextBytes,
		MinTextChars:   cfg.OCR.MinTextChars,
	}, admission, logger)

	aiClient := llm.NewClient(llm.Config{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		CallTimeout: cfg.AI.CallTimeout,
		Timezone:    cfg.AI.Timezone,
	}, logger)

	scorer := dedupe.NewEngine(cfg.Dedupe, logger)
	committer := courses.NewService(coursesRepo, logger)
	dlq := deadletter.NewStore(cfg.DLQ, dlRepo, cfg.Spool.Dir, logger)

	orch := orchestrator.New(cfg.Jobs, cfg.Spool, cfg.AI, constants.MaxUploadBytes, orchestrator.Deps{
		Jobs:      jobsRepo,
		Courses:   coursesRepo,
		Gate:      gate,
		Extractor: extractor,
		AI:        aiClient,
		Scorer:    scorer,
		Committer: committer,
		DLQ:       dlq,
	}, logger)

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	srv := server.New(orch, dlq, dlRepo, store, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("syllabusd listening", "addr", cfg.Server.Addr, "db_driver", cfg.Database.Driver)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown interrupted", "error", err)
	}
	orch.Shutdown(shutdownCtx)
}
