// Package app assembles the daemon from its parts: config in, running
// orchestrator plus HTTP control surface out.
package app

import (
	"context"
	"log"
	"net/http"

	"github.com/jllobera/shopvoice/internal/archive"
	"github.com/jllobera/shopvoice/internal/capture"
	"github.com/jllobera/shopvoice/internal/config"
	"github.com/jllobera/shopvoice/internal/httpapi"
	"github.com/jllobera/shopvoice/internal/memory"
	"github.com/jllobera/shopvoice/internal/observability"
	"github.com/jllobera/shopvoice/internal/playback"
	"github.com/jllobera/shopvoice/internal/session"
	"github.com/jllobera/shopvoice/internal/voice"
)

// App is one assembled daemon instance.
type App struct {
	Orchestrator *voice.Orchestrator
	Handler      http.Handler
	Store        memory.Store
	Metrics      *observability.Metrics
	Latency      *observability.LatencyWindow
}

// Build wires every component from config. The returned App owns the
// transcript store; callers must Close it on shutdown.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	latency := observability.NewLatencyWindow(256)

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	engine := capture.NewEngine(&capture.ExecSource{Command: cfg.CaptureCommand}, capture.Config{
		SampleRate:        cfg.SampleRate,
		SilenceLevel:      cfg.SilenceLevel,
		SilenceThreshold:  cfg.SilenceThreshold,
		EnergyThreshold:   cfg.EnergyThreshold,
		ConsecutiveFrames: cfg.ConsecutiveFrames,
		Device:            cfg.CaptureDevice,
		DumpDir:           cfg.UtteranceDumpDir,
	})

	sessions := session.NewManager(session.Config{
		ServerURL:            cfg.ServerURL,
		TenantID:             cfg.TenantID,
		AudioFormat:          cfg.AudioFormat,
		Lang:                 cfg.Lang,
		WantAudioReplies:     cfg.WantAudioReplies,
		PingInterval:         cfg.PingInterval,
		ReconnectBase:        cfg.ReconnectBase,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
	}, nil, metrics, latency)

	player := playback.NewController(&playback.ExecSink{Command: cfg.PlayerCommand})

	var archiver archive.Archiver = archive.Noop{}
	archiveCfg := archive.Config{
		Endpoint:        cfg.ArchiveS3Endpoint,
		Bucket:          cfg.ArchiveS3Bucket,
		Prefix:          cfg.ArchiveS3Prefix,
		AccessKeyID:     cfg.ArchiveS3AccessKey,
		SecretAccessKey: cfg.ArchiveS3SecretKey,
	}
	if archiveCfg.Enabled() {
		archiver = archive.NewS3Archiver(archiveCfg)
		log.Printf("utterance archive: s3 bucket %s", archiveCfg.Bucket)
	}

	orchestrator := voice.NewOrchestrator(voice.Config{VADTick: cfg.MonitorTick},
		engine, sessions, player, store, archiver, metrics, latency)

	api := httpapi.New(cfg, orchestrator, store, latency)

	return &App{
		Orchestrator: orchestrator,
		Handler:      api.Router(),
		Store:        store,
		Metrics:      metrics,
		Latency:      latency,
	}, nil
}
