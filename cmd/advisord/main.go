// Command advisord is the system-health advisor daemon: it loads
// configuration, builds the probe catalog and the evidence-grounded
// QA pipeline, and serves the Daemon Transport boundary until asked to
// shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nilgrove/advisord/pkg/catalog"
	"github.com/nilgrove/advisord/pkg/config"
	"github.com/nilgrove/advisord/pkg/debug"
	"github.com/nilgrove/advisord/pkg/executor"
	"github.com/nilgrove/advisord/pkg/generative"
	"github.com/nilgrove/advisord/pkg/orchestrator"
	"github.com/nilgrove/advisord/pkg/policy"
	"github.com/nilgrove/advisord/pkg/reconcile"
	"github.com/nilgrove/advisord/pkg/session"
	"github.com/nilgrove/advisord/pkg/store"
	"github.com/nilgrove/advisord/pkg/telemetry"
	"github.com/nilgrove/advisord/pkg/transport"
)

func main() {
	var (
		versionFlag = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *versionFlag {
		fmt.Printf("advisord %s\n", catalog.BuildVersion)
		os.Exit(0)
	}

	log.Println("🧠 Starting advisord...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}
	log.Printf("📋 Generative backend: %s (junior=%s senior=%s)", cfg.Generative.BaseURL, cfg.Generative.JuniorModel, cfg.Generative.SeniorModel)

	pol, err := policy.Load(cfg.Catalog.OverridePath)
	if err != nil {
		log.Fatalf("❌ Failed to load policy: %v", err)
	}

	cat := catalog.New(pol.DisabledProbeIDs())
	cat.BindConfigProbe(func() (map[string]any, error) {
		snapshot := redactedConfigSnapshot(cfg)
		snapshot["policy"] = pol.Snapshot()
		return snapshot, nil
	})
	log.Printf("📚 Catalog ready with %d probes", len(cat.IDs()))

	db, err := store.Open(store.Config{Path: cfg.Database.Path, WALMode: cfg.Database.WALMode, Retain: 5000})
	if err != nil {
		log.Fatalf("❌ Failed to open episode store: %v", err)
	}
	defer db.Close()

	reporter := telemetry.New(db, 5)
	cat.BindTelemetryProbe(reporter.ProbeFunc)
	cat.BindStatusProbe(reporter.StatusProbeFunc)

	exec := executor.New(cat)
	llm := generative.New(generative.Config{
		BaseURL:         cfg.Generative.BaseURL,
		JuniorModel:     cfg.Generative.JuniorModel,
		SeniorModel:     cfg.Generative.SeniorModel,
		KeepAlive:       cfg.Generative.KeepAlive,
		TimeoutSeconds:  cfg.Generative.TimeoutSeconds,
		BusyWaitSeconds: cfg.Generative.BusyWaitSeconds,
	})

	orch := orchestrator.New(cat, exec, llm, orchestrator.Limits{
		MaxProbeRounds:          cfg.Limits.MaxProbeRounds,
		MaxDistinctProbes:       cfg.Limits.MaxDistinctProbes,
		ReliabilityThreshold:    cfg.Limits.ReliabilityThreshold,
		UnloadJuniorBeforeAudit: cfg.Generative.UnloadBetweenStages,
	}).WithPolicy(pol)
	if err := orch.Start(); err != nil {
		log.Fatalf("❌ Failed to start orchestrator: %v", err)
	}

	recon := reconcile.New(orch, llm, reconcile.Limits{
		JaccardThreshold: cfg.Limits.StabilityJaccard,
		BonusMatch:       cfg.Limits.StabilityBonusMatch,
		BonusReconciled:  cfg.Limits.StabilityBonusReconciled,
	}).WithRecorder(db)

	sessions, err := session.NewManager(cfg.Session.JWTSecret, time.Duration(cfg.Session.ExpiresMinutes)*time.Minute)
	if err != nil {
		log.Fatalf("❌ Failed to build session manager: %v", err)
	}

	stream := debug.NewStream()

	srv := transport.New(recon, sessions, pol, stream, time.Duration(cfg.Session.BusyWaitMs)*time.Millisecond)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("🚀 advisord listening on %s:%d", cfg.Daemon.Host, cfg.Daemon.Port)
	if err := srv.Run(ctx, transport.Config{Host: cfg.Daemon.Host, Port: cfg.Daemon.Port}); err != nil {
		log.Printf("❌ Transport server error: %v", err)
	}

	orch.Stop()
	log.Println("✅ advisord shutdown complete")
}

// redactedConfigSnapshot renders cfg for the config.show synthetic
// probe, stripping anything secret-shaped (JWT secret, anything else
// added later) before it ever reaches the planner model.
func redactedConfigSnapshot(cfg *config.Config) map[string]any {
	return map[string]any{
		"daemon": map[string]any{
			"host": cfg.Daemon.Host,
			"port": cfg.Daemon.Port,
		},
		"generative": map[string]any{
			"base_url":     cfg.Generative.BaseURL,
			"junior_model": cfg.Generative.JuniorModel,
			"senior_model": cfg.Generative.SeniorModel,
			"keep_alive":   cfg.Generative.KeepAlive,
		},
		"session": map[string]any{
			"jwt_secret":      "[redacted]",
			"expires_minutes": cfg.Session.ExpiresMinutes,
		},
		"limits": map[string]any{
			"max_probe_rounds":      cfg.Limits.MaxProbeRounds,
			"max_distinct_probes":   cfg.Limits.MaxDistinctProbes,
			"reliability_threshold": cfg.Limits.ReliabilityThreshold,
		},
		"telemetry": map[string]any{
			"enabled": cfg.Telemetry.Enabled,
		},
	}
}
