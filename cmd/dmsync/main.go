package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"dmsync/internal/app"
	"dmsync/pkg/banner"
	"dmsync/pkg/config"
	"dmsync/pkg/logger"
	"dmsync/pkg/models"
	"dmsync/pkg/shutdown"
	"dmsync/pkg/telemetry"
)

// build metadata - set via ldflags during build/release
var (
	version = "dev"
	commit  = "none"
)

func main() {
	_ = godotenv.Load(".env")
	addrVal, cacheVal, cfgVal, setFlags := config.ParseCommandFlags()

	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])
	cfg, envUsed, err := config.LoadEffective(cfgPath)
	if err != nil {
		shutdown.Abort("load_config", err, "", 0)
	}
	// flags win over config/env when explicitly provided
	if setFlags["addr"] {
		host, port, found := strings.Cut(addrVal, ":")
		cfg.Agent.Address = host
		if found {
			if p, perr := strconv.Atoi(port); perr == nil {
				cfg.Agent.Port = p
			}
		}
	}
	if setFlags["cache"] {
		cfg.Cache.Path = cacheVal
	}

	logger.InitWithLevel(cfg.Logging.Level)
	defer logger.Sync()

	srcs := []string{"flags"}
	if envUsed {
		srcs = append(srcs, "env")
	}
	if _, err := config.Load(cfgPath); err == nil {
		srcs = append(srcs, "config")
	}
	verStr := version
	if commit != "none" {
		verStr = verStr + " (" + commit + ")"
	}
	banner.Print(cfg, strings.Join(srcs, ", "), verStr)

	engine, err := app.New(cfg, models.Ident(cfg.Agent.UserID))
	if err != nil {
		shutdown.Abort("build_engine", err, cfg.Cache.Path)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := engine.Start(startCtx); err != nil {
		startCancel()
		shutdown.Abort("start_engine", err, cfg.Cache.Path)
	}
	startCancel()

	router := mux.NewRouter()
	engine.Diagnostics().Register(router)
	router.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("agent_listening", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("agent_http_failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting_down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = srv.Shutdown(stopCtx)
	engine.Shutdown()
}
