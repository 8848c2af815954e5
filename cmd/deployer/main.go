package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/g-verdex/ctf-easy-per-deploy/internal/admission"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/captcha"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/config"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/httpapi"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/leasestore"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/log"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/manager"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/model"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/portregistry"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/ratelimit"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/resourcemon"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/runtimeadapter"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	log.Configure(log.Config{Level: "info", Service: "ctf-easy-per-deploy"})
	logger := log.WithComponent("main")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "ctf-easy-per-deploy"})
	logger = log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := leasestore.NewSqliteStore(cfg.DatabasePath, cfg.RequestPoolSize, cfg.MaintenancePoolSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open lease store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("lease store close failed")
		}
	}()

	runtime, err := runtimeadapter.NewDockerAdapter()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to container runtime")
	}
	defer func() {
		if err := runtime.Close(); err != nil {
			logger.Warn().Err(err).Msg("runtime adapter close failed")
		}
	}()

	ports := portregistry.New(cfg.StartRange, cfg.StopRange, cfg.PortAllocationMaxAttempts)
	captchaStore := captcha.New(6, cfg.CaptchaTTL)
	limiter := ratelimit.New(ratelimit.Config{
		Rate:            5,
		Burst:           10,
		CleanupInterval: 10 * time.Minute,
	})

	resource := resourcemon.New(store, runtime, nil, resourcemon.Config{
		Interval:         cfg.ResourceCheckInterval,
		SoftLimitPercent: cfg.ResourceSoftLimitPct,
		NamePrefix:       cfg.ComposeProjectName + "_session_",
		Limits: model.ResourceLimits{
			MaxContainers: cfg.MaxTotalContainers,
			MaxCPUPercent: cfg.MaxTotalCPUPercent,
			MaxMemoryGB:   cfg.MaxTotalMemoryGB,
		},
	})

	admitter := admission.New(store, captchaStore, resource, admission.Config{
		BypassCaptcha:        cfg.BypassCaptcha,
		MaxContainersPerHour: cfg.MaxContainersPerHour,
		RateLimitWindow:      cfg.RateLimitWindow,
		EnableResourceQuotas: cfg.EnableResourceQuotas,
	})

	mgr := manager.New(ports, store, runtime, admitter, captchaStore, cfg)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		resource.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		mgr.RunSweeper(ctx)
	}()

	server := httpapi.New(httpapi.Config{
		Manager:            mgr,
		Captcha:            captchaStore,
		Resource:           resource,
		Limiter:            limiter,
		AdminKey:           cfg.AdminKey,
		ServiceName:        "ctf-easy-per-deploy",
		EnableLogsEndpoint: cfg.EnableLogsEndpoint,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("starting http server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown error")
	}

	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("lease manager shutdown error")
	}

	wg.Wait()
	logger.Info().Msg("server exiting")
}
