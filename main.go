package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	chiprometheus "github.com/766b/chi-prometheus"
	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stream-bridge/configs"
	"stream-bridge/external/capture"
	"stream-bridge/external/cloud"
	"stream-bridge/external/scope"
	"stream-bridge/internal"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	envs := configs.MustConfig()
	minioConfig := configs.MustConfigMinio()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		AddSource: true,
	}))

	ctx := context.Background()

	var snapshots *internal.SnapshotService
	if minioConfig.Endpoint != "" {
		var err error
		snapshots, err = internal.NewSnapshotService(ctx, minioConfig,
			time.Duration(envs.SnapshotIntervalSeconds)*time.Second, logger)
		if err != nil {
			panic(err)
		}
	}

	var source internal.FrameSource
	if envs.CaptureRtspUrl != "" {
		rtspSource, err := capture.Dial(envs.CaptureRtspUrl, logger)
		if err != nil {
			logger.Warn("capture source unavailable, falling back to synthetic frames", "err", err)
		} else {
			defer rtspSource.Close()
			source = rtspSource
		}
	}

	cloudClient := cloud.NewClient(envs.CloudApiUrl, envs.CloudApiKey, logger)

	proxy := internal.NewSignalingProxy(cloudClient,
		time.Duration(envs.WhipTimeoutSeconds)*time.Second,
		time.Duration(envs.WhepTimeoutSeconds)*time.Second,
		time.Duration(envs.ScopeTimeoutSeconds)*time.Second,
		time.Duration(envs.ExchangeTTLSeconds)*time.Second,
		logger)
	go proxy.RunSweeper(ctx)

	channel := internal.NewChannel(logger)

	newScope := func(url string) *scope.Client {
		return scope.NewClient(url, envs.ScopeSkipTLSVerify, logger)
	}

	manager := internal.NewManager(cloudClient, proxy, channel, source, snapshots,
		func(url string) internal.ScopeBackend { return newScope(url) },
		envs, logger)

	repository := &internal.HttpRepository{
		Manager:  manager,
		Proxy:    proxy,
		Channel:  channel,
		NewScope: newScope,
		Logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(chiprometheus.NewMiddleware("bridge"))
	r.Use(internal.RequestLogger(logger))
	r.Handle("/metrics", promhttp.Handler())

	repository.RegisterRoutes(r)

	logger.Info("server started and running on port :" + envs.ServerPort)
	log.Fatal(http.ListenAndServe(envs.ServerHost+":"+envs.ServerPort, r))
}
