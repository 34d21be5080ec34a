package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"dvr-uploader/config"
	"dvr-uploader/constant"
	opsHandler "dvr-uploader/handler"
	"dvr-uploader/pkg/ledger"
	"dvr-uploader/pkg/rabbitmq"
	"dvr-uploader/pkg/watcher"
	"dvr-uploader/repository"
	"dvr-uploader/service"
)

func RunHttp(cfg *config.Config) {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.Ctx(ctx).Info().
		Str("env", cfg.App.Environment).
		Str("watch_root", cfg.Watch.Root).
		Str("bucket", cfg.Storage.Bucket).
		Bool("delete_after_upload", cfg.Upload.DeleteAfterUpload).
		Bool("webhook", cfg.Webhook.URL != "").
		Msg("starting dvr uploader")
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}

	led, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		zerolog.Ctx(ctx).Fatal().Err(err).Msg("failed to open ledger")
	}

	sink, err := repository.NewSink(cfg.Metadata.Backend, cfg.DB, cfg.Redis)
	if err != nil {
		zerolog.Ctx(ctx).Fatal().Err(err).Msg("failed to configure metadata sink")
	}

	store := service.NewMinioStore(cfg.Storage.Client, cfg.Storage.Bucket, cfg.Storage.ACL)
	uploader := service.NewUploader(store, cfg.Storage.Bucket, cfg.Storage.Region,
		cfg.Storage.Endpoint, cfg.Storage.PublicBaseURL, cfg.Upload.Timeout)

	notifier := service.NewNotifier(cfg.Webhook)
	if notifier == nil {
		zerolog.Ctx(ctx).Info().Msg("webhook notifications disabled")
	}

	var publisher service.UploadPublisher
	if cfg.Queue != nil {
		conn, err := config.NewRabbitMQConn(ctx, cfg.Queue)
		if err != nil {
			zerolog.Ctx(ctx).Fatal().Err(err).Msg("NewRabbitMQConn")
		}
		pub, err := rabbitmq.NewPublisher(conn, cfg.Queue)
		if err != nil {
			zerolog.Ctx(ctx).Fatal().Err(err).Msg("failed to set up upload event publisher")
		}
		defer pub.Close()
		publisher = pub
	}

	w := watcher.New(cfg.Watch.Root, watcher.Options{
		Window:         cfg.Watch.StabilityWindow,
		SweepInterval:  cfg.Watch.SweepInterval,
		RescanInterval: cfg.Watch.RescanInterval,
		Extensions:     cfg.Watch.Extensions,
	})
	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			zerolog.Ctx(ctx).Error().Err(err).Msg("watcher stopped")
		}
	}()

	pipeline := service.NewPipeline(cfg, led, uploader, sink, notifier, publisher, w.Events())
	go func() {
		if err := pipeline.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			zerolog.Ctx(ctx).Error().Err(err).Msg("pipeline stopped")
		}
	}()

	r := gin.Default()
	addHealth(r)
	r.GET("/deadletters", opsHandler.DeadLetters(led))
	r.POST("/deadletters/replay", opsHandler.Replay(pipeline))

	handler := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("start http server")
		if err := handler.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
		}
	}()

	<-ctx.Done()
	zerolog.Ctx(ctx).Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := handler.Shutdown(shutdownCtx); err != nil {
		zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
	}

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("server shutdown")
}

func addHealth(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})
}

func setupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}
