package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/frame-relay/backend/config"
	"github.com/adwski/frame-relay/backend/protocol"
	httpServer "github.com/adwski/frame-relay/backend/server/http"
	websocketServer "github.com/adwski/frame-relay/backend/server/websocket"
	"github.com/adwski/frame-relay/backend/service"
	store "github.com/adwski/frame-relay/backend/storage/memory"
	sw "github.com/adwski/frame-relay/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		configPath = fs.StringP("config", "c", "", "path to yaml config file, watched for changes")
		port       = fs.IntP("port", "p", config.DefaultPort, "listen port, overrides PORT env and config file")
		logLevel   = fs.StringP("log-level", "l", config.DefaultLogLevel, "log level, overrides config file")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if fs.Changed("port") {
		cfg.Server.Port = *port
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if err = cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid command line arguments")
	}

	lvl, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	zerolog.SetGlobalLevel(lvl)

	encoding, err := protocol.ParseEncoding(cfg.Relay.FrameEncoding)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse frame encoding")
	}
	maxMessageSize, err := cfg.Relay.MaxMessageBytes()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse max message size")
	}
	uploadPolicy, err := uploadPolicyFromConfig(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse upload policy")
	}

	svc := service.NewService(service.Config{
		Registry: store.NewRegistry(),
		Switch:   sw.NewSwitch(&logger),
		Logger:   &logger,
		Policy: service.Policy{
			Encoding:         encoding,
			TelemetryFields:  cfg.Relay.TelemetryFields,
			CloseOnMalformed: cfg.Relay.MalformedPolicy == config.MalformedClose,
			ValidateJPEG:     cfg.Relay.ValidateJPEG,
		},
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		RelayService:   svc,
		MaxMessageSize: maxMessageSize,
		SendBuffer:     cfg.Relay.SendBuffer,
		SendTimeout:    cfg.Relay.SendTimeout,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:           &logger,
		RelayService:     svc,
		StreamServer:     wsSrv,
		ListenAddr:       cfg.Server.ListenAddr(),
		UploadPolicy:     uploadPolicy,
		ShutdownDeadline: cfg.Server.ShutdownTimeout,
	})

	logger.Info().
		Str("encoding", string(encoding)).
		Str("malformedPolicy", cfg.Relay.MalformedPolicy).
		Strs("contentTypes", uploadPolicy.ContentTypes).
		Msg("relay configured")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go httpSrv.Run(ctx, wg, errc)

	if *configPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errW := config.Watch(ctx, *configPath, &logger, func(newCfg *config.Config) {
				policy, errP := uploadPolicyFromConfig(newCfg)
				if errP != nil {
					logger.Error().Err(errP).Msg("ignoring reloaded upload policy")
				} else {
					httpSrv.SetUploadPolicy(policy)
				}
				if !fs.Changed("log-level") {
					zerolog.SetGlobalLevel(newCfg.Log.ZerologLevel())
				}
			})
			if errW != nil {
				logger.Error().Err(errW).Msg("config watcher failed")
			}
		}()
	}

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

func uploadPolicyFromConfig(cfg *config.Config) (httpServer.UploadPolicy, error) {
	size, err := cfg.Upload.MaxBodyBytes()
	if err != nil {
		return httpServer.UploadPolicy{}, err
	}
	return httpServer.UploadPolicy{
		ContentTypes: cfg.Upload.ContentTypes,
		MaxBodySize:  size,
	}, nil
}
