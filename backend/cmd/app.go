package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/meetrelay/backend/config"
	"github.com/adwski/meetrelay/backend/meetingid"
	httpServer "github.com/adwski/meetrelay/backend/server/http"
	websocketServer "github.com/adwski/meetrelay/backend/server/websocket"
	"github.com/adwski/meetrelay/backend/service"
	store "github.com/adwski/meetrelay/backend/storage/memory"
	sw "github.com/adwski/meetrelay/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger = newLogger(cfg.Logging)

	ids, err := meetingid.NewGenerator(cfg.Rooms.MeetingIDLength)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create meeting id generator")
	}

	svc := service.NewService(service.Config{
		RoomStore: store.NewMemStore(),
		Switch: sw.NewSwitch(sw.Config{
			Logger:     &logger,
			OutboxSize: cfg.WebSocket.OutboxSize,
		}),
		IDGenerator:    ids,
		Logger:         &logger,
		PendingRoomTTL: cfg.Rooms.PendingTTL,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		MeetingService: svc,
		ListenAddr:     cfg.API.ListenAddr,
		AllowedOrigins: cfg.API.AllowedOrigins,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:            &logger,
		SignalingService:  svc,
		ListenAddr:        cfg.WebSocket.ListenAddr,
		MaxMessageSize:    cfg.WebSocket.MaxMessageSize,
		MessagesPerSecond: cfg.WebSocket.MessagesPerSecond,
		Burst:             cfg.WebSocket.Burst,
		PingInterval:      cfg.WebSocket.PingInterval,
		PongWait:          cfg.WebSocket.PongWait,
		WriteTimeout:      cfg.WebSocket.WriteTimeout,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(3)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)
	go svc.RunJanitor(ctx, wg)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

func newLogger(cfg config.Logging) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Format == config.LogFormatConsole {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	// level was validated by config.Load
	lvl, _ := zerolog.ParseLevel(cfg.Level)
	return zerolog.New(out).With().Timestamp().Logger().Level(lvl)
}
