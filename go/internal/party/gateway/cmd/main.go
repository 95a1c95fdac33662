package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/hotseat/go/internal/config"
	"github.com/mcdev12/hotseat/go/internal/dbconfig"
	"github.com/mcdev12/hotseat/go/internal/party/gateway"
	"github.com/mcdev12/hotseat/go/internal/party/questions"
	"github.com/mcdev12/hotseat/go/internal/party/retry"
	"github.com/mcdev12/hotseat/go/internal/party/session"
	"github.com/mcdev12/hotseat/go/internal/party/watchdog"
	"github.com/mcdev12/hotseat/go/internal/store"
	"github.com/mcdev12/hotseat/go/internal/store/memstore"
	"github.com/mcdev12/hotseat/go/internal/store/natskv"
	"github.com/mcdev12/hotseat/go/internal/store/pgstore"
	"github.com/mcdev12/hotseat/go/internal/store/redisstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	st, err := openStore(ctx, cfg, clock)
	if err != nil {
		log.Fatal().Err(err).Str("backend", string(cfg.Backend)).Msg("failed to open room store")
	}
	defer st.Close()

	bank := questions.Default()
	if cfg.QuestionsPath != "" {
		if bank, err = questions.Load(cfg.QuestionsPath); err != nil {
			log.Fatal().Err(err).Str("path", cfg.QuestionsPath).Msg("failed to load question bank")
		}
	}
	gameCfg, err := config.LoadGameConfig(cfg.GameConfigPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.GameConfigPath).Msg("failed to load game config")
	}

	sessionCfg := session.DefaultConfig()
	sessionCfg.PlayerID = cfg.PlayerID
	sessionCfg.Emoji = cfg.Emoji
	sessionCfg.HeartbeatInterval = cfg.HeartbeatInterval
	sessionCfg.ProbeInterval = cfg.ProbeInterval
	sessionCfg.AutoAdvanceInterval = cfg.AutoAdvanceInterval
	sessionCfg.HostInactiveThreshold = cfg.HostInactiveThreshold
	sessionCfg.Retry = retry.Config{
		MaxAttempts:    cfg.WriteAttempts,
		BaseDelay:      cfg.WriteBaseDelay,
		AttemptTimeout: retry.DefaultConfig().AttemptTimeout,
		ProbeTimeout:   retry.DefaultConfig().ProbeTimeout,
	}
	sessionCfg.Watchdog = watchdog.DefaultConfig()
	sessionCfg.Watchdog.StallThreshold = cfg.StallThreshold

	sess, err := session.New(st, bank, clock, sessionCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session")
	}
	defer sess.Close()

	gatewayCfg := gateway.DefaultConfig()
	gatewayCfg.GameConfig = gameCfg
	gatewayCfg.AllowedOrigins = cfg.AllowedOrigins
	svc := gateway.NewService(gatewayCfg, sess)
	server := gateway.NewServer(cfg.Addr(), svc.Handler())

	log.Info().
		Str("player_id", cfg.PlayerID).
		Str("backend", string(cfg.Backend)).
		Str("addr", server.Addr).
		Msg("starting hotseat client")

	if cfg.RoomCode != "" {
		enterRoom(ctx, sess, cfg.RoomCode)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Start(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("client stopped with error")
	}
	log.Info().Msg("hotseat client shutdown complete")
}

// enterRoom rejoins code, or joins it as a new player.
func enterRoom(ctx context.Context, sess *session.Session, code string) {
	err := sess.Rejoin(ctx, code)
	if errors.Is(err, &session.Rejection{Code: session.CodeNotJoined}) {
		err = sess.JoinRoom(ctx, code)
	}
	if err != nil {
		log.Error().Err(err).Str("room_id", code).Msg("failed to enter room")
		return
	}
	log.Info().Str("room_id", sess.RoomID()).Msg("entered room")
}

func openStore(ctx context.Context, cfg config.Config, clock clockwork.Clock) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendNATS:
		natsCfg := natskv.DefaultConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Bucket = cfg.NATSBucket
		return natskv.Open(ctx, natsCfg, clock)

	case config.BackendPostgres:
		dbCfg, err := dbconfig.NewConfigFromEnv()
		if err != nil {
			return nil, err
		}
		listenerCfg := pgstore.DefaultListenerConfig()
		listenerCfg.NotifyChannel = cfg.PGNotifyKey
		log.Info().Str("database", dbCfg.Database).Str("host", dbCfg.Host).Msg("connecting to postgres")
		return pgstore.Open(ctx, dbCfg.DSN(), listenerCfg, clock)

	case config.BackendRedis:
		redisCfg := redisstore.DefaultConfig()
		redisCfg.Addr = cfg.RedisAddr
		redisCfg.Password = cfg.RedisPass
		redisCfg.DB = cfg.RedisDB
		return redisstore.Open(ctx, redisCfg)

	default:
		log.Warn().Msg("using the in-process store; rooms are visible to this process only")
		return memstore.New(clock), nil
	}
}
