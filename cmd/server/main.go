package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koopa0/chess-room/internal"
	"github.com/koopa0/chess-room/internal/limiter"
	"github.com/koopa0/chess-room/internal/rules"
	"github.com/koopa0/chess-room/pkg/logger"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chess-room: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "配置檔路徑 (YAML)")
		port       = flag.Int("port", 0, "服務器端口（覆蓋配置與 PORT）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 限流器
	var (
		redisClient *redis.Client
		lim         limiter.Limiter = limiter.Unlimited{}
	)
	if cfg.RateLimit.Enabled {
		switch cfg.RateLimit.Backend {
		case "redis":
			opts, err := cfg.RedisOptions()
			if err != nil {
				return err
			}
			redisClient = redis.NewClient(opts)
			defer redisClient.Close()

			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = redisClient.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				// 限流本來就在 Redis 錯誤時放行，不因此拒絕啟動
				log.Warn("無法連接 Redis，限流將在恢復前放行所有訊息", "error", err)
			}
			lim = limiter.NewDistributedTokenBucket(redisClient, cfg.RateLimit.KeyPrefix, cfg.RateLimit.Capacity, cfg.RateLimit.RefillRate)
		default:
			lim = limiter.NewLocalLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.RefillRate)
		}
	}

	// 生命週期事件
	var (
		publisher     internal.Publisher = internal.NopPublisher{}
		natsConn      *nats.Conn
		natsPublisher *internal.NATSPublisher
	)
	if cfg.NATS.URL != "" {
		conn, js, err := internal.ConnectJetStream(cfg.NATS, log)
		if err != nil {
			return err
		}
		natsConn = conn
		natsPublisher = internal.NewNATSPublisher(js, cfg.NATS.SubjectPrefix, log)
		publisher = natsPublisher
	}

	// 房間註冊表
	managerOpts := []internal.ManagerOption{
		internal.WithExpiry(cfg.Game.WaitingTTL, cfg.Game.FinishedTTL, cfg.Game.CleanupInterval),
	}
	if cfg.Game.ValidateMoves {
		engine := rules.NewChessEngine()
		if _, err := engine.NewGame(cfg.Game.StartPosition); err != nil {
			return fmt.Errorf("game.start_position: %w", err)
		}
		managerOpts = append(managerOpts, internal.WithEngine(engine, cfg.Game.StartPosition))
	} else {
		log.Warn("走法驗證已關閉，伺服器將信任客戶端的走法與結果")
	}
	manager := internal.NewManager(log, managerOpts...)

	hub := internal.NewWebSocketHub(cfg.WebSocket, internal.NewTokenAuthenticator(cfg.Auth), lim, log)
	gateway := internal.NewGateway(manager, hub, publisher, log)
	hub.SetDispatcher(gateway)

	handler := internal.NewHandler(manager, hub, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(cfg.WebSocket.Path),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("西洋棋房間服務器啟動",
			"port", cfg.Server.Port,
			"ws_path", cfg.WebSocket.Path,
			"validate_moves", cfg.Game.ValidateMoves,
			"rate_limit", cfg.RateLimit.Backend,
			"nats", cfg.NATS.URL != "")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("服務器啟動失敗: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("收到關閉信號，開始優雅關閉...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// 停止接受新連接（已升級的 WebSocket 不受影響）
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("服務器關閉失敗", "error", err)
		}

		if err := hub.Stop(shutdownCtx); err != nil {
			log.Error("WebSocket Hub 關閉逾時", "error", err)
		}

		manager.Stop()

		if natsPublisher != nil {
			if err := natsPublisher.Flush(shutdownCtx); err != nil {
				log.Warn("部分事件未確認", "error", err)
			}
		}
		if natsConn != nil {
			natsConn.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("服務器已關閉")
	return nil
}
