// Command realtimed runs the real-time event distribution daemon: the
// WebSocket/SSE broker that fans domain notifications out to connected
// clients of the platform.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/givebridge/realtime/auth"
	"github.com/givebridge/realtime/broker"
	"github.com/givebridge/realtime/config"
	"github.com/givebridge/realtime/store"
	redisstore "github.com/givebridge/realtime/store/redis"
	"github.com/givebridge/realtime/transport"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	goredis "github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "realtime.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("realtimed: %v", err)
	}

	var storage store.Storage
	var pubsub store.PubSub
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("realtimed: bad redis url: %v", err)
		}
		client := goredis.NewClient(opts)
		storage = redisstore.NewStore(client)
		pubsub = redisstore.NewPubSub(client)
	} else {
		log.Printf("realtimed: no shared store configured, running in single-process mode")
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, nil)

	b := broker.New(broker.Config{
		HeartbeatTimeout:   cfg.HeartbeatTimeout,
		ReapInterval:       cfg.ReapInterval,
		ReapThreshold:      cfg.ReapThreshold,
		StatsInterval:      cfg.StatsInterval,
		StoreCheckInterval: cfg.StoreCheckInterval,
		DefaultRateLimit:   broker.Policy{MaxRequests: cfg.RateLimitMax, Window: cfg.RateLimitWindow},
		HistoryLength:      cfg.HistoryLength,
	}, verifier, storage, pubsub)

	if err := b.Initialize(context.Background()); err != nil {
		log.Fatalf("realtimed: initialize: %v", err)
	}

	app := fiber.New(fiber.Config{
		AppName:               "givebridge-realtime",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(logger.New())
	if len(cfg.AllowedOrigins) > 0 {
		app.Use(cors.New(cors.Config{
			AllowOrigins: strings.Join(cfg.AllowedOrigins, ", "),
			AllowHeaders: "Authorization, Content-Type, X-Realtime-Session",
		}))
	}

	transportCfg := transport.Config{
		Broker:           b,
		AllowedOrigins:   cfg.AllowedOrigins,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}
	app.Get("/ws", transport.UpgradeMiddleware(transportCfg), transport.WebSocketHandler(transportCfg))
	app.Get("/events", transport.SSEHandler(transportCfg))
	app.Post("/events", transport.SSEInboundHandler(transportCfg))
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"degraded": b.Degraded(),
		})
	})

	go func() {
		if err := app.Listen(cfg.Listen); err != nil {
			log.Fatalf("realtimed: listen: %v", err)
		}
	}()
	log.Printf("realtimed: listening on %s", cfg.Listen)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("realtimed: shutting down")
	b.Shutdown()
	_ = app.Shutdown()
}
