package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"order-stream/api"
	"order-stream/publish"
	"order-stream/storage"
	"order-stream/subscription"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	ordersTableName := os.Getenv("ORDERS_TABLE")
	if connStr == "" || ordersTableName == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, ordersTableName)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(parseRedisOptions(redisConn))

	cacheTTL := 5 * time.Minute
	if v := os.Getenv("ORDER_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid ORDER_CACHE_TTL: %v", err)
		}
		cacheTTL = d
	}
	orders := storage.NewCache(store, rc, cacheTTL)

	dedupeTTL := 24 * time.Hour
	if v := os.Getenv("DEDUPER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid DEDUPER_TTL: %v", err)
		}
		dedupeTTL = d
	}
	deduper := api.NewRedisDeduper(rc, dedupeTTL)

	auth := buildAuth()

	instanceID := uuid.NewString()
	registry := subscription.New(orders, logger)
	emitter := publish.NewEmitter(registry, rc, instanceID, logger)
	emitter.Start()
	sequencer := publish.NewSequencer(rc)
	publisher := publish.NewPublisher(orders, sequencer, emitter, logger)

	feedCtx, stopFeed := context.WithCancel(context.Background())
	feed := publish.NewFeed(rc, registry, instanceID, logger)
	go feed.Run(feedCtx)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, publisher, orders, sequencer, registry, auth, deduper, emitter, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}

	go func() {
		if err := e.Start(listenAddr); err != nil {
			logger.WithError(err).Info("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown failed")
	}
	stopFeed()
	emitter.Shutdown()
}

func buildAuth() *api.Auth {
	if os.Getenv("AUTH_TEST_MODE") == "1" {
		return api.NewAuth(nil, "", "")
	}
	jwtAudience := os.Getenv("AUTH_AUDIENCE")
	domain := os.Getenv("AUTH_DOMAIN")
	if jwtAudience == "" || domain == "" {
		log.Fatal("missing auth config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(jwks, jwtAudience, "https://"+domain+"/")
}

// parseRedisOptions accepts a redis URL or the comma-separated
// host,key=value connection string format.
func parseRedisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
