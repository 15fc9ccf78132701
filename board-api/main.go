package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"kanban/board-api/api"
	"kanban/board-api/realtime"
	"kanban/board-api/service"
	"kanban/board-api/storage"
)

func main() {
	if envBool("DEBUG", false) {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	var store storage.Backend
	switch mode := strings.ToLower(envString("STORAGE_MODE", "azure")); mode {
	case "memory":
		log.Warn("using in-memory storage; data is lost on restart")
		store = storage.NewMemory()
	case "azure":
		connStr := os.Getenv("STORAGE_CONNECTION_STRING")
		tables := storage.Tables{
			Boards:      envString("BOARDS_TABLE", "Boards"),
			Lists:       envString("LISTS_TABLE", "Lists"),
			Tasks:       envString("TASKS_TABLE", "Tasks"),
			Users:       envString("USERS_TABLE", "Users"),
			Memberships: envString("MEMBERSHIPS_TABLE", "Memberships"),
		}
		if connStr == "" {
			log.Fatal("missing storage config")
		}
		st, err := storage.New(connStr, tables)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		store = st
	default:
		log.Fatalf("unsupported STORAGE_MODE %q", mode)
	}

	rooms := realtime.NewRooms()
	local := realtime.NewLocalBroadcaster(rooms, logger)
	var (
		events  service.Publisher = local
		deduper api.Deduper
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc := redis.NewClient(redisOptions(redisConn))
		store = storage.NewCache(store, rc, envDur("READ_CACHE_TTL", time.Minute))
		deduper = api.NewRedisDeduper(rc, envDur("DEDUPER_TTL", 24*time.Hour))

		rb := realtime.NewRedisBroadcaster(rc, envString("EVENTS_CHANNEL", "kanban-events"), local, logger)
		ready := make(chan struct{})
		go rb.Subscribe(ctx, ready)
		select {
		case <-ready:
		case <-time.After(10 * time.Second):
			log.Warn("events subscription not confirmed yet; continuing")
		}
		events = rb
	} else {
		log.Info("REDIS_CONNECTION_STRING not set; events fan out to this instance only")
	}

	svc := service.New(store, events, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))

	api.Register(e, svc, newAuth(), deduper, logger)
	gate := realtime.NewGate(store, logger)
	realtime.NewHub(rooms, gate, logger, envInt("SOCKET_SEND_BUFFER", 64)).Register(e)

	listenAddr := ":" + envString("PORT", "8080")
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}
	e.Logger.Fatal(e.Start(listenAddr))
}

func newAuth() *api.Auth {
	if os.Getenv("AUTH0_TEST_MODE") == "1" || os.Getenv("LOCAL_AUTH_MODE") != "" {
		return api.NewAuth(nil, "", "")
	}
	audience := os.Getenv("AUTH0_AUDIENCE")
	domain := os.Getenv("AUTH0_DOMAIN")
	if audience == "" || domain == "" {
		log.Fatal("missing Auth0 config")
	}
	jwks, err := keyfunc.Get(fmt.Sprintf("https://%s/.well-known/jwks.json", domain), keyfunc.Options{
		RefreshInterval: envDur("JWKS_CACHE_TTL", time.Hour),
	})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(jwks, audience, "https://"+domain+"/")
}

// redisOptions accepts a redis:// URL or an Azure style "host:port,password=...,ssl=True" string.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Fatalf("invalid %s: must be a positive integer", key)
	}
	return n
}

func envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return d
}

func envBool(key string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return b
}
