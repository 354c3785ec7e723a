package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/voucherpay/internal/balance"
	"github.com/terminal-bench/voucherpay/internal/chain"
	"github.com/terminal-bench/voucherpay/internal/gateway"
	"github.com/terminal-bench/voucherpay/internal/identity"
	"github.com/terminal-bench/voucherpay/internal/ledger"
	"github.com/terminal-bench/voucherpay/internal/reconcile"
	"github.com/terminal-bench/voucherpay/internal/settlement"
	"github.com/terminal-bench/voucherpay/internal/voucher"
	"github.com/terminal-bench/voucherpay/pkg/circuit"
	"github.com/terminal-bench/voucherpay/pkg/messaging"
	"github.com/terminal-bench/voucherpay/pkg/metrics"
)

func main() {
	port := envOr("PORT", "8080")
	chainURL := envOr("CHAIN_URL", "http://localhost:9040")
	jwtSecret := envOr("JWT_SECRET", "dev-secret")
	deviceIDFile := envOr("DEVICE_ID_FILE", "device.id")
	keySeed := os.Getenv("KEY_SEED")

	allowance := mustDecimal(envOr("OFFLINE_ALLOWANCE", "100"))
	ceiling := mustDecimal(envOr("MINT_CEILING", "50"))
	syncEvery := mustDuration(envOr("SYNC_INTERVAL", "30s"))

	deviceID, err := identity.LoadDeviceID(deviceIDFile)
	if err != nil {
		log.Fatalf("Failed to load device id: %v", err)
	}

	var id *identity.Identity
	if keySeed != "" {
		id, err = identity.FromSeedHex(keySeed)
	} else {
		id, err = identity.Generate()
	}
	if err != nil {
		log.Fatalf("Failed to load signing identity: %v", err)
	}
	log.Printf("wallet address: %s device: %s", id.Address(), deviceID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Local ledger: Postgres when configured, in-memory otherwise.
	var store ledger.Store
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if err := ledger.EnsureSchema(ctx, db); err != nil {
			log.Fatalf("Failed to apply ledger schema: %v", err)
		}
		sqlStore := ledger.NewSQLStore(db, deviceID)
		if err := sqlStore.Init(ctx, allowance); err != nil {
			log.Fatalf("Failed to init ledger state: %v", err)
		}
		store = sqlStore
	} else {
		store = ledger.NewMemStore(deviceID, allowance)
	}

	var msgClient *messaging.Client
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		msgClient, err = messaging.NewClient(messaging.Config{
			URL:            natsURL,
			Name:           "voucherpay-walletd",
			ReconnectWait:  time.Second,
			MaxReconnects:  10,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer msgClient.Close()
	}

	var recorder *metrics.Recorder
	if influxURL := os.Getenv("INFLUXDB_URL"); influxURL != "" {
		recorder = metrics.NewRecorder(metrics.Config{
			URL:    influxURL,
			Token:  os.Getenv("INFLUXDB_TOKEN"),
			Org:    os.Getenv("INFLUXDB_ORG"),
			Bucket: os.Getenv("INFLUXDB_BUCKET"),
		})
		defer recorder.Close()
	}

	var cache balance.Cache
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisURL})
		defer rdb.Close()
		cache = balance.NewRedisCache(rdb, 0)
	}

	chainBreaker := circuit.NewBreaker(circuit.Config{
		Name:        "chain",
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 2,
	})
	remoteBreaker := circuit.NewBreaker(circuit.Config{
		Name:        "remote-snapshot",
		MaxFailures: 3,
		Timeout:     time.Minute,
		HalfOpenMax: 1,
	})

	chainClient := chain.NewHTTPClient(chain.HTTPClientConfig{BaseURL: chainURL})

	var remote reconcile.RemoteStore
	if minioEndpoint := os.Getenv("MINIO_ENDPOINT"); minioEndpoint != "" {
		remote, err = reconcile.NewMinioStore(ctx, reconcile.MinioConfig{
			Endpoint:  minioEndpoint,
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    envOr("MINIO_BUCKET", "voucherpay-ledger"),
			UseSSL:    os.Getenv("MINIO_USE_SSL") == "true",
		})
		if err != nil {
			log.Fatalf("Failed to connect to remote snapshot store: %v", err)
		}
	}

	minter := voucher.NewMinter(store, msgClient, voucher.MinterConfig{
		DeviceID: deviceID,
		Ceiling:  ceiling,
	})
	engine := settlement.NewEngine(store, chainClient, msgClient, recorder, chainBreaker, settlement.Config{})
	calc := balance.NewCalculator(chainClient, store, cache, chainBreaker, balance.Config{
		Asset: chain.Native,
	})

	var syncer *reconcile.Syncer
	if remote != nil {
		syncer = reconcile.NewSyncer(remote, store, msgClient, recorder, remoteBreaker)
	}

	gw := gateway.NewGateway(gateway.Config{
		JWTSecret: jwtSecret,
		DeviceID:  deviceID,
	}, id, store, minter, engine, syncer, calc)

	if syncer != nil {
		go gw.RunPeriodicSync(ctx, syncEvery)
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: gw.Handler(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("Invalid decimal %q: %v", s, err)
	}
	return d
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Fatalf("Invalid duration %q: %v", s, err)
	}
	return d
}
