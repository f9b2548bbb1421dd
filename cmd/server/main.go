package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"hexclaim.io/internal/auth"
	"hexclaim.io/internal/persistence/backup"
	persistlog "hexclaim.io/internal/persistence/log"
	"hexclaim.io/internal/persistence/snapshot"
	"hexclaim.io/internal/transport/api"
	"hexclaim.io/internal/tuning"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		storeKind  = flag.String("store", envOr("HEXCLAIM_STORE", "sqlite"), "persistent store: sqlite or postgres")
		restore    = flag.String("restore", "", "snapshot to load into the store before serving (replaces its contents)")

		snapEvery = flag.Duration("snapshot_every", 15*time.Minute, "periodic snapshot interval (0 disables)")
		snapKeep  = flag.Int("snapshot_keep", 48, "snapshots to keep on disk")
		tokenTTL  = flag.Duration("token_ttl", 24*time.Hour, "lifetime of issued tokens")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", *tuningPath)
		tune = tuning.Defaults()
	}
	if err := tune.ApplyEnv(os.Getenv); err != nil {
		logger.Fatalf("tuning env: %v", err)
	}

	authn, err := auth.New(os.Getenv("HEXCLAIM_JWT_SECRET"), *tokenTTL)
	if err != nil {
		logger.Fatalf("HEXCLAIM_JWT_SECRET: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx, *storeKind, *dataDir, tune.Economy, logger)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	if p := strings.TrimSpace(*restore); p != "" {
		snap, err := snapshot.ReadSnapshot(p)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if err := st.Restore(ctx, snap.Profiles, snap.Zones); err != nil {
			logger.Fatalf("restore snapshot: %v", err)
		}
		logger.Printf("restored %s: profiles=%d zones=%d taken_at=%s", p, len(snap.Profiles), len(snap.Zones), snap.Header.TakenAt.Format(time.RFC3339))
	}

	ledger := persistlog.NewLedger(*dataDir)
	defer ledger.Close()

	srv, err := api.New(st, st, api.Options{
		Auth:       authn,
		Grid:       tune.Grid,
		RateLimits: tune.RateLimits,
		BotBalance: tune.Spawn.BotStartingBalance,
		Ledger:     ledger,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatalf("api: %v", err)
	}

	var mirror *backup.Mirror
	if cfg, ok := backup.ConfigFromEnv(os.Getenv); ok {
		bucket, err := backup.NewBucket(cfg)
		if err != nil {
			logger.Fatalf("backup: %v", err)
		}
		mirror = backup.NewMirror(bucket, *dataDir, backup.MirrorOptions{
			Prefix: os.Getenv("HEXCLAIM_BACKUP_PREFIX"),
			Logger: logger,
		})
		defer mirror.Close()
		logger.Printf("backup: mirroring snapshots to %s/%s", cfg.Endpoint, cfg.Bucket)
	}

	snapDir := filepath.Join(*dataDir, "snapshots")
	if *snapEvery > 0 {
		go snapshotLoop(ctx, st, snapDir, *snapEvery, *snapKeep, mirror, logger)
	}

	root := mux.NewRouter()
	if envBool("HEXCLAIM_ENABLE_PPROF_HTTP", false) {
		dbg := root.PathPrefix("/debug/pprof").Subrouter()
		dbg.Use(loopbackOnly)
		dbg.HandleFunc("/cmdline", pprof.Cmdline)
		dbg.HandleFunc("/profile", pprof.Profile)
		dbg.HandleFunc("/symbol", pprof.Symbol)
		dbg.HandleFunc("/trace", pprof.Trace)
		dbg.PathPrefix("/").HandlerFunc(pprof.Index)
	} else {
		logger.Printf("pprof endpoints disabled (HEXCLAIM_ENABLE_PPROF_HTTP=false)")
	}
	root.PathPrefix("/").Handler(srv.Router())

	hs := &http.Server{
		Addr:              *addr,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = hs.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	if p, err := takeSnapshot(context.Background(), st, snapDir); err != nil {
		logger.Printf("final snapshot: %v", err)
	} else {
		mirror.Enqueue(p)
	}
}

func snapshotLoop(ctx context.Context, st store, dir string, every time.Duration, keep int, mirror *backup.Mirror, logger *log.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p, err := takeSnapshot(ctx, st, dir)
			if err != nil {
				logger.Printf("snapshot: %v", err)
				continue
			}
			mirror.Enqueue(p)
			pruneSnapshots(dir, keep, logger)
		}
	}
}

func takeSnapshot(ctx context.Context, st store, dir string) (string, error) {
	profiles, zones, err := st.Dump(ctx)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	path := filepath.Join(dir, snapshot.FileName(now))
	return path, snapshot.WriteSnapshot(path, snapshot.New(profiles, zones, now))
}

// pruneSnapshots removes all but the newest keep snapshots. Names sort by time.
func pruneSnapshots(dir string, keep int, logger *log.Logger) {
	if keep <= 0 {
		return
	}
	paths, err := filepath.Glob(filepath.Join(dir, "snapshot-*.snap.zst"))
	if err != nil || len(paths) <= keep {
		return
	}
	sort.Strings(paths)
	for _, p := range paths[:len(paths)-keep] {
		if err := os.Remove(p); err != nil {
			logger.Printf("prune snapshot %s: %v", p, err)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
