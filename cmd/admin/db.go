package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hexclaim.io/internal/persistence/pgstore"
	"hexclaim.io/internal/persistence/snapshot"
	"hexclaim.io/internal/persistence/sqlitestore"
	"hexclaim.io/internal/territory"
	"hexclaim.io/internal/tuning"
)

type adminStore interface {
	FetchZones(ctx context.Context) ([]territory.Zone, error)
	GetProfile(ctx context.Context, id string) (territory.Profile, error)
	Dump(ctx context.Context) ([]territory.Profile, []territory.Zone, error)
	Restore(ctx context.Context, profiles []territory.Profile, zones []territory.Zone) error
	Close() error
}

type storeFlags struct {
	dataDir *string
	dbPath  *string
	kind    *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		dataDir: fs.String("data", "./data", "runtime data directory"),
		dbPath:  fs.String("db", "", "sqlite db path (default: <data>/hexclaim.sqlite)"),
		kind:    fs.String("store", envOr("HEXCLAIM_STORE", "sqlite"), "sqlite or postgres (dsn from HEXCLAIM_PG_DSN)"),
	}
}

func (f storeFlags) open(ctx context.Context) adminStore {
	econ := tuning.Defaults().Economy
	switch strings.ToLower(strings.TrimSpace(*f.kind)) {
	case "", "sqlite":
		path := strings.TrimSpace(*f.dbPath)
		if path == "" {
			path = filepath.Join(*f.dataDir, "hexclaim.sqlite")
		}
		s, err := sqlitestore.Open(path, sqlitestore.Options{Economy: econ})
		if err != nil {
			fmt.Fprintln(os.Stderr, "open:", err)
			os.Exit(1)
		}
		return s
	case "postgres", "pg":
		s, err := pgstore.Open(ctx, os.Getenv("HEXCLAIM_PG_DSN"), pgstore.Options{Economy: econ})
		if err != nil {
			fmt.Fprintln(os.Stderr, "open:", err)
			os.Exit(1)
		}
		return s
	default:
		fmt.Fprintf(os.Stderr, "unknown store %q\n", *f.kind)
		os.Exit(2)
		return nil
	}
}

// dbCmd queries the store: "zones" (default), "owner <id>" or "profile <id>".
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	sf := addStoreFlags(fs)
	limit := fs.Int("limit", 50, "result limit")
	_ = fs.Parse(args)

	q := "zones"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st := sf.open(ctx)
	defer st.Close()

	switch q {
	case "zones", "owner":
		zones, err := st.FetchZones(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		owner := ""
		if q == "owner" {
			if fs.NArg() < 2 {
				fmt.Fprintln(os.Stderr, "usage: db owner <player id>")
				os.Exit(2)
			}
			owner = fs.Arg(1)
		}
		n := 0
		for _, z := range zones {
			if owner != "" && z.OwnerID != owner {
				continue
			}
			if *limit > 0 && n >= *limit {
				break
			}
			printJSON(z)
			n++
		}
	case "profile":
		if fs.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: db profile <player id>")
			os.Exit(2)
		}
		p, err := st.GetProfile(ctx, fs.Arg(1))
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		printJSON(p)
	default:
		fmt.Fprintf(os.Stderr, "unknown query %q (zones, owner, profile)\n", q)
		os.Exit(2)
	}
}

func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	sf := addStoreFlags(fs)
	out := fs.String("out", "", "snapshot path (default: <data>/snapshots/<name>)")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	st := sf.open(ctx)
	defer st.Close()

	profiles, zones, err := st.Dump(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dump:", err)
		os.Exit(1)
	}
	now := time.Now().UTC()
	path := strings.TrimSpace(*out)
	if path == "" {
		path = filepath.Join(*sf.dataDir, "snapshots", snapshot.FileName(now))
	}
	if err := snapshot.WriteSnapshot(path, snapshot.New(profiles, zones, now)); err != nil {
		fmt.Fprintln(os.Stderr, "write snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("export ok: profiles=%d zones=%d out=%s\n", len(profiles), len(zones), path)
}

func importCmd(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	sf := addStoreFlags(fs)
	in := fs.String("snapshot", "", "snapshot path (required)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*in) == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}
	snap, err := snapshot.ReadSnapshot(*in)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	st := sf.open(ctx)
	defer st.Close()
	if err := st.Restore(ctx, snap.Profiles, snap.Zones); err != nil {
		fmt.Fprintln(os.Stderr, "restore:", err)
		os.Exit(1)
	}
	fmt.Printf("import ok: profiles=%d zones=%d taken_at=%s\n", len(snap.Profiles), len(snap.Zones), snap.Header.TakenAt.Format(time.RFC3339))
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
