package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"hexclaim.io/internal/auth"
	persistlog "hexclaim.io/internal/persistence/log"
	"hexclaim.io/internal/persistence/snapshot"
)

func main() {
	_ = godotenv.Load()
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "token":
			tokenCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "export":
			exportCmd(os.Args[2:])
			return
		case "import":
			importCmd(os.Args[2:])
			return
		case "ledger":
			ledgerCmd(os.Args[2:])
			return
		case "health":
			healthCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the snapshots under <data>/snapshots with their headers.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	paths, err := filepath.Glob(filepath.Join(*dataDir, "snapshots", "snapshot-*.snap.zst"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "glob:", err)
		os.Exit(1)
	}
	sort.Strings(paths)
	for _, p := range paths {
		snap, err := snapshot.ReadSnapshot(p)
		if err != nil {
			fmt.Printf("%s\tunreadable: %v\n", filepath.Base(p), err)
			continue
		}
		fmt.Printf("%s\ttaken_at=%s profiles=%d zones=%d\n", filepath.Base(p),
			snap.Header.TakenAt.Format(time.RFC3339), snap.Header.Profiles, snap.Header.Zones)
	}
}

func tokenCmd(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	sub := fs.String("sub", "", "player id (default: a new uuid)")
	username := fs.String("username", "", "username claim (optional)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	_ = fs.Parse(args)

	a, err := auth.New(os.Getenv("HEXCLAIM_JWT_SECRET"), *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "HEXCLAIM_JWT_SECRET:", err)
		os.Exit(2)
	}
	id := strings.TrimSpace(*sub)
	if id == "" {
		id = uuid.NewString()
	}
	tok, err := a.Issue(id, *username)
	if err != nil {
		fmt.Fprintln(os.Stderr, "issue:", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "player:", id)
	fmt.Println(tok)
}

func ledgerCmd(args []string) {
	fs := flag.NewFlagSet("ledger", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	actor := fs.String("actor", "", "only entries by this player")
	op := fs.String("op", "", "only this operation (capture, fortify, harvest, spawn_batch)")
	cell := fs.String("cell", "", "only entries touching this cell")
	failedOnly := fs.Bool("failed", false, "only refused calls")
	_ = fs.Parse(args)

	entries, err := persistlog.ReadLedger(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read ledger:", err)
		if len(entries) == 0 {
			os.Exit(1)
		}
	}
	for _, e := range entries {
		if *actor != "" && e.Actor != *actor {
			continue
		}
		if *op != "" && e.Op != *op {
			continue
		}
		if *cell != "" && e.Cell != *cell {
			continue
		}
		if *failedOnly && e.OK {
			continue
		}
		printJSON(e)
	}
}
