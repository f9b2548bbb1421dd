package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"hexclaim.io/internal/bots"
	"hexclaim.io/internal/client"
	"hexclaim.io/internal/session"
	"hexclaim.io/internal/tuning"
)

func main() {
	_ = godotenv.Load()

	var (
		url        = flag.String("url", "http://localhost:8080", "server base url")
		token      = flag.String("token", os.Getenv("HEXCLAIM_TOKEN"), "bearer token (or set HEXCLAIM_TOKEN)")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		lat        = flag.Float64("lat", 0, "spawn centre latitude")
		lng        = flag.Float64("lng", 0, "spawn centre longitude")
		aroundMe   = flag.Bool("around_me", false, "anchor on one of the player's zones instead of -lat/-lng")
		every      = flag.Duration("every", 0, "repeat the spawn at this interval (0 spawns once)")
		seed       = flag.Int64("seed", 0, "random seed (0 uses the clock)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		tune = tuning.Defaults()
	}
	if err := tune.ApplyEnv(os.Getenv); err != nil {
		logger.Fatalf("tuning env: %v", err)
	}

	c, err := client.New(*url, strings.TrimSpace(*token), client.Options{Logger: logger})
	if err != nil {
		logger.Fatalf("client: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if _, err := c.EnsureProfile(ctx, c.PlayerID(), ""); err != nil {
		logger.Fatalf("profile: %v", err)
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	s := session.New(c.PlayerID(), c, session.Config{
		Tuning:      tune,
		CallTimeout: 10 * time.Second,
		Rand:        rand.New(rand.NewSource(*seed)),
		Logger:      logger,
	})
	if err := s.Start(ctx); err != nil {
		logger.Fatalf("start: %v", err)
	}
	defer s.Close()
	logger.Printf("player=%s zones=%d mine=%d", s.PlayerID, s.Zones.Len(), len(s.MyZones()))

	spawn := func() {
		var res bots.Result
		if *aroundMe {
			res = s.SpawnAroundMe(ctx)
		} else {
			res = s.SpawnAt(ctx, *lat, *lng)
		}
		logger.Printf("spawn outcome=%s center=%s bots=%d zones=%d %s",
			res.Outcome, res.Center, len(res.Batch.Profiles), len(res.Batch.Zones), res.Message)
	}

	spawn()
	if *every <= 0 {
		return
	}
	t := time.NewTicker(*every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			spawn()
		}
	}
}
