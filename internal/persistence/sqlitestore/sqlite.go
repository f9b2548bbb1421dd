// Package sqlitestore is the embedded persistent store. Every transactional
// call runs on the single connection, so transactions are serial and
// therefore serializable.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"hexclaim.io/internal/changefeed"
	"hexclaim.io/internal/economy"
	"hexclaim.io/internal/persistence/txn"
	"hexclaim.io/internal/protocol"
	"hexclaim.io/internal/territory"
	"hexclaim.io/internal/tuning"
)

type Options struct {
	Economy tuning.Economy
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *log.Logger
}

type Store struct {
	db    *sql.DB
	hub   *changefeed.Hub
	econ  tuning.Economy
	rules economy.Rules
	now   func() time.Time
	log   *log.Logger
}

func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if opts.Economy.StorageLimit.IsZero() {
		opts.Economy = tuning.Defaults().Economy
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Store{
		db:    db,
		hub:   changefeed.NewHub(),
		econ:  opts.Economy,
		rules: economy.RulesFromTuning(opts.Economy),
		now:   opts.Now,
		log:   logger,
	}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			color TEXT NOT NULL,
			balance TEXT NOT NULL,
			is_bot INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS zones (
			id TEXT PRIMARY KEY,
			owner_id TEXT REFERENCES profiles(id),
			storage TEXT NOT NULL DEFAULT '0',
			last_income_at TEXT,
			captured_at TEXT,
			coords_q INTEGER,
			coords_r INTEGER
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_zones_coords ON zones(coords_q, coords_r)
			WHERE coords_q IS NOT NULL AND coords_r IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_zones_owner ON zones(owner_id);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.hub.Close()
	return s.db.Close()
}

// Subscribe returns a feed of committed changes. It ends when ctx is done or
// the store closes.
func (s *Store) Subscribe(ctx context.Context) (*changefeed.Subscription, error) {
	sub := s.hub.Subscribe()
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
	}()
	return sub, nil
}

func (s *Store) publish(evs ...changefeed.Event) {
	for _, ev := range evs {
		s.hub.Publish(ev)
	}
}

func (s *Store) FetchZones(ctx context.Context) ([]territory.Zone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT z.id, z.owner_id, z.storage, z.last_income_at, z.captured_at, z.coords_q, z.coords_r,
		       p.username, p.color
		FROM zones z LEFT JOIN profiles p ON p.id = z.owner_id
		ORDER BY z.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []territory.Zone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanZone(r scanner) (territory.Zone, error) {
	var (
		z                  territory.Zone
		owner              sql.NullString
		storage            string
		lastIncome, capAt  sql.NullString
		q, rr              sql.NullInt64
		username, colorStr sql.NullString
	)
	if err := r.Scan(&z.ID, &owner, &storage, &lastIncome, &capAt, &q, &rr, &username, &colorStr); err != nil {
		return z, err
	}
	var err error
	z.OwnerID = owner.String
	if z.Storage, err = decimal.NewFromString(storage); err != nil {
		return z, fmt.Errorf("zone %s storage: %w", z.ID, err)
	}
	if z.LastIncomeAt, err = parseTime(lastIncome); err != nil {
		return z, err
	}
	if z.CapturedAt, err = parseTime(capAt); err != nil {
		return z, err
	}
	if q.Valid && rr.Valid {
		z.CoordsQ = territory.IntPtr(int(q.Int64))
		z.CoordsR = territory.IntPtr(int(rr.Int64))
	}
	if username.Valid {
		z.Owner = &territory.OwnerRef{Username: username.String, Color: colorStr.String}
	}
	return z, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func readActor(ctx context.Context, tx *sql.Tx, id string) (txn.Actor, error) {
	var bal string
	err := tx.QueryRowContext(ctx, `SELECT balance FROM profiles WHERE id = ?`, id).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return txn.Actor{}, nil
	}
	if err != nil {
		return txn.Actor{}, err
	}
	b, err := decimal.NewFromString(bal)
	if err != nil {
		return txn.Actor{}, fmt.Errorf("profile %s balance: %w", id, err)
	}
	return txn.Actor{Found: true, Balance: b}, nil
}

func readCell(ctx context.Context, tx *sql.Tx, id string) (txn.Cell, error) {
	var (
		owner   sql.NullString
		storage string
		last    sql.NullString
	)
	err := tx.QueryRowContext(ctx, `SELECT owner_id, storage, last_income_at FROM zones WHERE id = ?`, id).Scan(&owner, &storage, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return txn.Cell{}, nil
	}
	if err != nil {
		return txn.Cell{}, err
	}
	c := txn.Cell{Exists: true, OwnerID: owner.String}
	if c.Storage, err = decimal.NewFromString(storage); err != nil {
		return txn.Cell{}, fmt.Errorf("zone %s storage: %w", id, err)
	}
	if c.LastIncomeAt, err = parseTime(last); err != nil {
		return txn.Cell{}, err
	}
	return c, nil
}

func readZone(ctx context.Context, tx *sql.Tx, id string) (territory.Zone, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT z.id, z.owner_id, z.storage, z.last_income_at, z.captured_at, z.coords_q, z.coords_r,
		       p.username, p.color
		FROM zones z LEFT JOIN profiles p ON p.id = z.owner_id
		WHERE z.id = ?`, id)
	return scanZone(row)
}

func setBalance(ctx context.Context, tx *sql.Tx, id string, bal decimal.Decimal, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE profiles SET balance = ?, updated_at = ? WHERE id = ?`, bal.String(), formatTime(now), id)
	return err
}

// conflict maps constraint failures raised mid-transaction to E_CONFLICT.
func conflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func (s *Store) Capture(ctx context.Context, req territory.CaptureRequest) (territory.TxResult, error) {
	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return territory.TxResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	actor, err := readActor(ctx, tx, req.ActorID)
	if err != nil {
		return territory.TxResult{}, err
	}
	cell, err := readCell(ctx, tx, req.CellID)
	if err != nil {
		return territory.TxResult{}, err
	}
	cost, refused := txn.CheckCapture(req, actor, cell, s.rules, now)
	if refused != nil {
		return *refused, nil
	}

	balance := actor.Balance.Sub(cost)
	if err := setBalance(ctx, tx, req.ActorID, balance, now); err != nil {
		return territory.TxResult{}, err
	}
	ts := formatTime(now)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO zones(id, owner_id, storage, last_income_at, captured_at)
		VALUES(?, ?, '0', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			storage = '0',
			last_income_at = excluded.last_income_at,
			captured_at = excluded.captured_at`,
		req.CellID, req.ActorID, ts, ts)
	if conflict(err) {
		return territory.Refused(protocol.ErrConflict, "zone changed hands"), nil
	}
	if err != nil {
		return territory.TxResult{}, err
	}
	z, err := readZone(ctx, tx, req.CellID)
	if err != nil {
		return territory.TxResult{}, err
	}
	if err := tx.Commit(); err != nil {
		if conflict(err) {
			return territory.Refused(protocol.ErrConflict, "zone changed hands"), nil
		}
		return territory.TxResult{}, err
	}

	ev := changefeed.EventInsert
	if cell.Exists {
		ev = changefeed.EventUpdate
	}
	s.publish(
		changefeed.Event{Table: changefeed.TableZones, Event: ev},
		changefeed.Event{Table: changefeed.TableProfiles, Event: changefeed.EventUpdate},
	)
	return territory.TxResult{OK: true, Price: cost, Balance: balance, Zone: &z}, nil
}

func (s *Store) Fortify(ctx context.Context, req territory.FortifyRequest) (territory.TxResult, error) {
	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return territory.TxResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	actor, err := readActor(ctx, tx, req.ActorID)
	if err != nil {
		return territory.TxResult{}, err
	}
	cell, err := readCell(ctx, tx, req.CellID)
	if err != nil {
		return territory.TxResult{}, err
	}
	live, charge, refused := txn.CheckFortify(req, actor, cell, s.rules, now)
	if refused != nil {
		return *refused, nil
	}

	balance := actor.Balance.Sub(charge)
	if err := setBalance(ctx, tx, req.ActorID, balance, now); err != nil {
		return territory.TxResult{}, err
	}
	storage := live.Add(charge)
	if _, err := tx.ExecContext(ctx, `UPDATE zones SET storage = ?, last_income_at = ? WHERE id = ?`,
		storage.String(), formatTime(now), req.CellID); err != nil {
		return territory.TxResult{}, err
	}
	z, err := readZone(ctx, tx, req.CellID)
	if err != nil {
		return territory.TxResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return territory.TxResult{}, err
	}
	s.publish(
		changefeed.Event{Table: changefeed.TableZones, Event: changefeed.EventUpdate},
		changefeed.Event{Table: changefeed.TableProfiles, Event: changefeed.EventUpdate},
	)
	return territory.TxResult{OK: true, Price: charge, Amount: charge, Balance: balance, Zone: &z}, nil
}

func (s *Store) Harvest(ctx context.Context, req territory.HarvestRequest) (territory.TxResult, error) {
	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return territory.TxResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	actor, err := readActor(ctx, tx, req.ActorID)
	if err != nil {
		return territory.TxResult{}, err
	}
	cell, err := readCell(ctx, tx, req.CellID)
	if err != nil {
		return territory.TxResult{}, err
	}
	live, refused := txn.CheckHarvest(req, actor, cell, s.rules, now)
	if refused != nil {
		return *refused, nil
	}

	balance := actor.Balance.Add(live)
	if err := setBalance(ctx, tx, req.ActorID, balance, now); err != nil {
		return territory.TxResult{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE zones SET storage = '0', last_income_at = ? WHERE id = ?`,
		formatTime(now), req.CellID); err != nil {
		return territory.TxResult{}, err
	}
	z, err := readZone(ctx, tx, req.CellID)
	if err != nil {
		return territory.TxResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return territory.TxResult{}, err
	}
	s.publish(
		changefeed.Event{Table: changefeed.TableZones, Event: changefeed.EventUpdate},
		changefeed.Event{Table: changefeed.TableProfiles, Event: changefeed.EventUpdate},
	)
	return territory.TxResult{OK: true, Amount: live, Balance: balance, Zone: &z}, nil
}

// SpawnBatch inserts every profile and zone of b, or nothing. Any collision
// with an existing row rejects the whole batch.
func (s *Store) SpawnBatch(ctx context.Context, b territory.SpawnBatch) error {
	if err := txn.CheckSpawnBatch(b, s.econ.StorageLimit); err != nil {
		return err
	}
	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ts := formatTime(now)
	for _, p := range b.Profiles {
		_, err := tx.ExecContext(ctx, `INSERT INTO profiles(id, username, color, balance, is_bot, created_at, updated_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Username, p.Color, p.Balance.String(), p.IsBot, ts, ts)
		if err != nil {
			return rejectBatch(err, "profile "+p.ID)
		}
	}
	for _, z := range b.Zones {
		_, err := tx.ExecContext(ctx, `INSERT INTO zones(id, owner_id, storage, last_income_at, captured_at, coords_q, coords_r) VALUES(?, ?, ?, ?, ?, ?, ?)`,
			z.ID, z.OwnerID, z.Storage.String(), nullTime(z.LastIncomeAt), nullTime(z.CapturedAt), nullInt(z.CoordsQ), nullInt(z.CoordsR))
		if err != nil {
			return rejectBatch(err, "zone "+z.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return rejectBatch(err, "commit")
	}
	s.publish(
		changefeed.Event{Table: changefeed.TableProfiles, Event: changefeed.EventInsert},
		changefeed.Event{Table: changefeed.TableZones, Event: changefeed.EventInsert},
	)
	return nil
}

func rejectBatch(err error, what string) error {
	if conflict(err) {
		return territory.Errorf(protocol.ErrBatchRejected, "%s: already exists", what)
	}
	return fmt.Errorf("spawn batch %s: %w", what, err)
}
