// Package pgstore is the Postgres persistent store. Transactions run at
// SERIALIZABLE with row locks; serialization failures are retried and
// surface as E_CONFLICT once the attempts run out. Changes are pushed to
// subscribers through LISTEN/NOTIFY.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"hexclaim.io/internal/changefeed"
	"hexclaim.io/internal/economy"
	"hexclaim.io/internal/persistence/txn"
	"hexclaim.io/internal/protocol"
	"hexclaim.io/internal/territory"
	"hexclaim.io/internal/tuning"
)

type Options struct {
	Economy tuning.Economy
	Now     func() time.Time
	Logger  *log.Logger
}

type Store struct {
	pool  *pgxpool.Pool
	econ  tuning.Economy
	rules economy.Rules
	now   func() time.Time
	log   *log.Logger
}

func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty postgres dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
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
		pool:  pool,
		econ:  opts.Economy,
		rules: economy.RulesFromTuning(opts.Economy),
		now:   opts.Now,
		log:   logger,
	}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isSerializationError(err error) bool {
	switch pgCode(err) {
	case "40001", "40P01":
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == "23505"
}

const maxAttempts = 5

// inTx runs fn in a serializable transaction, retrying serialization
// failures. errConflict is returned when every attempt failed that way.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	delay := 20 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)
			if err := fn(tx); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil || errors.Is(err, errRefused) {
			return err
		}
		if !isSerializationError(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			return errConflict
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return errConflict
}

var (
	errConflict = errors.New("serialization conflict")
	// errRefused aborts the transaction after fn recorded a refusal.
	errRefused = errors.New("refused")
)

func conflictResult() territory.TxResult {
	return territory.Refused(protocol.ErrConflict, "zone changed hands")
}

// finish turns an inTx error into the call's result.
func finish(res territory.TxResult, err error) (territory.TxResult, error) {
	switch {
	case err == nil, errors.Is(err, errRefused):
		return res, nil
	case errors.Is(err, errConflict), isUniqueViolation(err):
		return conflictResult(), nil
	}
	return territory.TxResult{}, err
}

func readActor(ctx context.Context, tx pgx.Tx, id string) (txn.Actor, error) {
	var bal string
	err := tx.QueryRow(ctx, `SELECT balance::text FROM profiles WHERE id = $1 FOR UPDATE`, id).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return txn.Actor{}, nil
	}
	if err != nil {
		return txn.Actor{}, err
	}
	b, err := decimal.NewFromString(bal)
	if err != nil {
		return txn.Actor{}, err
	}
	return txn.Actor{Found: true, Balance: b}, nil
}

func readCell(ctx context.Context, tx pgx.Tx, id string) (txn.Cell, error) {
	var (
		owner   *string
		storage string
		last    *time.Time
	)
	err := tx.QueryRow(ctx, `SELECT owner_id, storage::text, last_income_at FROM zones WHERE id = $1 FOR UPDATE`, id).Scan(&owner, &storage, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return txn.Cell{}, nil
	}
	if err != nil {
		return txn.Cell{}, err
	}
	c := txn.Cell{Exists: true, LastIncomeAt: last}
	if owner != nil {
		c.OwnerID = *owner
	}
	if c.Storage, err = decimal.NewFromString(storage); err != nil {
		return txn.Cell{}, err
	}
	return c, nil
}

const zoneColumns = `z.id, z.owner_id, z.storage::text, z.last_income_at, z.captured_at, z.coords_q, z.coords_r, p.username, p.color`

func scanZone(row pgx.Row) (territory.Zone, error) {
	var (
		z                 territory.Zone
		owner             *string
		storage           string
		q, r              *int32
		username, colorPt *string
	)
	if err := row.Scan(&z.ID, &owner, &storage, &z.LastIncomeAt, &z.CapturedAt, &q, &r, &username, &colorPt); err != nil {
		return z, err
	}
	if owner != nil {
		z.OwnerID = *owner
	}
	var err error
	if z.Storage, err = decimal.NewFromString(storage); err != nil {
		return z, err
	}
	if q != nil && r != nil {
		z.CoordsQ = territory.IntPtr(int(*q))
		z.CoordsR = territory.IntPtr(int(*r))
	}
	if username != nil {
		z.Owner = &territory.OwnerRef{Username: *username}
		if colorPt != nil {
			z.Owner.Color = *colorPt
		}
	}
	return z, nil
}

func readZone(ctx context.Context, tx pgx.Tx, id string) (territory.Zone, error) {
	return scanZone(tx.QueryRow(ctx, `SELECT `+zoneColumns+` FROM zones z LEFT JOIN profiles p ON p.id = z.owner_id WHERE z.id = $1`, id))
}

func setBalance(ctx context.Context, tx pgx.Tx, id string, bal decimal.Decimal) error {
	_, err := tx.Exec(ctx, `UPDATE profiles SET balance = $1::text::numeric, updated_at = now() WHERE id = $2`, bal.String(), id)
	return err
}

func (s *Store) FetchZones(ctx context.Context) ([]territory.Zone, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+zoneColumns+` FROM zones z LEFT JOIN profiles p ON p.id = z.owner_id ORDER BY z.id`)
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

func (s *Store) Capture(ctx context.Context, req territory.CaptureRequest) (territory.TxResult, error) {
	var res territory.TxResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		now := s.now().UTC()
		actor, err := readActor(ctx, tx, req.ActorID)
		if err != nil {
			return err
		}
		cell, err := readCell(ctx, tx, req.CellID)
		if err != nil {
			return err
		}
		cost, refused := txn.CheckCapture(req, actor, cell, s.rules, now)
		if refused != nil {
			res = *refused
			return errRefused
		}
		balance := actor.Balance.Sub(cost)
		if err := setBalance(ctx, tx, req.ActorID, balance); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO zones(id, owner_id, storage, last_income_at, captured_at)
			VALUES($1, $2, 0, $3, $3)
			ON CONFLICT (id) DO UPDATE SET
				owner_id = EXCLUDED.owner_id,
				storage = 0,
				last_income_at = EXCLUDED.last_income_at,
				captured_at = EXCLUDED.captured_at`,
			req.CellID, req.ActorID, now); err != nil {
			return err
		}
		z, err := readZone(ctx, tx, req.CellID)
		if err != nil {
			return err
		}
		res = territory.TxResult{OK: true, Price: cost, Balance: balance, Zone: &z}
		return nil
	})
	return finish(res, err)
}

func (s *Store) Fortify(ctx context.Context, req territory.FortifyRequest) (territory.TxResult, error) {
	var res territory.TxResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		now := s.now().UTC()
		actor, err := readActor(ctx, tx, req.ActorID)
		if err != nil {
			return err
		}
		cell, err := readCell(ctx, tx, req.CellID)
		if err != nil {
			return err
		}
		live, charge, refused := txn.CheckFortify(req, actor, cell, s.rules, now)
		if refused != nil {
			res = *refused
			return errRefused
		}
		balance := actor.Balance.Sub(charge)
		if err := setBalance(ctx, tx, req.ActorID, balance); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE zones SET storage = $1::text::numeric, last_income_at = $2 WHERE id = $3`,
			live.Add(charge).String(), now, req.CellID); err != nil {
			return err
		}
		z, err := readZone(ctx, tx, req.CellID)
		if err != nil {
			return err
		}
		res = territory.TxResult{OK: true, Price: charge, Amount: charge, Balance: balance, Zone: &z}
		return nil
	})
	return finish(res, err)
}

func (s *Store) Harvest(ctx context.Context, req territory.HarvestRequest) (territory.TxResult, error) {
	var res territory.TxResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		now := s.now().UTC()
		actor, err := readActor(ctx, tx, req.ActorID)
		if err != nil {
			return err
		}
		cell, err := readCell(ctx, tx, req.CellID)
		if err != nil {
			return err
		}
		live, refused := txn.CheckHarvest(req, actor, cell, s.rules, now)
		if refused != nil {
			res = *refused
			return errRefused
		}
		balance := actor.Balance.Add(live)
		if err := setBalance(ctx, tx, req.ActorID, balance); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE zones SET storage = 0, last_income_at = $1 WHERE id = $2`, now, req.CellID); err != nil {
			return err
		}
		z, err := readZone(ctx, tx, req.CellID)
		if err != nil {
			return err
		}
		res = territory.TxResult{OK: true, Amount: live, Balance: balance, Zone: &z}
		return nil
	})
	return finish(res, err)
}

func (s *Store) SpawnBatch(ctx context.Context, b territory.SpawnBatch) error {
	if err := txn.CheckSpawnBatch(b, s.econ.StorageLimit); err != nil {
		return err
	}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range b.Profiles {
			batch.Queue(`INSERT INTO profiles(id, username, color, balance, is_bot) VALUES($1, $2, $3, $4::text::numeric, $5)`,
				p.ID, p.Username, p.Color, p.Balance.String(), p.IsBot)
		}
		for _, z := range b.Zones {
			batch.Queue(`INSERT INTO zones(id, owner_id, storage, last_income_at, captured_at, coords_q, coords_r) VALUES($1, $2, $3::text::numeric, $4, $5, $6, $7)`,
				z.ID, z.OwnerID, z.Storage.String(), z.LastIncomeAt, z.CapturedAt, z.CoordsQ, z.CoordsR)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errConflict), isUniqueViolation(err):
		return territory.Errorf(protocol.ErrBatchRejected, "cell or coordinates already taken")
	}
	return fmt.Errorf("spawn batch: %w", err)
}

// Subscribe holds one pooled connection in LISTEN until ctx ends or the
// subscription is closed. A lost connection closes the subscription.
func (s *Store) Subscribe(ctx context.Context) (*changefeed.Subscription, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, err
	}
	lctx, cancel := context.WithCancel(ctx)
	sub := changefeed.NewSubscription(cancel)
	go func() {
		defer conn.Release()
		defer sub.Close()
		for {
			n, err := conn.Conn().WaitForNotification(lctx)
			if err != nil {
				if lctx.Err() == nil {
					s.log.Printf("change feed: %v", err)
				}
				// The connection may still be in LISTEN; drop it rather than reuse.
				_ = conn.Conn().Close(context.Background())
				return
			}
			var ev changefeed.Event
			if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil || !ev.Valid() {
				ev = changefeed.Event{Table: changefeed.TableZones, Event: changefeed.EventAny}
			}
			sub.Deliver(ev)
		}
	}()
	return sub, nil
}
