package sqlitestore

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"hexclaim.io/internal/changefeed"
	"hexclaim.io/internal/territory"
)

// Dump reads every profile and zone in one transaction.
func (s *Store) Dump(ctx context.Context) ([]territory.Profile, []territory.Zone, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id, username, color, balance, is_bot FROM profiles ORDER BY id`)
	if err != nil {
		return nil, nil, err
	}
	var profiles []territory.Profile
	for rows.Next() {
		var (
			p   territory.Profile
			bal string
		)
		if err := rows.Scan(&p.ID, &p.Username, &p.Color, &bal, &p.IsBot); err != nil {
			rows.Close()
			return nil, nil, err
		}
		if p.Balance, err = decimal.NewFromString(bal); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("profile %s balance: %w", p.ID, err)
		}
		profiles = append(profiles, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	zrows, err := tx.QueryContext(ctx, `
		SELECT z.id, z.owner_id, z.storage, z.last_income_at, z.captured_at, z.coords_q, z.coords_r,
		       p.username, p.color
		FROM zones z LEFT JOIN profiles p ON p.id = z.owner_id
		ORDER BY z.id`)
	if err != nil {
		return nil, nil, err
	}
	defer zrows.Close()
	var zones []territory.Zone
	for zrows.Next() {
		z, err := scanZone(zrows)
		if err != nil {
			return nil, nil, err
		}
		zones = append(zones, z)
	}
	return profiles, zones, zrows.Err()
}

// Restore replaces all rows with the given state.
func (s *Store) Restore(ctx context.Context, profiles []territory.Profile, zones []territory.Zone) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{`DELETE FROM zones`, `DELETE FROM profiles`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	ts := formatTime(s.now())
	for _, p := range profiles {
		if _, err := tx.ExecContext(ctx, `INSERT INTO profiles(id, username, color, balance, is_bot, created_at, updated_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Username, p.Color, p.Balance.String(), p.IsBot, ts, ts); err != nil {
			return fmt.Errorf("restore profile %s: %w", p.ID, err)
		}
	}
	for _, z := range zones {
		var owner any
		if z.OwnerID != "" {
			owner = z.OwnerID
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO zones(id, owner_id, storage, last_income_at, captured_at, coords_q, coords_r) VALUES(?, ?, ?, ?, ?, ?, ?)`,
			z.ID, owner, z.Storage.String(), nullTime(z.LastIncomeAt), nullTime(z.CapturedAt), nullInt(z.CoordsQ), nullInt(z.CoordsR)); err != nil {
			return fmt.Errorf("restore zone %s: %w", z.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.publish(
		changefeed.Event{Table: changefeed.TableProfiles, Event: changefeed.EventAny},
		changefeed.Event{Table: changefeed.TableZones, Event: changefeed.EventAny},
	)
	return nil
}
