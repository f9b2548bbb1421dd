package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"hexclaim.io/internal/protocol"
	"hexclaim.io/internal/territory"
)

func (s *Store) EnsureProfile(ctx context.Context, id, username string) (territory.Profile, error) {
	if id == "" {
		return territory.Profile{}, territory.Errorf(protocol.ErrUnauthenticated, "empty subject")
	}
	if username == "" || !territory.ValidUsername(username) {
		username = defaultUsername(id)
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO profiles(id, username, color, balance) VALUES($1, $2, $3, $4::text::numeric)
		ON CONFLICT (id) DO NOTHING`, id, username, s.econ.DefaultColor, s.econ.StartingBalance.String())
	if err != nil {
		return territory.Profile{}, err
	}
	return s.GetProfile(ctx, id)
}

func defaultUsername(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return "player_" + id
}

func (s *Store) GetProfile(ctx context.Context, id string) (territory.Profile, error) {
	var (
		p   territory.Profile
		bal string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT p.id, p.username, p.color, p.balance::text, p.is_bot,
		       (SELECT COUNT(*) FROM zones z WHERE z.owner_id = p.id)::int
		FROM profiles p WHERE p.id = $1`, id).Scan(&p.ID, &p.Username, &p.Color, &bal, &p.IsBot, &p.ZoneCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return territory.Profile{}, territory.Errorf(protocol.ErrNotFound, "profile %s", id)
	}
	if err != nil {
		return territory.Profile{}, err
	}
	if p.Balance, err = decimal.NewFromString(bal); err != nil {
		return territory.Profile{}, fmt.Errorf("profile %s balance: %w", id, err)
	}
	return p, nil
}

func (s *Store) UpdateProfile(ctx context.Context, id string, upd territory.ProfileUpdate) (territory.Profile, error) {
	if upd.Username != nil && !territory.ValidUsername(*upd.Username) {
		return territory.Profile{}, territory.Errorf(protocol.ErrBadRequest, "invalid username")
	}
	if upd.Color != nil && !territory.ValidColor(*upd.Color) {
		return territory.Profile{}, territory.Errorf(protocol.ErrBadRequest, "invalid color")
	}
	if upd.Username == nil && upd.Color == nil {
		return s.GetProfile(ctx, id)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE profiles SET
			username = COALESCE($1, username),
			color = COALESCE($2, color),
			updated_at = now()
		WHERE id = $3`, upd.Username, upd.Color, id)
	if err != nil {
		return territory.Profile{}, err
	}
	if tag.RowsAffected() == 0 {
		return territory.Profile{}, territory.Errorf(protocol.ErrNotFound, "profile %s", id)
	}
	return s.GetProfile(ctx, id)
}

func (s *Store) Dump(ctx context.Context) ([]territory.Profile, []territory.Zone, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id, username, color, balance::text, is_bot FROM profiles ORDER BY id`)
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
			return nil, nil, err
		}
		profiles = append(profiles, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	zrows, err := tx.Query(ctx, `SELECT `+zoneColumns+` FROM zones z LEFT JOIN profiles p ON p.id = z.owner_id ORDER BY z.id`)
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

func (s *Store) Restore(ctx context.Context, profiles []territory.Profile, zones []territory.Zone) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `TRUNCATE zones, profiles`); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, p := range profiles {
			batch.Queue(`INSERT INTO profiles(id, username, color, balance, is_bot) VALUES($1, $2, $3, $4::text::numeric, $5)`,
				p.ID, p.Username, p.Color, p.Balance.String(), p.IsBot)
		}
		for _, z := range zones {
			var owner *string
			if z.OwnerID != "" {
				owner = &z.OwnerID
			}
			batch.Queue(`INSERT INTO zones(id, owner_id, storage, last_income_at, captured_at, coords_q, coords_r) VALUES($1, $2, $3::text::numeric, $4, $5, $6, $7)`,
				z.ID, owner, z.Storage.String(), z.LastIncomeAt, z.CapturedAt, z.CoordsQ, z.CoordsR)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}
