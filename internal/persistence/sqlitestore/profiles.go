package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"hexclaim.io/internal/changefeed"
	"hexclaim.io/internal/protocol"
	"hexclaim.io/internal/territory"
)

// EnsureProfile returns the profile for id, creating it with the starting
// balance on first sight.
func (s *Store) EnsureProfile(ctx context.Context, id, username string) (territory.Profile, error) {
	if id == "" {
		return territory.Profile{}, territory.Errorf(protocol.ErrUnauthenticated, "empty subject")
	}
	if username == "" || !territory.ValidUsername(username) {
		username = defaultUsername(id)
	}
	ts := formatTime(s.now())
	res, err := s.db.ExecContext(ctx, `INSERT INTO profiles(id, username, color, balance, is_bot, created_at, updated_at)
		VALUES(?, ?, ?, ?, 0, ?, ?) ON CONFLICT(id) DO NOTHING`,
		id, username, s.econ.DefaultColor, s.econ.StartingBalance.String(), ts, ts)
	if err != nil {
		return territory.Profile{}, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.publish(changefeed.Event{Table: changefeed.TableProfiles, Event: changefeed.EventInsert})
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
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.username, p.color, p.balance, p.is_bot,
		       (SELECT COUNT(*) FROM zones z WHERE z.owner_id = p.id)
		FROM profiles p WHERE p.id = ?`, id).Scan(&p.ID, &p.Username, &p.Color, &bal, &p.IsBot, &p.ZoneCount)
	if errors.Is(err, sql.ErrNoRows) {
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
	res, err := s.db.ExecContext(ctx, `UPDATE profiles SET
			username = COALESCE(?, username),
			color = COALESCE(?, color),
			updated_at = ?
		WHERE id = ?`, nullString(upd.Username), nullString(upd.Color), formatTime(s.now()), id)
	if err != nil {
		return territory.Profile{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return territory.Profile{}, territory.Errorf(protocol.ErrNotFound, "profile %s", id)
	}
	s.publish(changefeed.Event{Table: changefeed.TableProfiles, Event: changefeed.EventUpdate})
	return s.GetProfile(ctx, id)
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
