package pgstore

const channel = "hexclaim_changes"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		color TEXT NOT NULL,
		balance NUMERIC(18, 2) NOT NULL CHECK (balance >= 0),
		is_bot BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS zones (
		id TEXT PRIMARY KEY,
		owner_id TEXT REFERENCES profiles(id),
		storage NUMERIC(18, 2) NOT NULL DEFAULT 0 CHECK (storage >= 0),
		last_income_at TIMESTAMPTZ,
		captured_at TIMESTAMPTZ,
		coords_q INTEGER,
		coords_r INTEGER,
		UNIQUE (coords_q, coords_r)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_zones_owner ON zones(owner_id)`,
	`CREATE OR REPLACE FUNCTION hexclaim_notify() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('` + channel + `', json_build_object('table', TG_TABLE_NAME, 'event', lower(TG_OP))::text);
		RETURN NULL;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS zones_notify ON zones`,
	`CREATE TRIGGER zones_notify AFTER INSERT OR UPDATE OR DELETE ON zones
		FOR EACH STATEMENT EXECUTE FUNCTION hexclaim_notify()`,
	`DROP TRIGGER IF EXISTS profiles_notify ON profiles`,
	`CREATE TRIGGER profiles_notify AFTER INSERT OR UPDATE OR DELETE ON profiles
		FOR EACH STATEMENT EXECUTE FUNCTION hexclaim_notify()`,
}
