package store

// schemaDDL creates the vault tables. Balances are NUMERIC(20,0) so the full
// uint64 range fits.
const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS vault;

CREATE TABLE IF NOT EXISTS vault.admin_state (
	id            SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	initialized   BOOLEAN NOT NULL,
	admin         TEXT NOT NULL,
	paused        BOOLEAN NOT NULL,
	next_asset_id NUMERIC(20,0) NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS vault.asset_vault (
	asset_id     NUMERIC(20,0) PRIMARY KEY,
	symbol       TEXT NOT NULL UNIQUE,
	decimals     INT NOT NULL,
	held_balance NUMERIC(20,0) NOT NULL CHECK (held_balance >= 0),
	onboarded_at TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS vault.user_registry (
	seq        BIGSERIAL PRIMARY KEY,
	identity   TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS vault.user_position (
	identity   TEXT NOT NULL REFERENCES vault.user_registry (identity),
	asset_id   NUMERIC(20,0) NOT NULL REFERENCES vault.asset_vault (asset_id),
	amount     NUMERIC(20,0) NOT NULL CHECK (amount >= 0),
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (identity, asset_id)
);

CREATE TABLE IF NOT EXISTS vault.mutation_journal (
	id           BIGSERIAL PRIMARY KEY,
	op           TEXT NOT NULL,
	payload      JSONB NOT NULL,
	committed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS vault.activity (
	event_id     UUID PRIMARY KEY,
	event_type   TEXT NOT NULL,
	actor        TEXT NOT NULL,
	asset        TEXT,
	asset_id     NUMERIC(20,0) NOT NULL,
	amount       NUMERIC(20,0) NOT NULL,
	held_balance NUMERIC(20,0) NOT NULL,
	user_balance NUMERIC(20,0) NOT NULL,
	paused       BOOLEAN NOT NULL,
	source       TEXT NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS activity_actor_idx ON vault.activity (actor, occurred_at);

CREATE TABLE IF NOT EXISTS vault.audit_log (
	id         BIGSERIAL PRIMARY KEY,
	checked_at TIMESTAMPTZ NOT NULL,
	assets     INT NOT NULL,
	users      INT NOT NULL,
	ok         BOOLEAN NOT NULL,
	violations JSONB
);
`
