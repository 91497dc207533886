package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS settlement_state (
	id SMALLINT PRIMARY KEY,
	version BIGINT NOT NULL,
	revision BIGINT NOT NULL,

	queue_capacity BIGINT NOT NULL,
	batch_capacity BIGINT NOT NULL,

	last_committed BIGINT NOT NULL,
	last_finalized BIGINT NOT NULL,
	total_appended BIGINT NOT NULL,
	total_drained BIGINT NOT NULL,
	pruned_through BIGINT NOT NULL DEFAULT 0,

	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT singleton CHECK (id = 1),
	CONSTRAINT watermarks CHECK (last_finalized >= 0 AND last_finalized <= last_committed),
	CONSTRAINT totals CHECK (total_drained >= 0 AND total_drained <= total_appended)
);

ALTER TABLE settlement_state ADD COLUMN IF NOT EXISTS pruned_through BIGINT NOT NULL DEFAULT 0;

CREATE TABLE IF NOT EXISTS settlement_deposits (
	position BIGINT PRIMARY KEY,
	from_address BYTEA NOT NULL,
	to_address BYTEA NOT NULL,
	amount NUMERIC(20, 0) NOT NULL,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT position_nonneg CHECK (position >= 0),
	CONSTRAINT from_len CHECK (octet_length(from_address) = 20),
	CONSTRAINT to_len CHECK (octet_length(to_address) = 20),
	CONSTRAINT amount_nonneg CHECK (amount >= 0)
);

CREATE TABLE IF NOT EXISTS settlement_batches (
	batch_number BIGINT PRIMARY KEY,
	batch_hash BYTEA NOT NULL,
	previous_state_root BYTEA NOT NULL,
	state_root BYTEA NOT NULL,
	public_input BYTEA NOT NULL,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT batch_number_pos CHECK (batch_number > 0),
	CONSTRAINT batch_hash_len CHECK (octet_length(batch_hash) = 32),
	CONSTRAINT previous_state_root_len CHECK (octet_length(previous_state_root) = 32),
	CONSTRAINT state_root_len CHECK (octet_length(state_root) = 32)
);
`
