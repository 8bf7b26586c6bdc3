package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "create_users",
		sql: `
CREATE TABLE IF NOT EXISTS users (
    id          BIGSERIAL PRIMARY KEY,
    external_id UUID NOT NULL UNIQUE,
    name        TEXT NOT NULL DEFAULT '',
    pin_hash    BYTEA NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	},
	{
		name: "create_wallets",
		sql: `
CREATE TABLE IF NOT EXISTS wallets (
    id             BIGSERIAL PRIMARY KEY,
    user_id        BIGINT NOT NULL UNIQUE REFERENCES users (id),
    balance        NUMERIC(20, 2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
    locked_balance NUMERIC(20, 2) NOT NULL DEFAULT 0 CHECK (locked_balance >= 0),
    currency       TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	},
	{
		name: "create_vpas",
		sql: `
CREATE TABLE IF NOT EXISTS vpas (
    id         BIGSERIAL PRIMARY KEY,
    address    TEXT NOT NULL UNIQUE,
    user_id    BIGINT NOT NULL REFERENCES users (id),
    wallet_id  BIGINT NOT NULL REFERENCES wallets (id),
    is_primary BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_vpas_one_primary ON vpas (user_id) WHERE is_primary`,
	},
	{
		name: "create_transactions",
		sql: `
CREATE TABLE IF NOT EXISTS transactions (
    id                    BIGSERIAL PRIMARY KEY,
    client_transaction_id TEXT NOT NULL UNIQUE,
    payer_vpa             TEXT NOT NULL,
    payee_vpa             TEXT NOT NULL,
    amount                NUMERIC(20, 2) NOT NULL CHECK (amount > 0),
    status                TEXT NOT NULL CHECK (status IN ('PENDING', 'SUCCESS', 'FAILED')),
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_transactions_payer ON transactions (payer_vpa, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_payee ON transactions (payee_vpa, created_at DESC)`,
	},
	{
		name: "create_integrity_faults",
		sql: `
CREATE TABLE IF NOT EXISTS integrity_faults (
    id             BIGSERIAL PRIMARY KEY,
    transaction_id BIGINT NOT NULL,
    operation      TEXT NOT NULL,
    payer_vpa      TEXT NOT NULL,
    payee_vpa      TEXT NOT NULL,
    amount         NUMERIC(20, 2) NOT NULL,
    balance        NUMERIC(20, 2) NOT NULL,
    locked_balance NUMERIC(20, 2) NOT NULL,
    message        TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	},
}

// Migrate creates the ledger tables when they do not exist yet.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for _, m := range migrations {
		if _, err := db.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migrate %s: %w", m.name, err)
		}
	}
	return nil
}
