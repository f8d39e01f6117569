package store

// Schema matches the wire protocol's data model. Migrate is idempotent,
// so a pre-provisioned database is also accepted.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_id TEXT PRIMARY KEY,
	balance    NUMERIC NOT NULL CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS symbols (
	symbol TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS positions (
	account_id TEXT    NOT NULL REFERENCES accounts (account_id),
	symbol     TEXT    NOT NULL,
	amount     NUMERIC NOT NULL CHECK (amount >= 0),
	PRIMARY KEY (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS orders (
	order_id         BIGSERIAL PRIMARY KEY,
	account_id       TEXT        NOT NULL REFERENCES accounts (account_id),
	symbol           TEXT        NOT NULL,
	amount           NUMERIC     NOT NULL,
	limit_price      NUMERIC     NOT NULL CHECK (limit_price > 0),
	remaining_amount NUMERIC     NOT NULL CHECK (remaining_amount >= 0),
	status           TEXT        NOT NULL DEFAULT 'open'
		CHECK (status IN ('open', 'executed', 'canceled')),
	time_created     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS orders_book_idx
	ON orders (symbol, status, limit_price, time_created);

CREATE TABLE IF NOT EXISTS executions (
	execution_id  BIGSERIAL PRIMARY KEY,
	order_id      BIGINT      NOT NULL REFERENCES orders (order_id),
	shares        NUMERIC     NOT NULL CHECK (shares >= 0),
	price         NUMERIC     NOT NULL CHECK (price >= 0),
	time_executed TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS executions_order_idx
	ON executions (order_id, time_executed);
`
