package migration

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type migrationStep struct {
	Name string
	SQL  string
}

var steps = []migrationStep{
	{
		Name: "create_extension_uuid_ossp",
		SQL:  `CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,
	},
	{
		Name: "create_table_documents",
		SQL: `CREATE TABLE IF NOT EXISTS documents (
  id                   UUID          PRIMARY KEY DEFAULT uuid_generate_v4(),
  access_key           CHAR(44)      NOT NULL UNIQUE,
  document_type        TEXT          NOT NULL,
  number               TEXT          NOT NULL,
  series               TEXT          NOT NULL DEFAULT '',
  issue_date           TIMESTAMPTZ   NOT NULL,
  issuer_tax_id        TEXT          NOT NULL,
  issuer_name          TEXT          NOT NULL DEFAULT '',
  recipient_tax_id     TEXT          NOT NULL DEFAULT '',
  total                NUMERIC(15,2) NOT NULL,
  products_total       NUMERIC(15,2) NOT NULL,
  taxes                JSONB         NOT NULL DEFAULT '{}',
  currency             CHAR(3)       NOT NULL DEFAULT 'BRL',
  source_channels      JSONB         NOT NULL DEFAULT '[]',
  payload_ref          TEXT          NOT NULL DEFAULT '',
  schema_variant       TEXT          NOT NULL,
  status               TEXT          NOT NULL,
  sub_status           TEXT          NOT NULL DEFAULT '',
  failed_stage         TEXT          NOT NULL DEFAULT '',
  error_detail         TEXT          NOT NULL DEFAULT '',
  supplier_ref         TEXT          NOT NULL DEFAULT '',
  supplier_status      TEXT          NOT NULL DEFAULT '',
  item_status          TEXT          NOT NULL DEFAULT '',
  purchase_order_ref   TEXT          NOT NULL DEFAULT '',
  po_status            TEXT          NOT NULL DEFAULT '',
  purchase_invoice_ref TEXT          NOT NULL DEFAULT '',
  invoice_status       TEXT          NOT NULL DEFAULT '',
  cancelled            BOOLEAN       NOT NULL DEFAULT FALSE,
  lines                JSONB         NOT NULL DEFAULT '[]',
  created_at           TIMESTAMPTZ   NOT NULL DEFAULT now(),
  updated_at           TIMESTAMPTZ   NOT NULL DEFAULT now()
);`,
	},
	{
		Name: "create_index_documents_status",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (status);`,
	},
	{
		Name: "create_index_documents_issuer",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_documents_issuer ON documents (issuer_tax_id);`,
	},
	{
		Name: "create_index_documents_created_at",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents (created_at);`,
	},
	{
		Name: "create_table_document_events",
		SQL: `CREATE TABLE IF NOT EXISTS document_events (
  access_key  CHAR(44)    NOT NULL,
  code        TEXT        NOT NULL,
  sequence    INTEGER     NOT NULL,
  type        TEXT        NOT NULL,
  protocol    TEXT        NOT NULL DEFAULT '',
  description TEXT        NOT NULL DEFAULT '',
  occurred_at TIMESTAMPTZ NOT NULL,
  recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (access_key, code, sequence)
);`,
	},
	{
		Name: "create_table_fetch_cursors",
		SQL: `CREATE TABLE IF NOT EXISTS fetch_cursors (
  taxpayer_id        TEXT        NOT NULL,
  document_type      TEXT        NOT NULL,
  last_nsu           BIGINT      NOT NULL DEFAULT 0 CHECK (last_nsu >= 0),
  last_sync_at       TIMESTAMPTZ NULL,
  rate_limited_until TIMESTAMPTZ NULL,
  PRIMARY KEY (taxpayer_id, document_type)
);`,
	},
	{
		Name: "create_table_import_log",
		SQL: `CREATE TABLE IF NOT EXISTS import_log (
  id            UUID        PRIMARY KEY DEFAULT uuid_generate_v4(),
  at            TIMESTAMPTZ NOT NULL DEFAULT now(),
  taxpayer_id   TEXT        NOT NULL DEFAULT '',
  document_type TEXT        NOT NULL DEFAULT '',
  channel       TEXT        NOT NULL,
  nsu           BIGINT      NULL,
  access_key    TEXT        NOT NULL DEFAULT '',
  outcome       TEXT        NOT NULL,
  error_kind    TEXT        NOT NULL DEFAULT '',
  error_detail  TEXT        NOT NULL DEFAULT '',
  payload_ref   TEXT        NOT NULL DEFAULT '',
  document_id   UUID        NULL
);`,
	},
	{
		Name: "create_index_import_log_at",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_import_log_at ON import_log (at);`,
	},
	{
		Name: "create_index_import_log_access_key",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_import_log_access_key ON import_log (access_key);`,
	},
	{
		Name: "create_table_suppliers",
		SQL: `CREATE TABLE IF NOT EXISTS suppliers (
  id               UUID        PRIMARY KEY DEFAULT uuid_generate_v4(),
  tax_id           TEXT        NOT NULL UNIQUE,
  formatted_tax_id TEXT        NOT NULL DEFAULT '',
  name             TEXT        NOT NULL,
  created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
	},
	{
		Name: "create_table_items",
		SQL: `CREATE TABLE IF NOT EXISTS items (
  id          UUID        PRIMARY KEY DEFAULT uuid_generate_v4(),
  code        TEXT        NOT NULL UNIQUE,
  description TEXT        NOT NULL,
  ncm         TEXT        NOT NULL DEFAULT '',
  unit        TEXT        NOT NULL DEFAULT '',
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
	},
	{
		Name: "create_index_items_ncm",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_items_ncm ON items (ncm);`,
	},
	{
		Name: "create_table_item_suppliers",
		SQL: `CREATE TABLE IF NOT EXISTS item_suppliers (
  supplier_id          UUID NOT NULL REFERENCES suppliers (id),
  supplier_part_number TEXT NOT NULL,
  item_id              UUID NOT NULL REFERENCES items (id),
  PRIMARY KEY (supplier_id, supplier_part_number)
);`,
	},
	{
		Name: "create_table_purchase_orders",
		SQL: `CREATE TABLE IF NOT EXISTS purchase_orders (
  id          TEXT          PRIMARY KEY,
  supplier_id UUID          NOT NULL REFERENCES suppliers (id),
  total       NUMERIC(15,2) NOT NULL,
  order_date  TIMESTAMPTZ   NOT NULL,
  status      TEXT          NOT NULL DEFAULT 'open'
);`,
	},
	{
		Name: "create_table_purchase_invoices",
		SQL: `CREATE TABLE IF NOT EXISTS purchase_invoices (
  id                 UUID          PRIMARY KEY DEFAULT uuid_generate_v4(),
  supplier_id        UUID          NOT NULL REFERENCES suppliers (id),
  access_key         TEXT          NULL UNIQUE,
  purchase_order_ref TEXT          NOT NULL DEFAULT '',
  total              NUMERIC(15,2) NOT NULL,
  invoice_date       TIMESTAMPTZ   NOT NULL,
  status             TEXT          NOT NULL DEFAULT 'open',
  created_at         TIMESTAMPTZ   NOT NULL DEFAULT now()
);`,
	},
}

const createLedger = `CREATE TABLE IF NOT EXISTS schema_migrations (
  name       TEXT        PRIMARY KEY,
  applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// EnsureMigrated applies every step not yet recorded in schema_migrations.
// Each step runs in its own transaction together with its ledger row.
func EnsureMigrated(ctx context.Context, db *sql.DB, log *zap.Logger, dbHost string) error {
	start := time.Now()
	log = log.With(zap.String("component", "database"), zap.String("db_host", dbHost))
	log.Info("db_migration_check", zap.String("status", "starting"))

	if _, err := db.ExecContext(ctx, createLedger); err != nil {
		log.Error("db_migration_failed",
			zap.String("status", "error"),
			zap.String("error_message", fmt.Sprintf("failed to create migration ledger: %v", err)),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
		return fmt.Errorf("failed to create migration ledger: %w", err)
	}

	applied, err := appliedSteps(ctx, db)
	if err != nil {
		log.Error("db_migration_failed",
			zap.String("status", "error"),
			zap.String("error_message", err.Error()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
		return err
	}

	pending := 0
	for _, step := range steps {
		if applied[step.Name] {
			continue
		}
		pending++
		stepStart := time.Now()
		if err := applyStep(ctx, db, step); err != nil {
			log.Error("db_migration_failed",
				zap.String("status", "error"),
				zap.String("migration_step", step.Name),
				zap.String("error_message", err.Error()),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.Int64("step_duration_ms", time.Since(stepStart).Milliseconds()),
			)
			return fmt.Errorf("migration step %s failed: %w", step.Name, err)
		}
		log.Info("db_migration_step",
			zap.String("status", "success"),
			zap.String("migration_step", step.Name),
			zap.Int64("step_duration_ms", time.Since(stepStart).Milliseconds()),
		)
	}

	if pending == 0 {
		log.Info("db_migration_skip",
			zap.String("status", "success"),
			zap.String("detail", "schema up to date, skipping migration"),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
		return nil
	}
	log.Info("db_migration_success",
		zap.String("status", "success"),
		zap.Int("steps_applied", pending),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

func appliedSteps(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read migration ledger: %w", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("read migration ledger: %w", err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

func applyStep(ctx context.Context, db *sql.DB, step migrationStep) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, step.SQL); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, step.Name); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
