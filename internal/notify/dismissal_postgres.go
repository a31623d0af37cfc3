package notify

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresDismissalTableName = "ticketsync_dismissals"
	postgresOperationTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresDismissalBackend shares dismissals across daemon instances (for
// example duplicated workstations under one account) through a Postgres
// table. Schema setup is lazy and idempotent.
type PostgresDismissalBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresDismissalBackend(dsn string) (*PostgresDismissalBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresDismissalBackend{
		dsn:       dsn,
		tableName: postgresDismissalTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresDismissalBackend) Load(userID string) ([]DismissalRecord, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT notification_id, dismissed_at FROM %s WHERE user_id = $1 ORDER BY dismissed_at ASC",
		postgresQuoteIdentifier(b.tableName),
	)
	rows, err := b.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]DismissalRecord, 0)
	for rows.Next() {
		var record DismissalRecord
		if err := rows.Scan(&record.ID, &record.DismissedAt); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (b *PostgresDismissalBackend) Save(userID string, records []DismissalRecord) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1", postgresQuoteIdentifier(b.tableName))
	if _, err := tx.ExecContext(ctx, deleteQuery, userID); err != nil {
		return err
	}
	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (user_id, notification_id, dismissed_at) VALUES ($1, $2, $3) ON CONFLICT (user_id, notification_id) DO UPDATE SET dismissed_at = EXCLUDED.dismissed_at",
		postgresQuoteIdentifier(b.tableName),
	)
	for _, record := range records {
		if _, err := tx.ExecContext(ctx, insertQuery, userID, record.ID, record.DismissedAt); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *PostgresDismissalBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresDismissalBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				user_id TEXT NOT NULL,
				notification_id TEXT NOT NULL,
				dismissed_at BIGINT NOT NULL,
				PRIMARY KEY (user_id, notification_id)
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
