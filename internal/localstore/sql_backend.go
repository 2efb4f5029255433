package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
)

const (
	sqlStateTableName   = "visitorsync_state"
	sqlDefaultNamespace = "default"
	sqlOperationTimeout = 5 * time.Second
	driverPostgres      = "postgres"
	driverSQLite        = "sqlite3"
	driverLibSQL        = "libsql"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// SQLBackend keeps keys as rows of one table shared by postgres, sqlite and
// libsql. Rows are partitioned by namespace so one database can hold many
// storage contexts.
type SQLBackend struct {
	driver    string
	dsn       string
	tableName string
	namespace string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLBackend(driver, dsn, namespace string) (*SQLBackend, error) {
	driver = strings.TrimSpace(driver)
	dsn = strings.TrimSpace(dsn)
	if driver == "" || dsn == "" {
		return nil, ErrInvalidInput
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = sqlDefaultNamespace
	}
	return &SQLBackend{
		driver:    driver,
		dsn:       dsn,
		tableName: sqlStateTableName,
		namespace: namespace,
		openDB:    sql.Open,
	}, nil
}

func (b *SQLBackend) Get(key string) (string, bool, error) {
	if err := b.ensureReady(); err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value FROM %s WHERE namespace = %s AND state_key = %s",
		quoteIdentifier(b.tableName), b.placeholder(1), b.placeholder(2))
	var value string
	err := b.db.QueryRowContext(ctx, query, b.namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (b *SQLBackend) Set(key, value string) error {
	if key == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, state_key, value, updated_at)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT (namespace, state_key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		quoteIdentifier(b.tableName), b.placeholder(1), b.placeholder(2), b.placeholder(3), b.placeholder(4))
	_, err := b.db.ExecContext(ctx, query, b.namespace, key, value, time.Now().UnixMilli())
	return err
}

func (b *SQLBackend) Delete(key string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE namespace = %s AND state_key = %s",
		quoteIdentifier(b.tableName), b.placeholder(1), b.placeholder(2))
	_, err := b.db.ExecContext(ctx, query, b.namespace, key)
	return err
}

func (b *SQLBackend) Keys() ([]string, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT state_key FROM %s WHERE namespace = %s ORDER BY state_key",
		quoteIdentifier(b.tableName), b.placeholder(1))
	rows, err := b.db.QueryContext(ctx, query, b.namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				namespace TEXT NOT NULL,
				state_key TEXT NOT NULL,
				value TEXT NOT NULL,
				updated_at BIGINT NOT NULL,
				PRIMARY KEY (namespace, state_key)
			)`, quoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQLBackend) placeholder(n int) string {
	if b.driver == driverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
