package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// only read once at startup
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// FetchStopCodes returns stop_id -> stop_code for every stop carrying a code.
func FetchStopCodes(ctx context.Context, db *sql.DB) (map[string]string, error) {
	q := `SELECT stop_id::text, stop_code::text FROM stops WHERE stop_code IS NOT NULL`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()

	codes := make(map[string]string)
	for rows.Next() {
		var id, code string
		if err := rows.Scan(&id, &code); err != nil {
			return nil, err
		}
		id, code = strings.TrimSpace(id), strings.TrimSpace(code)
		if id == "" || code == "" {
			continue
		}
		codes[id] = code
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return codes, nil
}
