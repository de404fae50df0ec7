// Package refdata loads the static stop-id to stop-code table once at
// startup, from Postgres, a Redis hash or a GTFS stops.txt file.
package refdata

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"transit-fanout/internal/db"
	"transit-fanout/internal/derive"
)

// Load dispatches on the shape of source. An empty source yields an empty
// table, so raw stop ids pass through unchanged.
func Load(ctx context.Context, source, redisKey string) (derive.StopCodes, error) {
	var (
		codes map[string]string
		err   error
		kind  string
	)
	switch {
	case source == "":
		log.Printf("no stop code source configured, raw stop ids pass through")
		return derive.StopCodes{}, nil
	case strings.HasPrefix(source, "postgres://"), strings.HasPrefix(source, "postgresql://"):
		kind = "postgres"
		codes, err = loadPostgres(ctx, source)
	case strings.HasPrefix(source, "redis://"), strings.HasPrefix(source, "rediss://"):
		kind = "redis"
		codes, err = loadRedis(ctx, source, redisKey)
	default:
		kind = "csv"
		codes, err = loadCSVFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("load stop codes (%s): %w", kind, err)
	}
	log.Printf("loaded %d stop codes from %s", len(codes), kind)
	return derive.StopCodes(codes), nil
}

func loadPostgres(ctx context.Context, dsn string) (map[string]string, error) {
	sqlDB, err := db.Open(dsn)
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		return nil, err
	}
	return db.FetchStopCodes(ctx, sqlDB)
}

func loadRedis(ctx context.Context, url, key string) (map[string]string, error) {
	if key == "" {
		return nil, errors.New("empty redis key")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	return FetchRedis(ctx, rdb, key)
}

// FetchRedis reads a hash of stop_id -> stop_code.
func FetchRedis(ctx context.Context, rdb redis.Cmdable, key string) (map[string]string, error) {
	all, err := rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	codes := make(map[string]string, len(all))
	for id, code := range all {
		if id = strings.TrimSpace(id); id != "" && strings.TrimSpace(code) != "" {
			codes[id] = strings.TrimSpace(code)
		}
	}
	return codes, nil
}

func loadCSVFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseStops(f)
}

// ParseStops reads a GTFS stops.txt, keeping the stop_id and stop_code
// columns wherever they appear in the header.
func ParseStops(r io.Reader) (map[string]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idCol, codeCol := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) {
		case "stop_id":
			idCol = i
		case "stop_code":
			codeCol = i
		}
	}
	if idCol < 0 || codeCol < 0 {
		return nil, errors.New("stops header lacks stop_id or stop_code")
	}

	codes := make(map[string]string)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read stops: %w", err)
		}
		if idCol >= len(rec) || codeCol >= len(rec) {
			continue
		}
		id, code := strings.TrimSpace(rec[idCol]), strings.TrimSpace(rec[codeCol])
		if id == "" || code == "" {
			continue
		}
		codes[id] = code
	}
	return codes, nil
}
