package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS caches (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT    NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	cache_id  INTEGER NOT NULL REFERENCES caches(id) ON DELETE CASCADE,
	method    TEXT    NOT NULL,
	url       TEXT    NOT NULL,
	response  BLOB    NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (cache_id, method, url)
);
`

// SQLiteStorage 把全部缓存保存在单个 SQLite 文件中，响应以 HTTP/1.1 报文存为 BLOB。
type SQLiteStorage struct {
	sqlDB *sql.DB
}

// OpenSQLiteStorage 打开（或创建）path 指向的数据库并建表。
func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接写入，避免 SQLITE_BUSY；读写都很短。
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	return &SQLiteStorage{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStorage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO caches (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &sqliteCache{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var id int64
	err := s.sqlDB.QueryRowContext(ctx, `SELECT id FROM caches WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup cache %s: %w", name, err)
	}
	return true, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entries WHERE cache_id IN (SELECT id FROM caches WHERE name = ?)`, name,
	); err != nil {
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM caches WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM caches ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan cache name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate caches: %w", err)
	}
	return names, nil
}

func (s *SQLiteStorage) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !key.Cacheable() {
		return nil, ErrNotFound
	}
	var payload []byte
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT e.response FROM entries e JOIN caches c ON c.id = e.cache_id
		 WHERE e.method = ? AND e.url = ? ORDER BY c.id LIMIT 1`,
		key.Method, key.URL,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", key, err)
	}
	return decodeResponseBytes(payload)
}

type sqliteCache struct {
	storage *SQLiteStorage
	name    string
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !key.Cacheable() {
		return nil, ErrNotFound
	}
	var payload []byte
	err := c.storage.sqlDB.QueryRowContext(ctx,
		`SELECT e.response FROM entries e JOIN caches c ON c.id = e.cache_id
		 WHERE c.name = ? AND e.method = ? AND e.url = ?`,
		c.name, key.Method, key.URL,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", key, err)
	}
	return decodeResponseBytes(payload)
}

func (c *sqliteCache) Put(ctx context.Context, key Key, resp *Response) error {
	return c.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

// PutAll 在单个事务中写入全部条目。
func (c *sqliteCache) PutAll(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payloads := make([][]byte, len(entries))
	for i, e := range entries {
		if err := validateEntry(e.Key, e.Response); err != nil {
			return fmt.Errorf("%s: %w", e.Key, err)
		}
		payload, err := encodeResponse(e.Response)
		if err != nil {
			return err
		}
		payloads[i] = payload
	}

	tx, err := c.storage.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback()

	var cacheID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM caches WHERE name = ?`, c.name).Scan(&cacheID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", c.name, ErrCacheDeleted)
	}
	if err != nil {
		return fmt.Errorf("lookup cache %s: %w", c.name, err)
	}

	storedAt := time.Now().UTC().UnixMilli()
	for i, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entries (cache_id, method, url, response, stored_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(cache_id, method, url) DO UPDATE SET response = excluded.response, stored_at = excluded.stored_at`,
			cacheID, e.Key.Method, e.Key.URL, payloads[i], storedAt,
		); err != nil {
			return fmt.Errorf("put %s: %w", e.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

func (c *sqliteCache) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	res, err := c.storage.sqlDB.ExecContext(ctx,
		`DELETE FROM entries WHERE cache_id IN (SELECT id FROM caches WHERE name = ?) AND method = ? AND url = ?`,
		c.name, key.Method, key.URL,
	)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := c.storage.sqlDB.QueryContext(ctx,
		`SELECT e.method, e.url FROM entries e JOIN caches c ON c.id = e.cache_id WHERE c.name = ?`,
		c.name,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries of %s: %w", c.name, err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, fmt.Errorf("scan entry key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	sortKeys(keys)
	return keys, nil
}
