package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Settings are runtime-modifiable key/value pairs, re-read during execution
// and writable from the web UI and the queue concurrently.
type Settings struct {
	db *DB
}

// NewSettings returns the settings view over db.
func NewSettings(db *DB) *Settings {
	return &Settings{db: db}
}

// TVSettingKey derives the per-TV key for a setting, e.g.
// "display_mode__piwall1.local_1".
func TVSettingKey(setting, tvID string) string {
	return setting + "__" + tvID
}

// Get returns the value for key, or def if the key is absent.
func (s *Settings) Get(key, def string) (string, error) {
	var value string
	err := s.db.sql.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", wrapBusy(err)
	}
	return value, nil
}

// GetMulti returns the values for all requested keys. Every requested key is
// present in the result; absent keys map to def.
func (s *Settings) GetMulti(keys []string, def string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	for _, k := range keys {
		result[k] = def
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	rows, err := s.db.sql.Query(
		fmt.Sprintf("SELECT key, value FROM settings WHERE key IN (%s)", placeholders), args...)
	if err != nil {
		return nil, wrapBusy(err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}

// Set upserts one key.
func (s *Settings) Set(key, value string) error {
	_, err := s.db.sql.Exec(
		"INSERT INTO settings (key, value, updated_at) VALUES(?, ?, datetime()) "+
			"ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value)
	return wrapBusy(err)
}

// SetMulti upserts all pairs in a single statement.
func (s *Settings) SetMulti(kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	var placeholders strings.Builder
	args := make([]any, 0, len(kv)*2)
	for k, v := range kv {
		if placeholders.Len() > 0 {
			placeholders.WriteByte(',')
		}
		placeholders.WriteString("(?, ?, datetime())")
		args = append(args, k, v)
	}
	_, err := s.db.sql.Exec(
		fmt.Sprintf("INSERT INTO settings (key, value, updated_at) VALUES %s "+
			"ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
			placeholders.String()),
		args...)
	return wrapBusy(err)
}

// IsEnabled interprets key's value as a boolean flag.
func (s *Settings) IsEnabled(key string, def bool) (bool, error) {
	defVal := "0"
	if def {
		defVal = "1"
	}
	v, err := s.Get(key, defVal)
	if err != nil {
		return false, err
	}
	return v == "1" || strings.EqualFold(v, "true"), nil
}
