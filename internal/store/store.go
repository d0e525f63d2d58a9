// Package store bootstraps the single SQLite database shared by the cost
// tracker, task store, context memory, cluster coordinator, and config
// history — one tabular store per concern, all inside one database file,
// per the spec's open question #1: we pick ONE persistence layer instead
// of the original's JSON-sidecar-plus-SQL-table duplication.
//
// Grounded on the original's utils/task_storage_sqlite.py,
// analytics/cost_tracker.py, and utils/config_storage_sqlite.py, all of
// which open their own sqlite3.connect() per call; here every package
// shares one *sql.DB (database/sql pools connections and is safe for
// concurrent use by multiple goroutines, which is what both the web
// backend and the MCP server attaching concurrently, per §4.9, requires).
package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	prompt TEXT NOT NULL,
	files TEXT,
	preferences TEXT,
	assigned_service TEXT,
	category TEXT,
	execution_mode TEXT,
	result TEXT,
	error TEXT,
	broadcast TEXT,
	created_at INTEGER,
	started_at INTEGER,
	completed_at INTEGER,
	duration_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_service ON tasks(assigned_service);
CREATE INDEX IF NOT EXISTS idx_tasks_category ON tasks(category);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);

CREATE TABLE IF NOT EXISTS costs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	service_id TEXT NOT NULL,
	tokens_in INTEGER NOT NULL,
	tokens_out INTEGER NOT NULL,
	cost_usd REAL NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_costs_timestamp ON costs(timestamp);
CREATE INDEX IF NOT EXISTS idx_costs_service ON costs(service_id);

CREATE TABLE IF NOT EXISTS pricing (
	service_id TEXT PRIMARY KEY,
	cost_per_input_token REAL NOT NULL,
	cost_per_output_token REAL NOT NULL,
	currency TEXT NOT NULL DEFAULT 'USD'
);

CREATE TABLE IF NOT EXISTS budgets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	period TEXT NOT NULL,
	limit_usd REAL NOT NULL,
	alert_fraction REAL NOT NULL DEFAULT 0.8,
	active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS services (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	enabled INTEGER NOT NULL,
	base_url TEXT,
	default_model TEXT,
	executable TEXT,
	api_key_enc BLOB,
	capabilities TEXT,
	context_window INTEGER
);

CREATE TABLE IF NOT EXISTS routing_rules (
	category TEXT PRIMARY KEY,
	primary_service TEXT NOT NULL,
	fallbacks TEXT,
	parallel_threshold_files INTEGER,
	timeout_seconds INTEGER
);

CREATE TABLE IF NOT EXISTS execution_settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	timeout_seconds INTEGER,
	max_retries INTEGER,
	retry_enabled INTEGER,
	max_parallel_workers INTEGER
);

CREATE TABLE IF NOT EXISTS peers (
	node_id TEXT PRIMARY KEY,
	hostname TEXT,
	ip_address TEXT,
	port INTEGER,
	services TEXT,
	cpu_percent REAL,
	memory_percent REAL,
	active_tasks INTEGER,
	total_tasks INTEGER,
	last_seen INTEGER,
	healthy INTEGER,
	enabled INTEGER,
	version TEXT,
	features TEXT,
	first_seen INTEGER
);

CREATE TABLE IF NOT EXISTS config_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	changed_at INTEGER NOT NULL,
	description TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	created_at INTEGER,
	updated_at INTEGER,
	metadata TEXT
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	metadata TEXT,
	FOREIGN KEY(conversation_id) REFERENCES conversations(id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id);
`

// DB wraps the shared *sql.DB plus the symmetric key used to encrypt
// service api_key fields at rest.
type DB struct {
	*sql.DB
	key [32]byte
}

// Open opens (creating if necessary) the SQLite database at path and the
// AES key file beside it, running the schema migration. dir is created
// if missing.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline

	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, err
	}

	keyPath := path + ".key"
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &DB{DB: sqlDB, key: key}, nil
}

func loadOrCreateKey(path string) ([32]byte, error) {
	var key [32]byte
	data, err := os.ReadFile(path)
	if err == nil && len(data) == 32 {
		copy(key[:], data)
		return key, nil
	}
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, err
	}
	if err := os.WriteFile(path, key[:], 0o600); err != nil {
		return key, err
	}
	return key, nil
}

// Encrypt seals plaintext (e.g. a service's api_key) with AES-GCM.
func (db *DB) Encrypt(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	block, err := aes.NewCipher(db.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func (db *DB) Decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	block, err := aes.NewCipher(db.key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("store: ciphertext too short")
	}
	nonce, data := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plain, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
