// Package varstore persists named variables across restarts in a SQLite
// database. Variables are grouped into namespaces so independent subsystems
// can share one store file without key collisions.
package varstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"ktcc-go/pkg/errors"
)

const sqliteDriverName = "sqlite"

const schemaVariables = `
CREATE TABLE IF NOT EXISTS variables (
    namespace TEXT NOT NULL,
    name TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (namespace, name)
);
`

// Store is a SQLite-backed variable store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, errors.VarStore(fmt.Sprintf("open store at %q", path), err)
	}

	// SQLite handles a single writer best.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.VarStore(fmt.Sprintf("apply %s", pragma), err)
		}
	}

	if _, err := db.Exec(schemaVariables); err != nil {
		_ = db.Close()
		return nil, errors.VarStore("ensure schema", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.VarStore("ping store", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Namespace returns a view of the store scoped to one namespace.
func (s *Store) Namespace(ns string) *Namespace {
	return &Namespace{store: s, ns: ns}
}

// Namespace is a scoped view of a Store. All lookups and saves apply to a
// single namespace.
type Namespace struct {
	store *Store
	ns    string
}

// Lookup returns the value of a variable and whether it exists.
func (n *Namespace) Lookup(name string) (string, bool, error) {
	var value string
	err := n.store.db.QueryRow(
		"SELECT value FROM variables WHERE namespace = ? AND name = ?",
		n.ns, name,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.VarStore(fmt.Sprintf("lookup %s.%s", n.ns, name), err)
	}
	return value, true, nil
}

// Save writes a variable, replacing any previous value.
func (n *Namespace) Save(name, value string) error {
	_, err := n.store.db.Exec(
		`INSERT INTO variables (namespace, name, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, name) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		n.ns, name, value, time.Now().UTC(),
	)
	if err != nil {
		return errors.VarStore(fmt.Sprintf("save %s.%s", n.ns, name), err)
	}
	return nil
}

// All returns every variable in the namespace.
func (n *Namespace) All() (map[string]string, error) {
	rows, err := n.store.db.Query(
		"SELECT name, value FROM variables WHERE namespace = ?", n.ns)
	if err != nil {
		return nil, errors.VarStore(fmt.Sprintf("list %s", n.ns), err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, errors.VarStore(fmt.Sprintf("scan %s", n.ns), err)
		}
		result[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, errors.VarStore(fmt.Sprintf("list %s", n.ns), err)
	}
	return result, nil
}
