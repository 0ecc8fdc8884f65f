// Package users holds the in-memory user table and the credential-store
// collaborator interface it is backed by. The credential store is an
// external collaborator per the engine's scope: this package exposes
// only "verify username/password" and "insert user".
package users

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kfcemployee/goserver/internal/dbpool"
)

// ErrDuplicateUser is returned by Insert when the username already exists.
var ErrDuplicateUser = errors.New("users: username already registered")

// Store is the external credential-store collaborator interface.
type Store interface {
	Verify(username, password string) bool
	Insert(username, password string) error
}

// Table is the in-memory mapping from username to password, loaded
// once at startup from the backing Store and mutated only by
// successful registration, serialized by a dedicated mutex.
type Table struct {
	mu    sync.Mutex
	users map[string]string
	store Store
}

// Load initializes a Table from the (username, password) pairs in seed;
// it does not read from store itself. Callers typically pass a freshly
// opened FileStore together with the result of its LoadAll, and then
// keep both the Table and Store around — the Table for fast in-process
// lookups, the Store for durable Insert.
func Load(store Store, seed map[string]string) *Table {
	t := &Table{users: make(map[string]string, len(seed)), store: store}
	for u, p := range seed {
		t.users[u] = p
	}
	return t
}

// Verify checks the in-memory table only (matching the reference
// engine's login handler, which never consults the credential store
// directly on the hot path).
func (t *Table) Verify(username, password string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pass, ok := t.users[username]
	return ok && pass == password
}

// Register inserts a new user into both the in-memory table and the
// backing credential store, under the table's mutex. Returns
// ErrDuplicateUser if the username is already taken.
func (t *Table) Register(username, password string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.users[username]; exists {
		return ErrDuplicateUser
	}
	if err := t.store.Insert(username, password); err != nil {
		return err
	}
	t.users[username] = password
	return nil
}

// Exists reports whether username is a known user (used by the cookie
// authentication check: ws_user's value must key this table).
func (t *Table) Exists(username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.users[username]
	return ok
}

// FileStore is a flat-file credential store: one "username:password"
// line per user, append-only on Insert. Stands in for the reference
// engine's MySQL-backed credential collaborator — no database driver
// appears anywhere in the retrieved example corpus, so this port keeps
// the pool/collaborator shape by pooling a fixed number of pre-opened
// file handles (see internal/dbpool) rather than opening one per call,
// without fabricating a driver dependency.
type FileStore struct {
	path    string
	handles []*os.File
	pool    *dbpool.Pool[*os.File]
}

// NewFileStore opens (creating if absent) the credential file at path
// and pre-opens size handles for the pool (-s, default 8).
func NewFileStore(path string, size int) (*FileStore, error) {
	if size <= 0 {
		size = 1
	}
	handles := make([]*os.File, 0, size)
	for i := 0; i < size; i++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
		if err != nil {
			for _, h := range handles {
				h.Close()
			}
			return nil, fmt.Errorf("users: open %s: %w", path, err)
		}
		handles = append(handles, f)
	}
	return &FileStore{
		path:    path,
		handles: handles,
		pool:    dbpool.New(handles),
	}, nil
}

// Close releases every pooled handle. Safe to call once at shutdown.
func (fs *FileStore) Close() {
	fs.pool.Close()
	for _, h := range fs.handles {
		h.Close()
	}
}

// LoadAll reads every username:password pair currently on disk.
func (fs *FileStore) LoadAll() (map[string]string, error) {
	f, release, err := fs.pool.Scoped(context.Background())
	if err != nil {
		return nil, fmt.Errorf("users: acquire handle for %s: %w", fs.path, err)
	}
	defer release()

	if _, err := f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("users: seek %s: %w", fs.path, err)
	}

	seed := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		user, pass, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		seed[user] = pass
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("users: scan %s: %w", fs.path, err)
	}
	return seed, nil
}

// Verify reads the file directly. Table.Verify does not call it; the
// login path checks only the in-memory table.
func (fs *FileStore) Verify(username, password string) bool {
	seed, err := fs.LoadAll()
	if err != nil {
		return false
	}
	pass, ok := seed[username]
	return ok && pass == password
}

// Insert appends a new username:password record. Does not itself
// check for duplicates — Table.Register holds the authoritative
// in-memory map and enforces uniqueness before calling this. The
// handle was opened O_APPEND, so the write lands at EOF regardless of
// the handle's current offset (it may have just been used for a read).
func (fs *FileStore) Insert(username, password string) error {
	f, release, err := fs.pool.Scoped(context.Background())
	if err != nil {
		return fmt.Errorf("users: acquire handle for %s: %w", fs.path, err)
	}
	defer release()

	_, err = fmt.Fprintf(f, "%s:%s\n", username, password)
	return err
}
