// Package store persists per-file version state in an embedded SQLite
// database. A single worker goroutine owns the database connection;
// callers submit commands over a capacity-one channel and wait for a
// per-command reply. The worker processes commands strictly in
// submission order, which makes one transaction per command sufficient
// for the store's invariants without any database-level locking.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"

	"sourced/internal/fsops"
	"sourced/internal/keys"
)

// Schema for the metadata store. Idempotent: opening an existing
// database with these tables is a no-op.
const schema = `
CREATE TABLE IF NOT EXISTS FileId (
    id   BLOB PRIMARY KEY,
    -- Paths are not necessarily valid UTF-8, so they are stored as
    -- platform-native bytes.
    path BLOB
) STRICT, WITHOUT ROWID;

CREATE UNIQUE INDEX IF NOT EXISTS idx_file_path ON FileId(path);

CREATE TABLE IF NOT EXISTS File (
    id      BLOB NOT NULL,
    version INTEGER NOT NULL,
    len     INTEGER NOT NULL,
    PRIMARY KEY (id, version)
) STRICT, WITHOUT ROWID;
`

// ErrClosed is returned when a command is submitted after Shutdown.
var ErrClosed = errors.New("store: already shut down")

// maxIDAttempts bounds the file-id collision retry loop. Collisions of
// a 48-bit random id are vanishingly rare; hitting the bound means the
// random source is broken.
const maxIDAttempts = 256

// Store is the async facade over the worker goroutine.
type Store struct {
	cmds chan command
	done chan struct{}
	err  error // worker's terminal error, valid once done is closed

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the metadata database at path and starts the
// worker that owns it. The parent directory is created if missing.
func Open(path string, rnd keys.Random) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	return open(path, rnd)
}

func open(path string, rnd keys.Random) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The worker is the only user of this handle; a second pooled
	// connection would break the single-owner model.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		cmds: make(chan command, 1),
		done: make(chan struct{}),
	}
	r := &runner{db: db, rnd: rnd}
	go func() {
		s.err = r.run(s.cmds)
		close(s.done)
	}()
	return s, nil
}

// Shutdown stops the worker: no further commands are accepted, any
// already-queued command is still processed, and the database is
// closed. Returns the worker's terminal error. Must be called exactly
// once, after all other callers have stopped submitting commands.
func (s *Store) Shutdown() error {
	s.mu.Lock()
	s.closed = true
	close(s.cmds)
	s.mu.Unlock()
	<-s.done
	return s.err
}

// CheckShallowChange classifies the file described by info against its
// latest stored state. Lookup side effects only: a file id is created
// for a never-seen path, but no version row is ever written.
func (s *Store) CheckShallowChange(ctx context.Context, info fsops.ShallowInfo) (Change, error) {
	reply := make(chan checkReply, 1)
	if err := s.submit(ctx, &checkCmd{info: info, reply: reply}); err != nil {
		return Change{}, err
	}
	select {
	case rep := <-reply:
		return rep.change, rep.err
	case <-ctx.Done():
		return Change{}, fmt.Errorf("await check result: %w", ctx.Err())
	}
}

// Insert appends a new version row for the file described by info,
// creating its file id if needed, and returns the resulting state.
func (s *Store) Insert(ctx context.Context, info fsops.ShallowInfo) (Partial, error) {
	reply := make(chan insertReply, 1)
	if err := s.submit(ctx, &insertCmd{info: info, reply: reply}); err != nil {
		return Partial{}, err
	}
	select {
	case rep := <-reply:
		return rep.partial, rep.err
	case <-ctx.Done():
		return Partial{}, fmt.Errorf("await insert result: %w", ctx.Err())
	}
}

// submit queues one command. The channel holds a single command, so a
// second caller blocks here until the worker picks up the first:
// submission itself is a serialization point. The read lock orders
// submission against Shutdown's channel close: a late caller sees the
// closed flag and gets ErrClosed, and Shutdown cannot close the
// channel while a send is in flight.
func (s *Store) submit(ctx context.Context, cmd command) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send command: %w", ctx.Err())
	}
}

type command interface {
	run(r *runner)
}

type checkReply struct {
	change Change
	err    error
}

type checkCmd struct {
	info  fsops.ShallowInfo
	reply chan<- checkReply
}

func (c *checkCmd) run(r *runner) {
	change, err := r.shallowCheck(c.info)
	c.reply <- checkReply{change: change, err: err}
}

type insertReply struct {
	partial Partial
	err     error
}

type insertCmd struct {
	info  fsops.ShallowInfo
	reply chan<- insertReply
}

func (c *insertCmd) run(r *runner) {
	partial, err := r.insert(c.info)
	c.reply <- insertReply{partial: partial, err: err}
}

// runner owns the database connection. It runs on its own goroutine;
// nothing else ever touches db.
type runner struct {
	db  *sql.DB
	rnd keys.Random
}

func (r *runner) run(cmds <-chan command) error {
	for cmd := range cmds {
		cmd.run(r)
	}
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (r *runner) shallowCheck(info fsops.ShallowInfo) (Change, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return Change{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	fileID, err := getFileID(tx, r.rnd, info.Path())
	if err != nil {
		return Change{}, err
	}
	partial, err := latestPartial(tx, fileID)
	if err != nil {
		return Change{}, err
	}
	if err := tx.Commit(); err != nil {
		return Change{}, fmt.Errorf("commit transaction: %w", err)
	}

	switch {
	case partial == nil:
		return Change{FileID: fileID, Changed: true}, nil
	case partial.Len != info.Len():
		return Change{FileID: fileID, Changed: true, Partial: partial}, nil
	default:
		return Change{FileID: fileID, Partial: partial}, nil
	}
}

func (r *runner) insert(info fsops.ShallowInfo) (Partial, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return Partial{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	fileID, err := getFileID(tx, r.rnd, info.Path())
	if err != nil {
		return Partial{}, err
	}

	var version uint64
	if prev, err := latestPartial(tx, fileID); err != nil {
		return Partial{}, err
	} else if prev != nil {
		version = prev.Version + 1
	}

	if _, err := tx.Exec(
		`INSERT INTO File(id, version, len) VALUES(?, ?, ?)`,
		fileID.Bytes(), version, info.Len(),
	); err != nil {
		return Partial{}, fmt.Errorf("insert version row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Partial{}, fmt.Errorf("commit transaction: %w", err)
	}

	return Partial{FileID: fileID, Version: version, Len: info.Len()}, nil
}

// getFileID resolves the stable identifier for a path, minting a new
// random one on first sight. A fresh random id may collide with an
// existing row; the insert is optimistic and retried with a new
// candidate on a uniqueness violation rather than checked first.
func getFileID(tx *sql.Tx, rnd keys.Random, path string) (keys.FileID, error) {
	canonical := canonicalPathBytes(path)

	var raw []byte
	err := tx.QueryRow(`SELECT id FROM FileId WHERE path = ?`, canonical).Scan(&raw)
	switch {
	case err == nil:
		return keys.FileIDFromBytes(raw)
	case !errors.Is(err, sql.ErrNoRows):
		return keys.FileID{}, fmt.Errorf("look up file id: %w", err)
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := rnd.GenerateFileID()
		if err != nil {
			return keys.FileID{}, fmt.Errorf("mint file id: %w", err)
		}
		_, err = tx.Exec(`INSERT INTO FileId(id, path) VALUES(?, ?)`, id.Bytes(), canonical)
		if err == nil {
			return id, nil
		}
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
			// Random collision with an existing id; try another.
			continue
		}
		return keys.FileID{}, fmt.Errorf("insert file id: %w", err)
	}
	return keys.FileID{}, fmt.Errorf("no unused file id in %d attempts: random source broken", maxIDAttempts)
}

// latestPartial fetches the highest version row for a file id, or nil
// if none exists.
func latestPartial(tx *sql.Tx, fileID keys.FileID) (*Partial, error) {
	p := Partial{FileID: fileID}
	err := tx.QueryRow(
		`SELECT version, len FROM File WHERE id = ? ORDER BY version DESC LIMIT 1`,
		fileID.Bytes(),
	).Scan(&p.Version, &p.Len)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up latest version: %w", err)
	}
	return &p, nil
}
