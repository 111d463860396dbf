// Copyright 2023 The Corrosion Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package store opens the agent's SQLite database with the cr-sqlite
// extension loaded and hands out connections through a split pool:
// shared readers, and a single write connection serialized behind a
// three-level priority queue.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Write priorities. Higher values jump the queue.
const (
	// WriteLow is for compaction and WAL maintenance.
	WriteLow = iota
	// WriteNormal is for user transactions and change ingest.
	WriteNormal
	// WritePriority is for schema migration and startup work.
	WritePriority

	numPriorities
)

// ErrPoolClosed is returned by acquires after Close.
var ErrPoolClosed = errors.New("store: pool is closed")

var (
	driverMu          sync.Mutex
	registeredDrivers = map[string]string{}
)

// driverFor registers (once per extension path) a sqlite3 driver whose
// connect hook loads the cr-sqlite extension.
func driverFor(extensionPath string) string {
	driverMu.Lock()
	defer driverMu.Unlock()

	if name, ok := registeredDrivers[extensionPath]; ok {
		return name
	}
	name := fmt.Sprintf("sqlite3_crsql_%d", len(registeredDrivers))
	sql.Register(name, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.LoadExtension(extensionPath, "sqlite3_crsqlite_init")
		},
	})
	registeredDrivers[extensionPath] = name
	return name
}

// A Pool is the split connection pool over one database file.
type Pool struct {
	read  *sql.DB
	write *sql.DB

	writeConn *sql.Conn
	writeQ    *priorityQueue
}

// Open opens the database, loading the cr-sqlite extension on every
// connection and configuring WAL journaling.
func Open(ctx context.Context, dbPath, extensionPath string) (*Pool, error) {
	driver := driverFor(extensionPath)

	dsn := func(readOnly bool) string {
		q := url.Values{}
		q.Set("_journal_mode", "WAL")
		q.Set("_busy_timeout", "5000")
		q.Set("_synchronous", "NORMAL")
		if readOnly {
			q.Set("mode", "ro")
		}
		return fmt.Sprintf("file:%s?%s", dbPath, q.Encode())
	}

	write, err := sql.Open(driver, dsn(false))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	write.SetMaxOpenConns(1)

	// Pin the single write connection for the lifetime of the pool so
	// that session state (crsql_rows_impacted) is stable.
	writeConn, err := write.Conn(ctx)
	if err != nil {
		_ = write.Close()
		return nil, errors.Wrap(err, "could not open write connection")
	}
	if err := writeConn.PingContext(ctx); err != nil {
		_ = writeConn.Close()
		_ = write.Close()
		return nil, errors.Wrap(err, "could not ping the database")
	}

	read, err := sql.Open(driver, dsn(true))
	if err != nil {
		_ = writeConn.Close()
		_ = write.Close()
		return nil, errors.WithStack(err)
	}

	log.WithField("path", dbPath).Debug("opened split sqlite pool")

	return &Pool{
		read:      read,
		write:     write,
		writeConn: writeConn,
		writeQ:    newPriorityQueue(),
	}, nil
}

// Read returns the shared read handle. Reads never block on writers
// thanks to WAL.
func (p *Pool) Read() *sql.DB {
	return p.read
}

// Write acquires the write connection at the given priority. The
// returned release function must be called exactly once.
func (p *Pool) Write(ctx context.Context, priority int) (*sql.Conn, func(), error) {
	if err := p.writeQ.acquire(ctx, priority); err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return p.writeConn, func() {
		once.Do(p.writeQ.release)
	}, nil
}

// WriteTx acquires the write connection and opens a transaction on it.
// The caller owns commit/rollback and must call the returned release
// afterwards; neither commit nor rollback releases the connection.
func (p *Pool) WriteTx(ctx context.Context, priority int) (*sql.Tx, func(), error) {
	conn, release, err := p.Write(ctx, priority)
	if err != nil {
		return nil, nil, err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		release()
		return nil, nil, errors.WithStack(err)
	}
	return tx, release, nil
}

// Close tears down both sides of the pool.
func (p *Pool) Close() error {
	p.writeQ.close()
	err := p.writeConn.Close()
	if werr := p.write.Close(); err == nil {
		err = werr
	}
	if rerr := p.read.Close(); err == nil {
		err = rerr
	}
	return errors.WithStack(err)
}

// EmitMetrics publishes pool gauges.
func (p *Pool) EmitMetrics() {
	stats := p.read.Stats()
	poolReadConns.Set(float64(stats.OpenConnections))
	poolWriteWaiters.Set(float64(p.writeQ.waiting()))
}

// priorityQueue serializes writers; released permits go to the
// highest-priority waiter first, FIFO within a priority.
type priorityQueue struct {
	mu      sync.Mutex
	busy    bool
	closed  bool
	waiters [numPriorities][]chan struct{}
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{}
}

func (q *priorityQueue) acquire(ctx context.Context, priority int) error {
	if priority < WriteLow || priority > WritePriority {
		return errors.Errorf("invalid write priority %d", priority)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrPoolClosed
	}
	if !q.busy {
		q.busy = true
		q.mu.Unlock()
		return nil
	}
	grant := make(chan struct{}, 1)
	q.waiters[priority] = append(q.waiters[priority], grant)
	q.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		// The grant may have raced the cancellation; pass it on.
		select {
		case <-grant:
			q.mu.Unlock()
			q.release()
			return ctx.Err()
		default:
		}
		for i, w := range q.waiters[priority] {
			if w == grant {
				q.waiters[priority] = append(q.waiters[priority][:i], q.waiters[priority][i+1:]...)
				break
			}
		}
		q.mu.Unlock()
		return ctx.Err()
	}
}

func (q *priorityQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for pri := numPriorities - 1; pri >= 0; pri-- {
		if len(q.waiters[pri]) > 0 {
			grant := q.waiters[pri][0]
			q.waiters[pri] = q.waiters[pri][1:]
			grant <- struct{}{}
			return
		}
	}
	q.busy = false
}

func (q *priorityQueue) waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, w := range q.waiters {
		n += len(w)
	}
	return n
}

func (q *priorityQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
