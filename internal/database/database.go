// Package database wires minidb's subsystems into one owning value: the
// lock table, log manager, recovery manager, buffer pool, disk manager,
// and transaction manager all live on a *Database, never behind
// package-level singletons, so multiple instances can coexist in one
// process.
package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"minidb/internal/lock"
	"minidb/internal/recovery"
	"minidb/internal/storage"
	"minidb/internal/txn"
	"minidb/internal/wal"
	"minidb/pkg/types"
)

const (
	defaultBufferPoolSize = 1024 // pages (4 MB at 4 KB pages)
	walFileName           = "wal.log"
	dataFileName          = "data.db"
)

// Config configures Open.
type Config struct {
	DataDir            string
	BufferPoolSize     int
	CheckpointInterval time.Duration
	Logger             *zap.Logger
}

// Option mutates a Config being built up by Open's caller.
type Option func(*Config)

// WithDataDir sets the directory holding the WAL file and data file.
func WithDataDir(dir string) Option {
	return func(c *Config) { c.DataDir = dir }
}

// WithBufferPoolSize sets the buffer pool's page capacity.
func WithBufferPoolSize(pages int) Option {
	return func(c *Config) { c.BufferPoolSize = pages }
}

// WithCheckpointInterval enables a background goroutine that forces a
// fuzzy checkpoint every interval. Zero (the default) disables it; callers
// drive Checkpoint explicitly instead.
func WithCheckpointInterval(d time.Duration) Option {
	return func(c *Config) { c.CheckpointInterval = d }
}

// WithLogger injects a structured logger; the default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// Database owns every subsystem minidb's transactional core needs: the
// disk manager, buffer pool, WAL, recovery manager, lock table, and
// transaction manager. It carries a random InstanceID so structured log
// lines from concurrent Database values (or concurrent test runs against
// the same process) are distinguishable.
type Database struct {
	InstanceID uuid.UUID

	logger *zap.Logger

	disk  *storage.DiskManager
	bp    *storage.BufferPool
	log   *wal.Manager
	rec   *recovery.Manager
	locks *lock.Table
	Root  *lock.Context
	Txns  *txn.Manager

	checkpointInterval time.Duration
	stop               chan struct{}
	wg                 sync.WaitGroup

	closeOnce sync.Once
}

// Open opens (or creates) a database in cfg.DataDir, running ARIES
// restart against any existing WAL before returning.
func Open(opts ...Option) (*Database, error) {
	cfg := Config{BufferPoolSize: defaultBufferPoolSize, Logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("database: DataDir is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("database: create data directory: %w", err)
	}

	logPath := filepath.Join(cfg.DataDir, walFileName)
	logMgr, err := wal.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("database: open WAL: %w", err)
	}

	dataPath := filepath.Join(cfg.DataDir, dataFileName)
	disk, err := storage.NewDiskManager(dataPath)
	if err != nil {
		logMgr.Close()
		return nil, fmt.Errorf("database: open disk manager: %w", err)
	}

	bp := storage.NewBufferPool(disk, cfg.BufferPoolSize)

	id := uuid.New()
	recLogger := cfg.Logger.With(zap.String("instance", id.String()))
	rec := recovery.NewManager(logMgr, bp, disk, bp.IterPageNums, recovery.WithLogger(recLogger))
	bp.SetLogFlusher(rec)

	if err := rec.Restart(); err != nil {
		disk.Close()
		logMgr.Close()
		return nil, fmt.Errorf("database: restart: %w", err)
	}

	locks := lock.NewTable(lock.WithLogger(recLogger))
	root := lock.NewRoot(locks, lock.NewDatabaseResource("db"))
	txns := txn.NewManager(locks, rec, txn.WithLogger(recLogger))

	d := &Database{
		InstanceID:         id,
		logger:             recLogger,
		disk:               disk,
		bp:                 bp,
		log:                logMgr,
		rec:                rec,
		locks:              locks,
		Root:               root,
		Txns:               txns,
		checkpointInterval: cfg.CheckpointInterval,
		stop:               make(chan struct{}),
	}

	if cfg.CheckpointInterval > 0 {
		d.wg.Add(1)
		go d.checkpointLoop()
	}

	d.logger.Info("database opened", zap.String("data_dir", cfg.DataDir))
	return d, nil
}

func (d *Database) checkpointLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			if err := d.Checkpoint(); err != nil {
				d.logger.Error("periodic checkpoint failed", zap.Error(err))
			}
		}
	}
}

// Checkpoint forces a fuzzy checkpoint.
func (d *Database) Checkpoint() error {
	return d.rec.Checkpoint()
}

// BufferPool exposes the shared buffer pool so callers can build heaps or
// other page-resident structures against it.
func (d *Database) BufferPool() *storage.BufferPool { return d.bp }

// DiskManager exposes the shared disk manager for partition allocation.
func (d *Database) DiskManager() *storage.DiskManager { return d.disk }

// AllocPartition allocates a fresh partition on disk and logs it through
// the recovery manager under tx, so an ALLOC_PART record backs it in the
// WAL for restart to redo or undo.
func (d *Database) AllocPartition(tx *txn.Transaction) (uint32, error) {
	part, err := d.disk.AllocPart()
	if err != nil {
		return 0, err
	}
	if _, err := d.rec.LogAllocPart(tx, part); err != nil {
		return 0, fmt.Errorf("database: log partition allocation: %w", err)
	}
	return part, nil
}

// NewHeap creates a heap in partNum under tx, its initial page
// allocation logged through the recovery manager.
func (d *Database) NewHeap(ctx context.Context, tx *txn.Transaction, partNum uint32) (*storage.Heap, error) {
	return storage.NewHeap(ctx, d.bp, d.rec, tx, partNum)
}

// OpenHeap reattaches to an existing heap's page chain.
func (d *Database) OpenHeap(partNum uint32, firstPage, lastPage types.PageID) *storage.Heap {
	return storage.OpenHeap(d.bp, d.rec, partNum, firstPage, lastPage)
}

// Locks exposes the shared lock table for callers that need raw Acquire
// access rather than the hierarchical Root context.
func (d *Database) Locks() *lock.Table { return d.locks }

// Stats reports a snapshot of WAL, buffer pool, and transaction state, in
// the shape the CLI's printStats helper renders for the run and recover
// commands.
func (d *Database) Stats() map[string]any {
	hits, misses, cached := d.bp.Stats()
	return map[string]any{
		"instance_id":        d.InstanceID.String(),
		"wal_next_lsn":       uint64(d.log.NextLSN()),
		"wal_flushed_lsn":    uint64(d.log.FlushedLSN()),
		"active_txns":        len(d.Txns.Active()),
		"buffer_pool_hits":   hits,
		"buffer_pool_misses": misses,
		"buffer_pool_cached": cached,
	}
}

// Close stops the background checkpoint loop (if any), flushes every
// dirty page, and closes the WAL and disk files.
func (d *Database) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.checkpointInterval > 0 {
			close(d.stop)
			d.wg.Wait()
		}
		if ferr := d.bp.FlushAllPages(); ferr != nil {
			err = fmt.Errorf("database: flush on close: %w", ferr)
			return
		}
		if ferr := d.log.Close(); ferr != nil {
			err = fmt.Errorf("database: close WAL: %w", ferr)
			return
		}
		if ferr := d.disk.Close(); ferr != nil {
			err = fmt.Errorf("database: close disk: %w", ferr)
			return
		}
	})
	return err
}
