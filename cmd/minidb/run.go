package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"minidb/internal/database"
	"minidb/internal/lock"
)

var (
	runDataDir    string
	runBufferSize int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Open a database and run a short demo transaction workload",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runDataDir, "data", "./minidb-data", "data directory")
	runCmd.Flags().IntVar(&runBufferSize, "buffer", 1024, "buffer pool size, in pages")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	db, err := database.Open(
		database.WithDataDir(runDataDir),
		database.WithBufferPoolSize(runBufferSize),
	)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	fmt.Printf("minidb instance %s ready at %s\n", db.InstanceID, runDataDir)

	ctx := context.Background()

	tx := db.Txns.Begin()
	table := db.Root.Child("demo_table")
	facade := lock.NewFacade()
	if err := facade.EnsureSufficient(tx, table, lock.X); err != nil {
		db.Txns.Rollback(tx)
		return fmt.Errorf("acquire table lock: %w", err)
	}

	part, err := db.AllocPartition(tx)
	if err != nil {
		db.Txns.Rollback(tx)
		return fmt.Errorf("allocate partition: %w", err)
	}
	heap, err := db.NewHeap(ctx, tx, part)
	if err != nil {
		db.Txns.Rollback(tx)
		return fmt.Errorf("create heap: %w", err)
	}

	start := time.Now()
	for i := 0; i < 10; i++ {
		if _, err := heap.Insert(ctx, tx, []byte(fmt.Sprintf("demo-record-%d", i))); err != nil {
			db.Txns.Rollback(tx)
			return fmt.Errorf("insert: %w", err)
		}
	}
	if err := db.Txns.Commit(tx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	fmt.Printf("committed 10 records in %s\n", time.Since(start))

	printStats(db.Stats())
	return nil
}

func printStats(stats map[string]any) {
	fmt.Println("stats:")
	for _, k := range []string{"instance_id", "wal_next_lsn", "wal_flushed_lsn", "active_txns", "buffer_pool_hits", "buffer_pool_misses", "buffer_pool_cached"} {
		if v, ok := stats[k]; ok {
			fmt.Printf("  %-20s %v\n", k, v)
		}
	}
}
