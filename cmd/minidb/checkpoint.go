package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"minidb/internal/database"
)

var checkpointDataDir string

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Force a fuzzy checkpoint against an existing data directory and exit",
	RunE:  runCheckpoint,
}

func init() {
	checkpointCmd.Flags().StringVar(&checkpointDataDir, "data", "./minidb-data", "data directory")
	rootCmd.AddCommand(checkpointCmd)
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	db, err := database.Open(database.WithDataDir(checkpointDataDir))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Checkpoint(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	fmt.Println("checkpoint written.")
	return nil
}
