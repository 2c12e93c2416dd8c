// Package main provides the Runestone CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/orneryd/runestone/pkg/admin"
	"github.com/orneryd/runestone/pkg/config"
	"github.com/orneryd/runestone/pkg/runestone"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var (
	flagConfig string
	flagDB     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "runestone",
		Short: "Runestone - embedded property graph storage engine",
		Long: `Runestone is an embedded graph storage engine: a durable property
graph over a single page file and write-ahead log.

Features:
  • Slotted-page B+ trees for nodes, edges, adjacency and indexes
  • WAL commit groups with a strict fsync durability contract
  • Snapshot reads that never block the writer
  • Out-of-line storage for oversized property payloads`,
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Database file (overrides config)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Runestone v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create an empty database",
		RunE:  runInit,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print storage statistics",
		RunE:  runStats,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "checkpoint",
		Short: "Fsync the page file and truncate the WAL",
		RunE:  runCheckpoint,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "vacuum",
		Short: "Reclaim tombstoned rows",
		RunE:  runVacuum,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Run a consistency check over every tree",
		RunE:  runVerify,
	})

	exportCmd := &cobra.Command{
		Use:   "export <dir>",
		Short: "Export nodes and edges as CSV",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
	rootCmd.AddCommand(exportCmd)

	importCmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Import nodes.csv and edges.csv from a directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	rootCmd.AddCommand(importCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openDB() (*runestone.DB, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	return runestone.Open(flagDB, cfg)
}

func runInit(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	fmt.Printf("Initialized database (%d byte pages)\n", db.Stats().PageSize)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	fmt.Print(admin.FormatStats(db.Stats()))
	return nil
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Checkpoint(); err != nil {
		return err
	}
	fmt.Println("Checkpoint complete")
	return nil
}

func runVacuum(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	removed, err := db.Graph().Vacuum(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Reclaimed %d row(s)\n", removed)
	return db.Checkpoint()
}

func runVerify(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	report, err := db.Graph().Check()
	if err != nil {
		return err
	}
	fmt.Print(admin.FormatCheck(report))
	if !report.Ok() {
		return fmt.Errorf("verify found %d problem(s)", len(report.Problems))
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	dir := args[0]
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	nodes, err := os.Create(filepath.Join(dir, "nodes.csv"))
	if err != nil {
		return err
	}
	defer nodes.Close()
	if err := admin.ExportNodes(db.Graph(), nodes); err != nil {
		return err
	}
	edges, err := os.Create(filepath.Join(dir, "edges.csv"))
	if err != nil {
		return err
	}
	defer edges.Close()
	if err := admin.ExportEdges(db.Graph(), edges); err != nil {
		return err
	}
	fmt.Printf("Exported to %s\n", dir)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	dir := args[0]
	nodes, err := os.Open(filepath.Join(dir, "nodes.csv"))
	if err != nil {
		return err
	}
	defer nodes.Close()

	var edgeReader *os.File
	edgesPath := filepath.Join(dir, "edges.csv")
	if _, err := os.Stat(edgesPath); err == nil {
		if edgeReader, err = os.Open(edgesPath); err != nil {
			return err
		}
		defer edgeReader.Close()
	}

	var res *admin.ImportResult
	if edgeReader != nil {
		res, err = admin.Import(context.Background(), db.Graph(), nodes, edgeReader)
	} else {
		res, err = admin.Import(context.Background(), db.Graph(), nodes, nil)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d node(s), %d edge(s)\n", res.Nodes, res.Edges)
	return nil
}
