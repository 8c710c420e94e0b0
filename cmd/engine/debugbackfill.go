package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pegboardhq/engine/pkg/kv"
	"github.com/pegboardhq/engine/pkg/pegboard/actor"
)

// debugBackfillCmd rewrites every entry under a subspace through its codec's
// decode+encode, the one-shot migration step ahead of a release that drops
// support for reading an older schema version in place.
var debugBackfillCmd = &cobra.Command{
	Use:   "backfill <subspace-name>",
	Short: "Rewrite every entry under a subspace to the current schema version",
	Args:  cobra.ExactArgs(1),
	RunE:  runDebugBackfill,
}

var debugBackfillDataDir string

func init() {
	debugBackfillCmd.Flags().StringVar(&debugBackfillDataDir, "data-dir", "./data/engine.db", "Path to the embedded KV store file")
	debugCmd.AddCommand(debugBackfillCmd)
}

func runDebugBackfill(cmd *cobra.Command, args []string) error {
	subspace, ok := kv.SubspacePrefix(args[0])
	if !ok {
		return fmt.Errorf("unknown subspace %q", args[0])
	}

	db, err := kv.Open(debugBackfillDataDir)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer db.Close()

	// Only SubspaceActor has a registered codec today; other subspaces'
	// records either have no schema history yet or are rebuilt wholesale
	// by their owning workflow rather than migrated in place.
	if subspace != kv.SubspaceActor {
		return fmt.Errorf("subspace %q has no registered backfill codec", args[0])
	}

	rewritten, err := kv.Backfill(context.Background(), db, []byte{byte(subspace)}, actor.Codec())
	if err != nil {
		return err
	}
	fmt.Printf("rewrote %d entries under %s\n", rewritten, args[0])
	return nil
}
