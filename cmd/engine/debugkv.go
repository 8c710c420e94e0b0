package main

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pegboardhq/engine/pkg/kv"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Low-level debugging commands against the embedded KV store",
}

var debugKvCmd = &cobra.Command{
	Use:   "kv <subspace-name>",
	Short: "Dump every raw key/value entry under a subspace",
	Long: `debug kv looks up <subspace-name> in pkg/kv's subspace table (e.g.
ENGINE or ACTOR_KV) and dumps every entry whose key starts with that
subspace's one-byte prefix, base64-encoding both key and value.`,
	Args: cobra.ExactArgs(1),
	RunE: runDebugKv,
}

var debugKvDataDir string

func init() {
	debugKvCmd.Flags().StringVar(&debugKvDataDir, "data-dir", "./data/engine.db", "Path to the embedded KV store file")
	debugCmd.AddCommand(debugKvCmd)
}

func runDebugKv(cmd *cobra.Command, args []string) error {
	subspace, ok := kv.SubspacePrefix(args[0])
	if !ok {
		return fmt.Errorf("unknown subspace %q", args[0])
	}

	db, err := kv.Open(debugKvDataDir)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer db.Close()

	return kv.Run(context.Background(), db, false, func(txn *kv.Txn) error {
		for _, e := range txn.GetRange([]byte{byte(subspace)}, 0) {
			fmt.Printf("%s = %s\n",
				base64.StdEncoding.EncodeToString(e.Key),
				base64.StdEncoding.EncodeToString(e.Value))
		}
		return nil
	})
}
