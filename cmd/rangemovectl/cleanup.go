package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arloliu/rangemove/internal/transport"
	"github.com/arloliu/rangemove/types"
)

const cleanupLongDescription = `Command "cleanup"

Delete documents the shard stores for ranges it neither owns nor
is receiving.

The shard refuses while it donates a chunk of the same collection.
With --max-batches the command stops after that many batches and
prints the key to continue from; --all keeps going until the end
of the key space.
`

func cleanupCommand(root *rootCommand) *cobra.Command {
	var (
		maxBatches int
		from       string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup <shard> <namespace>",
		Short: "Delete orphaned documents of a collection",
		Long:  cleanupLongDescription,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			shard := types.ShardID(args[0])
			ns := types.Namespace(args[1])
			if err := ns.Validate(); err != nil {
				return err
			}

			req := &transport.CleanupRequest{Namespace: ns, MaxBatches: maxBatches}
			if from != "" {
				key, err := types.ParseKey(from)
				if err != nil {
					return err
				}
				req.From = &key
			}

			client, err := root.client()
			if err != nil {
				return err
			}

			deleted := 0
			for {
				ctx, cancel := context.WithTimeout(root.ctx, root.timeout)
				resp, err := client.Cleanup(ctx, shard, req)
				cancel()
				if errors.Is(err, types.ErrCleanupBlockedByActiveMigration) {
					return fmt.Errorf("%s is donating a chunk of %s, retry when the migration ends: %w", shard, ns, err)
				}
				if err != nil {
					return err
				}

				deleted += resp.Deleted
				root.logger.Info("cleanup batch done",
					"namespace", ns, "shard", shard, "deleted", resp.Deleted, "batches", resp.Batches)

				if resp.NextKey == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %d orphaned documents of %s on %s\n", deleted, ns, shard)
					return nil
				}
				if !all {
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %d orphaned documents of %s on %s, continue with --from %s\n",
						deleted, ns, shard, resp.NextKey)
					return nil
				}
				req.From = resp.NextKey
			}
		},
	}

	cmd.Flags().IntVar(&maxBatches, "max-batches", 0, "batches per request, 0 scans to the end")
	cmd.Flags().StringVar(&from, "from", "", "key to resume from")
	cmd.Flags().BoolVar(&all, "all", false, "repeat until the end of the key space")

	return cmd
}
