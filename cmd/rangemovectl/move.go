package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arloliu/rangemove/internal/transport"
	"github.com/arloliu/rangemove/types"
)

const moveLongDescription = `Command "move"

Move the chunk [min, max) of a collection from the donor shard
to another shard. Keys are integers or "min"/"max".

The command returns when the migration is done or aborted. An
aborted migration leaves ownership unchanged.
`

func moveCommand(root *rootCommand) *cobra.Command {
	var waitForDelete bool

	cmd := &cobra.Command{
		Use:   "move <donor> <namespace> <min> <max> <recipient>",
		Short: "Move a chunk to another shard",
		Long:  moveLongDescription,
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			minKey, err := types.ParseKey(args[2])
			if err != nil {
				return err
			}
			maxKey, err := types.ParseKey(args[3])
			if err != nil {
				return err
			}

			req := &transport.MoveRequest{
				Namespace:     types.Namespace(args[1]),
				Range:         types.Range{Min: minKey, Max: maxKey},
				To:            types.ShardID(args[4]),
				WaitForDelete: waitForDelete,
			}
			if err := req.Namespace.Validate(); err != nil {
				return err
			}
			if err := req.Range.Validate(); err != nil {
				return err
			}

			client, err := root.client()
			if err != nil {
				return err
			}

			// Bounded by the signal context only; the donor answers when the migration ends.
			resp, err := client.Move(root.ctx, types.ShardID(args[0]), req)
			if err != nil {
				return fmt.Errorf("move %s of %s failed: %w", req.Range, req.Namespace, err)
			}

			root.logger.Info("chunk moved",
				"namespace", req.Namespace, "range", req.Range.String(), "shard", req.To, "version", resp.Version.String())
			fmt.Fprintf(cmd.OutOrStdout(), "moved %s of %s to %s, collection version %s\n",
				req.Range, req.Namespace, req.To, resp.Version)

			return nil
		},
	}

	cmd.Flags().BoolVar(&waitForDelete, "wait-for-delete", false, "delete the moved documents on the donor before returning")

	return cmd
}
