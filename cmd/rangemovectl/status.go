package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/arloliu/rangemove"
	"github.com/arloliu/rangemove/internal/membership"
	"github.com/arloliu/rangemove/internal/transport"
	"github.com/arloliu/rangemove/types"
)

const statusLongDescription = `Command "status"

Print the migration state of shards: active migrations,
ranges being received, donor and recipient states, installed
layout versions and owned ranges.

Without arguments every shard holding a membership lease
is reported.
`

// shardReport is the printed form of a shard status.
type shardReport struct {
	Shard     types.ShardID                `yaml:"shard"`
	Error     string                       `yaml:"error,omitempty"`
	Active    []activeReport               `yaml:"active,omitempty"`
	Pending   []pendingReport              `yaml:"pending,omitempty"`
	Donor     map[types.Namespace]string   `yaml:"donor,omitempty"`
	Recipient map[types.Namespace]string   `yaml:"recipient,omitempty"`
	Layouts   map[types.Namespace]string   `yaml:"layouts,omitempty"`
	Owned     map[types.Namespace][]string `yaml:"owned,omitempty"`
}

type activeReport struct {
	Namespace types.Namespace `yaml:"namespace"`
	Role      string          `yaml:"role"`
	Range     string          `yaml:"range"`
	Session   types.SessionID `yaml:"session"`
	Phase     string          `yaml:"phase"`
}

type pendingReport struct {
	Namespace types.Namespace `yaml:"namespace"`
	Range     string          `yaml:"range"`
	From      types.ShardID   `yaml:"from"`
	Session   types.SessionID `yaml:"session"`
}

func statusCommand(root *rootCommand) *cobra.Command {
	var bucket string

	cmd := &cobra.Command{
		Use:   "status [shard...]",
		Short: "Show the migration state of shards",
		Long:  statusLongDescription,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.client()
			if err != nil {
				return err
			}

			if len(args) == 0 {
				if args, err = root.liveShards(bucket); err != nil {
					return err
				}
				if len(args) == 0 {
					return fmt.Errorf("no live shards in bucket %s", bucket)
				}
			}

			reports := make([]shardReport, len(args))
			g, ctx := errgroup.WithContext(root.ctx)
			for i, arg := range args {
				g.Go(func() error {
					reports[i] = root.fetchStatus(ctx, client, types.ShardID(arg))
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()

			return enc.Encode(reports)
		},
	}

	cmd.Flags().StringVar(&bucket, "membership-bucket", rangemove.DefaultConfig().KVBuckets.MembershipBucket,
		"KV bucket holding shard membership leases")

	return cmd
}

// liveShards lists the shards holding a membership lease in bucket.
func (root *rootCommand) liveShards(bucket string) ([]string, error) {
	js, err := jetstream.New(root.nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(root.ctx, root.timeout)
	defer cancel()

	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open membership bucket %s: %w", bucket, err)
	}

	members, err := membership.List(ctx, kv)
	if err != nil {
		return nil, err
	}

	shards := make([]string, 0, len(members))
	for _, m := range members {
		shards = append(shards, string(m.Shard))
	}

	return shards, nil
}

// fetchStatus never fails; an unreachable shard is reported with its error.
func (root *rootCommand) fetchStatus(ctx context.Context, client *transport.Client, shard types.ShardID) shardReport {
	report := shardReport{Shard: shard}

	st, err := client.Status(ctx, shard)
	if err != nil {
		root.logger.Warn("failed to fetch shard status", "shard", shard, "error", err)
		report.Error = err.Error()

		return report
	}

	for _, a := range st.Active {
		report.Active = append(report.Active, activeReport{
			Namespace: a.Namespace,
			Role:      a.Role.String(),
			Range:     a.Range.String(),
			Session:   a.SessionID,
			Phase:     a.Phase.String(),
		})
	}
	for _, p := range st.Pending {
		report.Pending = append(report.Pending, pendingReport{
			Namespace: p.Namespace,
			Range:     p.Range.String(),
			From:      p.From,
			Session:   p.SessionID,
		})
	}
	report.Donor = st.Donor
	report.Recipient = st.Recipient
	report.Layouts = st.Layouts
	if len(st.Owned) > 0 {
		report.Owned = make(map[types.Namespace][]string, len(st.Owned))
		for ns, ranges := range st.Owned {
			for _, r := range ranges {
				report.Owned[ns] = append(report.Owned[ns], r.String())
			}
		}
	}

	return report
}
