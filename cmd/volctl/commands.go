package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/volrep/internal/cluster"
)

type options struct {
	placement string
	node      string
	timeout   time.Duration
}

func defaultPlacement() string {
	if v := os.Getenv("PLACEMENT_ADDR"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "volctl",
		Short:         "volctl administers volrep volumes and nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.placement, "placement", defaultPlacement(), "placement service URL")
	root.PersistentFlags().StringVar(&opts.node, "node", "", "node URL to send volume requests to (default: the volume's coordinator)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newAssignCmd(opts),
		newReplaceCmd(opts),
		newRemoveCmd(opts),
		newVolumesCmd(opts),
		newNodesCmd(opts),
		newStatusCmd(opts),
		newPutCmd(opts),
		newDeleteCmd(opts),
		newGetCmd(opts),
	)
	return root
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func (o *options) placementClient() *cluster.PlacementClient {
	return cluster.NewPlacementClient(o.placement)
}

// target returns the base URL of the node volume requests go to: --node
// when given, the volume's coordinator otherwise.
func (o *options) target(ctx context.Context, volumeID string) (string, error) {
	if o.node != "" {
		return strings.TrimRight(o.node, "/"), nil
	}
	pc := o.placementClient()
	p, err := pc.Lookup(ctx, volumeID)
	if err != nil {
		return "", err
	}
	addr, err := pc.Resolve(ctx, p.Coordinator)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(addr, "/"), nil
}

func printJSON(w io.Writer, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(raw))
	return err
}

func newAssignCmd(opts *options) *cobra.Command {
	var (
		replicas    []string
		coordinator string
		quorum      int
	)
	cmd := &cobra.Command{
		Use:   "assign <volume>",
		Short: "Place a volume on a replica set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			p, err := opts.placementClient().Assign(ctx, cluster.Placement{
				VolumeID:    args[0],
				Replicas:    replicas,
				Coordinator: coordinator,
				Quorum:      quorum,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	cmd.Flags().StringSliceVar(&replicas, "replicas", nil, "replica node ids")
	cmd.Flags().StringVar(&coordinator, "coordinator", "", "coordinator node id (default: first replica)")
	cmd.Flags().IntVar(&quorum, "quorum", 0, "write quorum (default: majority)")
	_ = cmd.MarkFlagRequired("replicas")
	return cmd
}

func newReplaceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "replace <volume> <old-node> <new-node>",
		Short: "Swap one replica of a volume for another",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			p, err := opts.placementClient().Replace(ctx, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
}

func newRemoveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <volume>",
		Short: "Forget a volume's placement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			if err := opts.placementClient().Remove(ctx, args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return err
		},
	}
}

func newVolumesCmd(opts *options) *cobra.Command {
	var node string
	cmd := &cobra.Command{
		Use:   "volumes",
		Short: "List volume placements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			vols, err := opts.placementClient().Volumes(ctx, node)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VOLUME\tEPOCH\tCOORDINATOR\tQUORUM\tREPLICAS")
			for _, p := range vols {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\n", p.VolumeID, p.Epoch, p.Coordinator, p.Quorum, strings.Join(p.Replicas, ","))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&node, "on", "", "only volumes with a replica on this node")
	return cmd
}

type nodeSummary struct {
	Replicas []struct {
		VolumeID   string        `json:"volume_id"`
		State      cluster.State `json:"state"`
		SequenceID uint64        `json:"sequence_id"`
	} `json:"replicas"`
	Groups []string `json:"groups"`
}

// newNodesCmd lists registered nodes and asks each, in parallel, what it
// hosts. Unreachable nodes are shown with the error instead.
func newNodesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List registered nodes and what they host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			nodes, err := opts.placementClient().Nodes(ctx)
			if err != nil {
				return err
			}

			summaries := make([]nodeSummary, len(nodes))
			errs := make([]error, len(nodes))
			var eg errgroup.Group
			for i, n := range nodes {
				eg.Go(func() error {
					errs[i] = cluster.GetJSON(ctx, strings.TrimRight(n.Addr, "/")+"/info", &summaries[i])
					return nil
				})
			}
			_ = eg.Wait()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NODE\tADDR\tHEALTH\tREPLICAS\tGROUPS")
			for i, n := range nodes {
				status := n.Status
				if status == "" {
					status = "unknown"
				}
				if errs[i] != nil {
					fmt.Fprintf(tw, "%s\t%s\t%s\t-\t%v\n", n.ID, n.Addr, status, errs[i])
					continue
				}
				reps := make([]string, 0, len(summaries[i].Replicas))
				for _, r := range summaries[i].Replicas {
					reps = append(reps, fmt.Sprintf("%s(%s@%d)", r.VolumeID, r.State, r.SequenceID))
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", n.ID, n.Addr, status, strings.Join(reps, ","), strings.Join(summaries[i].Groups, ","))
			}
			return tw.Flush()
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <volume>",
		Short: "Show a volume group's state as its coordinator sees it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			base, err := opts.target(ctx, args[0])
			if err != nil {
				return err
			}
			var st json.RawMessage
			if err := cluster.GetJSON(ctx, base+"/groups/"+url.PathEscape(args[0])+"/status", &st); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

type keyValue struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type writeResult struct {
	OpID     uint64 `json:"op_id"`
	CommitID uint64 `json:"commit_id"`
}

func mutate(cmd *cobra.Command, opts *options, op, volumeID string, kv keyValue) error {
	ctx, cancel := opts.context(cmd)
	defer cancel()
	base, err := opts.target(ctx, volumeID)
	if err != nil {
		return err
	}
	var res writeResult
	if err := cluster.PostJSON(ctx, base+"/groups/"+url.PathEscape(volumeID)+"/"+op, kv, &res); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok op=%d commit=%d\n", res.OpID, res.CommitID)
	return err
}

func newPutCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "put <volume> <key> <value>",
		Short: "Write a key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, opts, "put", args[0], keyValue{Key: args[1], Value: args[2]})
		},
	}
}

func newDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <volume> <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, opts, "delete", args[0], keyValue{Key: args[1]})
		},
	}
}

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <volume> <key>",
		Short: "Read a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			base, err := opts.target(ctx, args[0])
			if err != nil {
				return err
			}
			var out keyValue
			u := base + "/groups/" + url.PathEscape(args[0]) + "/get?key=" + url.QueryEscape(args[1])
			if err := cluster.GetJSON(ctx, u, &out); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out.Value)
			return err
		},
	}
}
