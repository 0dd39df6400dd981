package main

import (
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/flocknode/sheepcore/common/idstring"
	"github.com/flocknode/sheepcore/config"
	"github.com/flocknode/sheepcore/epochlog"
	"github.com/flocknode/sheepcore/leavelist"
	"github.com/flocknode/sheepcore/registry/membership"
)

func newNodesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "dump the current member and leave-list state from a node's data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			config.BindFlags(cmd.Flags(), v)
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return printNodes(cfg)
		},
	}
	config.BindFlags(cmd.Flags(), v)
	return cmd
}

// printNodes reopens a node's epoch log offline, replays it onto a fresh
// registry (a node's registry is itself an in-memory projection of the
// log's latest epoch, per spec §4.1), and renders the result alongside an
// empty leave list placeholder — the leave list has no durable store of
// its own in this design (spec §4.4: it is rebuilt from live OnLeave
// callbacks, not persisted), so offline inspection can only report the
// committed membership, not in-flight leaves.
func printNodes(cfg config.Config) error {
	elog, err := epochlog.Open(cfg.DataDir + "/epochlog")
	if err != nil {
		return fmt.Errorf("nodes: open epoch log: %w", err)
	}
	defer elog.Close()

	latest := elog.Latest()
	members, err := elog.Read(latest)
	if err != nil {
		return fmt.Errorf("nodes: read epoch %d: %w", latest, err)
	}

	reg := membership.New()
	reg.Replace(members)
	ll := leavelist.New()

	renderNodeTable(os.Stdout, latest, reg, ll)
	return nil
}

func renderNodeTable(out io.Writer, epoch uint32, reg *membership.Registry, ll *leavelist.List) {
	fmt.Fprintf(out, "epoch %d, %d members, %d zones, %d in leave list\n",
		epoch, reg.Size(), reg.NrZones(), ll.Size())

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "Address", "Port", "Zone", "Vnode Weight", "Gateway"})
	for _, n := range reg.Snapshot().Sorted() {
		table.Append([]string{
			idstring.Encode([]byte(n.ID.String())),
			n.ID.Addr,
			fmt.Sprintf("%d", n.ID.Port),
			fmt.Sprintf("%d", n.Zone),
			fmt.Sprintf("%d", n.VnodeWeight),
			fmt.Sprintf("%v", n.IsGateway()),
		})
	}
	table.Render()

	if ll.Size() > 0 {
		fmt.Fprintln(out)
		leaveTable := tablewriter.NewWriter(out)
		leaveTable.SetHeader([]string{"ID", "Leaving Address", "Port"})
		for _, n := range ll.Snapshot().Sorted() {
			leaveTable.Append([]string{idstring.Encode([]byte(n.ID.String())), n.ID.Addr, fmt.Sprintf("%d", n.ID.Port)})
		}
		leaveTable.Render()
	}
}
