// Command beepctl is a companion inspection CLI for BEEP peers: it dials a
// listener, completes the greeting exchange, and prints what the peer
// advertised — following marmos91-dittofs's dittofsctl pattern of a thin
// cobra client with table-rendered output via olekukonko/tablewriter.
package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/beepproto/beep"
)

func main() {
	root := &cobra.Command{
		Use:           "beepctl",
		Short:         "Inspect a BEEP peer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(profilesCmd())
	root.AddCommand(channelsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "beepctl:", err)
		os.Exit(1)
	}
}

func dial(addr string) (*beep.Context, *beep.Connection, error) {
	ctx, err := beep.NewContext(nil)
	if err != nil {
		return nil, nil, err
	}
	conn, err := beep.Connect(ctx, "tcp", addr)
	if err != nil {
		ctx.Close()
		return nil, nil, err
	}
	return ctx, conn, nil
}

func profilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles <addr>",
		Short: "Greet a peer and print the profiles it advertised",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, conn, err := dial(args[0])
			if err != nil {
				return err
			}
			defer ctx.Close()

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Profile URI"})
			table.SetAutoWrapText(false)
			table.SetBorder(false)
			for _, uri := range conn.PeerProfiles() {
				table.Append([]string{uri})
			}
			table.Render()
			return nil
		},
	}
}

func channelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels <addr>",
		Short: "Greet a peer and print its channel table (just channel 0, until a <start> is issued)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, conn, err := dial(args[0])
			if err != nil {
				return err
			}
			defer ctx.Close()

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Channel", "State", "Profile"})
			table.SetAutoWrapText(false)
			table.SetBorder(false)
			for _, ch := range conn.Channels() {
				table.Append([]string{
					fmt.Sprintf("%d", ch.Number()),
					ch.State().String(),
					ch.ProfileURI(),
				})
			}
			table.Render()
			return nil
		},
	}
}
