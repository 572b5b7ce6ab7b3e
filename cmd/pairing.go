package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/msggate/internal/access"
	"github.com/nextlevelbuilder/msggate/internal/config"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage channel pairing requests",
	}
	cmd.AddCommand(pairingListCmd())
	cmd.AddCommand(pairingApproveCmd())
	return cmd
}

func openPairingStore() (*access.PairingStore, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	return access.OpenPairingStore(config.ExpandHome(cfg.Gateway.PairingDB))
}

func pairingListCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openPairingStore()
			if err != nil {
				return err
			}
			defer st.Close()

			reqs, err := st.List(context.Background(), channel)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CHANNEL\tSENDER\tCODE\tCREATED\tAPPROVED")
			for _, r := range reqs {
				approved := "-"
				if r.Approved() {
					approved = r.ApprovedAt.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.Channel, r.SenderID, r.Code,
					r.CreatedAt.Local().Format(time.RFC3339), approved)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "filter by channel")
	return cmd
}

func pairingApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <channel> <code>",
		Short: "Approve a pairing code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openPairingStore()
			if err != nil {
				return err
			}
			defer st.Close()

			sender, err := st.Approve(context.Background(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("approved %s on %s\n", sender, args[0])
			return nil
		},
	}
}
