package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/verifyd/internal/model"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Inspect and manage worker servers",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered worker servers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		servers, err := st.ListServers(ctx)
		if err != nil {
			return eris.Wrap(err, "servers list")
		}

		if len(servers) == 0 {
			fmt.Fprintln(os.Stderr, "No servers registered.")
			return nil
		}

		formatServersList(os.Stdout, servers, cfg.Server.HeartbeatThreshold())
		return nil
	},
}

var serversDrainCmd = &cobra.Command{
	Use:   "drain <server-id>",
	Short: "Stop handing new chunks to a server",
	Args:  cobra.ExactArgs(1),
	RunE:  setDraining(true),
}

var serversActivateCmd = &cobra.Command{
	Use:   "activate <server-id>",
	Short: "Resume handing chunks to a drained server",
	Args:  cobra.ExactArgs(1),
	RunE:  setDraining(false),
}

func setDraining(draining bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.SetServerDraining(ctx, args[0], draining); err != nil {
			return eris.Wrapf(err, "servers drain=%v", draining)
		}

		state := "active"
		if draining {
			state = "draining"
		}
		fmt.Fprintf(os.Stdout, "server %s: %s\n", args[0], state)
		return nil
	}
}

func formatServersList(w io.Writer, servers []model.WorkerServer, threshold time.Duration) {
	now := time.Now().UTC()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPOOL\tREGION\tONLINE\tDRAINING\tSTALE\tLAST HEARTBEAT")
	for i := range servers {
		s := &servers[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%v\t%v\t%s\n",
			s.ID, s.Pool, s.Region, s.Online, s.Draining,
			s.Stale(now, threshold),
			s.LastHeartbeatAt.Format(time.RFC3339),
		)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	serversCmd.AddCommand(serversListCmd)
	serversCmd.AddCommand(serversDrainCmd)
	serversCmd.AddCommand(serversActivateCmd)
	rootCmd.AddCommand(serversCmd)
}
