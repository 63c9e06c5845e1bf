// Package main provides kvmuxctl, the command line client for a running
// kvmux controller's control socket.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/kvmux/internal/config"
	"github.com/postalsys/kvmux/internal/control"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		socketPath string
		timeout    time.Duration
	)

	rootCmd := &cobra.Command{
		Use:           "kvmuxctl",
		Short:         "Control a running kvmux controller",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", config.Default().Control.SocketPath, "Path to the controller's control socket")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	// withClient runs fn against the control socket.
	withClient := func(fn func(ctx context.Context, c *control.Client) error) error {
		c := control.NewClient(socketPath)
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return fn(ctx, c)
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show remotes and the focused node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *control.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), renderStatus(st, time.Now()))
				return nil
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "reconnect [node]",
		Short: "Reconnect one remote, or reset every remote",
		Long: `Reconnect tears down the named remote if it is live and makes it
eligible to reconnect immediately. Without a node it resets every remote,
including permanently failed ones, like the reconnect hotkey.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node := ""
			if len(args) == 1 {
				node = args[0]
			}
			return withClient(func(ctx context.Context, c *control.Client) error {
				return c.Reconnect(ctx, node)
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "focus <node>",
		Short: "Move input focus to a node (\"master\" for the controller)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *control.Client) error {
				return c.Focus(ctx, args[0])
			})
		},
	})

	return rootCmd
}
