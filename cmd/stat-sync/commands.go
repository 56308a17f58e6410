package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/mkarlsen/statclient/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	fetchCmd = &cobra.Command{
		Use:   "fetch <resource-id>",
		Short: "Fetch one resource, honoring the update check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			params := url.Values{}
			for _, p := range viper.GetStringSlice("param") {
				if k, v, ok := parseParam(p); ok {
					params.Add(k, v)
				} else {
					return fmt.Errorf("invalid --param %q, want key=value", p)
				}
			}

			res := c.FetchResource(ctx, args[0], client.FetchOptions{
				Params: params,
				Force:  viper.GetBool("force"),
			})
			printResult(cmd, args[0], res)
			if !res.Success {
				return res.Err
			}

			if out := viper.GetString("output"); out != "" && !res.UpToDate {
				if err := os.WriteFile(out, res.Payload, 0o644); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
			}
			return nil
		},
	}

	refreshCmd = &cobra.Command{
		Use:   "refresh",
		Short: "Sweep the metadata cache, refreshing expired entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			summary := c.RefreshExpired(ctx, viper.GetBool("force"))
			cmd.Printf("expired: %d  refreshed: %d  failed: %d  total cached: %d\n",
				len(summary.ExpiredIDs), summary.Refreshed, summary.Failed, summary.Total)
			if summary.Failed > 0 {
				return fmt.Errorf("%d of %d refreshes failed", summary.Failed, len(summary.ExpiredIDs))
			}
			return nil
		},
	}

	checkCmd = &cobra.Command{
		Use:   "check <resource-id>",
		Short: "Run the update check and print the decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			d := c.ShouldRefetch(ctx, args[0])
			cmd.Printf("%s: refetch=%v reason=%s\n", args[0], d.Needed, d.Reason)
			return nil
		},
	}

	archiveCmd = &cobra.Command{
		Use:   "archive <remote-path> <local-path>",
		Short: "Download a binary resource when the local copy is stale",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			remote, err := archiveURL(args[0])
			if err != nil {
				return err
			}

			res := c.SyncArchive(ctx, remote, args[1])
			printResult(cmd, args[0], res)
			if !res.Success {
				return res.Err
			}
			return nil
		},
	}
)

func init() {
	fetchCmd.Flags().Bool("force", false, "fetch even when the update check says up to date")
	fetchCmd.Flags().StringSlice("param", nil, "query parameter as key=value (repeatable)")
	fetchCmd.Flags().String("output", "", "write the payload to this file")
	refreshCmd.Flags().Bool("force", false, "refresh every cached entry regardless of expiry")

	rootCmd.AddCommand(archiveCmd)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM so an
// in-flight backoff or throttle wait aborts cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseParam(p string) (string, string, bool) {
	for i := 0; i < len(p); i++ {
		if p[i] == '=' {
			return p[:i], p[i+1:], i > 0
		}
	}
	return "", "", false
}

func printResult(cmd *cobra.Command, name string, res client.Result) {
	switch {
	case res.UpToDate:
		cmd.Printf("%s: up to date\n", name)
	case res.Success:
		cmd.Printf("%s: fetched %d bytes in %d attempt(s) via %s (checksum %x)\n",
			name, len(res.Payload), res.Attempts, res.Method, res.Checksum)
	default:
		cmd.Printf("%s: failed after %d attempt(s): %v\n", name, res.Attempts, res.Err)
	}
}
