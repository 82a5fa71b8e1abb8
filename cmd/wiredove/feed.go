package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/wiredove/wiredove/internal/feed"
	"github.com/wiredove/wiredove/internal/feedrows"
)

func feedCmd() *cobra.Command {
	var (
		wait   bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Print a feed view from the local log",
	}
	cmd.PersistentFlags().BoolVar(&wait, "wait", true, "wait for backfill and remote rows before printing")
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print entries as JSON")

	show := func(start func(ctx context.Context, a *app) *feed.View) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				v := start(ctx, a)
				if wait {
					v.Wait()
				}
				return printEntries(cmd.OutOrStdout(), v.Entries(), asJSON)
			})
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "home",
		Short: "The whole local log with ancestor backfill",
		Args:  cobra.NoArgs,
		RunE: show(func(ctx context.Context, a *app) *feed.View {
			return a.orch.StartHome(ctx)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "author <pubkey>",
		Short: "One author's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(func(ctx context.Context, a *app) *feed.View {
				return a.orch.StartAuthor(ctx, args[0])
			})(cmd, args)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "search <hash>",
		Short: "Entries matching a hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(func(ctx context.Context, a *app) *feed.View {
				return a.orch.StartSearch(ctx, args[0])
			})(cmd, args)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "alias <name>",
		Short: "The merged logs of a community alias",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(func(ctx context.Context, a *app) *feed.View {
				res := a.orch.StartAlias(ctx, args[0])
				if res.Primary != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "primary: %s\n", res.Primary)
				}
				return res.View
			})(cmd, args)
		},
	})
	return cmd
}

// withApp builds the engine for a one-shot command and tears it down after
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	return errors.Join(fn(ctx, a), a.close())
}

func printEntries(w io.Writer, entries []feedrows.Entry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	for _, e := range entries {
		ts := time.UnixMilli(e.Ts).UTC().Format(time.RFC3339)
		name, preview, replies := "", "", 0
		if e.Row != nil {
			name, preview, replies = e.Row.Name, e.Row.Preview, e.Row.ReplyCount
		}
		if name == "" {
			name = shorten(e.Author)
		}
		fmt.Fprintf(w, "%s  %s  %-16s  %s", ts, shorten(e.Hash), name, preview)
		if replies > 0 {
			fmt.Fprintf(w, "  [%d replies]", replies)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func shorten(s string) string {
	if len(s) > 10 {
		return s[:10]
	}
	return s
}
