package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wiredove/wiredove/internal/logstore"
	"github.com/wiredove/wiredove/internal/moderation"
)

func validPubkey(arg string) error {
	if !logstore.IsPubkey(arg) {
		return fmt.Errorf("invalid public key %q: want 44 base64 characters", arg)
	}
	return nil
}

func validHash(arg string) error {
	if !logstore.IsHash(arg) {
		return fmt.Errorf("invalid hash %q: want 44 base64 characters", arg)
	}
	return nil
}

func validWord(arg string) error {
	if strings.TrimSpace(arg) == "" {
		return fmt.Errorf("word must not be empty")
	}
	return nil
}

func moderateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "moderate",
		Short: "Edit the local moderation lists",
	}

	mutation := func(use, short string, valid func(string) error, apply func(*moderation.Filter, context.Context, string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := valid(args[0]); err != nil {
					return err
				}
				return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
					return apply(a.filter, ctx, args[0])
				})
			},
		}
	}

	cmd.AddCommand(
		mutation("block <pubkey>", "Block an author", validPubkey, (*moderation.Filter).BlockAuthor),
		mutation("unblock <pubkey>", "Unblock an author", validPubkey, (*moderation.Filter).UnblockAuthor),
		mutation("mute <pubkey>", "Mute an author", validPubkey, (*moderation.Filter).MuteAuthor),
		mutation("unmute <pubkey>", "Unmute an author", validPubkey, (*moderation.Filter).UnmuteAuthor),
		mutation("hide <hash>", "Hide a message", validHash, (*moderation.Filter).HideHash),
		mutation("unhide <hash>", "Unhide a message", validHash, (*moderation.Filter).UnhideHash),
		mutation("mute-word <word>", "Hide messages containing a word", validWord, (*moderation.Filter).MuteWord),
		mutation("unmute-word <word>", "Stop hiding a word", validWord, (*moderation.Filter).UnmuteWord),
	)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the moderation lists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(a.filter.State(ctx))
			})
		},
	})
	return cmd
}
