package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vx-labs/nestclient/stream"
	"go.uber.org/zap"
)

func Scopes(ctx context.Context, config *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "scopes",
		Aliases: []string{"scope"},
	}
	create := &cobra.Command{
		Use:     "create",
		Aliases: []string{"new"},
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			created, err := s.manager.CreateScope(ctx, args[0])
			if err != nil {
				stream.L(ctx).Fatal("failed to create scope", zap.Error(err))
			}
			if !created {
				fmt.Fprintf(cmd.ErrOrStderr(), "scope %s already exists\n", args[0])
			}
		},
	}
	cmd.AddCommand(create)

	remove := &cobra.Command{
		Use:     "delete",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			deleted, err := s.manager.DeleteScope(ctx, args[0])
			if err != nil {
				stream.L(ctx).Fatal("failed to delete scope", zap.Error(err))
			}
			if !deleted {
				fmt.Fprintf(cmd.ErrOrStderr(), "scope %s does not exist\n", args[0])
			}
		},
	}
	cmd.AddCommand(remove)

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Run: func(cmd *cobra.Command, _ []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			scopes, err := s.manager.ListScopes(ctx)
			if err != nil {
				stream.L(ctx).Fatal("failed to list scopes", zap.Error(err))
			}
			sort.Strings(scopes)
			table := getTable([]string{"Scope"}, cmd.OutOrStdout())
			for _, scope := range scopes {
				table.Append([]string{scope})
			}
			table.Render()
		},
	}
	cmd.AddCommand(list)
	return cmd
}
