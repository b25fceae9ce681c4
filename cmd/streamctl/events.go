package main

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vx-labs/nestclient/stream"
	"go.uber.org/zap"
)

const eventTemplate = `{{ . | bytesToString }}`

func Events(ctx context.Context, config *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use: "events",
	}
	cmd.PersistentFlags().String("scope", "", "Stream scope")

	put := &cobra.Command{
		Use:     "write",
		Aliases: []string{"put", "w"},
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			writer, err := s.manager.CreateWriter(ctx, config.GetString("scope"), args[0])
			if err != nil {
				stream.L(ctx).Fatal("failed to create writer", zap.Error(err))
			}
			p := []byte(config.GetString("payload"))
			count := config.GetInt("count")
			futures := make([]*stream.WriteFuture, count)
			for i := range futures {
				futures[i] = writer.WriteEvent(ctx, p, config.GetString("routing-key"))
			}
			failed := 0
			for _, future := range futures {
				if err := future.Wait(ctx); err != nil {
					failed++
					stream.L(ctx).Error("failed to write event", zap.Error(err))
				}
			}
			if err := writer.Close(); err != nil {
				stream.L(ctx).Error("failed to close writer", zap.Error(err))
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d events written to %s/%s, %d failed\n", count-failed, config.GetString("scope"), args[0], failed)
		},
	}
	put.Flags().StringP("payload", "p", "", "Payload")
	put.MarkFlagRequired("payload")
	put.Flags().StringP("routing-key", "k", "", "Routing key. Events without routing key are spread over segments.")
	put.Flags().IntP("count", "n", 1, "Write the payload this many times.")
	cmd.AddCommand(put)

	read := &cobra.Command{
		Use:  "read",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			events, err := s.manager.ReadEvents(ctx, config.GetString("scope"), args[0])
			if err != nil {
				stream.L(ctx).Fatal("failed to read events", zap.Error(err))
			}
			tpl := ParseTemplate(config.GetString("format"))
			for _, event := range events {
				tpl.Execute(cmd.OutOrStdout(), event)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d events\n", len(events))
		},
	}
	read.Flags().String("format", eventTemplate, "Format each event using Golang template format.")
	cmd.AddCommand(read)
	return cmd
}

func Transactions(ctx context.Context, config *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "transactions",
		Aliases: []string{"txn"},
	}
	cmd.PersistentFlags().String("scope", "", "Stream scope")

	write := &cobra.Command{
		Use:  "write",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			writer, err := s.manager.CreateTransactionalWriter(ctx, config.GetString("scope"), args[0], rand.Uint64())
			if err != nil {
				stream.L(ctx).Fatal("failed to create transactional writer", zap.Error(err))
			}
			txn, err := writer.BeginTxn(ctx)
			if err != nil {
				stream.L(ctx).Fatal("failed to begin transaction", zap.Error(err))
			}
			ctx = stream.AddFields(ctx, zap.String("txn_id", string(txn.ID())))
			for _, payload := range config.GetStringSlice("payload") {
				if err := txn.WriteEvent(ctx, []byte(payload), config.GetString("routing-key")); err != nil {
					stream.L(ctx).Fatal("failed to write transaction event", zap.Error(err))
				}
			}
			if config.GetBool("abort") {
				err = txn.Abort(ctx)
			} else {
				err = txn.Commit(ctx)
			}
			if err != nil {
				stream.L(ctx).Fatal("failed to settle transaction", zap.Error(err))
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "transaction %s %s\n", txn.ID(), txn.State())
		},
	}
	write.Flags().StringSliceP("payload", "p", nil, "Event payload. May be repeated.")
	write.MarkFlagRequired("payload")
	write.Flags().StringP("routing-key", "k", "", "Routing key applied to every event.")
	write.Flags().Bool("abort", false, "Abort the transaction instead of committing it.")
	cmd.AddCommand(write)
	return cmd
}
