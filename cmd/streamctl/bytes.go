package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vx-labs/nestclient/stream"
	"go.uber.org/zap"
)

const byteStreamTemplate = `Head: {{ .Head }} Tail: {{ .Tail }} ({{ .Size | humanBytes }})`

type byteStreamInfo struct {
	Head int64
	Tail int64
	Size int64
}

func Bytes(ctx context.Context, config *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use: "bytes",
	}
	cmd.PersistentFlags().String("scope", "", "Stream scope")

	write := &cobra.Command{
		Use:  "write",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			b, err := s.manager.CreateByteStream(ctx, config.GetString("scope"), args[0])
			if err != nil {
				stream.L(ctx).Fatal("failed to open byte stream", zap.Error(err))
			}
			var n int64
			if config.IsSet("payload") && config.GetString("payload") != "" {
				written, err := b.Write([]byte(config.GetString("payload")))
				n = int64(written)
				if err != nil {
					stream.L(ctx).Fatal("failed to write byte stream", zap.Error(err))
				}
			} else {
				n, err = io.Copy(b, os.Stdin)
				if err != nil {
					stream.L(ctx).Fatal("failed to write byte stream", zap.Error(err))
				}
			}
			if err := b.Close(); err != nil {
				stream.L(ctx).Fatal("failed to flush byte stream", zap.Error(err))
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s written\n", humanBytes(n))
		},
	}
	write.Flags().StringP("payload", "p", "", "Payload. Standard input is used when empty.")
	cmd.AddCommand(write)

	read := &cobra.Command{
		Use:  "read",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			b, err := s.manager.CreateByteStream(ctx, config.GetString("scope"), args[0])
			if err != nil {
				stream.L(ctx).Fatal("failed to open byte stream", zap.Error(err))
			}
			offset := b.CurrentHeadOffset()
			if cmd.Flags().Changed("from-offset") {
				offset = config.GetInt64("from-offset")
			}
			if _, err := b.Seek(offset, io.SeekStart); err != nil {
				stream.L(ctx).Fatal("failed to seek byte stream", zap.Error(err))
			}
			if _, err := io.Copy(cmd.OutOrStdout(), b); err != nil {
				stream.L(ctx).Fatal("failed to read byte stream", zap.Error(err))
			}
		},
	}
	read.Flags().Int64("from-offset", 0, "Start reading at this offset. Defaults to the head offset.")
	cmd.AddCommand(read)

	truncate := &cobra.Command{
		Use:  "truncate",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			b, err := s.manager.CreateByteStream(ctx, config.GetString("scope"), args[0])
			if err != nil {
				stream.L(ctx).Fatal("failed to open byte stream", zap.Error(err))
			}
			if err := b.Truncate(config.GetInt64("offset")); err != nil {
				stream.L(ctx).Fatal("failed to truncate byte stream", zap.Error(err))
			}
		},
	}
	truncate.Flags().Int64("offset", 0, "Discard data before this offset.")
	truncate.MarkFlagRequired("offset")
	cmd.AddCommand(truncate)

	info := &cobra.Command{
		Use:  "info",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			b, err := s.manager.CreateByteStream(ctx, config.GetString("scope"), args[0])
			if err != nil {
				stream.L(ctx).Fatal("failed to open byte stream", zap.Error(err))
			}
			out := byteStreamInfo{Head: b.CurrentHeadOffset(), Tail: b.CurrentTailOffset()}
			out.Size = out.Tail - out.Head
			if err := ParseTemplate(config.GetString("format")).Execute(cmd.OutOrStdout(), out); err != nil {
				stream.L(ctx).Error("failed to format byte stream", zap.Error(err))
			}
		},
	}
	info.Flags().String("format", byteStreamTemplate, "Format the byte stream watermarks using Golang template format.")
	cmd.AddCommand(info)
	return cmd
}
