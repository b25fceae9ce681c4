package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vx-labs/nestclient/storage"
	"github.com/vx-labs/nestclient/stream"
	"go.uber.org/zap"
)

const streamTemplate = `• {{ .Scope | faint }}/{{ .Stream | yellow }}
  Scaling: {{ .Scaling }}
  Retention: {{ .Retention }}
  Tags: {{ range $tag := .Tags }}{{ $tag }} {{ end }}`

func Streams(ctx context.Context, config *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "streams",
		Aliases: []string{"stream"},
	}
	cmd.PersistentFlags().String("scope", "", "Stream scope")

	create := &cobra.Command{
		Use:     "create",
		Aliases: []string{"new"},
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			opts, err := streamOptions(cmd, config, false)
			if err != nil {
				stream.L(ctx).Fatal("invalid stream policy", zap.Error(err))
			}
			created, err := s.manager.CreateStreamWithPolicy(ctx, config.GetString("scope"), args[0], opts...)
			if err != nil {
				stream.L(ctx).Fatal("failed to create stream", zap.Error(err))
			}
			if !created {
				fmt.Fprintf(cmd.ErrOrStderr(), "stream %s/%s already exists\n", config.GetString("scope"), args[0])
			}
		},
	}
	addPolicyFlags(create)
	cmd.AddCommand(create)

	update := &cobra.Command{
		Use:  "update",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			opts, err := streamOptions(cmd, config, true)
			if err != nil {
				stream.L(ctx).Fatal("invalid stream policy", zap.Error(err))
			}
			if err := s.manager.UpdateStreamWithPolicy(ctx, config.GetString("scope"), args[0], opts...); err != nil {
				stream.L(ctx).Fatal("failed to update stream", zap.Error(err))
			}
		},
	}
	addPolicyFlags(update)
	cmd.AddCommand(update)

	describe := &cobra.Command{
		Use:     "describe",
		Aliases: []string{"get"},
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			out, err := s.manager.GetStreamConfiguration(ctx, config.GetString("scope"), args[0])
			if err != nil {
				stream.L(ctx).Fatal("failed to describe stream", zap.Error(err))
			}
			if err := ParseTemplate(config.GetString("format")).Execute(cmd.OutOrStdout(), out); err != nil {
				stream.L(ctx).Error("failed to format stream", zap.Error(err))
			}
		},
	}
	describe.Flags().String("format", streamTemplate, "Format the stream using Golang template format.")
	cmd.AddCommand(describe)

	tags := &cobra.Command{
		Use:  "tags",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			out, err := s.manager.GetStreamTags(ctx, config.GetString("scope"), args[0])
			if err != nil {
				stream.L(ctx).Fatal("failed to get stream tags", zap.Error(err))
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(out, "\n"))
		},
	}
	cmd.AddCommand(tags)

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Run: func(cmd *cobra.Command, _ []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			out, err := s.manager.ListStreams(ctx, config.GetString("scope"))
			if err != nil {
				stream.L(ctx).Fatal("failed to list streams", zap.Error(err))
			}
			sort.Slice(out, func(i, j int) bool {
				return strings.Compare(out[i].Name, out[j].Name) == -1
			})
			table := getTable([]string{"Scope", "Name"}, cmd.OutOrStdout())
			for _, elt := range out {
				table.Append([]string{elt.Scope, elt.Name})
			}
			table.Render()
		},
	}
	cmd.AddCommand(list)

	segments := &cobra.Command{
		Use:  "segments",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			id := storage.Stream{Scope: config.GetString("scope"), Name: args[0]}
			set, err := s.service.GetSegments(ctx, id)
			if err != nil {
				stream.L(ctx).Fatal("failed to list segments", zap.Error(err))
			}
			table := getTable([]string{"Segment", "Key range", "Head", "Tail", "Size", "Log files", "Stored"}, cmd.OutOrStdout())
			for _, segment := range set.Segments {
				info, err := s.service.GetSegmentInfo(ctx, segment.Segment)
				if err != nil {
					stream.L(ctx).Fatal("failed to describe segment", zap.Error(err), zap.String("segment", segment.Segment.String()))
				}
				statistics, err := s.service.SegmentStatistics(ctx, segment.Segment)
				if err != nil {
					stream.L(ctx).Fatal("failed to get segment statistics", zap.Error(err), zap.String("segment", segment.Segment.String()))
				}
				table.Append([]string{
					fmt.Sprintf("%d", segment.Segment.Number),
					fmt.Sprintf("[%.3f, %.3f)", segment.Range.Low, segment.Range.High),
					fmt.Sprintf("%d", info.StartOffset),
					fmt.Sprintf("%d", info.WriteOffset),
					humanBytes(info.WriteOffset - info.StartOffset),
					fmt.Sprintf("%d", statistics.SegmentCount),
					humanBytes(int64(statistics.StoredBytes)),
				})
			}
			table.Render()
			fmt.Fprintf(cmd.ErrOrStderr(), "epoch %d, sealed: %v\n", set.Epoch, set.Sealed)
		},
	}
	cmd.AddCommand(segments)

	scale := &cobra.Command{
		Use:  "scale",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			ranges := []storage.KeyRange{}
			for _, value := range config.GetStringSlice("range") {
				keyRange, err := parseKeyRange(value)
				if err != nil {
					stream.L(ctx).Fatal("invalid key range", zap.Error(err))
				}
				ranges = append(ranges, keyRange)
			}
			numbers, err := cmd.Flags().GetIntSlice("seal")
			if err != nil {
				stream.L(ctx).Fatal("invalid sealed segment list", zap.Error(err))
			}
			sealed := []int64{}
			for _, number := range numbers {
				sealed = append(sealed, int64(number))
			}
			id := storage.Stream{Scope: config.GetString("scope"), Name: args[0]}
			if err := s.service.Scale(ctx, id, sealed, ranges); err != nil {
				stream.L(ctx).Fatal("failed to scale stream", zap.Error(err))
			}
		},
	}
	scale.Flags().IntSlice("seal", nil, "Segment number to seal. May be repeated.")
	scale.Flags().StringSlice("range", nil, "Key range of a successor segment, as low:high. May be repeated.")
	scale.MarkFlagRequired("seal")
	scale.MarkFlagRequired("range")
	cmd.AddCommand(scale)

	seal := &cobra.Command{
		Use:  "seal",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			if err := s.manager.SealStream(ctx, config.GetString("scope"), args[0]); err != nil {
				stream.L(ctx).Fatal("failed to seal stream", zap.Error(err))
			}
		},
	}
	cmd.AddCommand(seal)

	remove := &cobra.Command{
		Use:     "delete",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, s := mustOpen(ctx, config)
			defer s.Close()
			scope := config.GetString("scope")
			if !config.GetBool("yes") && !confirm(fmt.Sprintf("Delete stream %s/%s and all its data", scope, args[0])) {
				return
			}
			if err := s.manager.DeleteStream(ctx, scope, args[0]); err != nil {
				stream.L(ctx).Fatal("failed to delete stream", zap.Error(err))
			}
		},
	}
	remove.Flags().BoolP("yes", "y", false, "Do not ask for confirmation.")
	cmd.AddCommand(remove)
	return cmd
}
