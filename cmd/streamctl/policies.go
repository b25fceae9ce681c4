package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vx-labs/nestclient/policy"
	"github.com/vx-labs/nestclient/storage"
	"github.com/vx-labs/nestclient/stream"
)

func addPolicyFlags(cmd *cobra.Command) {
	cmd.Flags().String("scaling-type", "fixed", "Scaling policy type: fixed, by-data-rate or by-event-rate.")
	cmd.Flags().IntP("segments", "s", 1, "Minimum number of segments.")
	cmd.Flags().Int("target-rate", 0, "Target rate per segment, in KiB/s or events/s.")
	cmd.Flags().Int("scale-factor", 2, "Number of segments a hot segment is split into.")
	cmd.Flags().String("retention-type", "none", "Retention policy type: none, by-size or by-time.")
	cmd.Flags().Int64("retention-size", 0, "Retained bytes when using the size retention policy.")
	cmd.Flags().Duration("retention-time", 0, "Retained duration when using the time retention policy.")
	cmd.Flags().StringSlice("tag", nil, "Stream tag. May be repeated.")
}

func scalingPolicy(config *viper.Viper) (policy.ScalingPolicy, error) {
	segments := config.GetInt("segments")
	switch config.GetString("scaling-type") {
	case policy.FixedNumSegments.String():
		return policy.FixedScaling(segments), nil
	case policy.ByRateInKbytesPerSec.String():
		return policy.ScaleByDataRate(config.GetInt("target-rate"), config.GetInt("scale-factor"), segments), nil
	case policy.ByRateInEventsPerSec.String():
		return policy.ScaleByEventRate(config.GetInt("target-rate"), config.GetInt("scale-factor"), segments), nil
	default:
		return policy.ScalingPolicy{}, errors.Wrapf(policy.ErrInvalidScaling, "unknown scaling type %q", config.GetString("scaling-type"))
	}
}

func retentionPolicy(config *viper.Viper) (policy.RetentionPolicy, error) {
	switch config.GetString("retention-type") {
	case policy.RetainNone.String():
		return policy.NoRetention(), nil
	case policy.RetainSize.String():
		return policy.RetainBySize(config.GetInt64("retention-size")), nil
	case policy.RetainTime.String():
		return policy.RetainByTime(config.GetDuration("retention-time")), nil
	default:
		return policy.RetentionPolicy{}, errors.Wrapf(policy.ErrInvalidRetain, "unknown retention type %q", config.GetString("retention-type"))
	}
}

// streamOptions builds stream options from the policy flags. When onlyChanged
// is set, flags left to their default value are ignored.
func streamOptions(cmd *cobra.Command, config *viper.Viper, onlyChanged bool) ([]stream.StreamOption, error) {
	changed := func(names ...string) bool {
		if !onlyChanged {
			return true
		}
		for _, name := range names {
			if cmd.Flags().Changed(name) {
				return true
			}
		}
		return false
	}
	opts := []stream.StreamOption{}
	if changed("scaling-type", "segments", "target-rate", "scale-factor") {
		scaling, err := scalingPolicy(config)
		if err != nil {
			return nil, err
		}
		opts = append(opts, stream.WithScalingPolicy(scaling))
	}
	if changed("retention-type", "retention-size", "retention-time") {
		retention, err := retentionPolicy(config)
		if err != nil {
			return nil, err
		}
		opts = append(opts, stream.WithRetentionPolicy(retention))
	}
	if changed("tag") {
		opts = append(opts, stream.WithTags(config.GetStringSlice("tag")...))
	}
	return opts, nil
}

// parseKeyRange parses a "low:high" key range.
func parseKeyRange(value string) (storage.KeyRange, error) {
	tokens := strings.Split(value, ":")
	if len(tokens) != 2 {
		return storage.KeyRange{}, fmt.Errorf("invalid key range %q: expected low:high", value)
	}
	low, err := strconv.ParseFloat(tokens[0], 64)
	if err != nil {
		return storage.KeyRange{}, errors.Wrapf(err, "invalid key range %q", value)
	}
	high, err := strconv.ParseFloat(tokens[1], 64)
	if err != nil {
		return storage.KeyRange{}, errors.Wrapf(err, "invalid key range %q", value)
	}
	if low < 0 || high > 1 || low >= high {
		return storage.KeyRange{}, fmt.Errorf("invalid key range %q: bounds must satisfy 0 <= low < high <= 1", value)
	}
	return storage.KeyRange{Low: low, High: high}, nil
}
