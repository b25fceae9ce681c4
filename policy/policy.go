// Package policy describes how a stream should scale and how long its data
// should be retained. Values are immutable once built.
package policy

import (
	"fmt"
	"regexp"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrInvalidName    = errors.New("invalid name")
	ErrInvalidScaling = errors.New("invalid scaling policy")
	ErrInvalidRetain  = errors.New("invalid retention policy")
)

var nameRegexp = regexp.MustCompile(`^[A-Za-z0-9.-]+$`)

// ValidateName checks a scope or stream name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}

type ScalingType int

const (
	FixedNumSegments ScalingType = iota
	ByRateInKbytesPerSec
	ByRateInEventsPerSec
)

func (t ScalingType) String() string {
	switch t {
	case FixedNumSegments:
		return "fixed"
	case ByRateInKbytesPerSec:
		return "by-data-rate"
	case ByRateInEventsPerSec:
		return "by-event-rate"
	default:
		return "unknown"
	}
}

type ScalingPolicy struct {
	Type        ScalingType `json:"type"`
	TargetRate  int         `json:"target_rate"`
	ScaleFactor int         `json:"scale_factor"`
	MinSegments int         `json:"min_segments"`
}

func FixedScaling(segments int) ScalingPolicy {
	return ScalingPolicy{Type: FixedNumSegments, MinSegments: segments}
}

func ScaleByDataRate(targetKbps, scaleFactor, minSegments int) ScalingPolicy {
	return ScalingPolicy{Type: ByRateInKbytesPerSec, TargetRate: targetKbps, ScaleFactor: scaleFactor, MinSegments: minSegments}
}

func ScaleByEventRate(targetEventsPerSec, scaleFactor, minSegments int) ScalingPolicy {
	return ScalingPolicy{Type: ByRateInEventsPerSec, TargetRate: targetEventsPerSec, ScaleFactor: scaleFactor, MinSegments: minSegments}
}

// InitialSegments returns the number of segments a new stream starts with.
func (p ScalingPolicy) InitialSegments() int {
	return p.MinSegments
}

func (p ScalingPolicy) Validate() error {
	if p.MinSegments < 1 {
		return errors.Wrap(ErrInvalidScaling, "segment count must be positive")
	}
	switch p.Type {
	case FixedNumSegments:
		return nil
	case ByRateInKbytesPerSec, ByRateInEventsPerSec:
		if p.TargetRate <= 0 {
			return errors.Wrap(ErrInvalidScaling, "target rate must be positive")
		}
		if p.ScaleFactor <= 0 {
			return errors.Wrap(ErrInvalidScaling, "scale factor must be positive")
		}
		return nil
	default:
		return errors.Wrapf(ErrInvalidScaling, "unknown type %d", p.Type)
	}
}

func (p ScalingPolicy) String() string {
	if p.Type == FixedNumSegments {
		return fmt.Sprintf("fixed(%d)", p.MinSegments)
	}
	return fmt.Sprintf("%s(target=%d, factor=%d, min=%d)", p.Type, p.TargetRate, p.ScaleFactor, p.MinSegments)
}

type RetentionType int

const (
	RetainNone RetentionType = iota
	RetainSize
	RetainTime
)

func (t RetentionType) String() string {
	switch t {
	case RetainNone:
		return "none"
	case RetainSize:
		return "by-size"
	case RetainTime:
		return "by-time"
	default:
		return "unknown"
	}
}

// RetentionPolicy is enforced by the storage service. Value is a byte count
// for RetainSize and a number of milliseconds for RetainTime.
type RetentionPolicy struct {
	Type  RetentionType `json:"type"`
	Value int64         `json:"value"`
}

func NoRetention() RetentionPolicy {
	return RetentionPolicy{Type: RetainNone}
}

func RetainBySize(maxBytes int64) RetentionPolicy {
	return RetentionPolicy{Type: RetainSize, Value: maxBytes}
}

func RetainByTime(maxAge time.Duration) RetentionPolicy {
	return RetentionPolicy{Type: RetainTime, Value: maxAge.Milliseconds()}
}

func (p RetentionPolicy) Validate() error {
	switch p.Type {
	case RetainNone:
		return nil
	case RetainSize, RetainTime:
		if p.Value <= 0 {
			return errors.Wrap(ErrInvalidRetain, "limit must be positive")
		}
		return nil
	default:
		return errors.Wrapf(ErrInvalidRetain, "unknown type %d", p.Type)
	}
}

func (p RetentionPolicy) String() string {
	switch p.Type {
	case RetainSize:
		return fmt.Sprintf("by-size(%d)", p.Value)
	case RetainTime:
		return fmt.Sprintf("by-time(%s)", time.Duration(p.Value)*time.Millisecond)
	default:
		return p.Type.String()
	}
}

// StreamConfiguration is everything the control plane stores about a stream.
type StreamConfiguration struct {
	Scope     string          `json:"scope"`
	Stream    string          `json:"stream"`
	Scaling   ScalingPolicy   `json:"scaling"`
	Retention RetentionPolicy `json:"retention"`
	Tags      []string        `json:"tags"`
}

func (c StreamConfiguration) Validate() error {
	if err := ValidateName(c.Scope); err != nil {
		return errors.Wrap(err, "scope")
	}
	if err := ValidateName(c.Stream); err != nil {
		return errors.Wrap(err, "stream")
	}
	if err := c.Scaling.Validate(); err != nil {
		return err
	}
	return c.Retention.Validate()
}

// WithTags returns a copy of the configuration carrying exactly the given tags.
func (c StreamConfiguration) WithTags(tags []string) StreamConfiguration {
	c.Tags = append([]string{}, tags...)
	return c
}
