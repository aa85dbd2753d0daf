// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Unit of a Duration.
type Unit string

const (
	UnitBatch  Unit = "ba"
	UnitEpoch  Unit = "ep"
	UnitSample Unit = "sp"
)

// Duration of training in batches, epochs or samples, written as "<int><unit>", e.g. "800ba", "2ep" or "100sp".
// The zero value means not set.
type Duration struct {
	Value int64
	Unit  Unit
}

var durationRegexp = regexp.MustCompile(`^\s*(\d[\d_]*)\s*(ba|ep|sp)\s*$`)

// ParseDuration parses a duration like "800ba". An empty string is the zero Duration.
func ParseDuration(s string) (Duration, error) {
	if s == "" {
		return Duration{}, nil
	}
	matches := durationRegexp.FindStringSubmatch(s)
	if matches == nil {
		return Duration{}, errors.Errorf("invalid duration %q, it must be an integer followed by the unit "+
			"\"ba\" (batches), \"ep\" (epochs) or \"sp\" (samples), e.g. \"800ba\"", s)
	}
	value, err := strconv.ParseInt(strings.ReplaceAll(matches[1], "_", ""), 10, 64)
	if err != nil {
		return Duration{}, errors.Wrapf(err, "invalid duration %q", s)
	}
	return Duration{Value: value, Unit: Unit(matches[2])}, nil
}

// IsZero returns whether the duration is not set.
func (d Duration) IsZero() bool { return d.Value == 0 }

// String implements fmt.Stringer.
func (d Duration) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d%s", d.Value, d.Unit)
}

// Steps converts the duration to a number of training steps, given the number of examples per step and the
// number of steps per epoch. Samples are rounded up to whole steps.
func (d Duration) Steps(batchSize, stepsPerEpoch int) (int, error) {
	switch d.Unit {
	case UnitBatch:
		return int(d.Value), nil
	case UnitEpoch:
		if stepsPerEpoch <= 0 {
			return 0, errors.Errorf("duration %s requires a positive number of steps per epoch, got %d", d,
				stepsPerEpoch)
		}
		return int(d.Value) * stepsPerEpoch, nil
	case UnitSample:
		if batchSize <= 0 {
			return 0, errors.Errorf("duration %s requires a positive batch size, got %d", d, batchSize)
		}
		return int((d.Value + int64(batchSize) - 1) / int64(batchSize)), nil
	case "":
		return 0, nil
	}
	return 0, errors.Errorf("unknown duration unit %q", d.Unit)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: a duration must be a string like \"800ba\"", value.Line)
	}
	if value.Tag == "!!null" {
		*d = Duration{}
		return nil
	}
	parsed, err := ParseDuration(value.Value)
	if err != nil {
		return errors.WithMessagef(err, "line %d", value.Line)
	}
	*d = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
