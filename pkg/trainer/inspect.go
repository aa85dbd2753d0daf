// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"

	"github.com/gomlx/dreambooth/pkg/networks"
	"github.com/gomlx/dreambooth/pkg/stablediffusion"
)

// CheckpointReport describes the latest checkpoint of a save folder.
type CheckpointReport struct {
	Dir         string
	Checkpoints []string
	GlobalStep  int64

	// EMAScopes lists the model components with EMA weights.
	EMAScopes []string

	Summaries []ScopeSummary
}

// Inspect loads the latest checkpoint in dir and writes a report of its contents to w.
// If withParams is set, the hyperparameters saved with the checkpoint are listed as well.
func Inspect(w io.Writer, dir string, withParams bool) (*CheckpointReport, error) {
	if !hasCheckpoints(dir) {
		return nil, errors.Errorf("no checkpoints found in %q", dir)
	}
	ctx := context.New()
	handler, err := checkpoints.Load(ctx).Dir(dir).Immediate().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load checkpoint from %q", dir)
	}
	report := &CheckpointReport{
		Dir:        handler.Dir(),
		GlobalStep: optimizers.GetGlobalStep(ctx),
		Summaries:  SummarizeVariables(ctx),
	}
	report.Checkpoints, err = handler.ListCheckpoints()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to list checkpoints in %q", dir)
	}
	for _, scope := range []string{networks.UNetScope, networks.TextEncoderScope} {
		if stablediffusion.HasEMA(ctx, scope) {
			report.EMAScopes = append(report.EMAScopes, scope)
		}
	}

	_, _ = fmt.Fprintf(w, "Checkpoint directory: %s\n", report.Dir)
	_, _ = fmt.Fprintf(w, "Checkpoints:          %s\n", strings.Join(report.Checkpoints, ", "))
	_, _ = fmt.Fprintf(w, "Global step:          %s\n", humanize.Comma(report.GlobalStep))
	if len(report.EMAScopes) > 0 {
		_, _ = fmt.Fprintf(w, "EMA weights:          %s\n", strings.Join(report.EMAScopes, ", "))
	}
	_, _ = fmt.Fprintln(w)
	WriteVariablesSummary(w, ctx)
	if withParams {
		_, _ = fmt.Fprintln(w)
		writeParams(w, ctx)
	}
	return report, nil
}

// writeParams renders the context hyperparameters sorted by scope and name.
func writeParams(w io.Writer, ctx *context.Context) {
	var rows [][]string
	ctx.EnumerateParams(func(scope, key string, value any) {
		rows = append(rows, []string{scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value)})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		if c := strings.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return strings.Compare(a[1], b[1])
	})
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Scope", "Name", "Type", "Value"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.AppendBulk(rows)
	table.Render()
}
