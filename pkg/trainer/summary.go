// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/olekukonko/tablewriter"
)

// ScopeSummary holds the variables statistics of a top-level scope.
type ScopeSummary struct {
	Scope                                 string
	NumVariables, NumParams, NumTrainable int
	Memory                                uint64
}

// SummarizeVariables returns the statistics of the variables of ctx grouped by their top-level scope,
// sorted by scope.
func SummarizeVariables(ctx *context.Context) []ScopeSummary {
	byScope := make(map[string]*ScopeSummary)
	for v := range ctx.IterVariables() {
		scope := topScope(v.Scope())
		summary, found := byScope[scope]
		if !found {
			summary = &ScopeSummary{Scope: scope}
			byScope[scope] = summary
		}
		size := v.Shape().Size()
		summary.NumVariables++
		summary.NumParams += size
		if v.Trainable {
			summary.NumTrainable += size
		}
		summary.Memory += uint64(v.Shape().Memory())
	}
	summaries := make([]ScopeSummary, 0, len(byScope))
	for _, scope := range slices.Sorted(maps.Keys(byScope)) {
		summaries = append(summaries, *byScope[scope])
	}
	return summaries
}

// topScope returns the first element of an absolute scope: "/unet/down_0" -> "unet".
func topScope(scope string) string {
	scope = strings.TrimPrefix(scope, context.RootScope)
	if scope == "" {
		return context.RootScope
	}
	first, _, _ := strings.Cut(scope, context.ScopeSeparator)
	return first
}

// WriteVariablesSummary renders the SummarizeVariables table to w.
func WriteVariablesSummary(w io.Writer, ctx *context.Context) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Scope", "Variables", "Parameters", "Trainable", "Memory"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetBorder(false)
	var total ScopeSummary
	for _, summary := range SummarizeVariables(ctx) {
		table.Append([]string{
			summary.Scope,
			humanize.Comma(int64(summary.NumVariables)),
			humanize.Comma(int64(summary.NumParams)),
			humanize.Comma(int64(summary.NumTrainable)),
			humanize.Bytes(summary.Memory),
		})
		total.NumVariables += summary.NumVariables
		total.NumParams += summary.NumParams
		total.NumTrainable += summary.NumTrainable
		total.Memory += summary.Memory
	}
	table.SetFooter([]string{
		"Total",
		humanize.Comma(int64(total.NumVariables)),
		humanize.Comma(int64(total.NumParams)),
		humanize.Comma(int64(total.NumTrainable)),
		humanize.Bytes(total.Memory),
	})
	table.Render()
}
