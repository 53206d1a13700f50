// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package msnmt

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// scopeParameters returns the number of scalar values in the variables under the absolute scope.
func (m *Model) scopeParameters(scope string) int {
	var total int
	prefix := scope + context.ScopeSeparator
	for v := range m.ctx.IterVariables() {
		if v.Scope() == scope || strings.HasPrefix(v.Scope(), prefix) {
			total += v.Shape().Size()
		}
	}
	return total
}

// String implements fmt.Stringer, with a table summarizing the components of the model.
func (m *Model) String() string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("Component", "Configuration", "Parameters")

	count := func(scope string) string {
		if m.ctx == nil {
			return "-"
		}
		return humanize.Comma(int64(m.scopeParameters(scope)))
	}
	for _, source := range m.Sources {
		scope := context.JoinScope(context.JoinScope(ModelScope, EncodersScope), source)
		table.Row(fmt.Sprintf("encoder %q", source), m.Encoders[source].String(), count(scope))
	}
	table.Row("decoder", m.Decoder.String(), count(context.JoinScope(ModelScope, DecoderScope)))
	table.Row("generator", m.Generator.String(), count(GeneratorScope))
	total := "-"
	if m.ctx != nil {
		total = humanize.Comma(int64(m.NumParameters()))
	}
	table.Row("total", fmt.Sprintf("device=%s, type tokens=%d", m.Device, m.TypeTable.Len()), total)
	return table.String()
}
