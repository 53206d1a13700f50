// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encoders

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gopjrt/dtypes"
)

// TypeTable is an ordered lexicon of type literals with their indices in a source vocabulary.
// Tokens matching one of the literals are flagged to the encoder with a one-hot "type signal".
type TypeTable struct {
	Literals []string
	Indices  []int
}

// Len returns the number of literals, that is, the size of the type signal.
func (tt *TypeTable) Len() int {
	if tt == nil {
		return 0
	}
	return len(tt.Indices)
}

// Index returns the vocabulary index of literal, and whether it is in the table.
func (tt *TypeTable) Index(literal string) (int, bool) {
	if tt == nil {
		return 0, false
	}
	for ii, lit := range tt.Literals {
		if lit == literal {
			return tt.Indices[ii], true
		}
	}
	return 0, false
}

// Signal returns the one-hot type signal for the token indices in words (shaped [batchSize, seqLen]):
// a tensor shaped [batchSize, seqLen, Len()] with a 1 in the position of the matching literal, or
// all zeros if the token is not a type literal.
func (tt *TypeTable) Signal(words *Node, dtype dtypes.DType) *Node {
	g := words.Graph()
	indices := make([]int32, len(tt.Indices))
	for ii, idx := range tt.Indices {
		indices[ii] = int32(idx)
	}
	table := ConvertDType(Const(g, indices), words.DType())
	batchSize, seqLen, numLiterals := words.Shape().Dim(0), words.Shape().Dim(1), len(indices)
	table = BroadcastToDims(ExpandAxes(table, 0, 1), batchSize, seqLen, numLiterals)
	matches := Equal(BroadcastToDims(InsertAxes(words, -1), batchSize, seqLen, numLiterals), table)
	return ConvertDType(matches, dtype)
}
