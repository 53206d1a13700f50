// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package globalattn implements Luong-style global attention of a decoder query over an encoder
// memory bank, with scores given by one of:
//
//   - "dot": query · memory, requires same dimensions.
//   - "general": query · (W memory).
//   - "mlp": v · tanh(Wq query + Wm memory), also known as Bahdanau (additive) attention.
//
// Positions beyond each sequence length are masked out.
package globalattn

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Type of the attention score function.
type Type string

const (
	DotScore     Type = "dot"
	GeneralScore Type = "general"
	MLPScore     Type = "mlp"
)

// ParseType converts a name to a Type.
func ParseType(name string) (Type, error) {
	switch t := Type(name); t {
	case DotScore, GeneralScore, MLPScore:
		return t, nil
	}
	return "", errors.Errorf("unknown global attention type %q, valid values are %q, %q or %q", name, DotScore, GeneralScore, MLPScore)
}

// Attention holds the configuration of one global attention. Create it with New.
type Attention struct {
	attnType         Type
	queryDim, memDim int
	dropout          float64
}

// New creates an attention of a query with queryDim dimensions over memories with memDim dimensions.
func New(attnType Type, queryDim, memDim int) *Attention {
	return &Attention{attnType: attnType, queryDim: queryDim, memDim: memDim}
}

// Dropout rate applied to the attention weights during training.
func (a *Attention) Dropout(rate float64) *Attention {
	a.dropout = rate
	return a
}

// Type returns the score function used.
func (a *Attention) Type() Type { return a.attnType }

// Validate checks the configuration.
func (a *Attention) Validate() error {
	if _, err := ParseType(string(a.attnType)); err != nil {
		return err
	}
	if a.attnType == DotScore && a.queryDim != a.memDim {
		return errors.Errorf("%q attention requires query and memory of the same size, got %d and %d", DotScore, a.queryDim, a.memDim)
	}
	return nil
}

// Apply attends query (shaped [batchSize, queryDim]) over memory (shaped [batchSize, memLen, memDim]).
// lengths (shaped [batchSize]) holds the valid length of each memory, it can be nil if all positions are valid.
//
// It returns the context vector, shaped [batchSize, memDim], and the attention weights, shaped [batchSize, memLen].
func (a *Attention) Apply(ctx *context.Context, query, memory, lengths *Node) (attnContext, weights *Node) {
	query.AssertDims(-1, a.queryDim)
	memory.AssertDims(query.Shape().Dim(0), -1, a.memDim)
	scores := a.scores(ctx, query, memory)

	if lengths != nil {
		weights = MaskedSoftmax(scores, SequenceMask(lengths, memory.Shape().Dim(1)), -1)
	} else {
		weights = Softmax(scores, -1)
	}
	if a.dropout > 0 {
		weights = layers.DropoutStatic(ctx, weights, a.dropout)
	}
	attnContext = Einsum("bs,bsh->bh", weights, memory)
	return
}

// scores returns the unnormalized attention scores, shaped [batchSize, memLen].
func (a *Attention) scores(ctx *context.Context, query, memory *Node) *Node {
	switch a.attnType {
	case DotScore:
		return Einsum("bh,bsh->bs", query, memory)
	case GeneralScore:
		projected := layers.Dense(ctx.In("linear_in"), query, false, a.memDim)
		return Einsum("bh,bsh->bs", projected, memory)
	case MLPScore:
		projQuery := layers.Dense(ctx.In("linear_query"), query, true, a.queryDim)
		projMemory := layers.Dense(ctx.In("linear_context"), memory, false, a.queryDim)
		hidden := Tanh(Add(InsertAxes(projQuery, 1), projMemory))
		return Squeeze(layers.Dense(ctx.In("v"), hidden, false, 1), -1)
	}
	exceptions.Panicf("unknown global attention type %q", a.attnType)
	return nil
}

// SequenceMask returns a boolean mask shaped [batchSize, maxLen], true for positions smaller than lengths.
func SequenceMask(lengths *Node, maxLen int) *Node {
	g := lengths.Graph()
	batchSize := lengths.Shape().Dim(0)
	positions := Iota(g, shapes.Make(dtypes.Int32, batchSize, maxLen), 1)
	return LessThan(positions, InsertAxes(ConvertDType(lengths, dtypes.Int32), -1))
}
