// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package embeddings

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

// VecEmbedding projects pre-computed feature vectors to the embedding dimension.
// It is used for sources whose inputs are already vectors (model type "vec").
type VecEmbedding struct {
	featVecSize      int
	embDim           int
	positionEncoding bool
	dropout          float64
}

// NewVec creates a VecEmbedding from vectors of featVecSize to embDim.
func NewVec(featVecSize, embDim int) *VecEmbedding {
	return &VecEmbedding{featVecSize: featVecSize, embDim: embDim}
}

// PositionEncoding enables sinusoidal position encoding.
func (v *VecEmbedding) PositionEncoding(enabled bool) *VecEmbedding {
	v.positionEncoding = enabled
	return v
}

// Dropout rate applied to the output during training.
func (v *VecEmbedding) Dropout(rate float64) *VecEmbedding {
	v.dropout = rate
	return v
}

// FeatVecSize returns the expected size of the input vectors.
func (v *VecEmbedding) FeatVecSize() int { return v.featVecSize }

// OutputSize implements Embedder.
func (v *VecEmbedding) OutputSize() int { return v.embDim }

// Validate checks the configuration.
func (v *VecEmbedding) Validate() error {
	if v.featVecSize <= 0 || v.embDim <= 0 {
		return errors.Errorf("vector embeddings need positive input and output sizes, got %d and %d", v.featVecSize, v.embDim)
	}
	return nil
}

// Apply implements Embedder. x is shaped [batchSize, seqLen, featVecSize].
func (v *VecEmbedding) Apply(ctx *context.Context, x *Node) *Node {
	if !x.DType().IsFloat() || x.Rank() != 3 || x.Shape().Dim(-1) != v.featVecSize {
		exceptions.Panicf("vector embeddings expected float input shaped [batchSize, seqLen, %d], got %s", v.featVecSize, x.Shape())
	}
	output := layers.Dense(ctx.In("proj"), x, true, v.embDim)
	if v.positionEncoding {
		output = AddPositionEncoding(output)
	}
	if v.dropout > 0 {
		output = layers.DropoutStatic(ctx, output, v.dropout)
	}
	return output
}
