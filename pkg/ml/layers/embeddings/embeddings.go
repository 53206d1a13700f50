// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package embeddings implements the input embeddings of the sequence-to-sequence models:
// a word lookup table optionally combined with feature lookup tables (Embeddings), or
// a projection of pre-computed feature vectors (VecEmbedding).
//
// Both are configured once, and then applied (possibly many times, to different graphs) to the
// inputs under a context scope that holds their variables.
//
//	emb := embeddings.New(512, srcVocabSize, srcPadIdx).
//		Features([]int{10, 20}, []int{1, 1}).
//		FeatMerge(embeddings.MergeConcat).
//		Dropout(0.3)
//	x := emb.Apply(ctx.In("embeddings"), tokens) // tokens: [batchSize, seqLen, 1+numFeatures]
package embeddings

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Embedder is implemented by Embeddings and VecEmbedding.
type Embedder interface {
	// Apply the embedding to x, returning a tensor shaped [batchSize, seqLen, OutputSize()].
	Apply(ctx *context.Context, x *Node) *Node

	// OutputSize is the size of the embedding of each position.
	OutputSize() int
}

// MergeType defines how word and feature embeddings are combined.
type MergeType string

const (
	MergeConcat MergeType = "concat"
	MergeSum    MergeType = "sum"
	MergeMLP    MergeType = "mlp"
)

// ParseMergeType converts a name to a MergeType.
func ParseMergeType(name string) (MergeType, error) {
	switch m := MergeType(name); m {
	case MergeConcat, MergeSum, MergeMLP:
		return m, nil
	case "":
		return MergeConcat, nil
	}
	return "", errors.Errorf("unknown feature merge %q, valid values are %q, %q or %q", name, MergeConcat, MergeSum, MergeMLP)
}

const (
	// WordLUTScope is the scope, relative to where Embeddings is applied, of the word lookup table.
	WordLUTScope = "word_lut"

	// TableVariableName is the name of the embedding table variables.
	TableVariableName = "embeddings"
)

// Embeddings is a word lookup table, optionally combined with one lookup table per feature.
// Create it with New.
type Embeddings struct {
	dtype            dtypes.DType
	wordVecSize      int
	wordVocabSize    int
	wordPadIdx       int
	featVocabSizes   []int
	featPadIndices   []int
	featMerge        MergeType
	featVecExponent  float64
	featVecSize      int
	positionEncoding bool
	dropout          float64
	sparse           bool
	fixWordVecs      bool
}

// New creates an Embeddings for words of the given vocabulary size, embedded into wordVecSize dimensions.
// Positions holding wordPadIdx are embedded as zeros.
func New(wordVecSize, wordVocabSize, wordPadIdx int) *Embeddings {
	return &Embeddings{
		dtype:           dtypes.Float32,
		wordVecSize:     wordVecSize,
		wordVocabSize:   wordVocabSize,
		wordPadIdx:      wordPadIdx,
		featMerge:       MergeConcat,
		featVecExponent: 0.7,
		featVecSize:     -1,
	}
}

// DType of the embedding tables. Default is Float32.
func (e *Embeddings) DType(dtype dtypes.DType) *Embeddings {
	e.dtype = dtype
	return e
}

// Features configures one lookup table per feature, with the given vocabulary sizes and padding indices.
func (e *Embeddings) Features(vocabSizes, padIndices []int) *Embeddings {
	if len(vocabSizes) != len(padIndices) {
		exceptions.Panicf("embeddings: %d feature vocabulary sizes given, but %d padding indices", len(vocabSizes), len(padIndices))
	}
	e.featVocabSizes = vocabSizes
	e.featPadIndices = padIndices
	return e
}

// FeatMerge defines how features are combined with the words. Default is MergeConcat.
func (e *Embeddings) FeatMerge(merge MergeType) *Embeddings {
	e.featMerge = merge
	return e
}

// FeatVecSize sets a fixed dimension for each feature embedding. If <= 0, the dimension is
// derived from the feature vocabulary size with FeatVecExponent.
func (e *Embeddings) FeatVecSize(size int) *Embeddings {
	e.featVecSize = size
	return e
}

// FeatVecExponent: features without a fixed size get floor(vocabSize^exponent) dimensions. Default is 0.7.
func (e *Embeddings) FeatVecExponent(exponent float64) *Embeddings {
	e.featVecExponent = exponent
	return e
}

// PositionEncoding enables sinusoidal position encoding.
func (e *Embeddings) PositionEncoding(enabled bool) *Embeddings {
	e.positionEncoding = enabled
	return e
}

// Dropout rate applied to the output during training.
func (e *Embeddings) Dropout(rate float64) *Embeddings {
	e.dropout = rate
	return e
}

// Sparse marks the tables as updated with sparse gradients, it is informative for optimizers.
func (e *Embeddings) Sparse(sparse bool) *Embeddings {
	e.sparse = sparse
	return e
}

// FixWordVecs marks the word table as not trainable.
func (e *Embeddings) FixWordVecs(fixed bool) *Embeddings {
	e.fixWordVecs = fixed
	return e
}

// WordVecSize returns the dimension of the word embeddings.
func (e *Embeddings) WordVecSize() int { return e.wordVecSize }

// WordVocabSize returns the size of the word vocabulary.
func (e *Embeddings) WordVocabSize() int { return e.wordVocabSize }

// WordPadIdx returns the padding index of the words.
func (e *Embeddings) WordPadIdx() int { return e.wordPadIdx }

// NumFeatures returns the number of feature tables.
func (e *Embeddings) NumFeatures() int { return len(e.featVocabSizes) }

// IsSparse returns whether the tables are marked for sparse updates.
func (e *Embeddings) IsSparse() bool { return e.sparse }

// IsWordVecsFixed returns whether the word table is frozen.
func (e *Embeddings) IsWordVecsFixed() bool { return e.fixWordVecs }

// Merge returns the feature merge strategy.
func (e *Embeddings) Merge() MergeType { return e.featMerge }

// FeatureDims returns the embedding dimension of each feature.
func (e *Embeddings) FeatureDims() []int {
	dims := make([]int, len(e.featVocabSizes))
	for ii, vocabSize := range e.featVocabSizes {
		switch {
		case e.featMerge == MergeSum:
			dims[ii] = e.wordVecSize
		case e.featVecSize > 0:
			dims[ii] = e.featVecSize
		default:
			dims[ii] = int(math.Pow(float64(vocabSize), e.featVecExponent))
		}
	}
	return dims
}

// OutputSize implements Embedder.
func (e *Embeddings) OutputSize() int {
	if e.featMerge == MergeConcat {
		size := e.wordVecSize
		for _, dim := range e.FeatureDims() {
			size += dim
		}
		return size
	}
	return e.wordVecSize
}

// Validate checks the configuration.
func (e *Embeddings) Validate() error {
	if e.wordVecSize <= 0 || e.wordVocabSize <= 0 {
		return errors.Errorf("embeddings need positive word vector size and vocabulary size, got %d and %d",
			e.wordVecSize, e.wordVocabSize)
	}
	if _, err := ParseMergeType(string(e.featMerge)); err != nil {
		return err
	}
	if e.dropout < 0 || e.dropout >= 1 {
		return errors.Errorf("embeddings dropout must be in [0, 1), got %g", e.dropout)
	}
	return nil
}

// WordTable returns the word lookup table variable, creating it if needed. ctx must be the same
// scope given to Apply.
func (e *Embeddings) WordTable(ctx *context.Context) *context.Variable {
	v := ctx.In(WordLUTScope).VariableWithShape(TableVariableName, shapes.Make(e.dtype, e.wordVocabSize, e.wordVecSize))
	if e.fixWordVecs {
		v.SetTrainable(false)
	}
	return v
}

// Apply implements Embedder. x is shaped [batchSize, seqLen, 1+NumFeatures()], with the word indices
// in the first position of the last axis. If there are no features, x can also be shaped [batchSize, seqLen].
func (e *Embeddings) Apply(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	if !x.DType().IsInt() {
		exceptions.Panicf("embeddings require integer inputs, got %s", x.Shape())
	}
	if x.Rank() == 2 {
		x = InsertAxes(x, -1)
	}
	if x.Rank() != 3 || x.Shape().Dim(-1) != 1+e.NumFeatures() {
		exceptions.Panicf("embeddings expected input shaped [batchSize, seqLen, %d], got %s", 1+e.NumFeatures(), x.Shape())
	}

	word := Slice(x, AxisRange(), AxisRange(), AxisElem(0))
	embedded := []*Node{lookup(e.WordTable(ctx).ValueGraph(g), word, e.wordPadIdx)}
	for ii, dim := range e.FeatureDims() {
		featCtx := ctx.Inf("feat_%d", ii)
		table := featCtx.VariableWithShape(TableVariableName, shapes.Make(e.dtype, e.featVocabSizes[ii], dim))
		feat := Slice(x, AxisRange(), AxisRange(), AxisElem(ii+1))
		embedded = append(embedded, lookup(table.ValueGraph(g), feat, e.featPadIndices[ii]))
	}

	var output *Node
	switch e.featMerge {
	case MergeSum:
		output = embedded[0]
		for _, feat := range embedded[1:] {
			output = Add(output, feat)
		}
	case MergeMLP:
		output = Concatenate(embedded, -1)
		if len(embedded) > 1 {
			output = activations.Relu(layers.Dense(ctx.In("mlp"), output, true, e.wordVecSize))
		}
	default:
		output = Concatenate(embedded, -1)
	}

	if e.positionEncoding {
		output = AddPositionEncoding(output)
	}
	if e.dropout > 0 {
		output = layers.DropoutStatic(ctx, output, e.dropout)
	}
	return output
}

// lookup gathers the rows of table for indices shaped [batchSize, seqLen, 1], zeroing the padding positions.
func lookup(table, indices *Node, padIdx int) *Node {
	g := indices.Graph()
	embedded := Gather(table, indices)
	notPad := NotEqual(indices, Scalar(g, indices.DType(), padIdx))
	return Mul(embedded, ConvertDType(notPad, embedded.DType()))
}

// AddPositionEncoding scales x (shaped [batchSize, seqLen, dim]) by sqrt(dim) and adds
// sinusoidal position encodings.
func AddPositionEncoding(x *Node) *Node {
	g := x.Graph()
	seqLen, dim := x.Shape().Dim(1), x.Shape().Dim(2)
	pe := make([][]float32, seqLen)
	for pos := range seqLen {
		pe[pos] = make([]float32, dim)
		for ii := 0; ii < dim; ii += 2 {
			angle := float64(pos) * math.Exp(-float64(ii)*math.Log(10000.0)/float64(dim))
			pe[pos][ii] = float32(math.Sin(angle))
			if ii+1 < dim {
				pe[pos][ii+1] = float32(math.Cos(angle))
			}
		}
	}
	peNode := InsertAxes(ConvertDType(Const(g, pe), x.DType()), 0)
	return Add(MulScalar(x, math.Sqrt(float64(dim))), peNode)
}
