// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package generators implements the output heads mapping decoder outputs to distributions over the
// target vocabulary:
//
//   - Linear: a linear projection followed by a log-softmax, optionally sharing its weights with the
//     target word embeddings.
//   - Copy: a multi-source copy generator, mixing the vocabulary distribution with copies of the tokens
//     of each source, weighted by their attention.
package generators

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/hdlp/msnmt/pkg/ml/layers/embeddings"
	"github.com/pkg/errors"
)

// Generator is implemented by Linear and Copy.
type Generator interface {
	fmt.Stringer

	// InputSize is the size of the decoder outputs consumed.
	InputSize() int

	// OutputSize is the size of the target vocabulary.
	OutputSize() int
}

// Linear projects decoder outputs to log-probabilities over the target vocabulary. Create it with NewLinear.
type Linear struct {
	inputSize, vocabSize int
	sharedScope          string
}

// NewLinear creates a Linear generator from inputSize decoder outputs to vocabSize tokens.
func NewLinear(inputSize, vocabSize int) *Linear {
	return &Linear{inputSize: inputSize, vocabSize: vocabSize}
}

// ShareWeights ties the projection weights to the word table of the target embeddings applied
// at the absolute scope embeddingsScope. The bias is kept separate.
func (l *Linear) ShareWeights(embeddingsScope string) *Linear {
	l.sharedScope = embeddingsScope
	return l
}

// SharedScope returns the scope of the target embeddings whose word table is shared, or "" if not shared.
func (l *Linear) SharedScope() string { return l.sharedScope }

// InputSize implements Generator.
func (l *Linear) InputSize() int { return l.inputSize }

// OutputSize implements Generator.
func (l *Linear) OutputSize() int { return l.vocabSize }

// String implements fmt.Stringer.
func (l *Linear) String() string {
	if l.sharedScope != "" {
		return fmt.Sprintf("Generator(Linear(%d -> %d, shared with %q), Cast(float32), LogSoftmax)", l.inputSize, l.vocabSize, l.sharedScope)
	}
	return fmt.Sprintf("Generator(Linear(%d -> %d), Cast(float32), LogSoftmax)", l.inputSize, l.vocabSize)
}

// Validate checks the configuration.
func (l *Linear) Validate() error {
	if l.inputSize <= 0 || l.vocabSize <= 0 {
		return errors.Errorf("generator needs positive input and vocabulary sizes, got %d and %d", l.inputSize, l.vocabSize)
	}
	return nil
}

// Apply returns the log-probabilities, in float32, for decoder outputs x shaped [..., InputSize()].
func (l *Linear) Apply(ctx *context.Context, x *Node) *Node {
	var logits *Node
	if l.sharedScope == "" {
		logits = layers.Dense(ctx, x, true, l.vocabSize)
	} else {
		g := x.Graph()
		table := ctx.InAbsPath(l.sharedScope).In(embeddings.WordLUTScope).GetVariable(embeddings.TableVariableName)
		if table == nil {
			exceptions.Panicf("generator shares weights with %q, but its word table was not created", l.sharedScope)
		}
		if dims := table.Shape().Dimensions; len(dims) != 2 || dims[0] != l.vocabSize || dims[1] != l.inputSize {
			exceptions.Panicf("generator shares weights with %q, but its word table is shaped %s, wanted [%d, %d]",
				l.sharedScope, table.Shape(), l.vocabSize, l.inputSize)
		}
		bias := ctx.In("dense").VariableWithShape("biases", shapes.Make(x.DType(), l.vocabSize)).ValueGraph(g)
		outputDims := slices.Clone(x.Shape().Dimensions)
		outputDims[len(outputDims)-1] = l.vocabSize
		flat := Reshape(x, -1, l.inputSize)
		logits = Reshape(Einsum("nh,vh->nv", flat, table.ValueGraph(g)), outputDims...)
		logits = Add(logits, ExpandLeftToRank(bias, logits.Rank()))
	}
	return LogSoftmax(ConvertDType(logits, dtypes.Float32), -1)
}

// Copy is a multi-source copy generator. Create it with NewCopy.
//
// Given the decoder output h, the attention a_s over each source s and the source maps m_s (one-hot
// mapping of source positions to the extended vocabulary of source s), the output is the concatenation
// of p_gen * softmax(W h) with p_s * (a_s · m_s) for each source, where the gates
// (p_gen, p_1, ..., p_n) = softmax(W_g h). The padding token never gets probability from the vocabulary.
type Copy struct {
	inputSize, vocabSize, padIdx int
	sources                      []string
}

// NewCopy creates a copy generator from inputSize decoder outputs, over a target vocabulary of vocabSize tokens
// with padding index padIdx, copying from the given sources.
func NewCopy(inputSize, vocabSize, padIdx int, sources []string) *Copy {
	return &Copy{inputSize: inputSize, vocabSize: vocabSize, padIdx: padIdx, sources: slices.Clone(sources)}
}

// InputSize implements Generator.
func (c *Copy) InputSize() int { return c.inputSize }

// OutputSize implements Generator.
func (c *Copy) OutputSize() int { return c.vocabSize }

// PadIndex returns the target padding index.
func (c *Copy) PadIndex() int { return c.padIdx }

// Sources returns the names of the sources copied from.
func (c *Copy) Sources() []string { return slices.Clone(c.sources) }

// String implements fmt.Stringer.
func (c *Copy) String() string {
	return fmt.Sprintf("MultiSourceCopyGenerator(%d -> %d, pad=%d, sources=%v)", c.inputSize, c.vocabSize, c.padIdx, c.sources)
}

// Validate checks the configuration.
func (c *Copy) Validate() error {
	if c.inputSize <= 0 || c.vocabSize <= 0 {
		return errors.Errorf("copy generator needs positive input and vocabulary sizes, got %d and %d", c.inputSize, c.vocabSize)
	}
	if c.padIdx < 0 || c.padIdx >= c.vocabSize {
		return errors.Errorf("copy generator padding index %d out of range for vocabulary size %d", c.padIdx, c.vocabSize)
	}
	if len(c.sources) == 0 {
		return errors.New("copy generator needs at least one source")
	}
	return nil
}

// Apply returns the probabilities (in float32) over the extended vocabulary, shaped
// [batchSize, tgtLen, vocabSize + sum(extraVocab_s)].
//
//   - x: decoder outputs, shaped [batchSize, tgtLen, InputSize()].
//   - attentions: per source attention weights, shaped [batchSize, tgtLen, srcLen_s].
//   - srcMaps: per source maps, shaped [batchSize, srcLen_s, extraVocab_s].
func (c *Copy) Apply(ctx *context.Context, x *Node, attentions, srcMaps map[string]*Node) *Node {
	g := x.Graph()
	logits := ConvertDType(layers.Dense(ctx.In("linear"), x, true, c.vocabSize), dtypes.Float32)
	dims := logits.Shape().Dimensions
	padMask := Equal(Iota(g, shapes.Make(dtypes.Int32, c.vocabSize), 0), Scalar(g, dtypes.Int32, c.padIdx))
	padMask = BroadcastToDims(ExpandLeftToRank(padMask, len(dims)), dims...)
	logits = Where(padMask, BroadcastToDims(Scalar(g, dtypes.Float32, -1e30), dims...), logits)
	prob := Softmax(logits, -1)

	gates := Softmax(ConvertDType(layers.Dense(ctx.In("linear_copy"), x, true, 1+len(c.sources)), dtypes.Float32), -1)
	parts := []*Node{Mul(prob, Slice(gates, AxisRange(), AxisRange(), AxisElem(0)))}
	for ii, source := range c.sources {
		attn, found := attentions[source]
		if !found {
			exceptions.Panicf("copy generator missing attention for source %q", source)
		}
		srcMap, found := srcMaps[source]
		if !found {
			exceptions.Panicf("copy generator missing source map for source %q", source)
		}
		attn = Mul(ConvertDType(attn, dtypes.Float32), Slice(gates, AxisRange(), AxisRange(), AxisElem(ii+1)))
		parts = append(parts, Einsum("bts,bsc->btc", attn, ConvertDType(srcMap, dtypes.Float32)))
	}
	return Concatenate(parts, -1)
}
