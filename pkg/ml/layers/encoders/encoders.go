// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package encoders implements the source encoders of the multi-source models.
//
// The only encoder is the type-appended recurrent encoder: each source token's embedding is
// concatenated with a one-hot "type signal" (see TypeTable) that flags the tokens that are type
// literals, and the result is fed to a stack of LSTM layers, optionally bidirectional.
package encoders

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/lstm"
	"github.com/hdlp/msnmt/pkg/ml/layers/embeddings"
	"github.com/pkg/errors"
)

// Encoder is a type-appended LSTM encoder of one source. Create it with New.
type Encoder struct {
	source        string
	emb           embeddings.Embedder
	typeTable     *TypeTable
	numLayers     int
	hiddenSize    int
	bidirectional bool
	dropout       float64
}

// New creates an encoder for the named source, embedding its tokens with emb.
// typeTable can be nil, in which case no type signal is appended.
func New(source string, emb embeddings.Embedder, typeTable *TypeTable) *Encoder {
	return &Encoder{
		source:     source,
		emb:        emb,
		typeTable:  typeTable,
		numLayers:  1,
		hiddenSize: 500,
	}
}

// Layers sets the number of stacked LSTM layers. Default is 1.
func (e *Encoder) Layers(numLayers int) *Encoder {
	e.numLayers = numLayers
	return e
}

// HiddenSize sets the size of the encoder output. For a bidirectional encoder each direction
// uses half of it. Default is 500.
func (e *Encoder) HiddenSize(size int) *Encoder {
	e.hiddenSize = size
	return e
}

// Bidirectional sets whether the LSTM layers run in both directions.
func (e *Encoder) Bidirectional(bidirectional bool) *Encoder {
	e.bidirectional = bidirectional
	return e
}

// Dropout rate applied between LSTM layers during training.
func (e *Encoder) Dropout(rate float64) *Encoder {
	e.dropout = rate
	return e
}

// Source returns the name of the source encoded.
func (e *Encoder) Source() string { return e.source }

// Embeddings returns the embeddings of the encoder.
func (e *Encoder) Embeddings() embeddings.Embedder { return e.emb }

// TypeTable returns the type table used for the type signal, possibly nil.
func (e *Encoder) TypeTable() *TypeTable { return e.typeTable }

// NumLayers returns the number of stacked LSTM layers.
func (e *Encoder) NumLayers() int { return e.numLayers }

// OutputSize returns the size of the memory bank and final states.
func (e *Encoder) OutputSize() int { return e.hiddenSize }

// IsBidirectional returns whether the LSTM layers are bidirectional.
func (e *Encoder) IsBidirectional() bool { return e.bidirectional }

// Validate checks the configuration.
func (e *Encoder) Validate() error {
	if e.emb == nil {
		return errors.Errorf("encoder %q has no embeddings", e.source)
	}
	if e.numLayers <= 0 || e.hiddenSize <= 0 {
		return errors.Errorf("encoder %q needs positive number of layers and hidden size, got %d and %d",
			e.source, e.numLayers, e.hiddenSize)
	}
	if e.bidirectional && e.hiddenSize%2 != 0 {
		return errors.Errorf("bidirectional encoder %q needs an even hidden size, got %d", e.source, e.hiddenSize)
	}
	return nil
}

// String implements fmt.Stringer.
func (e *Encoder) String() string {
	kind := "rnn"
	if e.bidirectional {
		kind = "brnn"
	}
	return fmt.Sprintf("TypeAppendedEncoder(%s, %s, layers=%d, hidden=%d, type_signal=%d, embeddings=%d)",
		e.source, kind, e.numLayers, e.hiddenSize, e.typeTable.Len(), e.emb.OutputSize())
}

// Output of an encoder.
type Output struct {
	// MemoryBank holds the top layer outputs for every position, shaped [batchSize, seqLen, hiddenSize].
	MemoryBank *Node

	// FinalHidden and FinalCell hold the last states of each layer, shaped [numLayers, batchSize, hiddenSize].
	// For bidirectional encoders the states of both directions are concatenated.
	FinalHidden, FinalCell *Node

	// Lengths of each source sequence, shaped [batchSize]. It may be nil if all sequences are dense.
	Lengths *Node
}

// Encode applies the encoder to src (shaped [batchSize, seqLen, ...], see Embeddings.Apply) with the given
// lengths (shaped [batchSize], can be nil).
func (e *Encoder) Encode(ctx *context.Context, src, lengths *Node) *Output {
	x := e.emb.Apply(ctx.In("embeddings"), src)
	if e.typeTable.Len() > 0 && src.DType().IsInt() {
		words := src
		if words.Rank() == 3 {
			words = Squeeze(Slice(words, AxisRange(), AxisRange(), AxisElem(0)), -1)
		}
		x = Concatenate([]*Node{x, e.typeTable.Signal(words, x.DType())}, -1)
	}

	numDirections := 1
	if e.bidirectional {
		numDirections = 2
	}
	dirHiddenSize := e.hiddenSize / numDirections
	finalHidden := make([]*Node, e.numLayers)
	finalCell := make([]*Node, e.numLayers)
	rnnCtx := ctx.In("rnn")
	for layer := range e.numLayers {
		if layer > 0 && e.dropout > 0 {
			x = layers.DropoutStatic(ctx, x, e.dropout)
		}
		x, finalHidden[layer], finalCell[layer] = recurrentLayer(
			rnnCtx.Inf("layer_%d", layer), x, lengths, numDirections, dirHiddenSize)
	}
	return &Output{
		MemoryBank:  x,
		FinalHidden: Stack(finalHidden, 0),
		FinalCell:   Stack(finalCell, 0),
		Lengths:     lengths,
	}
}

// recurrentLayer runs one LSTM layer over x, shaped [batchSize, seqLen, featuresSize], one position at a time.
// The weights have the layout of lstm.New, with one entry per direction.
//
// Positions at or past lengths (if not nil) keep the states unchanged and output zeros, so the final states
// are those of the last valid token, and the backward direction starts at it.
//
// It returns the outputs shaped [batchSize, seqLen, numDirections*hiddenSize] and the final hidden and cell
// states shaped [batchSize, numDirections*hiddenSize], the forward direction first.
func recurrentLayer(ctx *context.Context, x, lengths *Node, numDirections, hiddenSize int) (outputs, lastHidden, lastCell *Node) {
	if x.Rank() != 3 {
		exceptions.Panicf("recurrent layer input must be shaped [batchSize, seqLen, featuresSize], got %s", x.Shape())
	}
	g := x.Graph()
	dtype := x.DType()
	batchSize, seqLen, featuresSize := x.Shape().Dim(0), x.Shape().Dim(1), x.Shape().Dim(2)
	inputsW := ctx.VariableWithShape("inputsW", shapes.Make(dtype, numDirections, 4, hiddenSize, featuresSize)).ValueGraph(g)
	recurrentW := ctx.VariableWithShape("recurrentW", shapes.Make(dtype, numDirections, 4, hiddenSize, hiddenSize)).ValueGraph(g)
	biasesW := ctx.VariableWithShape("biasesW", shapes.Make(dtype, numDirections, 8, hiddenSize)).ValueGraph(g)
	zeros := Zeros(g, shapes.Make(dtype, batchSize, hiddenSize))

	dirOutputs := make([]*Node, numDirections)
	dirHidden := make([]*Node, numDirections)
	dirCell := make([]*Node, numDirections)
	for dir := range numDirections {
		// Slices keep the direction axis, as expected by lstm.NewWithWeights for a forward LSTM.
		dirInputsW := Slice(inputsW, AxisElem(dir))
		dirRecurrentW := Slice(recurrentW, AxisElem(dir))
		dirBiasesW := Slice(biasesW, AxisElem(dir))
		hidden, cell := zeros, zeros
		steps := make([]*Node, seqLen)
		for step := range seqLen {
			pos := step
			if dir == 1 {
				pos = seqLen - 1 - step
			}
			xStep := Slice(x, AxisRange(), AxisElem(pos)) // [batchSize, 1, featuresSize]
			_, nextHidden, nextCell := lstm.NewWithWeights(xStep, dirInputsW, dirRecurrentW, dirBiasesW, nil).
				InitialStates(InsertAxes(hidden, 0), InsertAxes(cell, 0)).
				Done()
			nextHidden = Reshape(nextHidden, batchSize, hiddenSize)
			nextCell = Reshape(nextCell, batchSize, hiddenSize)
			output := nextHidden
			if lengths != nil {
				valid := LessThan(Scalar(g, lengths.DType(), pos), lengths)
				valid = BroadcastToDims(ExpandAxes(valid, -1), batchSize, hiddenSize)
				nextHidden = Where(valid, nextHidden, hidden)
				nextCell = Where(valid, nextCell, cell)
				output = Where(valid, output, zeros)
			}
			hidden, cell = nextHidden, nextCell
			steps[pos] = output
		}
		dirOutputs[dir] = Stack(steps, 1)
		dirHidden[dir], dirCell[dir] = hidden, cell
	}
	return Concatenate(dirOutputs, -1), Concatenate(dirHidden, -1), Concatenate(dirCell, -1)
}
