// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package decoders implements the multi-source input-feed recurrent decoder.
//
// At each target step the decoder input is the target embedding concatenated with the previous
// attentional output ("input feeding"). It goes through a stack of LSTM layers, whose weights are shared
// across the steps; the top hidden state attends independently to the memory bank of each source, and
// the contexts of all sources, concatenated with the hidden state, are projected to the attentional output.
package decoders

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/lstm"
	"github.com/hdlp/msnmt/pkg/ml/layers/embeddings"
	"github.com/hdlp/msnmt/pkg/ml/layers/encoders"
	"github.com/hdlp/msnmt/pkg/ml/layers/globalattn"
	"github.com/pkg/errors"
)

// InputFeedRNN is the name of the only decoder type implemented.
const InputFeedRNN = "ifrnn"

// Decoder is a multi-source input-feed LSTM decoder. Create it with New.
type Decoder struct {
	emb              embeddings.Embedder
	sources          []string
	numLayers        int
	hiddenSize       int
	memorySize       int
	attnType         globalattn.Type
	dropout          float64
	attentionDropout float64
}

// New creates a decoder attending to the given sources, embedding target tokens with emb.
func New(emb embeddings.Embedder, sources []string) *Decoder {
	return &Decoder{
		emb:        emb,
		sources:    slices.Clone(sources),
		numLayers:  1,
		hiddenSize: 500,
		memorySize: 500,
		attnType:   globalattn.GeneralScore,
	}
}

// Layers sets the number of stacked LSTM layers. Default is 1.
func (d *Decoder) Layers(numLayers int) *Decoder {
	d.numLayers = numLayers
	return d
}

// HiddenSize sets the size of the LSTM states and of the attentional output. Default is 500.
func (d *Decoder) HiddenSize(size int) *Decoder {
	d.hiddenSize = size
	return d
}

// MemorySize sets the size of the sources' memory banks. Default is 500.
func (d *Decoder) MemorySize(size int) *Decoder {
	d.memorySize = size
	return d
}

// Attention sets the global attention score function. Default is globalattn.GeneralScore.
func (d *Decoder) Attention(attnType globalattn.Type) *Decoder {
	d.attnType = attnType
	return d
}

// Dropout rate applied between LSTM layers and to the attentional output during training.
func (d *Decoder) Dropout(rate float64) *Decoder {
	d.dropout = rate
	return d
}

// AttentionDropout rate applied to the attention weights during training.
func (d *Decoder) AttentionDropout(rate float64) *Decoder {
	d.attentionDropout = rate
	return d
}

// Sources returns the names of the sources attended to, in order.
func (d *Decoder) Sources() []string { return slices.Clone(d.sources) }

// Embeddings returns the target embeddings.
func (d *Decoder) Embeddings() embeddings.Embedder { return d.emb }

// NumLayers returns the number of stacked LSTM layers.
func (d *Decoder) NumLayers() int { return d.numLayers }

// OutputSize returns the size of the decoder outputs.
func (d *Decoder) OutputSize() int { return d.hiddenSize }

// AttentionType returns the global attention score function.
func (d *Decoder) AttentionType() globalattn.Type { return d.attnType }

// Type returns the decoder type name.
func (d *Decoder) Type() string { return InputFeedRNN }

func (d *Decoder) attention() *globalattn.Attention {
	return globalattn.New(d.attnType, d.hiddenSize, d.memorySize).Dropout(d.attentionDropout)
}

// Validate checks the configuration.
func (d *Decoder) Validate() error {
	if d.emb == nil {
		return errors.New("decoder has no embeddings")
	}
	if len(d.sources) == 0 {
		return errors.New("decoder has no sources to attend to")
	}
	if d.numLayers <= 0 || d.hiddenSize <= 0 {
		return errors.Errorf("decoder needs positive number of layers and hidden size, got %d and %d", d.numLayers, d.hiddenSize)
	}
	return d.attention().Validate()
}

// String implements fmt.Stringer.
func (d *Decoder) String() string {
	return fmt.Sprintf("InputFeedRNNDecoder(sources=[%s], layers=%d, hidden=%d, attention=%s, embeddings=%d)",
		strings.Join(d.sources, ", "), d.numLayers, d.hiddenSize, d.attnType, d.emb.OutputSize())
}

// Output of the decoder.
type Output struct {
	// Outputs are the attentional outputs for each target position, shaped [batchSize, tgtLen, hiddenSize].
	Outputs *Node

	// Attentions maps each source to its attention weights, shaped [batchSize, tgtLen, srcLen].
	Attentions map[string]*Node
}

// InitialState averages the final states of the encoders, to be used as the decoder initial state.
// Encoders must have the same number of layers and output size as the decoder.
func (d *Decoder) InitialState(memories map[string]*encoders.Output) (hidden, cell *Node) {
	var hs, cs []*Node
	for _, source := range d.sources {
		mem, found := memories[source]
		if !found {
			exceptions.Panicf("decoder missing memory bank for source %q", source)
		}
		hs = append(hs, mem.FinalHidden)
		cs = append(cs, mem.FinalCell)
	}
	return ReduceMean(Stack(hs, 0), 0), ReduceMean(Stack(cs, 0), 0)
}

// Decode runs the decoder over tgt (the target inputs, shaped [batchSize, tgtLen, ...], see Embeddings.Apply),
// attending to the memory banks of the sources. The initial state is given by InitialState.
func (d *Decoder) Decode(ctx *context.Context, tgt *Node, memories map[string]*encoders.Output) *Output {
	g := tgt.Graph()
	emb := d.emb.Apply(ctx.In("embeddings"), tgt)
	dtype := emb.DType()
	batchSize, tgtLen := emb.Shape().Dim(0), emb.Shape().Dim(1)

	initHidden, initCell := d.InitialState(memories)
	initHidden.AssertDims(d.numLayers, batchSize, d.hiddenSize)
	hidden := make([]*Node, d.numLayers)
	cell := make([]*Node, d.numLayers)
	for layer := range d.numLayers {
		hidden[layer] = Slice(initHidden, AxisElem(layer)) // [1, batchSize, hiddenSize]
		cell[layer] = Slice(initCell, AxisElem(layer))
	}
	inputFeed := Zeros(g, shapes.Make(dtype, batchSize, d.hiddenSize))

	attn := d.attention()
	outputs := make([]*Node, tgtLen)
	alignments := make(map[string][]*Node, len(d.sources))
	for step := range tgtLen {
		stepCtx := ctx
		if step > 0 {
			stepCtx = ctx.Reuse()
		}
		embStep := Slice(emb, AxisRange(), AxisElem(step)) // [batchSize, 1, embSize]
		x := Concatenate([]*Node{embStep, InsertAxes(inputFeed, 1)}, -1)

		rnnCtx := stepCtx.In("rnn")
		for layer := range d.numLayers {
			if layer > 0 && d.dropout > 0 {
				x = layers.DropoutStatic(ctx, x, d.dropout)
			}
			_, hidden[layer], cell[layer] = lstm.New(rnnCtx.Inf("layer_%d", layer), x, d.hiddenSize).
				InitialStates(hidden[layer], cell[layer]).
				Done()
			x = TransposeAllDims(hidden[layer], 1, 0, 2) // [batchSize, 1, hiddenSize]
		}
		top := Reshape(x, batchSize, d.hiddenSize)

		contexts := make([]*Node, 0, len(d.sources)+1)
		for _, source := range d.sources {
			mem := memories[source]
			attnContext, weights := attn.Apply(stepCtx.Inf("attn_%s", source), top, mem.MemoryBank, mem.Lengths)
			contexts = append(contexts, attnContext)
			alignments[source] = append(alignments[source], weights)
		}
		contexts = append(contexts, top)
		output := Tanh(layers.Dense(stepCtx.In("linear_out"), Concatenate(contexts, -1), false, d.hiddenSize))
		if d.dropout > 0 {
			output = layers.DropoutStatic(ctx, output, d.dropout)
		}
		outputs[step] = output
		inputFeed = output
	}

	result := &Output{
		Outputs:    Stack(outputs, 1),
		Attentions: make(map[string]*Node, len(d.sources)),
	}
	for source, weights := range alignments {
		result.Attentions[source] = Stack(weights, 1)
	}
	return result
}
