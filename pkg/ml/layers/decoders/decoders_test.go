// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decoders

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/hdlp/msnmt/pkg/ml/layers/embeddings"
	"github.com/hdlp/msnmt/pkg/ml/layers/encoders"
	"github.com/hdlp/msnmt/pkg/ml/layers/globalattn"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestDecoder(t *testing.T) {
	const (
		batchSize  = 2
		hiddenSize = 4
		numLayers  = 2
	)
	dec := New(embeddings.New(3, 7, 1), []string{"l", "r"}).
		Layers(numLayers).
		HiddenSize(hiddenSize).
		MemorySize(hiddenSize).
		Attention(globalattn.DotScore).
		Dropout(0.2)
	require.NoError(t, dec.Validate())
	require.Equal(t, InputFeedRNN, dec.Type())
	require.Equal(t, []string{"l", "r"}, dec.Sources())

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, tgt *Node) []*Node {
		g := tgt.Graph()
		memories := map[string]*encoders.Output{
			"l": {
				MemoryBank:  Ones(g, shapes.Make(dtypes.Float32, batchSize, 5, hiddenSize)),
				FinalHidden: Zeros(g, shapes.Make(dtypes.Float32, numLayers, batchSize, hiddenSize)),
				FinalCell:   Zeros(g, shapes.Make(dtypes.Float32, numLayers, batchSize, hiddenSize)),
				Lengths:     Const(g, []int32{5, 2}),
			},
			"r": {
				MemoryBank:  Ones(g, shapes.Make(dtypes.Float32, batchSize, 3, hiddenSize)),
				FinalHidden: Ones(g, shapes.Make(dtypes.Float32, numLayers, batchSize, hiddenSize)),
				FinalCell:   Ones(g, shapes.Make(dtypes.Float32, numLayers, batchSize, hiddenSize)),
			},
		}
		out := dec.Decode(ctx.In("decoder"), tgt, memories)
		return []*Node{out.Outputs, out.Attentions["l"], out.Attentions["r"], ReduceSum(out.Attentions["l"], -1)}
	})
	tgt := [][]int32{{2, 3, 4}, {5, 1, 1}}
	var outputs []*tensors.Tensor
	require.NotPanics(t, func() { outputs = exec.MustExec(tgt) })
	require.Equal(t, []int{batchSize, 3, hiddenSize}, outputs[0].Shape().Dimensions)
	require.Equal(t, []int{batchSize, 3, 5}, outputs[1].Shape().Dimensions)
	require.Equal(t, []int{batchSize, 3, 3}, outputs[2].Shape().Dimensions)
	want := [][]float32{{1, 1, 1}, {1, 1, 1}}
	require.True(t, xslices.SlicesInDelta(outputs[3].Value(), want, 1e-5))

	// Second example of source "l" has length 2: the attention on the other positions must be 0.
	alignL := outputs[1].Value().([][][]float32)
	for step := range 3 {
		require.InDelta(t, 0, alignL[1][step][4], 1e-6)
	}

	// LSTM weights are shared across steps: one set per layer.
	require.NotNil(t, ctx.InAbsPath("/decoder/rnn/layer_0").GetVariable("inputsW"))
	require.NotNil(t, ctx.InAbsPath("/decoder/rnn/layer_1").GetVariable("inputsW"))
	require.Equal(t, []int{1, 4, hiddenSize, 3 + hiddenSize},
		ctx.InAbsPath("/decoder/rnn/layer_0").GetVariable("inputsW").Shape().Dimensions)
	require.Nil(t, ctx.InAbsPath("/decoder/rnn/layer_2").GetVariable("inputsW"))
}

func TestDecoderValidate(t *testing.T) {
	require.Error(t, New(nil, []string{"l"}).Validate())
	require.Error(t, New(embeddings.New(3, 7, 1), nil).Validate())
	require.Error(t, New(embeddings.New(3, 7, 1), []string{"l"}).HiddenSize(4).MemorySize(6).Attention(globalattn.DotScore).Validate())
	require.NoError(t, New(embeddings.New(3, 7, 1), []string{"l"}).HiddenSize(4).MemorySize(6).Validate())
}
