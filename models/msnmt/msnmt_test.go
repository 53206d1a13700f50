// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package msnmt

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/hdlp/msnmt/pkg/ml/data/vocab"
	"github.com/hdlp/msnmt/pkg/ml/layers/embeddings"
	"github.com/hdlp/msnmt/pkg/ml/layers/generators"
	"github.com/hdlp/msnmt/pkg/ml/layers/globalattn"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	_ "github.com/gomlx/gomlx/backends/default"
)

var testSrcTypes = []string{"l", "r", TypeSource}

const testTgtVocabSize = 7

// testFields returns small vocabularies for the sources "l" and "r" and the target.
func testFields() vocab.Fields {
	lTokens := append([]string{vocab.UnkWord, vocab.PadWord}, TypeTokens...)
	lTokens = append(lTokens, "assign", "<=")
	return vocab.Fields{
		"src.l": {Name: "src.l", Fields: []*vocab.Field{vocab.NewTextField("src.l", lTokens)}},
		"src.r": {Name: "src.r", Fields: []*vocab.Field{vocab.NewTextField("src.r", []string{vocab.UnkWord, vocab.PadWord, "x", "y"})}},
		"tgt": {Name: "tgt", Fields: []*vocab.Field{
			vocab.NewTextField("tgt", []string{vocab.UnkWord, vocab.PadWord, vocab.BosWord, vocab.EosWord, "p", "q", "r"}),
		}},
	}
}

// testContext returns a context with a tiny model configuration.
func testContext(params map[string]any) *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamWordVecSize: 4,
		ParamRNNSize:     4,
		ParamLayers:      1,
		ParamDropout:     0.0,
	})
	ctx.SetParams(params)
	must.M(UpdateModelOptions(ctx))
	return ctx
}

// countModelVariables returns the number of float variables of the model, and how many of them have rank > 1.
func countModelVariables(model *Model) (total, matrices int) {
	for v := range model.Context().IterVariables() {
		if !v.DType().IsFloat() ||
			!(strings.HasPrefix(v.Scope(), ModelScope+"/") || strings.HasPrefix(v.Scope(), GeneratorScope+"/")) {
			continue
		}
		total++
		if v.Shape().Rank() > 1 {
			matrices++
		}
	}
	return
}

func TestOptions(t *testing.T) {
	ctx := CreateDefaultContext()
	opts, err := OptionsFromContext(ctx)
	require.NoError(t, err)
	require.NoError(t, ValidateModelOptions(opts))
	assert.Equal(t, 500, opts.EncRNNSize)
	assert.Equal(t, embeddings.MergeConcat, opts.FeatMerge)
	assert.Equal(t, dtypes.Float32, opts.DType)
	assert.Equal(t, []string{"l", "r", "type"}, opts.SrcTypes)
	assert.Equal(t, opts.Dropout, opts.AttentionDropout)
	assert.False(t, UseGPU(opts))

	ctx.SetParams(map[string]any{ParamRNNSize: 8, ParamLayers: 3, ParamWordVecSize: 16, ParamDropout: 0.2})
	require.NoError(t, UpdateModelOptions(ctx))
	opts, err = OptionsFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{8, 8, 3, 3, 16, 16}, []int{opts.EncRNNSize, opts.DecRNNSize, opts.EncLayers, opts.DecLayers,
		opts.SrcWordVecSize, opts.TgtWordVecSize})
	assert.Equal(t, 0.2, opts.AttentionDropout)

	// attention_dropout, once set, is not overwritten.
	ctx.SetParam(ParamDropout, 0.5)
	require.NoError(t, UpdateModelOptions(ctx))
	assert.Equal(t, 0.2, context.GetParamOr(ctx, ParamAttentionDropout, 0.0))

	ctx.SetParams(map[string]any{ParamGPURanks: []int{0}})
	opts, err = OptionsFromContext(ctx)
	require.NoError(t, err)
	assert.True(t, UseGPU(opts))

	for name, params := range map[string]map[string]any{
		"odd brnn":        {ParamEncoderType: "brnn", ParamRNNSize: 5},
		"gru":             {ParamRNNType: "GRU"},
		"layers mismatch": {ParamLayers: 0, ParamEncLayers: 1, ParamDecLayers: 2},
		"audio":           {ParamModelType: "audio"},
	} {
		opts, err := OptionsFromContext(testContext(params))
		require.NoError(t, err, name)
		require.ErrorIs(t, ValidateModelOptions(opts), ErrInvalidOptions, name)
	}
	for _, params := range []map[string]any{
		{ParamFeatMerge: "average"},
		{ParamGlobalAttention: "bahdanau"},
		{ParamDType: "int8"},
		{ParamParamInit: "small"},
	} {
		_, err := OptionsFromContext(testContext(params))
		require.ErrorIs(t, err, ErrInvalidOptions, "params %v", params)
	}

	// Combined parameters of the wrong type are reported as errors.
	for _, param := range []string{ParamRNNSize, ParamLayers, ParamWordVecSize} {
		ctx := CreateDefaultContext()
		ctx.SetParam(param, "large")
		require.ErrorIs(t, UpdateModelOptions(ctx), ErrInvalidOptions, "param %q", param)
	}
}

func TestBuildTypeTokenTable(t *testing.T) {
	fields := testFields()
	table, err := BuildTypeTokenTable(fields, "src.l")
	require.NoError(t, err)
	require.Equal(t, len(TypeTokens), table.Len())
	idx, found := table.Index("signed")
	require.True(t, found)
	require.Equal(t, 2+6, idx)
	// "<unk>" is already the first token of the vocabulary.
	idx, _ = table.Index("<unk>")
	require.Equal(t, 0, idx)

	_, err = BuildTypeTokenTable(fields, "src.r")
	require.ErrorIs(t, err, ErrTypeTokenMissing)
	_, err = BuildTypeTokenTable(fields, "src.type")
	require.ErrorIs(t, err, vocab.ErrFieldNotFound)
}

func TestResolveDevice(t *testing.T) {
	assert.Equal(t, "cpu", ResolveDevice(false, 3).String())
	assert.Equal(t, "cuda", ResolveDevice(true, -1).String())
	assert.Equal(t, "cuda", ResolveDevice(true, 0).String())
	assert.Equal(t, "cuda:2", ResolveDevice(true, 2).String())
	assert.Equal(t, "xla:cuda", ResolveDevice(true, 0).BackendConfig())
	assert.Equal(t, "xla:cpu", ResolveDevice(false, 0).BackendConfig())

	backend := graphtest.BuildTestBackend()
	require.False(t, IsAccelerator(backend))
	require.NoError(t, ResolveDevice(false, 0).Check(backend))
	require.ErrorIs(t, ResolveDevice(true, -1).Check(backend), ErrInvalidDevice)

	// The device kind must match the one of the backend.
	cuda := &describedBackend{Backend: backend, description: "xla:cuda - test plugin"}
	require.True(t, IsAccelerator(cuda))
	require.NoError(t, ResolveDevice(true, -1).Check(cuda))
	require.ErrorIs(t, ResolveDevice(false, -1).Check(cuda), ErrInvalidDevice)
	require.ErrorIs(t, ResolveDevice(true, int(cuda.NumDevices())).Check(cuda), ErrInvalidDevice)
	require.False(t, IsAccelerator(&describedBackend{Backend: backend, description: "xla:cpu - test plugin"}))

	_, err := BuildBaseModel(cuda, testContext(nil), testSrcTypes, testFields(), false, nil, -1)
	require.ErrorIs(t, err, ErrInvalidDevice)
}

// describedBackend overrides the description of a backend.
type describedBackend struct {
	backends.Backend
	description string
}

func (b *describedBackend) Description() string { return b.description }

func TestFixKey(t *testing.T) {
	for key, want := range map[string]string{
		"/model/decoder/layer_norm/a_2":           "/model/decoder/layer_norm/gain",
		"/model/decoder/layer_norm_1/b_2":         "/model/decoder/layer_norm_1/offset",
		"decoder.transformer.0.layer_norm.a_2":    "decoder.transformer.0.layer_norm.weight",
		"decoder.transformer.0.layer_norm_12.b_2": "decoder.transformer.0.layer_norm_12.bias",
		"/model/decoder/rnn/layer_0/inputsW":      "/model/decoder/rnn/layer_0/inputsW",
		"/model/decoder/layer_norm/c_2":           "/model/decoder/layer_norm/c_2",
	} {
		assert.Equal(t, want, FixKey(key), "FixKey(%q)", key)
	}
}

func TestBuildDecoder(t *testing.T) {
	opts := must.M1(OptionsFromContext(testContext(nil)))
	emb := must.M1(BuildEmbeddings(opts, testFields()["tgt"], false))

	dec, err := BuildDecoder(opts, emb)
	require.NoError(t, err)
	require.Equal(t, []string{"l", "r"}, dec.Sources())
	require.Equal(t, testSrcTypes, opts.SrcTypes)

	for _, params := range []map[string]any{
		{ParamDecoderType: "transformer"},
		{ParamInputFeed: false},
		{ParamDecoderType: "cnn", ParamInputFeed: false},
	} {
		opts := must.M1(OptionsFromContext(testContext(params)))
		_, err := BuildDecoder(opts, emb)
		require.ErrorIs(t, err, ErrUnsupportedDecoder, "params %v", params)
		require.Equal(t, testSrcTypes, opts.SrcTypes)
	}
}

func TestBuildEmbeddings(t *testing.T) {
	fields := testFields()
	opts := must.M1(OptionsFromContext(testContext(map[string]any{
		ParamWordVecSize: 0, ParamSrcWordVecSize: 6, ParamTgtWordVecSize: 4,
		ParamFixWordVecsEnc: true, ParamOptim: "sparseadam"})))
	emb, err := BuildEmbeddings(opts, fields["src.r"], true)
	require.NoError(t, err)
	wordEmb := emb.(*embeddings.Embeddings)
	assert.Equal(t, 6, wordEmb.WordVecSize())
	assert.Equal(t, 4, wordEmb.WordVocabSize())
	assert.Equal(t, 1, wordEmb.WordPadIdx())
	assert.True(t, wordEmb.IsWordVecsFixed())
	assert.True(t, wordEmb.IsSparse())

	emb, err = BuildEmbeddings(opts, fields["tgt"], false)
	require.NoError(t, err)
	assert.Equal(t, 4, emb.OutputSize())
	assert.False(t, emb.(*embeddings.Embeddings).IsWordVecsFixed())

	// Features.
	withFeat := &vocab.MultiField{Name: "src.r", Fields: []*vocab.Field{
		fields["src.r"].Base(),
		vocab.NewTextField("src.r_feat_0", []string{vocab.UnkWord, vocab.PadWord, "NN", "VB"}),
	}}
	emb, err = BuildEmbeddings(opts, withFeat, true)
	require.NoError(t, err)
	assert.Equal(t, 1, emb.(*embeddings.Embeddings).NumFeatures())

	// Missing pad token.
	noPad := &vocab.MultiField{Name: "src.r", Fields: []*vocab.Field{{Name: "src.r", UseVocab: true, PadToken: "<pad>",
		Vocab: vocab.New([]string{"x"})}}}
	_, err = BuildEmbeddings(opts, noPad, true)
	require.ErrorIs(t, err, vocab.ErrTokenNotFound)

	// Vector sources.
	opts = must.M1(OptionsFromContext(testContext(map[string]any{ParamModelType: "vec", ParamFeatVecSize: 3})))
	emb, err = BuildEmbeddings(opts, nil, true)
	require.NoError(t, err)
	require.IsType(t, &embeddings.VecEmbedding{}, emb)
	emb, err = BuildEmbeddings(opts, fields["tgt"], false)
	require.NoError(t, err)
	require.IsType(t, &embeddings.Embeddings{}, emb)
}

func TestBuildBaseModel(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := testContext(nil)
	srcTypes := []string{"l", "r", "type"}
	model, err := BuildBaseModel(backend, ctx, srcTypes, testFields(), false, nil, -1)
	require.NoError(t, err)
	summary := model.String()
	t.Logf("Model:\n%s", summary)
	require.Contains(t, summary, "encoder")

	require.Equal(t, []string{"l", "r"}, model.Sources)
	require.Len(t, model.Encoders, 2)
	require.NotContains(t, model.Encoders, TypeSource)
	require.Equal(t, []string{"l", "r", "type"}, srcTypes)
	require.Equal(t, []string{"l", "r", "type"}, model.Options.SrcTypes)
	require.NotNil(t, model.Decoder)
	require.Equal(t, []string{"l", "r"}, model.Decoder.Sources())
	require.IsType(t, &generators.Linear{}, model.Generator)
	require.Equal(t, testTgtVocabSize, model.Generator.OutputSize())
	require.Equal(t, "cpu", model.Device.String())
	require.True(t, model.IsTraining())

	// Default policy: uniform(-param_init, param_init) for all variables.
	numVars, _ := countModelVariables(model)
	require.Greater(t, numVars, 0)
	require.False(t, model.Init.FromCheckpoint)
	require.Equal(t, numVars, model.Init.Uniform)
	require.Equal(t, numVars, model.Init.RandomCalls())
	require.Greater(t, model.NumParameters(), 0)

	exec, err := model.NewExec()
	require.NoError(t, err)
	outputs := exec.MustExec(model.DummyInputs()...)
	require.Len(t, outputs, 3)
	require.Equal(t, []int{1, 1, testTgtVocabSize}, outputs[0].Shape().Dimensions)
	require.Equal(t, []int{1, 1, 1}, outputs[1].Shape().Dimensions)
}

func TestBuildBaseModelInitPolicy(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := testContext(map[string]any{ParamParamInit: 0.0, ParamParamInitGlorot: true})
	model, err := BuildBaseModel(backend, ctx, testSrcTypes, testFields(), false, nil, -1)
	require.NoError(t, err)
	numVars, numMatrices := countModelVariables(model)
	require.Equal(t, numMatrices, model.Init.Glorot)
	require.Equal(t, numVars-numMatrices, model.Init.Default)
	require.Equal(t, 0, model.Init.Uniform)

	ctx = testContext(map[string]any{ParamParamInit: 0.0})
	model, err = BuildBaseModel(backend, ctx, testSrcTypes, testFields(), false, nil, -1)
	require.NoError(t, err)
	numVars, _ = countModelVariables(model)
	require.Equal(t, numVars, model.Init.Default)
}

func TestBuildBaseModelErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for name, tc := range map[string]struct {
		params map[string]any
		want   error
	}{
		"share_embeddings":      {map[string]any{ParamShareEmbeddings: true}, ErrShareEmbeddings},
		"share_embeddings+copy": {map[string]any{ParamShareEmbeddings: true, ParamCopyAttn: true}, ErrShareEmbeddings},
		"decoder":               {map[string]any{ParamDecoderType: "transformer"}, ErrUnsupportedDecoder},
		"no input feed":         {map[string]any{ParamInputFeed: false, ParamEncoderType: "brnn"}, ErrUnsupportedDecoder},
		"sparsemax":             {map[string]any{ParamGeneratorFunction: "sparsemax"}, ErrUnsupportedGenerator},
		"type field":            {map[string]any{ParamTypeVocabField: "src.r"}, ErrTypeTokenMissing},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := testContext(tc.params)
			srcTypes := []string{"l", "r", "type"}
			_, err := BuildBaseModel(backend, ctx, srcTypes, testFields(), false, nil, -1)
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.want), "got %v", err)
			require.Equal(t, []string{"l", "r", "type"}, srcTypes)
			require.Equal(t, []string{"l", "r", "type"}, context.GetParamOr(ctx, ParamSrcTypes, []string(nil)))
		})
	}

	// A GPU index beyond the available devices.
	_, err := BuildBaseModel(backend, testContext(nil), testSrcTypes, testFields(), true, nil, 1000)
	require.ErrorIs(t, err, ErrInvalidDevice)
}

func TestBuildBaseModelCopy(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := testContext(map[string]any{ParamCopyAttn: true})
	model, err := BuildBaseModel(backend, ctx, testSrcTypes, testFields(), false, nil, -1)
	require.NoError(t, err)
	copyGen, ok := model.Generator.(*generators.Copy)
	require.True(t, ok, "expected copy generator, got %T", model.Generator)
	require.Equal(t, testTgtVocabSize, copyGen.OutputSize())
	require.Equal(t, 1, copyGen.PadIndex())
	require.Equal(t, []string{"l", "r"}, copyGen.Sources())

	exec, err := model.NewExec()
	require.NoError(t, err)
	outputs := exec.MustExec(model.DummyInputs()...)
	// One extra token copied from each source.
	require.Equal(t, []int{1, 1, testTgtVocabSize + 2}, outputs[0].Shape().Dimensions)
}

func TestBuildBaseModelSharedDecoderEmbeddings(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := testContext(map[string]any{ParamShareDecoderEmbeddings: true})
	model, err := BuildBaseModel(backend, ctx, testSrcTypes, testFields(), false, nil, -1)
	require.NoError(t, err)
	require.Equal(t, DecoderEmbeddingsScope, model.Generator.(*generators.Linear).SharedScope())
	genCtx := model.Context().InAbsPath(GeneratorScope).In("dense")
	require.Nil(t, genCtx.GetVariable("weights"))
	require.NotNil(t, genCtx.GetVariable("biases"))
}

func TestPretrainedVectors(t *testing.T) {
	pretrained := make([][]float32, testTgtVocabSize)
	for ii := range pretrained {
		pretrained[ii] = []float32{float32(ii), 1, 2, 3}
	}
	path := filepath.Join(t.TempDir(), "tgt_vectors.bin")
	require.NoError(t, tensors.FromValue(pretrained).Save(path))

	backend := graphtest.BuildTestBackend()
	ctx := testContext(map[string]any{ParamPreWordVecsDec: path})
	model, err := BuildBaseModel(backend, ctx, testSrcTypes, testFields(), false, nil, -1)
	require.NoError(t, err)
	table := model.Context().InAbsPath(DecoderEmbeddingsScope).In(embeddings.WordLUTScope).GetVariable(embeddings.TableVariableName)
	require.NotNil(t, table)
	require.Equal(t, pretrained, table.MustValue().Value())
}

func TestSaveAndLoadTestModel(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	fields := testFields()
	model, err := BuildModel(backend, testContext(nil), testSrcTypes, fields, nil)
	require.NoError(t, err)
	model.Eval()
	want := must.M1(model.NewExec()).MustExec(model.DummyInputs()...)[0]

	dir := filepath.Join(t.TempDir(), "model")
	require.NoError(t, model.Save(dir, fields))
	require.Error(t, model.Save(dir, fields), "saving over an existing model should fail")

	runtimeCtx := CreateDefaultContext()
	runtimeCtx.SetParams(map[string]any{ParamFP32: true})
	loadedFields, loaded, opts, err := LoadTestModel(backend, runtimeCtx, testSrcTypes, dir)
	require.NoError(t, err)
	require.Len(t, loadedFields, len(fields))
	require.Equal(t, 4, opts.DecRNNSize)
	require.False(t, loaded.IsTraining())
	require.True(t, loaded.Init.FromCheckpoint)
	require.Zero(t, loaded.Init.RandomCalls())
	require.Zero(t, loaded.Init.Missing)
	require.Zero(t, loaded.Init.Unexpected)
	require.Positive(t, loaded.Init.Loaded)

	got := must.M1(loaded.NewExec()).MustExec(loaded.DummyInputs()...)[0]
	require.True(t, xslices.SlicesInDelta(want.Value(), got.Value(), 1e-5))

	// Building a model from the checkpoint doesn't initialize anything randomly.
	ckpt, err := LoadCheckpoint(dir)
	require.NoError(t, err)
	require.NotEmpty(t, ckpt.Model)
	require.NotEmpty(t, ckpt.Generator)
	ctx := context.New()
	ckpt.ApplyParams(ctx)
	rebuilt, err := BuildModel(backend, ctx, testSrcTypes, fields, ckpt)
	require.NoError(t, err)
	require.Zero(t, rebuilt.Init.RandomCalls())
}

func TestFloat32(t *testing.T) {
	ctx := context.New()
	half := []float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2)}
	ctx.InAbsPath(ModelScope).VariableWithValue("w", tensors.FromFlatDataAndDimensions(half, 2))
	ctx.InAbsPath(ModelScope).VariableWithValue("steps", []int32{3})
	emb := embeddings.New(4, 7, 1).DType(dtypes.Float16)
	model := &Model{
		Options: &Options{DType: dtypes.Float16},
		Decoder: nil,
		ctx:     ctx,
	}
	model.Decoder = must.M1(BuildDecoder(&Options{DecoderType: "rnn", InputFeed: true, SrcTypes: []string{"l"},
		DecLayers: 1, DecRNNSize: 4, EncRNNSize: 4, GlobalAttention: globalattn.GeneralScore}, emb))
	require.NoError(t, model.Float32())

	w := ctx.InAbsPath(ModelScope).GetVariable("w")
	require.Equal(t, dtypes.Float32, w.DType())
	require.Equal(t, []float32{1.5, -2}, w.MustValue().Value())
	require.Equal(t, dtypes.Int32, ctx.InAbsPath(ModelScope).GetVariable("steps").DType())
	require.Equal(t, dtypes.Float32, model.Options.DType)
	require.Equal(t, "float32", context.GetParamOr(ctx, ParamDType, ""))
}

func TestLoadTestModelInvalidOptions(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	fields := testFields()
	model, err := BuildModel(backend, testContext(nil), testSrcTypes, fields, nil)
	require.NoError(t, err)
	model.Context().SetParam(ParamRNNSize, "large")
	dir := filepath.Join(t.TempDir(), "model")
	require.NoError(t, model.Save(dir, fields))

	_, _, _, err = LoadTestModel(backend, CreateDefaultContext(), testSrcTypes, dir)
	require.ErrorIs(t, err, ErrInvalidOptions)
}

func TestBuildModelPartialCheckpoint(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	fields := testFields()
	model, err := BuildModel(backend, testContext(nil), testSrcTypes, fields, nil)
	require.NoError(t, err)
	dir := filepath.Join(t.TempDir(), "model")
	require.NoError(t, model.Save(dir, fields))

	ckpt, err := LoadCheckpoint(dir)
	require.NoError(t, err)
	numWeights := len(ckpt.Model) + len(ckpt.Generator)
	const removedKey = "/model/decoder/linear_out/dense/weights"
	require.Contains(t, ckpt.Model, removedKey)
	delete(ckpt.Model, removedKey)
	ckpt.Model["/model/decoder/layer_norm/a_2"] = tensors.FromValue([]float32{1, 1, 1, 1})

	ctx := context.New()
	ckpt.ApplyParams(ctx)
	loaded, err := BuildModel(backend, ctx, testSrcTypes, fields, ckpt)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Init.Missing)
	require.Equal(t, 1, loaded.Init.Unexpected)
	require.Equal(t, numWeights-1, loaded.Init.Loaded)
	require.Zero(t, loaded.Init.RandomCalls())
	require.Equal(t, []string{"/model/decoder/layer_norm/gain"}, ckpt.Unconsumed())

	// The missing variable is zero-initialized.
	scope, name := context.SplitScope(removedKey)
	weights := loaded.Context().InAbsPath(scope).GetVariable(name)
	require.NotNil(t, weights)
	for _, value := range tensors.MustCopyFlatData[float32](weights.MustValue()) {
		require.Zero(t, value)
	}
}

func TestBuildBaseModelSourceTypes(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// With the default src_types, the decoder attends to the sources given.
	ctx := testContext(nil)
	model, err := BuildBaseModel(backend, ctx, []string{"l", TypeSource}, testFields(), false, nil, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"l"}, model.Sources)
	require.Equal(t, []string{"l"}, model.Decoder.Sources())
	require.Equal(t, []string{"l", TypeSource}, context.GetParamOr(ctx, ParamSrcTypes, []string(nil)))

	// A configured src_types must match the sources given.
	ctx = testContext(map[string]any{ParamSrcTypes: []string{"r", TypeSource}})
	_, err = BuildBaseModel(backend, ctx, []string{"l", TypeSource}, testFields(), false, nil, -1)
	require.ErrorIs(t, err, ErrInvalidOptions)
}
