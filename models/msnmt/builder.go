// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package msnmt

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/hdlp/msnmt/pkg/ml/data/vocab"
	"github.com/hdlp/msnmt/pkg/ml/layers/decoders"
	"github.com/hdlp/msnmt/pkg/ml/layers/embeddings"
	"github.com/hdlp/msnmt/pkg/ml/layers/encoders"
	"github.com/hdlp/msnmt/pkg/ml/layers/generators"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BuildEmbeddings creates the embeddings of a source (if forEncoder) or of the target, for the word and
// feature fields in field.
//
// For "vec" models the sources are embedded with an embeddings.VecEmbedding, and field is not used.
func BuildEmbeddings(opts *Options, field *vocab.MultiField, forEncoder bool) (embeddings.Embedder, error) {
	embDim, fixWordVecs := opts.TgtWordVecSize, opts.FixWordVecsDec
	if forEncoder {
		embDim, fixWordVecs = opts.SrcWordVecSize, opts.FixWordVecsEnc
	}
	if opts.ModelType == "vec" && forEncoder {
		vec := embeddings.NewVec(opts.FeatVecSize, embDim).
			PositionEncoding(opts.PositionEncoding).
			Dropout(opts.Dropout)
		if err := vec.Validate(); err != nil {
			return nil, errors.Wrap(ErrInvalidOptions, err.Error())
		}
		return vec, nil
	}

	base := field.Base()
	if base == nil {
		return nil, errors.Wrap(vocab.ErrFieldNotFound, "embeddings need a field with at least a word field")
	}
	wordPadIdx, err := base.PadIndex()
	if err != nil {
		return nil, err
	}
	wordVocabSize, err := base.VocabSize()
	if err != nil {
		return nil, err
	}
	features := field.Features()
	featPadIndices := make([]int, len(features))
	featVocabSizes := make([]int, len(features))
	for ii, feat := range features {
		if featPadIndices[ii], err = feat.PadIndex(); err != nil {
			return nil, err
		}
		if featVocabSizes[ii], err = feat.VocabSize(); err != nil {
			return nil, err
		}
	}

	emb := embeddings.New(embDim, wordVocabSize, wordPadIdx).
		DType(opts.DType).
		Features(featVocabSizes, featPadIndices).
		FeatMerge(opts.FeatMerge).
		FeatVecSize(opts.FeatVecSize).
		FeatVecExponent(opts.FeatVecExponent).
		PositionEncoding(opts.PositionEncoding).
		Dropout(opts.Dropout).
		Sparse(opts.Optim == "sparseadam").
		FixWordVecs(fixWordVecs)
	if err := emb.Validate(); err != nil {
		return nil, errors.Wrapf(ErrInvalidOptions, "embeddings of field %q: %v", field.Name, err)
	}
	return emb, nil
}

// BuildEncoder creates the encoder of the source srcType. It is always a type-appended LSTM encoder,
// bidirectional if the encoder type is "brnn".
func BuildEncoder(opts *Options, emb embeddings.Embedder, srcType string, typeTable *encoders.TypeTable) (*encoders.Encoder, error) {
	enc := encoders.New(srcType, emb, typeTable).
		Layers(opts.EncLayers).
		HiddenSize(opts.EncRNNSize).
		Bidirectional(opts.EncoderType == "brnn").
		Dropout(opts.Dropout)
	if err := enc.Validate(); err != nil {
		return nil, errors.Wrap(ErrInvalidOptions, err.Error())
	}
	return enc, nil
}

// BuildDecoder creates the decoder, attending to the sources in opts.SrcTypes except "type".
//
// Only the input-feed RNN decoder is supported: any other configuration returns ErrUnsupportedDecoder.
//
// While the decoder is built "type" is removed from opts.SrcTypes. The list is restored before returning,
// also on failure.
func BuildDecoder(opts *Options, emb embeddings.Embedder) (*decoders.Decoder, error) {
	if opts.DecoderType != "rnn" || !opts.InputFeed {
		return nil, errors.Wrapf(ErrUnsupportedDecoder, "%s=%q, %s=%v", ParamDecoderType, opts.DecoderType, ParamInputFeed, opts.InputFeed)
	}
	srcTypes := opts.SrcTypes
	defer func() { opts.SrcTypes = srcTypes }()
	opts.SrcTypes = slices.DeleteFunc(slices.Clone(srcTypes), func(s string) bool { return s == TypeSource })

	dec := decoders.New(emb, opts.SrcTypes).
		Layers(opts.DecLayers).
		HiddenSize(opts.DecRNNSize).
		MemorySize(opts.EncRNNSize).
		Attention(opts.GlobalAttention).
		Dropout(opts.Dropout).
		AttentionDropout(opts.AttentionDropout)
	if err := dec.Validate(); err != nil {
		return nil, errors.Wrap(ErrInvalidOptions, err.Error())
	}
	return dec, nil
}

// BuildGenerator creates the generator for a target vocabulary described by tgtField.
func BuildGenerator(opts *Options, tgtField *vocab.MultiField, sources []string) (generators.Generator, error) {
	base := tgtField.Base()
	if base == nil {
		return nil, errors.Wrap(vocab.ErrFieldNotFound, "generator needs a target word field")
	}
	vocabSize, err := base.VocabSize()
	if err != nil {
		return nil, err
	}
	if opts.CopyAttn {
		padIdx, err := base.PadIndex()
		if err != nil {
			return nil, err
		}
		gen := generators.NewCopy(opts.DecRNNSize, vocabSize, padIdx, sources)
		if err := gen.Validate(); err != nil {
			return nil, errors.Wrap(ErrInvalidOptions, err.Error())
		}
		return gen, nil
	}
	switch opts.GeneratorFunction {
	case "softmax", "log_softmax":
	default:
		return nil, errors.Wrapf(ErrUnsupportedGenerator, "%s=%q", ParamGeneratorFunction, opts.GeneratorFunction)
	}
	gen := generators.NewLinear(opts.DecRNNSize, vocabSize)
	if opts.ShareDecoderEmbeddings {
		gen.ShareWeights(DecoderEmbeddingsScope)
	}
	if err := gen.Validate(); err != nil {
		return nil, errors.Wrap(ErrInvalidOptions, err.Error())
	}
	return gen, nil
}

// BuildBaseModel builds the model for the sources srcTypes (including "type", which gets no encoder),
// with the hyperparameters in ctx and the vocabularies in fields, and creates its variables in ctx.
//
// If ckpt is given, the variables are loaded from it: legacy keys are renamed (see FixKey), variables
// missing from the checkpoint are zero-initialized and unexpected weights are ignored. Both are counted
// in Model.Init. Otherwise, the variables are initialized randomly (see ParamParamInit and
// ParamParamInitGlorot) and pretrained word vectors are loaded, if configured.
//
// The variables are placed on the CPU if gpu is false, or otherwise on the accelerator gpuID (the default
// one if gpuID <= 0).
//
// The decoder attends to the sources listed in ParamSrcTypes. If it is unset or still holds its default
// value, srcTypes is used instead and stored in ctx, so saved models record the sources they were built with.
//
// After the model is built, graphs using its variables must use Model.Context(), marked for reuse.
func BuildBaseModel(backend backends.Backend, ctx *context.Context, srcTypes []string, fields vocab.Fields,
	gpu bool, ckpt *Checkpoint, gpuID int) (*Model, error) {
	var model *Model
	var err error
	if panicErr := exceptions.TryCatch[error](func() {
		model, err = buildBaseModel(backend, ctx, srcTypes, fields, gpu, ckpt, gpuID)
	}); panicErr != nil {
		return nil, errors.WithMessage(panicErr, "building model")
	}
	if err != nil {
		return nil, err
	}
	return model, nil
}

func buildBaseModel(backend backends.Backend, ctx *context.Context, srcTypes []string, fields vocab.Fields,
	gpu bool, ckpt *Checkpoint, gpuID int) (*Model, error) {
	// Older checkpoints don't have attention_dropout.
	setAttentionDropoutDefault(ctx)
	opts, err := OptionsFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if len(opts.SrcTypes) == 0 || slices.Equal(opts.SrcTypes, DefaultParams()[ParamSrcTypes].([]string)) {
		// The decoder attends to the sources given, unless src_types was configured.
		opts.SrcTypes = slices.Clone(srcTypes)
		ctx.SetParam(ParamSrcTypes, slices.Clone(srcTypes))
	}
	if err = ValidateModelOptions(opts); err != nil {
		return nil, err
	}

	typeTable, err := BuildTypeTokenTable(fields, opts.TypeVocabField)
	if err != nil {
		return nil, err
	}

	model := &Model{
		Options:   opts,
		Encoders:  make(map[string]*encoders.Encoder, len(srcTypes)),
		TypeTable: typeTable,
		backend:   backend,
		training:  true,
	}
	for _, srcType := range srcTypes {
		if srcType == TypeSource {
			continue
		}
		if _, found := model.Encoders[srcType]; found {
			return nil, errors.Wrapf(ErrInvalidOptions, "source %q given more than once", srcType)
		}
		field, err := fields.Get("src." + srcType)
		if err != nil && opts.ModelType != "vec" {
			return nil, err
		}
		emb, err := BuildEmbeddings(opts, field, true)
		if err != nil {
			return nil, errors.WithMessagef(err, "embeddings of source %q", srcType)
		}
		enc, err := BuildEncoder(opts, emb, srcType, typeTable)
		if err != nil {
			return nil, err
		}
		model.Sources = append(model.Sources, srcType)
		model.Encoders[srcType] = enc
	}
	if len(model.Sources) == 0 {
		return nil, errors.Wrapf(ErrInvalidOptions, "no sources other than %q in %v", TypeSource, srcTypes)
	}

	tgtField, err := fields.Get("tgt")
	if err != nil {
		return nil, err
	}
	tgtEmb, err := BuildEmbeddings(opts, tgtField, false)
	if err != nil {
		return nil, errors.WithMessage(err, "target embeddings")
	}
	if opts.ShareEmbeddings {
		return nil, errors.Wrapf(ErrShareEmbeddings, "%s=true", ParamShareEmbeddings)
	}
	model.Decoder, err = BuildDecoder(opts, tgtEmb)
	if err != nil {
		return nil, err
	}
	for _, source := range model.Decoder.Sources() {
		if _, found := model.Encoders[source]; !found {
			return nil, errors.Wrapf(ErrInvalidOptions, "decoder source %q (from %s=%v) has no encoder, sources given %v",
				source, ParamSrcTypes, opts.SrcTypes, srcTypes)
		}
	}

	model.Device = ResolveDevice(gpu, gpuID)
	if err = model.Device.Check(backend); err != nil {
		return nil, err
	}
	model.Generator, err = BuildGenerator(opts, tgtField, model.Decoder.Sources())
	if err != nil {
		return nil, err
	}

	if err = model.initialize(ctx, ckpt); err != nil {
		return nil, err
	}
	if err = model.moveToDevice(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("model built on %s (%s):\n%s", model.Device, model.Init.String(), model)
	return model, nil
}

// initialize creates the model variables in ctx, loading them from ckpt if given, or initializing them
// randomly and loading pretrained vectors otherwise.
func (m *Model) initialize(ctx *context.Context, ckpt *Checkpoint) error {
	report := &m.Init
	if ckpt != nil {
		report.FromCheckpoint = true
		ckpt.FixKeys()
		ckpt.consumed = sets.Make[string]()
		prevLoader := ctx.Loader()
		ctx.SetLoader(ckpt)
		defer ctx.SetLoader(prevLoader)
		if err := m.materialize(ctx.Checked(false).WithInitializer(missingInit(report))); err != nil {
			return errors.WithMessagef(err, "loading model from checkpoint %q", ckpt.Dir)
		}
		report.Loaded = len(ckpt.consumed)
		unexpected := ckpt.Unconsumed()
		report.Unexpected = len(unexpected)
		if report.Missing > 0 || report.Unexpected > 0 {
			klog.Warningf("checkpoint %q: %d variables missing (zero-initialized), %d unexpected weights ignored",
				ckpt.Dir, report.Missing, report.Unexpected)
			klog.V(2).Infof("unexpected weights: %v", unexpected)
		}
		m.ctx = ctx.Reuse()
		return nil
	}

	if err := m.materialize(ctx.WithInitializer(initPolicy(ctx, m.Options, report))); err != nil {
		return errors.WithMessage(err, "initializing model")
	}
	m.ctx = ctx.Reuse()
	if path := m.Options.PreWordVecsEnc; path != "" {
		for _, source := range m.Sources {
			emb, ok := m.Encoders[source].Embeddings().(*embeddings.Embeddings)
			if !ok {
				continue
			}
			if err := emb.LoadPretrainedVectors(encoderCtx(m.ctx, source).In("embeddings"), path); err != nil {
				return errors.WithMessagef(err, "encoder %q", source)
			}
		}
	}
	if path := m.Options.PreWordVecsDec; path != "" {
		if emb, ok := m.Decoder.Embeddings().(*embeddings.Embeddings); ok {
			if err := emb.LoadPretrainedVectors(decoderCtx(m.ctx).In("embeddings"), path); err != nil {
				return errors.WithMessage(err, "decoder")
			}
		}
	}
	return nil
}

// BuildModel builds a model for training with the hyperparameters in ctx, on the default accelerator if
// the options request a GPU (see UseGPU). If ckpt is not nil, the model is restored from it.
// See BuildBaseModel for how srcTypes and ParamSrcTypes combine.
func BuildModel(backend backends.Backend, ctx *context.Context, srcTypes []string, fields vocab.Fields, ckpt *Checkpoint) (*Model, error) {
	opts, err := OptionsFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return BuildBaseModel(backend, ctx, srcTypes, fields, UseGPU(opts), ckpt, -1)
}

// LoadTestModel loads the model saved in modelPath for inference.
//
// ctx holds the runtime options: ParamGPU selects the device, ParamFP32 converts half-precision variables
// to float32 and ParamDataType is used to resolve old-style vocabularies. The model hyperparameters are
// the ones saved in the checkpoint, and the model gets its own context.
//
// It returns the vocabulary fields, the model in inference mode and its options.
func LoadTestModel(backend backends.Backend, ctx *context.Context, srcTypes []string, modelPath string) (vocab.Fields, *Model, *Options, error) {
	runtimeOpts, err := OptionsFromContext(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	ckpt, err := LoadCheckpoint(modelPath)
	if err != nil {
		return nil, nil, nil, err
	}
	modelCtx := context.New()
	ckpt.ApplyParams(modelCtx)
	if err = UpdateModelOptions(modelCtx); err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "options of checkpoint %q", modelPath)
	}
	modelOpts, err := OptionsFromContext(modelCtx)
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "options of checkpoint %q", modelPath)
	}
	if err = ValidateModelOptions(modelOpts); err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "options of checkpoint %q", modelPath)
	}
	fields := ckpt.Vocab.Resolve(runtimeOpts.DataType, modelOpts.CopyAttn)

	model, err := BuildBaseModel(backend, modelCtx, srcTypes, fields, UseGPU(runtimeOpts), ckpt, runtimeOpts.GPU)
	if err != nil {
		return nil, nil, nil, err
	}
	if runtimeOpts.FP32 {
		if err = model.Float32(); err != nil {
			return nil, nil, nil, err
		}
	}
	model.Eval()
	return fields, model, model.Options, nil
}
