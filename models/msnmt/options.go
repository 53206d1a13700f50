// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package msnmt

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/hdlp/msnmt/pkg/ml/layers/embeddings"
	"github.com/hdlp/msnmt/pkg/ml/layers/globalattn"
	"github.com/pkg/errors"
)

// Hyperparameters read from the context. Their names match the option names stored in
// the checkpoints, so historical options can be restored as context parameters.
const (
	// ParamModelType is the type of the source inputs: "text" or "vec".
	ParamModelType = "model_type"

	ParamSrcWordVecSize = "src_word_vec_size"
	ParamTgtWordVecSize = "tgt_word_vec_size"

	// ParamWordVecSize, if > 0, overrides both ParamSrcWordVecSize and ParamTgtWordVecSize.
	ParamWordVecSize = "word_vec_size"

	// ParamFeatMerge is how word features are merged: "concat", "sum" or "mlp".
	ParamFeatMerge       = "feat_merge"
	ParamFeatVecSize     = "feat_vec_size"
	ParamFeatVecExponent = "feat_vec_exponent"

	ParamPositionEncoding = "position_encoding"
	ParamDropout          = "dropout"

	// ParamAttentionDropout defaults to ParamDropout if not set, for older checkpoints.
	ParamAttentionDropout = "attention_dropout"

	ParamFixWordVecsEnc = "fix_word_vecs_enc"
	ParamFixWordVecsDec = "fix_word_vecs_dec"

	// ParamOptim is the optimizer name. Only "sparseadam" matters to the model: it makes embeddings sparse.
	ParamOptim = "optim"

	// ParamEncoderType is "rnn" or "brnn" (bidirectional).
	ParamEncoderType = "encoder_type"

	// ParamDecoderType must be "rnn", and ParamInputFeed must be true.
	ParamDecoderType = "decoder_type"
	ParamInputFeed   = "input_feed"

	// ParamRNNType must be "LSTM".
	ParamRNNType = "rnn_type"

	// ParamLayers, if > 0, overrides both ParamEncLayers and ParamDecLayers.
	ParamLayers    = "layers"
	ParamEncLayers = "enc_layers"
	ParamDecLayers = "dec_layers"

	// ParamRNNSize, if > 0, overrides both ParamEncRNNSize and ParamDecRNNSize.
	ParamRNNSize    = "rnn_size"
	ParamEncRNNSize = "enc_rnn_size"
	ParamDecRNNSize = "dec_rnn_size"

	// ParamGlobalAttention is the attention score function: "dot", "general" or "mlp".
	ParamGlobalAttention = "global_attention"

	ParamCopyAttn = "copy_attn"

	// ParamGeneratorFunction is "softmax" (a log-softmax head) or "sparsemax" (not supported).
	ParamGeneratorFunction = "generator_function"

	ParamShareEmbeddings        = "share_embeddings"
	ParamShareDecoderEmbeddings = "share_decoder_embeddings"

	// ParamParamInit, if != 0, initializes parameters with uniform(-param_init, +param_init).
	ParamParamInit = "param_init"

	// ParamParamInitGlorot initializes parameters of rank > 1 with Glorot uniform.
	ParamParamInitGlorot = "param_init_glorot"

	// ParamPreWordVecsEnc and ParamPreWordVecsDec are paths to tensors saved with tensors.Save,
	// holding pretrained word vectors.
	ParamPreWordVecsEnc = "pre_word_vecs_enc"
	ParamPreWordVecsDec = "pre_word_vecs_dec"

	// ParamSrcTypes is the ordered list of source types, including "type".
	ParamSrcTypes = "src_types"

	// ParamTypeVocabField is the field whose vocabulary indexes the type-token literals.
	ParamTypeVocabField = "type_vocab_field"

	// ParamDType of the model parameters: "float32", "float16" or "bfloat16".
	ParamDType = "dtype"

	// ParamGPU is the GPU index to use at inference time, -1 for CPU.
	ParamGPU = "gpu"

	// ParamGPURanks lists the GPU ranks used in training. Non-empty means GPU.
	ParamGPURanks = "gpu_ranks"

	// ParamFP32 converts half-precision parameters to float32 when loading a model for inference.
	ParamFP32 = "fp32"

	// ParamDataType is the data type of the inputs at inference time, used to resolve old-style vocabularies.
	ParamDataType = "data_type"
)

// TypeSource is the source type that carries the type-token lexicon and never gets an encoder.
const TypeSource = "type"

// DefaultParams returns the default hyperparameters of the model.
//
// ParamAttentionDropout is deliberately not included: when missing it takes the value of ParamDropout.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamModelType:              "text",
		ParamSrcWordVecSize:         500,
		ParamTgtWordVecSize:         500,
		ParamWordVecSize:            -1,
		ParamFeatMerge:              "concat",
		ParamFeatVecSize:            -1,
		ParamFeatVecExponent:        0.7,
		ParamPositionEncoding:       false,
		ParamDropout:                0.3,
		ParamFixWordVecsEnc:         false,
		ParamFixWordVecsDec:         false,
		ParamOptim:                  "sgd",
		ParamEncoderType:            "rnn",
		ParamDecoderType:            "rnn",
		ParamInputFeed:              true,
		ParamRNNType:                "LSTM",
		ParamLayers:                 -1,
		ParamEncLayers:              2,
		ParamDecLayers:              2,
		ParamRNNSize:                -1,
		ParamEncRNNSize:             500,
		ParamDecRNNSize:             500,
		ParamGlobalAttention:        "general",
		ParamCopyAttn:               false,
		ParamGeneratorFunction:      "softmax",
		ParamShareEmbeddings:        false,
		ParamShareDecoderEmbeddings: false,
		ParamParamInit:              0.1,
		ParamParamInitGlorot:        false,
		ParamPreWordVecsEnc:         "",
		ParamPreWordVecsDec:         "",
		ParamSrcTypes:               []string{"l", "r", TypeSource},
		ParamTypeVocabField:         "src.l",
		ParamDType:                  "float32",
		ParamGPU:                    -1,
		ParamGPURanks:               []int{},
		ParamFP32:                   false,
		ParamDataType:               "text",
	}
}

// CreateDefaultContext returns a context with the default hyperparameters set.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(DefaultParams())
	return ctx
}

// Options is a typed snapshot of the model hyperparameters, read from a context with OptionsFromContext.
type Options struct {
	ModelType              string
	SrcWordVecSize         int
	TgtWordVecSize         int
	FeatMerge              embeddings.MergeType
	FeatVecSize            int
	FeatVecExponent        float64
	PositionEncoding       bool
	Dropout                float64
	AttentionDropout       float64
	FixWordVecsEnc         bool
	FixWordVecsDec         bool
	Optim                  string
	EncoderType            string
	DecoderType            string
	InputFeed              bool
	RNNType                string
	EncLayers, DecLayers   int
	EncRNNSize, DecRNNSize int
	GlobalAttention        globalattn.Type
	CopyAttn               bool
	GeneratorFunction      string
	ShareEmbeddings        bool
	ShareDecoderEmbeddings bool
	ParamInit              float64
	ParamInitGlorot        bool
	PreWordVecsEnc         string
	PreWordVecsDec         string
	SrcTypes               []string
	TypeVocabField         string
	DType                  dtypes.DType
	GPU                    int
	GPURanks               []int
	FP32                   bool
	DataType               string
}

// UpdateModelOptions resolves the combined hyperparameters in ctx: word_vec_size, layers and rnn_size
// set both the encoder and decoder values when positive, and a missing attention_dropout takes the
// value of dropout.
//
// It returns an error wrapping ErrInvalidOptions if any of these parameters has a value of the wrong type.
func UpdateModelOptions(ctx *context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrInvalidOptions, "%v", r)
		}
	}()
	if size := context.GetParamOr(ctx, ParamWordVecSize, -1); size > 0 {
		ctx.SetParam(ParamSrcWordVecSize, size)
		ctx.SetParam(ParamTgtWordVecSize, size)
	}
	if numLayers := context.GetParamOr(ctx, ParamLayers, -1); numLayers > 0 {
		ctx.SetParam(ParamEncLayers, numLayers)
		ctx.SetParam(ParamDecLayers, numLayers)
	}
	if size := context.GetParamOr(ctx, ParamRNNSize, -1); size > 0 {
		ctx.SetParam(ParamEncRNNSize, size)
		ctx.SetParam(ParamDecRNNSize, size)
	}
	if context.GetParamOr(ctx, ParamModelType, "") == "" {
		ctx.SetParam(ParamModelType, "text")
	}
	setAttentionDropoutDefault(ctx)
	return nil
}

// setAttentionDropoutDefault sets attention_dropout from dropout, if it is not set.
func setAttentionDropoutDefault(ctx *context.Context) {
	if value, found := ctx.GetParam(ParamAttentionDropout); !found || value == nil {
		ctx.SetParam(ParamAttentionDropout, context.GetParamOr(ctx, ParamDropout, 0.0))
	}
}

// OptionsFromContext reads the hyperparameters from ctx. Missing values take the DefaultParams value.
func OptionsFromContext(ctx *context.Context) (opts *Options, err error) {
	defaults := DefaultParams()
	getInt := func(key string) int { return context.GetParamOr(ctx, key, defaults[key].(int)) }
	getFloat := func(key string) float64 { return context.GetParamOr(ctx, key, defaults[key].(float64)) }
	getBool := func(key string) bool { return context.GetParamOr(ctx, key, defaults[key].(bool)) }
	getString := func(key string) string { return context.GetParamOr(ctx, key, defaults[key].(string)) }
	defer func() {
		// GetParamOr panics on values that can't be converted.
		if r := recover(); r != nil {
			opts = nil
			err = errors.Wrapf(ErrInvalidOptions, "%v", r)
		}
	}()

	opts = &Options{
		ModelType:              getString(ParamModelType),
		SrcWordVecSize:         getInt(ParamSrcWordVecSize),
		TgtWordVecSize:         getInt(ParamTgtWordVecSize),
		FeatVecSize:            getInt(ParamFeatVecSize),
		FeatVecExponent:        getFloat(ParamFeatVecExponent),
		PositionEncoding:       getBool(ParamPositionEncoding),
		Dropout:                getFloat(ParamDropout),
		FixWordVecsEnc:         getBool(ParamFixWordVecsEnc),
		FixWordVecsDec:         getBool(ParamFixWordVecsDec),
		Optim:                  getString(ParamOptim),
		EncoderType:            getString(ParamEncoderType),
		DecoderType:            getString(ParamDecoderType),
		InputFeed:              getBool(ParamInputFeed),
		RNNType:                getString(ParamRNNType),
		EncLayers:              getInt(ParamEncLayers),
		DecLayers:              getInt(ParamDecLayers),
		EncRNNSize:             getInt(ParamEncRNNSize),
		DecRNNSize:             getInt(ParamDecRNNSize),
		CopyAttn:               getBool(ParamCopyAttn),
		GeneratorFunction:      getString(ParamGeneratorFunction),
		ShareEmbeddings:        getBool(ParamShareEmbeddings),
		ShareDecoderEmbeddings: getBool(ParamShareDecoderEmbeddings),
		ParamInit:              getFloat(ParamParamInit),
		ParamInitGlorot:        getBool(ParamParamInitGlorot),
		PreWordVecsEnc:         getString(ParamPreWordVecsEnc),
		PreWordVecsDec:         getString(ParamPreWordVecsDec),
		SrcTypes:               slices.Clone(context.GetParamOr(ctx, ParamSrcTypes, []string(nil))),
		TypeVocabField:         getString(ParamTypeVocabField),
		GPU:                    getInt(ParamGPU),
		GPURanks:               slices.Clone(context.GetParamOr(ctx, ParamGPURanks, []int(nil))),
		FP32:                   getBool(ParamFP32),
		DataType:               getString(ParamDataType),
	}
	opts.AttentionDropout = context.GetParamOr(ctx, ParamAttentionDropout, opts.Dropout)

	if opts.FeatMerge, err = embeddings.ParseMergeType(getString(ParamFeatMerge)); err != nil {
		return nil, errors.Wrap(ErrInvalidOptions, err.Error())
	}
	if opts.GlobalAttention, err = globalattn.ParseType(getString(ParamGlobalAttention)); err != nil {
		return nil, errors.Wrap(ErrInvalidOptions, err.Error())
	}
	if opts.DType, err = parseDType(getString(ParamDType)); err != nil {
		return nil, err
	}
	return opts, nil
}

func parseDType(name string) (dtypes.DType, error) {
	switch name {
	case "", "float32", "fp32":
		return dtypes.Float32, nil
	case "float16", "fp16":
		return dtypes.Float16, nil
	case "bfloat16", "bf16":
		return dtypes.BFloat16, nil
	case "float64":
		return dtypes.Float64, nil
	}
	return dtypes.InvalidDType, errors.Wrapf(ErrInvalidOptions, "%s=%q not supported", ParamDType, name)
}

// ValidateModelOptions checks the options for configurations the model builder can't build.
//
// Unsupported decoders and shared source/target embeddings are not reported here: they are checked
// (and fail) at build time.
func ValidateModelOptions(opts *Options) error {
	switch opts.ModelType {
	case "text", "vec":
	default:
		return errors.Wrapf(ErrInvalidOptions, "%s=%q, only \"text\" or \"vec\" are supported", ParamModelType, opts.ModelType)
	}
	switch opts.EncoderType {
	case "rnn", "brnn":
	default:
		return errors.Wrapf(ErrInvalidOptions, "%s=%q, only \"rnn\" or \"brnn\" are supported", ParamEncoderType, opts.EncoderType)
	}
	if opts.RNNType != "LSTM" {
		return errors.Wrapf(ErrInvalidOptions, "%s=%q, only \"LSTM\" is supported", ParamRNNType, opts.RNNType)
	}
	if opts.EncoderType == "brnn" && opts.EncRNNSize%2 != 0 {
		return errors.Wrapf(ErrInvalidOptions, "%s=%d must be even for a bidirectional encoder", ParamEncRNNSize, opts.EncRNNSize)
	}
	if opts.EncLayers <= 0 || opts.DecLayers <= 0 || opts.EncRNNSize <= 0 || opts.DecRNNSize <= 0 {
		return errors.Wrapf(ErrInvalidOptions, "number of layers and rnn sizes must be positive, got %s=%d, %s=%d, %s=%d, %s=%d",
			ParamEncLayers, opts.EncLayers, ParamDecLayers, opts.DecLayers, ParamEncRNNSize, opts.EncRNNSize, ParamDecRNNSize, opts.DecRNNSize)
	}
	if opts.EncLayers != opts.DecLayers || opts.EncRNNSize != opts.DecRNNSize {
		return errors.Wrapf(ErrInvalidOptions, "the decoder is initialized from the encoders final states, "+
			"so layers and rnn sizes must match: %s=%d, %s=%d, %s=%d, %s=%d",
			ParamEncLayers, opts.EncLayers, ParamDecLayers, opts.DecLayers, ParamEncRNNSize, opts.EncRNNSize, ParamDecRNNSize, opts.DecRNNSize)
	}
	if opts.SrcWordVecSize <= 0 || opts.TgtWordVecSize <= 0 {
		return errors.Wrapf(ErrInvalidOptions, "word vector sizes must be positive, got %s=%d, %s=%d",
			ParamSrcWordVecSize, opts.SrcWordVecSize, ParamTgtWordVecSize, opts.TgtWordVecSize)
	}
	if opts.Dropout < 0 || opts.Dropout >= 1 || opts.AttentionDropout < 0 || opts.AttentionDropout >= 1 {
		return errors.Wrapf(ErrInvalidOptions, "dropout rates must be in [0, 1), got %s=%g, %s=%g",
			ParamDropout, opts.Dropout, ParamAttentionDropout, opts.AttentionDropout)
	}
	if opts.ModelType == "vec" && opts.FeatVecSize <= 0 {
		return errors.Wrapf(ErrInvalidOptions, "%s=\"vec\" requires %s > 0", ParamModelType, ParamFeatVecSize)
	}
	if opts.ShareDecoderEmbeddings && opts.TgtWordVecSize != opts.DecRNNSize {
		return errors.Wrapf(ErrInvalidOptions, "%s requires %s (%d) == %s (%d)",
			ParamShareDecoderEmbeddings, ParamTgtWordVecSize, opts.TgtWordVecSize, ParamDecRNNSize, opts.DecRNNSize)
	}
	return nil
}

// UseGPU returns whether the options request a GPU: either gpu_ranks is not empty or gpu >= 0.
func UseGPU(opts *Options) bool {
	return len(opts.GPURanks) > 0 || opts.GPU > -1
}

// String implements fmt.Stringer.
func (opts *Options) String() string {
	return fmt.Sprintf("%s model: src_types=%v, encoder=%s(%dx%d), decoder=%s(%dx%d), attention=%s, copy_attn=%v, dtype=%s",
		opts.ModelType, opts.SrcTypes, opts.EncoderType, opts.EncLayers, opts.EncRNNSize,
		opts.DecoderType, opts.DecLayers, opts.DecRNNSize, opts.GlobalAttention, opts.CopyAttn, opts.DType)
}
