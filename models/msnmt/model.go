// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package msnmt

import (
	"os"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/hdlp/msnmt/pkg/ml/data/vocab"
	"github.com/hdlp/msnmt/pkg/ml/layers/decoders"
	"github.com/hdlp/msnmt/pkg/ml/layers/embeddings"
	"github.com/hdlp/msnmt/pkg/ml/layers/encoders"
	"github.com/hdlp/msnmt/pkg/ml/layers/generators"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Sub-scopes of ModelScope.
const (
	EncodersScope = "encoders"
	DecoderScope  = "decoder"
)

// Model is a multi-source type-appended sequence-to-sequence model, with its variables.
// It is created by BuildBaseModel, BuildModel or LoadTestModel.
type Model struct {
	// Options the model was built with.
	Options *Options

	// Sources with an encoder, in order.
	Sources []string

	// Encoders maps each source to its encoder.
	Encoders map[string]*encoders.Encoder

	// Decoder attends to all the sources.
	Decoder *decoders.Decoder

	// Generator is either a *generators.Linear or a *generators.Copy.
	Generator generators.Generator

	// TypeTable is the type-token lexicon used by the encoders.
	TypeTable *encoders.TypeTable

	// Device where the variables are placed.
	Device Device

	// Init reports how the variables were initialized.
	Init InitReport

	backend  backends.Backend
	ctx      *context.Context
	training bool
}

// Batch holds the inputs of the model for one batch.
type Batch struct {
	// Sources maps each source to its tokens, shaped [batchSize, srcLen, 1+numFeatures] (int), or to its
	// vectors, shaped [batchSize, srcLen, featVecSize] (float), for "vec" models.
	Sources map[string]*Node

	// Lengths maps each source to its sequence lengths, shaped [batchSize]. Entries can be missing for
	// sources without padding.
	Lengths map[string]*Node

	// SrcMaps maps each source to its copy map, shaped [batchSize, srcLen, extraVocabSize]. Only used by
	// the copy generator.
	SrcMaps map[string]*Node

	// Target tokens, shaped [batchSize, tgtLen, 1+numFeatures].
	Target *Node
}

// Context returns the context holding the model variables and hyperparameters.
//
// It is marked as Context.Reuse, since the variables are created when the model is built.
func (m *Model) Context() *context.Context { return m.ctx }

// Backend returns the backend the model variables are stored on.
func (m *Model) Backend() backends.Backend { return m.backend }

// Eval switches the model (including the generator) to inference mode: dropout is disabled in graphs built
// with ForwardGraph from now on.
func (m *Model) Eval() { m.training = false }

// Train switches the model to training mode. This is the mode of newly built models.
func (m *Model) Train() { m.training = true }

// IsTraining returns whether the model is in training mode.
func (m *Model) IsTraining() bool { return m.training }

// NumParameters returns the total number of scalar values in the model variables.
func (m *Model) NumParameters() int { return m.ctx.NumParameters() }

// encoderCtx returns the scope of the encoder of source, relative to the root.
func encoderCtx(ctx *context.Context, source string) *context.Context {
	return ctx.InAbsPath(ModelScope).In(EncodersScope).In(source)
}

func decoderCtx(ctx *context.Context) *context.Context {
	return ctx.InAbsPath(ModelScope).In(DecoderScope)
}

// DecoderEmbeddingsScope is the absolute scope of the target embeddings.
var DecoderEmbeddingsScope = context.JoinScope(context.JoinScope(ModelScope, DecoderScope), "embeddings")

// ForwardGraph builds the model graph for batch: the encoders, the decoder and the generator.
// It returns the generator output and the attention of each source, shaped [batchSize, tgtLen, srcLen].
//
// The generator output are log-probabilities over the target vocabulary, shaped
// [batchSize, tgtLen, vocabSize], or for the copy generator, probabilities over the target vocabulary
// extended with the copy maps of each source.
//
// ctx is usually Model.Context(), or the context given to the exec function using it.
func (m *Model) ForwardGraph(ctx *context.Context, batch *Batch) (output *Node, attentions map[string]*Node) {
	return m.forwardGraph(ctx, batch, m.training)
}

func (m *Model) forwardGraph(ctx *context.Context, batch *Batch, training bool) (output *Node, attentions map[string]*Node) {
	if batch.Target == nil {
		exceptions.Panicf("model batch has no target")
	}
	ctx.SetTraining(batch.Target.Graph(), training)
	memories := make(map[string]*encoders.Output, len(m.Sources))
	for _, source := range m.Sources {
		src, found := batch.Sources[source]
		if !found {
			exceptions.Panicf("model batch missing source %q", source)
		}
		memories[source] = m.Encoders[source].Encode(encoderCtx(ctx, source), src, batch.Lengths[source])
	}
	decoded := m.Decoder.Decode(decoderCtx(ctx), batch.Target, memories)
	genCtx := ctx.InAbsPath(GeneratorScope)
	switch gen := m.Generator.(type) {
	case *generators.Linear:
		output = gen.Apply(genCtx, decoded.Outputs)
	case *generators.Copy:
		output = gen.Apply(genCtx, decoded.Outputs, decoded.Attentions, batch.SrcMaps)
	default:
		exceptions.Panicf("unknown generator %T", m.Generator)
	}
	return output, decoded.Attentions
}

// BatchFromInputs converts the flat list of inputs given to an exec function to a Batch.
// The order is, for each source in Model.Sources, the tokens and the lengths (and the copy map, for the
// copy generator), followed by the target. See DummyInputs for an example.
func (m *Model) BatchFromInputs(inputs []*Node) *Batch {
	_, isCopy := m.Generator.(*generators.Copy)
	perSource := 2
	if isCopy {
		perSource = 3
	}
	if want := perSource*len(m.Sources) + 1; len(inputs) != want {
		exceptions.Panicf("model expected %d inputs, got %d", want, len(inputs))
	}
	batch := &Batch{
		Sources: make(map[string]*Node, len(m.Sources)),
		Lengths: make(map[string]*Node, len(m.Sources)),
		SrcMaps: make(map[string]*Node, len(m.Sources)),
	}
	for ii, source := range m.Sources {
		batch.Sources[source] = inputs[ii*perSource]
		batch.Lengths[source] = inputs[ii*perSource+1]
		if isCopy {
			batch.SrcMaps[source] = inputs[ii*perSource+2]
		}
	}
	batch.Target = inputs[len(inputs)-1]
	return batch
}

// DummyInputs returns a minimal batch (one example of one token per source and target, all zeros)
// in the order expected by BatchFromInputs.
func (m *Model) DummyInputs() []any {
	_, isCopy := m.Generator.(*generators.Copy)
	var inputs []any
	for _, source := range m.Sources {
		emb := m.Encoders[source].Embeddings()
		var src *tensors.Tensor
		if vec, ok := emb.(*embeddings.VecEmbedding); ok {
			src = tensors.FromShape(shapes.Make(m.Options.DType, 1, 1, vec.FeatVecSize()))
		} else {
			src = tensors.FromShape(shapes.Make(dtypes.Int32, 1, 1, 1+numFeatures(emb)))
		}
		inputs = append(inputs, src, []int32{1})
		if isCopy {
			inputs = append(inputs, [][][]float32{{{1}}})
		}
	}
	tgt := tensors.FromShape(shapes.Make(dtypes.Int32, 1, 1, 1+numFeatures(m.Decoder.Embeddings())))
	return append(inputs, tgt)
}

func numFeatures(emb embeddings.Embedder) int {
	if e, ok := emb.(*embeddings.Embeddings); ok {
		return e.NumFeatures()
	}
	return 0
}

// NewExec creates an executor of the model forward graph, taking the inputs in the order described in
// BatchFromInputs, and returning the generator output followed by the attention of each source
// (in Model.Sources order).
func (m *Model) NewExec() (*context.Exec, error) {
	return context.NewExec(m.backend, m.ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		output, attentions := m.ForwardGraph(ctx, m.BatchFromInputs(inputs))
		outputs := []*Node{output}
		for _, source := range m.Sources {
			outputs = append(outputs, attentions[source])
		}
		return outputs
	})
}

// materialize creates and initializes (or loads) all the model variables, by executing the model once
// on DummyInputs, using ctx for the variables.
func (m *Model) materialize(ctx *context.Context) error {
	_, err := context.ExecOnceN(m.backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		output, _ := m.forwardGraph(ctx, m.BatchFromInputs(inputs), false)
		return []*Node{output}
	}, m.DummyInputs()...)
	return err
}

// moveToDevice transfers all the variables to the model device.
func (m *Model) moveToDevice() error {
	for v := range m.ctx.IterVariables() {
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "variable %q", v.ScopeAndName())
		}
		if err = value.MaterializeOnDevice(m.backend, false, m.Device.Num); err != nil {
			return errors.WithMessagef(err, "moving variable %q to %s", v.ScopeAndName(), m.Device)
		}
	}
	return nil
}

// Float32 converts the half-precision (float16 and bfloat16) variables to float32, and configures
// the embeddings to create float32 tables.
func (m *Model) Float32() error {
	var converted int
	for v := range m.ctx.IterVariables() {
		if v.DType() != dtypes.Float16 && v.DType() != dtypes.BFloat16 {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "variable %q", v.ScopeAndName())
		}
		flat := make([]float32, value.Shape().Size())
		if v.DType() == dtypes.Float16 {
			tensors.MustConstFlatData(value, func(values []float16.Float16) {
				for ii, x := range values {
					flat[ii] = x.Float32()
				}
			})
		} else {
			tensors.MustConstFlatData(value, func(values []bfloat16.BFloat16) {
				for ii, x := range values {
					flat[ii] = x.Float32()
				}
			})
		}
		if err = v.SetValue(tensors.FromFlatDataAndDimensions(flat, value.Shape().Dimensions...)); err != nil {
			return errors.WithMessagef(err, "converting variable %q to float32", v.ScopeAndName())
		}
		converted++
	}
	setEmbeddingsDType := func(emb embeddings.Embedder) {
		if e, ok := emb.(*embeddings.Embeddings); ok {
			e.DType(dtypes.Float32)
		}
	}
	for _, enc := range m.Encoders {
		setEmbeddingsDType(enc.Embeddings())
	}
	setEmbeddingsDType(m.Decoder.Embeddings())
	m.Options.DType = dtypes.Float32
	m.ctx.SetParam(ParamDType, "float32")
	klog.V(1).Infof("converted %d variables to float32", converted)
	return nil
}

// Save writes the model variables and hyperparameters as a checkpoint in dir, along with the fields'
// vocabularies, so it can be loaded with LoadTestModel.
//
// dir must not hold a previous checkpoint.
func (m *Model) Save(dir string, fields vocab.Fields) error {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return err
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return errors.Errorf("can't save model to %q: directory is not empty", dir)
	}
	handler, err := checkpoints.Build(m.ctx).Dir(dir).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "creating checkpoint in %q", dir)
	}
	if err = handler.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint in %q", dir)
	}
	if err = fields.Save(filepath.Join(dir, vocab.FileName)); err != nil {
		return err
	}
	klog.V(1).Infof("model saved to %q", dir)
	return nil
}
