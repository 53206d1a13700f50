// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package msnmt

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/hdlp/msnmt/pkg/ml/data/vocab"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Checkpoint is a read-only snapshot of a saved model: hyperparameters, vocabulary and weights.
//
// It is read from a directory written by Model.Save: a GoMLX checkpoint plus a vocab.FileName sidecar.
// Weights are keyed by their absolute scope and name, e.g. "/model/decoder/linear_out/dense/weights".
type Checkpoint struct {
	// Dir from where the checkpoint was read.
	Dir string

	// Params are the hyperparameters saved at the root scope.
	Params map[string]any

	// Vocab saved with the model, in new or old style.
	Vocab *vocab.File

	// Model holds the weights under ModelScope, and Generator the weights under GeneratorScope.
	Model, Generator map[string]*tensors.Tensor

	// Other holds saved variables outside the model scopes (e.g. optimizer state); they are not loaded.
	Other map[string]*tensors.Tensor

	consumed sets.Set[string]
}

// LoadCheckpoint reads the latest checkpoint saved in dir.
func LoadCheckpoint(dir string) (*Checkpoint, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	tmpCtx := context.New()
	handler, err := checkpoints.Load(tmpCtx).Dir(dir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading checkpoint from %q", dir)
	}
	ckpt := &Checkpoint{
		Dir:       dir,
		Params:    make(map[string]any),
		Model:     make(map[string]*tensors.Tensor),
		Generator: make(map[string]*tensors.Tensor),
		Other:     make(map[string]*tensors.Tensor),
		consumed:  sets.Make[string](),
	}
	tmpCtx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			ckpt.Params[key] = value
		}
	})
	for paramName, value := range handler.LoadedVariables() {
		scope, name := context.VariableScopeAndNameFromParameterName(paramName)
		ckpt.add(context.JoinScope(scope, name), value)
	}
	ckpt.Vocab, err = vocab.ReadFile(filepath.Join(dir, vocab.FileName))
	if err != nil {
		return nil, errors.WithMessagef(err, "loading vocabulary of checkpoint %q", dir)
	}
	klog.V(1).Infof("checkpoint %q: %d model and %d generator weights, %d params",
		dir, len(ckpt.Model), len(ckpt.Generator), len(ckpt.Params))
	return ckpt, nil
}

// add a weight to the map of its scope.
func (c *Checkpoint) add(key string, value *tensors.Tensor) {
	switch {
	case inScope(key, ModelScope):
		c.Model[key] = value
	case inScope(key, GeneratorScope):
		c.Generator[key] = value
	default:
		c.Other[key] = value
	}
}

func inScope(key, scope string) bool {
	return strings.HasPrefix(key, scope+context.ScopeSeparator)
}

// ApplyParams sets the saved hyperparameters in ctx.
func (c *Checkpoint) ApplyParams(ctx *context.Context) {
	for key, value := range c.Params {
		ctx.SetParam(key, value)
	}
}

var (
	layerNormScopedRegexp = regexp.MustCompile(`^(.*)/layer_norm((_\d+)?)/(a_2|b_2)$`)
	layerNormDottedRegexp = regexp.MustCompile(`^(.*)\.layer_norm((_\d+)?)\.(a_2|b_2)$`)
)

// FixKey renames legacy layer normalization weights to their current names: "a_2" is the gain and "b_2"
// the offset. Keys in the dotted form ("decoder.layer_norm_1.a_2") are renamed to "weight" and "bias".
// Other keys are returned unchanged.
func FixKey(key string) string {
	if m := layerNormScopedRegexp.FindStringSubmatch(key); m != nil {
		name := "gain"
		if m[4] == "b_2" {
			name = "offset"
		}
		return m[1] + "/layer_norm" + m[2] + "/" + name
	}
	if m := layerNormDottedRegexp.FindStringSubmatch(key); m != nil {
		name := "weight"
		if m[4] == "b_2" {
			name = "bias"
		}
		return m[1] + ".layer_norm" + m[2] + "." + name
	}
	return key
}

// FixKeys renames the legacy keys of the model weights, see FixKey.
func (c *Checkpoint) FixKeys() {
	fixed := make(map[string]*tensors.Tensor, len(c.Model))
	for key, value := range c.Model {
		newKey := FixKey(key)
		if newKey != key {
			klog.V(2).Infof("checkpoint: renamed %q to %q", key, newKey)
		}
		fixed[newKey] = value
	}
	c.Model = fixed
}

// LoadVariable implements context.Loader: it serves the model and generator weights.
func (c *Checkpoint) LoadVariable(_ *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	key := context.JoinScope(scope, name)
	value, found = c.Model[key]
	if !found {
		value, found = c.Generator[key]
	}
	if found {
		c.consumed.Insert(key)
	}
	return
}

// DeleteVariable implements context.Loader. Checkpoints are read-only, so it's a no-op.
func (c *Checkpoint) DeleteVariable(_ *context.Context, _, _ string) error {
	return nil
}

// Unconsumed returns the model and generator weights that were not loaded into a variable.
func (c *Checkpoint) Unconsumed() []string {
	var keys []string
	for _, weights := range []map[string]*tensors.Tensor{c.Model, c.Generator} {
		for key := range weights {
			if !c.consumed.Has(key) {
				keys = append(keys, key)
			}
		}
	}
	return keys
}
