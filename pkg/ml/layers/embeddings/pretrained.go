// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package embeddings

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LoadPretrainedVectors reads a tensor saved with tensors.Tensor.Save, shaped [numWords, dim],
// and copies it into the word table of the embeddings applied at ctx.
//
// The word table must already have a value (the model was executed at least once).
// If the pretrained vectors are wider than the table they are truncated, if narrower only
// the first columns are overwritten. Rows beyond the vocabulary size are ignored.
func (e *Embeddings) LoadPretrainedVectors(ctx *context.Context, path string) error {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return err
	}
	pretrained, err := tensors.Load(path)
	if err != nil {
		return errors.WithMessagef(err, "failed to load pretrained word vectors from %q", path)
	}
	if pretrained.Shape().Rank() != 2 {
		return errors.Errorf("pretrained word vectors in %q must have rank 2, got shape %s", path, pretrained.Shape())
	}
	v := ctx.In(WordLUTScope).GetVariable(TableVariableName)
	if v == nil {
		return errors.Errorf("word table in scope %q not created yet, execute the model before loading pretrained vectors",
			ctx.In(WordLUTScope).Scope())
	}
	current, err := v.Value()
	if err != nil {
		return errors.WithMessagef(err, "word table %q has no value", v.ScopeAndName())
	}
	updated, err := overlay(current, pretrained)
	if err != nil {
		return errors.WithMessagef(err, "pretrained word vectors %q", path)
	}
	if err = v.SetValue(updated); err != nil {
		return err
	}
	klog.V(1).Infof("loaded pretrained word vectors %q (%s) into %q (%s)", path, pretrained.Shape(), v.ScopeAndName(), current.Shape())
	return nil
}

// overlay returns a copy of table with the top-left corner replaced by values (both rank-2).
func overlay(table, values *tensors.Tensor) (*tensors.Tensor, error) {
	if table.DType() != dtypes.Float32 {
		return nil, errors.Errorf("pretrained vectors only supported for float32 tables, got %s", table.DType())
	}
	if values.DType() != dtypes.Float32 && values.DType() != dtypes.Float64 {
		return nil, errors.Errorf("pretrained vectors must be float32 or float64, got %s", values.DType())
	}
	rows, cols := table.Shape().Dim(0), table.Shape().Dim(1)
	srcRows, srcCols := values.Shape().Dim(0), values.Shape().Dim(1)
	src := make([]float32, srcRows*srcCols)
	if values.DType() == dtypes.Float32 {
		tensors.MustConstFlatData[float32](values, func(flat []float32) { copy(src, flat) })
	} else {
		tensors.MustConstFlatData[float64](values, func(flat []float64) {
			for ii, value := range flat {
				src[ii] = float32(value)
			}
		})
	}

	dst := make([]float32, rows*cols)
	tensors.MustConstFlatData[float32](table, func(flat []float32) { copy(dst, flat) })
	for row := range min(rows, srcRows) {
		copy(dst[row*cols:row*cols+min(cols, srcCols)], src[row*srcCols:row*srcCols+min(cols, srcCols)])
	}
	return tensors.FromFlatDataAndDimensions(dst, rows, cols), nil
}
