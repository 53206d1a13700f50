// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package msnmt

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// InitReport counts how the model variables got their values.
type InitReport struct {
	// FromCheckpoint is true if the values were loaded from a checkpoint.
	FromCheckpoint bool

	// Loaded variables found in the checkpoint.
	Loaded int

	// Missing variables not found in the checkpoint, initialized with zeros.
	Missing int

	// Unexpected checkpoint entries that don't match any variable of the model.
	Unexpected int

	// Uniform, Glorot and Default count variables initialized randomly, by each policy.
	Uniform, Glorot, Default int
}

// RandomCalls returns the number of variables initialized randomly.
func (r *InitReport) RandomCalls() int {
	return r.Uniform + r.Glorot + r.Default
}

// String implements fmt.Stringer.
func (r *InitReport) String() string {
	if r.FromCheckpoint {
		return fmt.Sprintf("checkpoint: %d loaded, %d missing, %d unexpected", r.Loaded, r.Missing, r.Unexpected)
	}
	return fmt.Sprintf("random: %d uniform, %d glorot, %d default", r.Uniform, r.Glorot, r.Default)
}

// defaultInitRange is the range of the uniform initialization used when no policy is configured.
const defaultInitRange = 0.05

// initPolicy returns the variable initializer for a model built without checkpoint:
//
//   - Glorot uniform for variables of rank > 1, if opts.ParamInitGlorot.
//   - Otherwise uniform(-opts.ParamInit, +opts.ParamInit), if opts.ParamInit != 0.
//   - Otherwise uniform(-0.05, +0.05).
//
// Each call is counted in report. Non-float variables (e.g. random number generator states) are
// zero-initialized and not counted.
func initPolicy(ctx *context.Context, opts *Options, report *InitReport) context.VariableInitializer {
	glorot := initializers.GlorotUniformFn(ctx)
	uniform := initializers.RandomUniformFn(ctx, -opts.ParamInit, opts.ParamInit)
	defaultInit := initializers.RandomUniformFn(ctx, -defaultInitRange, defaultInitRange)
	return func(g *Graph, shape shapes.Shape) *Node {
		switch {
		case !shape.DType.IsFloat():
			return initializers.Zero(g, shape)
		case opts.ParamInitGlorot && shape.Rank() > 1:
			report.Glorot++
			return glorot(g, shape)
		case opts.ParamInit != 0:
			report.Uniform++
			return uniform(g, shape)
		default:
			report.Default++
			return defaultInit(g, shape)
		}
	}
}

// missingInit zero-initializes the variables that were not found in a checkpoint, counting them in report.
func missingInit(report *InitReport) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		if shape.DType.IsFloat() {
			report.Missing++
		}
		return initializers.Zero(g, shape)
	}
}
