// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package msnmt builds multi-source sequence-to-sequence translation models whose encoders append
// a "type" signal to the embeddings of each token.
//
// The model has one encoder per named source (e.g. "l" and "r"), a multi-source input-feed LSTM decoder
// attending to all of them, and a generator: either a linear log-softmax head or a multi-source copy
// generator. The special source "type" never gets an encoder: it supplies the lexicon of type-token
// literals used by the other encoders.
//
// Hyperparameters are context parameters (see CreateDefaultContext and the Param* constants), read into
// an Options snapshot on each build. Entry points are BuildModel, for training, and LoadTestModel, for
// inference from a saved checkpoint:
//
//	backend := backends.New()
//	ctx := msnmt.CreateDefaultContext()
//	model, err := msnmt.BuildModel(backend, ctx, []string{"l", "r", "type"}, fields, nil)
//	...
//	fields, model, opts, err := msnmt.LoadTestModel(backend, inferenceCtx, []string{"l", "r", "type"}, checkpointDir)
//
// Model variables live under the scopes ModelScope (encoders and decoder) and GeneratorScope.
package msnmt

import "github.com/pkg/errors"

var (
	// ErrUnsupportedDecoder is returned when the decoder is not an input-feed RNN.
	ErrUnsupportedDecoder = errors.New("only input feed rnn decoder is supported")

	// ErrShareEmbeddings is returned when sharing source and target embeddings is requested.
	ErrShareEmbeddings = errors.New("share embeddings not supported")

	// ErrUnsupportedGenerator is returned for a generator function other than softmax.
	ErrUnsupportedGenerator = errors.New("unsupported generator function")

	// ErrTypeTokenMissing is returned when a type-token literal is missing from the type vocabulary.
	ErrTypeTokenMissing = errors.New("type token missing from vocabulary")

	// ErrInvalidOptions is returned for options that can't be parsed or built.
	ErrInvalidOptions = errors.New("invalid model options")

	// ErrInvalidDevice is returned when the requested device is not available in the backend.
	ErrInvalidDevice = errors.New("invalid device")
)

// Scopes of the model variables.
const (
	ModelScope     = "/model"
	GeneratorScope = "/generator"
)
