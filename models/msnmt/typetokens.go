// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package msnmt

import (
	"slices"

	"github.com/hdlp/msnmt/pkg/ml/data/vocab"
	"github.com/hdlp/msnmt/pkg/ml/layers/encoders"
	"github.com/pkg/errors"
)

// TypeTokens is the lexicon of type literals flagged to the encoders, in the order of the type signal.
var TypeTokens = []string{
	"out-std-logic",
	"out-std-logic-vector",
	"std-logic",
	"std-logic-vector",
	"inout-std-logic",
	"inout-std-logic-vector",
	"signed",
	"unsigned",
	"out-startaddr-array-type",
	"std-ulogic",
	"boolean",
	"<unk>",
	"<pad>",
}

// BuildTypeTokenTable looks up every TypeTokens literal in the base vocabulary of the field fieldName.
//
// It returns an error wrapping ErrTypeTokenMissing if any literal is not in the vocabulary.
func BuildTypeTokenTable(fields vocab.Fields, fieldName string) (*encoders.TypeTable, error) {
	v, err := fields.BaseVocab(fieldName)
	if err != nil {
		return nil, errors.WithMessage(err, "building type-token table")
	}
	table := &encoders.TypeTable{
		Literals: slices.Clone(TypeTokens),
		Indices:  make([]int, len(TypeTokens)),
	}
	for ii, literal := range TypeTokens {
		idx, found := v.Index(literal)
		if !found {
			return nil, errors.Wrapf(ErrTypeTokenMissing, "literal %q not in the vocabulary of field %q", literal, fieldName)
		}
		table.Indices[ii] = idx
	}
	return table, nil
}
