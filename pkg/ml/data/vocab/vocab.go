// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vocab holds the vocabularies and fields used to numericalize the inputs of the
// multi-source models: one Vocab per field, grouped in MultiField objects (a base word field
// plus optional feature fields), keyed by field name in Fields.
//
// Fields are saved as a JSON file ("new style"). Older preprocessing runs produced a list of
// (name, tokens) pairs instead ("old style"), which can be converted with LoadOldVocab.
package vocab

import (
	"encoding/json"
	"slices"

	"github.com/pkg/errors"
)

// Special tokens, as written by the preprocessing.
const (
	UnkWord = "<unk>"
	PadWord = "<blank>"
	BosWord = "<s>"
	EosWord = "</s>"
)

var (
	// ErrTokenNotFound is returned when a token is not present in a vocabulary.
	ErrTokenNotFound = errors.New("token not found in vocabulary")

	// ErrNoVocab is returned when a field that doesn't use a vocabulary is asked for one.
	ErrNoVocab = errors.New("field has no vocabulary")

	// ErrFieldNotFound is returned when a field name is not present in Fields.
	ErrFieldNotFound = errors.New("field not found")
)

// Vocab maps tokens to indices and back. The zero value is an empty vocabulary.
type Vocab struct {
	itos []string
	stoi map[string]int
}

// New creates a Vocab with the given tokens, in order. Duplicate tokens keep their first index.
func New(tokens []string) *Vocab {
	v := &Vocab{
		itos: make([]string, 0, len(tokens)),
		stoi: make(map[string]int, len(tokens)),
	}
	for _, tok := range tokens {
		v.Add(tok)
	}
	return v
}

// Add appends token to the vocabulary, if not yet present, and returns its index.
func (v *Vocab) Add(token string) int {
	if v.stoi == nil {
		v.stoi = make(map[string]int)
	}
	if idx, found := v.stoi[token]; found {
		return idx
	}
	idx := len(v.itos)
	v.itos = append(v.itos, token)
	v.stoi[token] = idx
	return idx
}

// Len returns the number of tokens.
func (v *Vocab) Len() int {
	if v == nil {
		return 0
	}
	return len(v.itos)
}

// Index returns the index of token, and whether it was found.
func (v *Vocab) Index(token string) (idx int, found bool) {
	if v == nil {
		return 0, false
	}
	idx, found = v.stoi[token]
	return
}

// MustIndex returns the index of token or an error wrapping ErrTokenNotFound.
func (v *Vocab) MustIndex(token string) (int, error) {
	idx, found := v.Index(token)
	if !found {
		return 0, errors.Wrapf(ErrTokenNotFound, "token %q", token)
	}
	return idx, nil
}

// Lookup returns the index of token, falling back to the index of UnkWord.
// It returns -1 if neither is present.
func (v *Vocab) Lookup(token string) int {
	if idx, found := v.Index(token); found {
		return idx
	}
	if idx, found := v.Index(UnkWord); found {
		return idx
	}
	return -1
}

// Token returns the token for idx, or UnkWord if idx is out of range.
func (v *Vocab) Token(idx int) string {
	if v == nil || idx < 0 || idx >= len(v.itos) {
		return UnkWord
	}
	return v.itos[idx]
}

// Tokens returns a copy of the tokens, ordered by index.
func (v *Vocab) Tokens() []string {
	if v == nil {
		return nil
	}
	return slices.Clone(v.itos)
}

// MarshalJSON implements json.Marshaler: a Vocab is stored as the list of its tokens.
func (v *Vocab) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.itos)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Vocab) UnmarshalJSON(data []byte) error {
	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return errors.Wrap(err, "failed to decode vocabulary")
	}
	*v = *New(tokens)
	return nil
}
