// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vocab

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Field describes how one stream of tokens (words or one feature) is numericalized.
type Field struct {
	Name      string `json:"name"`
	UseVocab  bool   `json:"use_vocab"`
	PadToken  string `json:"pad_token,omitempty"`
	UnkToken  string `json:"unk_token,omitempty"`
	InitToken string `json:"init_token,omitempty"`
	EosToken  string `json:"eos_token,omitempty"`
	Vocab     *Vocab `json:"vocab,omitempty"`
}

// NewTextField creates a field that uses a vocabulary with the default pad and unknown tokens.
func NewTextField(name string, tokens []string) *Field {
	return &Field{
		Name:     name,
		UseVocab: true,
		PadToken: PadWord,
		UnkToken: UnkWord,
		Vocab:    New(tokens),
	}
}

// CheckVocab returns ErrNoVocab (wrapped) if the field doesn't have a vocabulary.
func (f *Field) CheckVocab() error {
	if !f.UseVocab || f.Vocab == nil {
		return errors.Wrapf(ErrNoVocab, "field %q", f.Name)
	}
	return nil
}

// PadIndex returns the index of the padding token in the field's vocabulary.
func (f *Field) PadIndex() (int, error) {
	if err := f.CheckVocab(); err != nil {
		return 0, err
	}
	idx, err := f.Vocab.MustIndex(f.PadToken)
	if err != nil {
		return 0, errors.WithMessagef(err, "padding token of field %q", f.Name)
	}
	return idx, nil
}

// VocabSize returns the size of the field's vocabulary.
func (f *Field) VocabSize() (int, error) {
	if err := f.CheckVocab(); err != nil {
		return 0, err
	}
	return f.Vocab.Len(), nil
}

// MultiField groups a base (word) field with its feature fields.
// Fields[0] is always the base field.
type MultiField struct {
	Name   string   `json:"name"`
	Fields []*Field `json:"fields"`
}

// Base returns the word field.
func (mf *MultiField) Base() *Field {
	if mf == nil || len(mf.Fields) == 0 {
		return nil
	}
	return mf.Fields[0]
}

// Features returns the feature fields, possibly empty.
func (mf *MultiField) Features() []*Field {
	if mf == nil || len(mf.Fields) <= 1 {
		return nil
	}
	return mf.Fields[1:]
}

// Fields maps field names (e.g. "src.l", "tgt") to their MultiField.
type Fields map[string]*MultiField

// Get returns the named MultiField or an error wrapping ErrFieldNotFound.
func (fs Fields) Get(name string) (*MultiField, error) {
	mf, found := fs[name]
	if !found || mf.Base() == nil {
		return nil, errors.Wrapf(ErrFieldNotFound, "field %q", name)
	}
	return mf, nil
}

// BaseVocab returns the vocabulary of the base field of the named MultiField.
func (fs Fields) BaseVocab(name string) (*Vocab, error) {
	mf, err := fs.Get(name)
	if err != nil {
		return nil, err
	}
	if err := mf.Base().CheckVocab(); err != nil {
		return nil, err
	}
	return mf.Base().Vocab, nil
}

// UnmarshalJSON implements json.Unmarshaler, filling in the MultiField names from the keys.
func (fs *Fields) UnmarshalJSON(data []byte) error {
	var m map[string]*MultiField
	if err := json.Unmarshal(data, &m); err != nil {
		return errors.Wrap(err, "failed to decode fields")
	}
	for name, mf := range m {
		if mf == nil {
			delete(m, name)
			continue
		}
		if mf.Name == "" {
			mf.Name = name
		}
	}
	*fs = m
	return nil
}
