// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vocab

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVocab(t *testing.T) {
	v := New([]string{UnkWord, PadWord, "a", "b", "a"})
	require.Equal(t, 4, v.Len())
	idx, found := v.Index("b")
	require.True(t, found)
	require.Equal(t, 3, idx)
	require.Equal(t, "a", v.Token(2))
	require.Equal(t, UnkWord, v.Token(100))
	require.Equal(t, 0, v.Lookup("missing"))

	_, err := v.MustIndex("missing")
	require.True(t, errors.Is(err, ErrTokenNotFound))

	require.Equal(t, 4, v.Add("c"))
	require.Equal(t, 2, v.Add("a"))

	var nilVocab *Vocab
	require.Equal(t, 0, nilVocab.Len())
	_, found = nilVocab.Index("a")
	require.False(t, found)
}

func TestVocabJSON(t *testing.T) {
	v := New([]string{"x", "y"})
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.JSONEq(t, `["x","y"]`, string(data))

	var v2 Vocab
	require.NoError(t, json.Unmarshal(data, &v2))
	require.Equal(t, v.Tokens(), v2.Tokens())
	idx, found := v2.Index("y")
	require.True(t, found)
	require.Equal(t, 1, idx)
}

func TestFieldPadIndex(t *testing.T) {
	f := NewTextField("tgt", []string{UnkWord, PadWord, BosWord, EosWord, "hello"})
	pad, err := f.PadIndex()
	require.NoError(t, err)
	require.Equal(t, 1, pad)
	size, err := f.VocabSize()
	require.NoError(t, err)
	require.Equal(t, 5, size)

	f.PadToken = "<nothing>"
	_, err = f.PadIndex()
	require.True(t, errors.Is(err, ErrTokenNotFound))

	noVocab := &Field{Name: "src_map"}
	_, err = noVocab.PadIndex()
	require.True(t, errors.Is(err, ErrNoVocab))
}

func TestLoadOldVocab(t *testing.T) {
	entries := []OldEntry{
		{Name: "src.l", Tokens: []string{UnkWord, PadWord, "signal"}},
		{Name: "src.l_feat_1", Tokens: []string{UnkWord, PadWord, "B"}},
		{Name: "src.l_feat_0", Tokens: []string{UnkWord, PadWord, "A"}},
		{Name: "src.r", Tokens: []string{UnkWord, PadWord, "port"}},
		{Name: "tgt", Tokens: []string{UnkWord, PadWord, BosWord, EosWord, "out"}},
	}

	t.Run("text", func(t *testing.T) {
		fields := LoadOldVocab(entries, "text", false)
		require.Len(t, fields, 3)
		l, err := fields.Get("src.l")
		require.NoError(t, err)
		require.Len(t, l.Fields, 3)
		require.Equal(t, "src.l", l.Base().Name)
		require.Equal(t, "src.l_feat_0", l.Features()[0].Name)
		require.Equal(t, "src.l_feat_1", l.Features()[1].Name)
		tgt, err := fields.Get("tgt")
		require.NoError(t, err)
		require.Equal(t, BosWord, tgt.Base().InitToken)
		require.Equal(t, EosWord, tgt.Base().EosToken)
		_, err = fields.Get("src_map.l")
		require.True(t, errors.Is(err, ErrFieldNotFound))
	})

	t.Run("dynamic_dict", func(t *testing.T) {
		fields := LoadOldVocab(entries, "text", true)
		for _, name := range []string{"src_map.l", "src_map.r", "alignment"} {
			mf, err := fields.Get(name)
			require.NoErrorf(t, err, "field %q", name)
			require.False(t, mf.Base().UseVocab)
		}
	})

	t.Run("vec", func(t *testing.T) {
		fields := LoadOldVocab(entries, "vec", false)
		_, err := fields.BaseVocab("src.r")
		require.True(t, errors.Is(err, ErrNoVocab))
		_, err = fields.BaseVocab("tgt")
		require.NoError(t, err)
	})
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()

	// New style round trip.
	fields := Fields{
		"src.l": {Name: "src.l", Fields: []*Field{NewTextField("src.l", []string{UnkWord, PadWord, "a"})}},
		"tgt":   {Name: "tgt", Fields: []*Field{NewTextField("tgt", []string{UnkWord, PadWord, "b"})}},
	}
	newPath := filepath.Join(dir, "new.json")
	require.NoError(t, fields.Save(newPath))
	f, err := ReadFile(newPath)
	require.NoError(t, err)
	assert.False(t, f.IsOld())
	got := f.Resolve("text", false)
	v, err := got.BaseVocab("src.l")
	require.NoError(t, err)
	require.Equal(t, []string{UnkWord, PadWord, "a"}, v.Tokens())

	// Old style.
	f, err = Decode([]byte(`[["src.l", ["<unk>", "<blank>", "a"]], ["tgt", ["<unk>", "<blank>", "b"]]]`))
	require.NoError(t, err)
	require.True(t, f.IsOld())
	require.Len(t, f.Old, 2)
	got = f.Resolve("text", false)
	require.Len(t, got, 2)

	_, err = Decode([]byte(`[["src.l"]]`))
	require.Error(t, err)
	_, err = Decode([]byte("  "))
	require.Error(t, err)
}
