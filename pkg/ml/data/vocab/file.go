// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vocab

import (
	"bytes"
	"encoding/json"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FileName is the name of the vocabulary file stored alongside model checkpoints.
const FileName = "vocab.json"

// OldEntry is one (name, tokens) pair of an old-style vocabulary file.
// It is encoded in JSON as a 2-elements array: ["src.l", ["<unk>", "<blank>", ...]].
type OldEntry struct {
	Name   string
	Tokens []string
}

// MarshalJSON implements json.Marshaler.
func (e OldEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Name, e.Tokens})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *OldEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return errors.Wrap(err, "old-style vocabulary entry must be a [name, tokens] pair")
	}
	if len(pair) != 2 {
		return errors.Errorf("old-style vocabulary entry must be a [name, tokens] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Name); err != nil {
		return errors.Wrap(err, "old-style vocabulary entry name")
	}
	if err := json.Unmarshal(pair[1], &e.Tokens); err != nil {
		return errors.Wrapf(err, "old-style vocabulary entry %q tokens", e.Name)
	}
	return nil
}

// File is the decoded contents of a vocabulary file: either new-style Fields or
// old-style entries, see IsOld.
type File struct {
	Fields Fields
	Old    []OldEntry
}

// IsOld returns whether the file holds an old-style vocabulary.
func (f *File) IsOld() bool { return f.Old != nil }

// Resolve returns the Fields of the file, converting old-style vocabularies with LoadOldVocab.
func (f *File) Resolve(dataType string, dynamicDict bool) Fields {
	if f.IsOld() {
		return LoadOldVocab(f.Old, dataType, dynamicDict)
	}
	return f.Fields
}

// Decode parses the contents of a vocabulary file, detecting its style.
func Decode(data []byte) (*File, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty vocabulary file")
	}
	f := &File{}
	if data[0] == '[' {
		if err := json.Unmarshal(data, &f.Old); err != nil {
			return nil, err
		}
		if f.Old == nil {
			f.Old = []OldEntry{}
		}
		return f, nil
	}
	if err := json.Unmarshal(data, &f.Fields); err != nil {
		return nil, err
	}
	return f, nil
}

// ReadFile reads and decodes a vocabulary file. "~" is expanded to the user's home directory.
func ReadFile(path string) (*File, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read vocabulary file %q", path)
	}
	f, err := Decode(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "vocabulary file %q", path)
	}
	klog.V(1).Infof("read vocabulary %q (old-style=%v)", path, f.IsOld())
	return f, nil
}

// Save writes the fields as a new-style vocabulary file.
func (fs Fields) Save(path string) error {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(map[string]*MultiField(fs), "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode fields")
	}
	if err = os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write vocabulary file %q", path)
	}
	return nil
}

var reFeatureName = regexp.MustCompile(`^(.*)_feat_(\d+)$`)

// LoadOldVocab converts an old-style vocabulary into Fields.
//
// Entries named "<base>_feat_<N>" become the N-th feature field of "<base>".
// Source fields (names starting with "src") only use a vocabulary for dataType "text".
// If dynamicDict is set (copy attention), a "src_map" field per source and an "alignment" field,
// without vocabularies, are added.
func LoadOldVocab(entries []OldEntry, dataType string, dynamicDict bool) Fields {
	type feature struct {
		n     int
		field *Field
	}
	bases := make(map[string]*Field)
	features := make(map[string][]feature)
	var order []string
	for _, entry := range entries {
		name := entry.Name
		if m := reFeatureName.FindStringSubmatch(name); m != nil {
			n, _ := strconv.Atoi(m[2])
			features[m[1]] = append(features[m[1]], feature{n: n, field: NewTextField(name, entry.Tokens)})
			if _, found := bases[m[1]]; !found {
				bases[m[1]] = nil
				order = append(order, m[1])
			}
			continue
		}
		field := NewTextField(name, entry.Tokens)
		if isTarget(name) {
			field.InitToken = BosWord
			field.EosToken = EosWord
		} else if dataType != "" && dataType != "text" {
			field.UseVocab = false
			field.Vocab = nil
			field.PadToken = ""
			field.UnkToken = ""
		}
		if _, found := bases[name]; !found {
			order = append(order, name)
		}
		bases[name] = field
	}

	fields := make(Fields, len(order))
	for _, name := range order {
		base := bases[name]
		if base == nil {
			klog.Warningf("old-style vocabulary has features for %q but no base field, skipping", name)
			continue
		}
		feats := features[name]
		sort.Slice(feats, func(i, j int) bool { return feats[i].n < feats[j].n })
		mf := &MultiField{Name: name, Fields: []*Field{base}}
		for _, feat := range feats {
			mf.Fields = append(mf.Fields, feat.field)
		}
		fields[name] = mf
	}

	if dynamicDict {
		for _, name := range order {
			if fields[name] == nil || !isSource(name) {
				continue
			}
			mapName := "src_map" + strings.TrimPrefix(name, "src")
			fields[mapName] = &MultiField{Name: mapName, Fields: []*Field{{Name: mapName}}}
		}
		fields["alignment"] = &MultiField{Name: "alignment", Fields: []*Field{{Name: "alignment"}}}
	}
	return fields
}

func isTarget(name string) bool { return name == "tgt" || strings.HasPrefix(name, "tgt.") }

func isSource(name string) bool { return name == "src" || strings.HasPrefix(name, "src.") }
