// Package generate builds prompts from tone profiles and retrieved context,
// then invokes the text-completion backend to produce draft replies.
package generate

import (
	"github.com/quillmail/quill/config"
)

// ToneProfile is a named generation-steering configuration. Profiles are
// immutable after startup.
type ToneProfile struct {
	ID           string
	Instruction  string
	TargetLength int
}

// ToneTable resolves tone ids to profiles. Lookups on unknown ids fall back
// to the configured default.
type ToneTable struct {
	profiles  map[string]ToneProfile
	defaultID string
}

// builtinTones are the four stock profiles; config may add or override.
var builtinTones = []ToneProfile{
	{
		ID:           "casual",
		Instruction:  "You are writing a casual, friendly email. Use contractions, be warm, keep it conversational.",
		TargetLength: 200,
	},
	{
		ID:           "formal",
		Instruction:  "You are writing a formal professional email. Use proper grammar, be polite, maintain a professional tone.",
		TargetLength: 300,
	},
	{
		ID:           "concise",
		Instruction:  "You are writing a brief, to-the-point email. Get straight to the answer, minimize fluff.",
		TargetLength: 100,
	},
	{
		ID:           "match-style",
		Instruction:  "You are writing an email that matches the user's personal writing style from their past emails.",
		TargetLength: 250,
	},
}

// NewToneTable builds the tone table from the built-in profiles overlaid with
// config. The default id is validated by config; an unknown default falls
// back to match-style.
func NewToneTable(cfg *config.TonesConfig) *ToneTable {
	profiles := make(map[string]ToneProfile, len(builtinTones)+len(cfg.Profiles))
	for _, p := range builtinTones {
		profiles[p.ID] = p
	}
	for _, p := range cfg.Profiles {
		profile := ToneProfile{ID: p.ID, Instruction: p.Instruction, TargetLength: p.TargetLength}
		if profile.TargetLength <= 0 {
			profile.TargetLength = 250
		}
		profiles[p.ID] = profile
	}

	defaultID := cfg.GetDefault()
	if _, ok := profiles[defaultID]; !ok {
		defaultID = "match-style"
	}

	return &ToneTable{profiles: profiles, defaultID: defaultID}
}

// Lookup returns the profile for id, or (default, false) when id is unknown.
func (t *ToneTable) Lookup(id string) (ToneProfile, bool) {
	if p, ok := t.profiles[id]; ok {
		return p, true
	}
	return t.profiles[t.defaultID], false
}

// Default returns the default profile.
func (t *ToneTable) Default() ToneProfile {
	return t.profiles[t.defaultID]
}

// IDs lists the known tone ids.
func (t *ToneTable) IDs() []string {
	ids := make([]string, 0, len(t.profiles))
	for id := range t.profiles {
		ids = append(ids, id)
	}
	return ids
}
