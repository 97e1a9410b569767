package storypack

import (
	"context"
	"encoding/json"
	"errors"

	reacherrors "storyrt/internal/errors"
	"storyrt/internal/spec"
	"storyrt/internal/storage"
)

// Loader loads, version-gates, and validates story packs out of the
// persistent story table (§4.A load_published/load_version), caching
// the normalized result in a Registry.
type Loader struct {
	store    *storage.Store
	registry *Registry
}

// NewLoader builds a Loader over an already-migrated store.
func NewLoader(store *storage.Store) *Loader {
	return &Loader{store: store, registry: NewRegistry()}
}

// LoadPublished loads the currently published version of a story.
func (l *Loader) LoadPublished(ctx context.Context, storyID string) (*Pack, error) {
	rec, err := l.store.GetPublishedStory(ctx, l.store.DB(), storyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, reacherrors.New(reacherrors.CodeStoryNotFound, "no published story "+storyID)
		}
		return nil, err
	}
	if p, ok := l.registry.Get(storyID, rec.Version); ok {
		return p, nil
	}
	p, err := decodeAndValidate(rec)
	if err != nil {
		return nil, err
	}
	l.registry.Put(p)
	return p, nil
}

// LoadVersion loads one specific (story_id, version) pair.
func (l *Loader) LoadVersion(ctx context.Context, storyID, version string) (*Pack, error) {
	if p, ok := l.registry.Get(storyID, version); ok {
		return p, nil
	}
	rec, err := l.store.GetStoryVersion(ctx, l.store.DB(), storyID, version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, reacherrors.New(reacherrors.CodeStoryNotFound, "story "+storyID+" version "+version+" not found")
		}
		return nil, err
	}
	p, err := decodeAndValidate(rec)
	if err != nil {
		return nil, err
	}
	l.registry.Put(p)
	return p, nil
}

func decodeAndValidate(rec storage.StoryRecord) (*Pack, error) {
	var envelope struct {
		RuntimeFormatVersion string `json:"runtime_format_version"`
	}
	if err := json.Unmarshal(rec.PackJSON, &envelope); err != nil {
		return nil, reacherrors.New(reacherrors.CodeInvalidStoryStartNode, "pack is not valid JSON: "+err.Error())
	}
	if envelope.RuntimeFormatVersion == "" {
		envelope.RuntimeFormatVersion = "1.0.0"
	}
	if err := spec.CompatibleError(envelope.RuntimeFormatVersion); err != nil {
		return nil, reacherrors.New(reacherrors.CodeRuntimePackV10Required, err.Error())
	}

	var p Pack
	if err := json.Unmarshal(rec.PackJSON, &p); err != nil {
		return nil, reacherrors.New(reacherrors.CodeInvalidStoryStartNode, "pack is not valid JSON: "+err.Error())
	}
	p.Version = rec.Version
	if err := assignDeclarationOrder(&p); err != nil {
		return nil, err
	}
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// assignDeclarationOrder stamps events/endings with their position in
// the authored array, since declaration order is a tiebreaker for both
// event selection (§4.D) and ending priority (§4.E) and JSON arrays
// don't otherwise carry that information once unmarshaled.
func assignDeclarationOrder(p *Pack) error {
	for i := range p.Events {
		p.Events[i].DeclarationOrder = i
	}
	for i := range p.Endings {
		p.Endings[i].DeclarationOrder = i
	}
	return nil
}

// ResolveInitialState produces the state a brand-new session for this
// pack starts from: the canonical defaults, deep-merged with the
// pack's initial_state overlay, then normalized (§4.A).
func ResolveInitialState(p *Pack) State {
	base := DefaultInitialState()
	if len(p.InitialState) == 0 {
		return NormalizeState(base)
	}
	baseMap := stateToMap(base)
	merged := DeepMerge(baseMap, p.InitialState)
	var out State
	b, _ := json.Marshal(merged)
	_ = json.Unmarshal(b, &out)
	return NormalizeState(out)
}

func stateToMap(s State) map[string]any {
	b, _ := json.Marshal(s)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}
