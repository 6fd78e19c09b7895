package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/compose"
	"github.com/lazypower/strata/internal/decay"
	"github.com/lazypower/strata/internal/manifest"
	"github.com/lazypower/strata/internal/transcript"
)

// CreateComposition plans, renders and records a composition. Every cited
// version's reference count goes up by one. The registry is written before
// the counts, so an interruption between the two leaves counts low; Verify
// reports that drift.
func (e *Engine) CreateComposition(ctx context.Context, collection string, req compose.Request) (*manifest.Composition, error) {
	var comp *manifest.Composition
	err := e.withCollection(collection, func() error {
		m, err := e.store.Load(collection)
		if err != nil {
			return err
		}
		comp, err = compose.Plan(req, m.Conversations)
		if err != nil {
			return err
		}
		comp.ID = uuid.NewString()
		comp.CreatedAt = e.now().UTC()

		sections, err := e.sections(collection, m, comp.Components)
		if err != nil {
			return err
		}
		for _, f := range comp.Formats {
			data, err := compose.Render(f, title(comp), sections)
			if err != nil {
				return err
			}
			if err := e.store.WriteCompositionOutput(collection, comp.ID, compose.Extension(f), data); err != nil {
				e.discardOutputs(collection, comp.ID)
				return err
			}
		}

		set, err := e.store.LoadCompositions(collection)
		if err == nil {
			set.Compositions[comp.ID] = comp
			err = e.store.SaveCompositions(collection, set)
		}
		if err != nil {
			e.discardOutputs(collection, comp.ID)
			return err
		}

		adjustRefs(m, comp, 1)
		if err := e.store.Save(collection, m); err != nil {
			delete(set.Compositions, comp.ID)
			if rerr := e.store.SaveCompositions(collection, set); rerr != nil {
				e.logger.WithField("action", "compose").WithField("composition", comp.ID).WithError(rerr).
					Error("could not roll back composition registry")
			}
			e.discardOutputs(collection, comp.ID)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithField("action", "compose").
		WithField("collection", collection).
		WithField("composition", comp.ID).
		WithField("tokens", comp.TotalTokens).
		WithField("warnings", len(comp.Warnings)).
		Info("composition created")
	return comp, nil
}

func title(comp *manifest.Composition) string {
	if comp.Name != "" {
		return comp.Name
	}
	return comp.ID
}

func adjustRefs(m *manifest.Manifest, comp *manifest.Composition, delta int) {
	for _, c := range comp.Components {
		if c.ResolvedID != manifest.OriginalVersionID {
			m.AdjustReferences(c.ConversationID, c.ResolvedID, delta)
		}
	}
}

func (e *Engine) discardOutputs(collection, id string) {
	if err := e.store.RemoveCompositionOutputs(collection, id); err != nil {
		e.logger.WithField("action", "compose").WithField("composition", id).WithError(err).
			Warn("could not remove composition outputs")
	}
}

// sections loads the content of each component's resolved version.
func (e *Engine) sections(collection string, m *manifest.Manifest, comps []manifest.Component) ([]compose.Section, error) {
	out := make([]compose.Section, 0, len(comps))
	for _, c := range comps {
		conv, err := m.Conversation(c.ConversationID)
		if err != nil {
			return nil, err
		}
		var msgs []manifest.ContentMessage
		if c.ResolvedID == manifest.OriginalVersionID {
			msgs, err = e.originalContent(conv)
		} else {
			msgs, err = e.store.ReadDerivative(collection, conv.ID, c.ResolvedID)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, compose.Section{ConversationID: conv.ID, VersionID: c.ResolvedID, Messages: msgs})
	}
	return out, nil
}

// ComponentDecay predicts which pins of one component survive.
type ComponentDecay struct {
	ConversationID string        `json:"conversationId"`
	VersionID      string        `json:"versionId"`
	Preview        decay.Preview `json:"preview"`
}

// CompositionPreview is a planned composition that was not recorded.
type CompositionPreview struct {
	Composition *manifest.Composition `json:"composition"`
	Decay       []ComponentDecay      `json:"decay"`
}

// PreviewComposition plans a composition without rendering or recording it,
// and predicts pin survival for each chosen version.
func (e *Engine) PreviewComposition(ctx context.Context, collection string, req compose.Request) (*CompositionPreview, error) {
	m, err := e.store.Load(collection)
	if err != nil {
		return nil, err
	}
	comp, err := compose.Plan(req, m.Conversations)
	if err != nil {
		return nil, err
	}

	p := &CompositionPreview{Composition: comp, Decay: make([]ComponentDecay, 0, len(comp.Components))}
	for _, c := range comp.Components {
		conv := m.Conversations[c.ConversationID]
		d, _ := conv.Find(c.ResolvedID)
		s := decay.Scenario{Distance: 1, Ratio: d.CompressionRatio}
		if d.IsOriginal() {
			s.Distance = 0
		}

		var pins []transcript.Pin
		if conv.PinnedCount > 0 {
			res, _, err := e.readLog(conv.SourcePath)
			if err != nil {
				return nil, err
			}
			pins = transcript.ExtractPins(res.Messages)
		}
		p.Decay = append(p.Decay, ComponentDecay{
			ConversationID: conv.ID,
			VersionID:      c.ResolvedID,
			Preview:        e.decay.PreviewSurvival(pins, s),
		})
	}
	return p, nil
}

// GetComposition returns one recorded composition.
func (e *Engine) GetComposition(ctx context.Context, collection, id string) (*manifest.Composition, error) {
	set, err := e.store.LoadCompositions(collection)
	if err != nil {
		return nil, err
	}
	comp, ok := set.Compositions[id]
	if !ok {
		return nil, apperr.New(apperr.ErrCompositionNotFound, "%s", id)
	}
	return comp, nil
}

// ListCompositions returns the recorded compositions, oldest first.
func (e *Engine) ListCompositions(ctx context.Context, collection string) ([]*manifest.Composition, error) {
	set, err := e.store.LoadCompositions(collection)
	if err != nil {
		return nil, err
	}
	out := make([]*manifest.Composition, 0, len(set.Compositions))
	for _, c := range set.Compositions {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetCompositionContent returns a rendering of a composition in format. A
// stored rendering is served as is; other formats, or a rendering whose
// file is gone, are rendered from the current versions, falling back to
// auto-selection for versions deleted since.
func (e *Engine) GetCompositionContent(ctx context.Context, collection, id, format string) ([]byte, string, error) {
	formats, err := compose.NormalizeFormats([]string{format})
	if err != nil {
		return nil, "", err
	}
	f := formats[0]

	comp, err := e.GetComposition(ctx, collection, id)
	if err != nil {
		return nil, "", err
	}
	for _, stored := range comp.Formats {
		if stored != f {
			continue
		}
		data, err := e.store.ReadCompositionOutput(collection, id, compose.Extension(f))
		if err == nil {
			return data, f, nil
		}
		if !errors.Is(err, apperr.ErrCompositionNotFound) {
			return nil, "", err
		}
	}

	m, err := e.store.Load(collection)
	if err != nil {
		return nil, "", err
	}
	comps := make([]manifest.Component, 0, len(comp.Components))
	for _, c := range comp.Components {
		conv, ok := m.Conversations[c.ConversationID]
		if !ok {
			e.logger.WithField("action", "compose_render").
				WithField("composition", id).
				WithField("conversation", c.ConversationID).
				Warn("conversation no longer registered, section skipped")
			continue
		}
		d, warnings := compose.Resolve(conv, c.ResolvedID, c.Allocation)
		for _, w := range warnings {
			e.logger.WithField("action", "compose_render").WithField("composition", id).Warn(w)
		}
		c.ResolvedID = d.VersionID
		comps = append(comps, c)
	}
	sections, err := e.sections(collection, m, comps)
	if err != nil {
		return nil, "", err
	}
	data, err := compose.Render(f, title(comp), sections)
	if err != nil {
		return nil, "", err
	}
	return data, f, nil
}

// DeleteComposition removes a composition and releases its citations of
// versions that still exist.
func (e *Engine) DeleteComposition(ctx context.Context, collection, id string) error {
	return e.withCollection(collection, func() error {
		set, err := e.store.LoadCompositions(collection)
		if err != nil {
			return err
		}
		comp, ok := set.Compositions[id]
		if !ok {
			return apperr.New(apperr.ErrCompositionNotFound, "%s", id)
		}
		delete(set.Compositions, id)
		if err := e.store.SaveCompositions(collection, set); err != nil {
			return err
		}

		m, err := e.store.Load(collection)
		if err != nil {
			return err
		}
		adjustRefs(m, comp, -1)
		if err := e.store.Save(collection, m); err != nil {
			return err
		}
		e.discardOutputs(collection, id)
		e.logger.WithField("action", "compose_delete").
			WithField("collection", collection).
			WithField("composition", id).
			Info("composition deleted")
		return nil
	})
}
