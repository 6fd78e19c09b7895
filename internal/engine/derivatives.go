package engine

import (
	"context"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/lock"
	"github.com/lazypower/strata/internal/manifest"
)

// ListDerivatives returns the synthetic original followed by every recorded
// version in creation order.
func (e *Engine) ListDerivatives(ctx context.Context, collection, id string) ([]manifest.Derivative, error) {
	conv, err := e.conversation(collection, id)
	if err != nil {
		return nil, err
	}
	return conv.Candidates(), nil
}

// GetDerivative returns one version's record.
func (e *Engine) GetDerivative(ctx context.Context, collection, id, versionID string) (*manifest.Derivative, error) {
	conv, err := e.conversation(collection, id)
	if err != nil {
		return nil, err
	}
	d, ok := conv.Find(versionID)
	if !ok {
		return nil, apperr.New(apperr.ErrVersionNotFound, "%s in %s", versionID, id)
	}
	return &d, nil
}

// GetDerivativeContent returns the messages of a version. The original is
// read from the log, up to the last synced message.
func (e *Engine) GetDerivativeContent(ctx context.Context, collection, id, versionID string) ([]manifest.ContentMessage, error) {
	conv, err := e.conversation(collection, id)
	if err != nil {
		return nil, err
	}
	if versionID == manifest.OriginalVersionID {
		return e.originalContent(conv)
	}
	if _, ok := conv.Find(versionID); !ok {
		return nil, apperr.New(apperr.ErrVersionNotFound, "%s in %s", versionID, id)
	}
	return e.store.ReadDerivative(collection, id, versionID)
}

func (e *Engine) originalContent(conv *manifest.Conversation) ([]manifest.ContentMessage, error) {
	res, _, err := e.readLog(conv.SourcePath)
	if err != nil {
		return nil, err
	}
	msgs := res.Messages
	if n := conv.OriginalMessageCount; n < len(msgs) {
		msgs = msgs[:n]
	}
	return contentOf(msgs), nil
}

// DeleteDerivative removes a version. A version cited by a composition is
// only removed when forced; compositions citing it then fall back to
// auto-selection when rendered.
func (e *Engine) DeleteDerivative(ctx context.Context, collection, id, versionID string, force bool) (*manifest.Derivative, error) {
	if versionID == manifest.OriginalVersionID {
		return nil, apperr.New(apperr.ErrInvalidInput, "the original cannot be deleted")
	}
	held, err := e.acquireAll(collection, id, "", lock.OpDelete, lock.OpCompress)
	if err != nil {
		return nil, err
	}
	defer e.releaseAll(held)

	var removed manifest.Derivative
	_, err = e.updateManifest(collection, func(m *manifest.Manifest) error {
		c, err := m.Conversation(id)
		if err != nil {
			return err
		}
		d, ok := c.Find(versionID)
		if !ok {
			return apperr.New(apperr.ErrVersionNotFound, "%s in %s", versionID, id)
		}
		if d.UsedInCompositions > 0 && !force {
			return apperr.New(apperr.ErrVersionInUse, "%s is cited by %d compositions", versionID, d.UsedInCompositions)
		}
		removed, err = m.RemoveDerivative(id, versionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := e.store.RemoveDerivativeFile(collection, id, versionID); err != nil {
		e.logger.WithField("action", "delete_version").WithField("version", versionID).WithError(err).
			Warn("record removed but content file remains")
	}
	e.logger.WithField("action", "delete_version").
		WithField("collection", collection).
		WithField("conversation", id).
		WithField("version", versionID).
		WithField("forced", force && removed.UsedInCompositions > 0).
		Info("version deleted")
	return &removed, nil
}
