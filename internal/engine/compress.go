package engine

import (
	"context"
	"errors"
	"math"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/delta"
	"github.com/lazypower/strata/internal/llm"
	"github.com/lazypower/strata/internal/lock"
	"github.com/lazypower/strata/internal/manifest"
	"github.com/lazypower/strata/internal/transcript"
)

// Job ops as recorded in the history and metrics.
const (
	opCompress   = "compress"
	opRecompress = "recompress"
)

// CompressRequest asks for the messages added since the last part to be
// compressed into a new part.
type CompressRequest struct {
	Collection     string          `json:"collection"`
	ConversationID string          `json:"conversationId"`
	Settings       SettingsRequest `json:"settings"`
	Holder         string          `json:"holder,omitempty"`
}

// RecompressRequest asks for an existing part's range to be compressed
// again with different settings.
type RecompressRequest struct {
	Collection     string          `json:"collection"`
	ConversationID string          `json:"conversationId"`
	PartNumber     int             `json:"partNumber"`
	Settings       SettingsRequest `json:"settings"`
	Holder         string          `json:"holder,omitempty"`
}

// Compress creates the next part of a conversation from its delta. Nothing
// is recorded unless every step succeeds.
func (e *Engine) Compress(ctx context.Context, req CompressRequest) (d *manifest.Derivative, err error) {
	j := e.startJob(opCompress, req.Collection, req.ConversationID, 0)
	defer func() { j.finish(err, d) }()

	lk, err := e.acquire(req.Collection, req.ConversationID, lock.OpCompress, req.Holder)
	if err != nil {
		return nil, err
	}
	defer e.release(lk)

	conv, err := e.conversation(req.Collection, req.ConversationID)
	if err != nil {
		return nil, err
	}
	res, scan, err := e.readLog(conv.SourcePath)
	if err != nil {
		return nil, err
	}
	dl, err := delta.Compute(conv, res.Messages)
	if err != nil {
		return nil, err
	}
	if !dl.HasDelta {
		return nil, apperr.New(apperr.ErrNoDelta, "%s has %d messages, all covered by part %d",
			conv.ID, len(res.Messages), dl.NextPartNumber-1)
	}
	if len(dl.Messages) < e.cfg.MinMessages {
		return nil, apperr.New(apperr.ErrInsufficientMessages, "%d new messages, need %d",
			len(dl.Messages), e.cfg.MinMessages)
	}
	settings, level, err := ResolveSettings(req.Settings, e.cfg.DefaultLevel)
	if err != nil {
		return nil, err
	}
	input, err := skip(dl.Messages, settings.SkipMessages)
	if err != nil {
		return nil, err
	}

	out, err := e.produce(ctx, req.Collection, conv.ID, input, dl.Range(), dl.NextPartNumber, settings, level, 1)
	if err != nil {
		return nil, err
	}

	err = e.commit(req.Collection, conv.ID, out, func(m *manifest.Manifest) error {
		c, err := m.Conversation(conv.ID)
		if err != nil {
			return err
		}
		e.applyScan(c, scan)
		return m.AppendDerivative(conv.ID, *out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Recompress adds another version of an existing part. It shares the
// compress lock so it cannot race a compression of the same conversation.
func (e *Engine) Recompress(ctx context.Context, req RecompressRequest) (d *manifest.Derivative, err error) {
	j := e.startJob(opRecompress, req.Collection, req.ConversationID, req.PartNumber)
	defer func() { j.finish(err, d) }()

	if req.PartNumber < 1 {
		return nil, apperr.New(apperr.ErrInvalidPart, "part numbers start at 1, got %d", req.PartNumber)
	}
	lk, err := e.acquire(req.Collection, req.ConversationID, lock.OpCompress, req.Holder)
	if err != nil {
		return nil, err
	}
	defer e.release(lk)

	conv, err := e.conversation(req.Collection, req.ConversationID)
	if err != nil {
		return nil, err
	}
	records := conv.Part(req.PartNumber)
	if len(records) == 0 {
		return nil, apperr.New(apperr.ErrPartNotFound, "%s part %d", conv.ID, req.PartNumber)
	}
	settings, level, err := ResolveSettings(req.Settings, e.cfg.DefaultLevel)
	if err != nil {
		return nil, err
	}
	key := settings.Key()
	for _, r := range records {
		if r.Settings.Key() == key {
			return nil, apperr.New(apperr.ErrVersionExists, "%s part %d already has %s with these settings",
				conv.ID, req.PartNumber, r.VersionID)
		}
	}

	res, _, err := e.readLog(conv.SourcePath)
	if err != nil {
		return nil, err
	}
	rng := records[0].Range
	msgs, err := delta.Slice(rng, res.Messages)
	if err != nil {
		return nil, err
	}
	input, err := skip(msgs, settings.SkipMessages)
	if err != nil {
		return nil, err
	}

	// Content of part n has been through highest-n+1 passes once this one is
	// folded into a composition.
	distance := conv.HighestPart() - req.PartNumber + 1
	out, err := e.produce(ctx, req.Collection, conv.ID, input, rng, req.PartNumber, settings, level, distance)
	if err != nil {
		return nil, err
	}

	err = e.commit(req.Collection, conv.ID, out, func(m *manifest.Manifest) error {
		c, err := m.Conversation(conv.ID)
		if err != nil {
			return err
		}
		c.LastAccessedAt = e.now().UTC()
		return m.AppendDerivative(conv.ID, *out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func skip(msgs []transcript.Message, n int) ([]transcript.Message, error) {
	if n >= len(msgs) {
		return nil, apperr.New(apperr.ErrInvalidSettings, "skipMessages %d leaves nothing of %d messages", n, len(msgs))
	}
	return msgs[n:], nil
}

// produce runs the compressor under the configured deadline and writes the
// content file. The returned record is not yet in the manifest.
func (e *Engine) produce(ctx context.Context, collection, conversationID string, input []transcript.Message,
	rng manifest.Range, part int, settings manifest.Settings, level manifest.Level, pinDistance int) (*manifest.Derivative, error) {

	timeout := e.cfg.Timeout.Duration
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := e.compressor.Compress(cctx, llm.Request{
		ConversationID: conversationID,
		Messages:       input,
		Settings:       settings,
		Model:          settings.Model,
		PinDistance:    pinDistance,
	})
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrCompressionTimeout):
		case errors.Is(cctx.Err(), context.DeadlineExceeded):
			err = apperr.Wrap(apperr.ErrCompressionTimeout, err, "after %s", timeout)
		case apperr.KindOf(err) == apperr.Internal:
			err = apperr.Wrap(apperr.ErrCompressionFailed, err, "")
		}
		return nil, err
	}

	content, err := e.validateOutput(conversationID, res)
	if err != nil {
		return nil, err
	}

	versionID := newVersionID(part, level)
	file, err := e.store.WriteDerivative(collection, conversationID, versionID, content)
	if err != nil {
		return nil, err
	}

	outTokens := 0
	for _, m := range content {
		outTokens += m.Tokens
	}
	ratio := 0.0
	if outTokens > 0 {
		ratio = math.Round(float64(transcript.SumTokens(input))/float64(outTokens)*100) / 100
	}
	return &manifest.Derivative{
		VersionID:          versionID,
		PartNumber:         part,
		Level:              level,
		Settings:           settings,
		Range:              rng,
		OutputTokenCount:   outTokens,
		OutputMessageCount: len(content),
		CompressionRatio:   ratio,
		CreatedAt:          e.now().UTC(),
		File:               file,
	}, nil
}

// commit appends the record via fn. If the manifest cannot be updated the
// content file is removed so no orphan is left behind.
func (e *Engine) commit(collection, conversationID string, d *manifest.Derivative, fn func(*manifest.Manifest) error) error {
	if _, err := e.updateManifest(collection, fn); err != nil {
		if rerr := e.store.RemoveDerivativeFile(collection, conversationID, d.VersionID); rerr != nil {
			e.logger.WithField("action", "commit_rollback").
				WithField("version", d.VersionID).
				WithError(rerr).
				Error("could not remove content of unrecorded version")
		}
		return err
	}
	return nil
}
