package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/delta"
	"github.com/lazypower/strata/internal/lock"
	"github.com/lazypower/strata/internal/manifest"
	"github.com/lazypower/strata/internal/transcript"
)

// batchParallelism bounds concurrent log parses in RegisterBatch.
const batchParallelism = 4

// ConversationIDFromPath derives a conversation id from a log's file name.
func ConversationIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Register starts tracking the log at path in collection. The id is the
// file name without its extension.
func (e *Engine) Register(ctx context.Context, collection, path string) (*manifest.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if collection == "" {
		return nil, apperr.New(apperr.ErrInvalidInput, "collection is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInvalidInput, err, "resolve %s", path)
	}
	id := ConversationIDFromPath(abs)
	if _, err := manifest.SafeName(id); err != nil {
		return nil, err
	}

	res, scan, err := e.readLog(abs)
	if err != nil {
		return nil, err
	}
	if isInternalLog(res.Messages) {
		return nil, apperr.New(apperr.ErrInvalidInput, "%s is a compression session log", abs)
	}

	conv := &manifest.Conversation{
		ID:           id,
		SourcePath:   abs,
		RegisteredAt: e.now().UTC(),
	}
	e.applyScan(conv, scan)

	_, err = e.updateManifest(collection, func(m *manifest.Manifest) error {
		if existing, ok := m.Conversations[id]; ok {
			return apperr.New(apperr.ErrAlreadyRegistered, "%s (from %s)", id, existing.SourcePath)
		}
		m.UpsertConversation(conv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.WithField("action", "register").
		WithField("collection", collection).
		WithField("conversation", id).
		WithField("messages", conv.OriginalMessageCount).
		Info("conversation registered")
	return conv, nil
}

// BatchFailure is one path RegisterBatch could not register.
type BatchFailure struct {
	Path  string `json:"path"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// BatchReport is the per-item outcome of RegisterBatch.
type BatchReport struct {
	Succeeded []string       `json:"succeeded"`
	Failed    []BatchFailure `json:"failed"`
}

// RegisterBatch registers every path independently; one failure does not
// stop the others. Results follow the order of paths.
func (e *Engine) RegisterBatch(ctx context.Context, collection string, paths []string) BatchReport {
	type outcome struct {
		id  string
		err error
	}
	outcomes := make([]outcome, len(paths))

	var g errgroup.Group
	g.SetLimit(batchParallelism)
	for i, p := range paths {
		g.Go(func() error {
			conv, err := e.Register(ctx, collection, p)
			if err != nil {
				outcomes[i] = outcome{err: err}
				return nil
			}
			outcomes[i] = outcome{id: conv.ID}
			return nil
		})
	}
	_ = g.Wait()

	report := BatchReport{Succeeded: []string{}, Failed: []BatchFailure{}}
	var merr *multierror.Error
	for i, o := range outcomes {
		if o.err != nil {
			report.Failed = append(report.Failed, BatchFailure{Path: paths[i], Code: apperr.CodeOf(o.err), Error: o.err.Error()})
			merr = multierror.Append(merr, o.err)
			continue
		}
		report.Succeeded = append(report.Succeeded, o.id)
	}
	if err := merr.ErrorOrNil(); err != nil {
		e.logger.WithField("action", "register_batch").
			WithField("collection", collection).
			WithField("failed", len(report.Failed)).
			WithError(err).
			Warn("some logs were not registered")
	}
	return report
}

// UnregisterOptions controls Unregister.
type UnregisterOptions struct {
	DeleteFiles bool `json:"deleteFiles"`
	Force       bool `json:"force"`
}

// Unregister stops tracking a conversation. Versions cited by compositions
// block it unless forced. The original log is never touched.
func (e *Engine) Unregister(ctx context.Context, collection, id string, opts UnregisterOptions) error {
	held, err := e.acquireAll(collection, id, "", lock.OpUnregister, lock.OpCompress)
	if err != nil {
		return err
	}
	defer e.releaseAll(held)

	var removed *manifest.Conversation
	_, err = e.updateManifest(collection, func(m *manifest.Manifest) error {
		c, err := m.Conversation(id)
		if err != nil {
			return err
		}
		if !opts.Force {
			for _, d := range c.Derivatives {
				if d.UsedInCompositions > 0 {
					return apperr.New(apperr.ErrVersionInUse, "%s is cited by %d compositions", d.VersionID, d.UsedInCompositions)
				}
			}
		}
		removed, err = m.RemoveConversation(id)
		return err
	})
	if err != nil {
		return err
	}

	if opts.DeleteFiles {
		if err := e.store.RemoveConversationFiles(collection, id); err != nil {
			e.logger.WithField("action", "unregister").WithField("conversation", id).WithError(err).
				Warn("could not remove derivative files")
		}
	}
	if e.index != nil {
		if err := e.index.DeleteScan(removed.SourcePath); err != nil {
			e.logger.WithField("action", "scan_cache").WithError(err).Warn("scan cache delete failed")
		}
	}
	e.logger.WithField("action", "unregister").
		WithField("collection", collection).
		WithField("conversation", id).
		WithField("versions", len(removed.Derivatives)).
		Info("conversation unregistered")
	return nil
}

// SyncReport describes what a sync found.
type SyncReport struct {
	Conversation *manifest.Conversation `json:"conversation"`
	NewMessages  int                    `json:"newMessages"`
}

// Sync rescans the original log and moves the high-water mark. A log that
// no longer reaches the end of the last part fails closed.
func (e *Engine) Sync(ctx context.Context, collection, id string) (*SyncReport, error) {
	lk, err := e.acquire(collection, id, lock.OpSync, "")
	if err != nil {
		return nil, err
	}
	defer e.release(lk)

	conv, err := e.conversation(collection, id)
	if err != nil {
		return nil, err
	}
	scan, err := e.scanLog(conv.SourcePath)
	if err != nil {
		return nil, err
	}
	if r, ok := conv.PartRange(conv.HighestPart()); ok && scan.MessageCount <= r.EndIndex {
		return nil, apperr.New(apperr.ErrRangeMissing, "%s has %d messages, part %d ends at %d",
			conv.SourcePath, scan.MessageCount, conv.HighestPart(), r.EndIndex)
	}

	report := &SyncReport{NewMessages: scan.MessageCount - conv.OriginalMessageCount}
	m, err := e.updateManifest(collection, func(m *manifest.Manifest) error {
		c, err := m.Conversation(id)
		if err != nil {
			return err
		}
		e.applyScan(c, scan)
		return nil
	})
	if err != nil {
		return nil, err
	}
	report.Conversation = m.Conversations[id]
	return report, nil
}

// ListConversations returns the conversations of a collection by id.
func (e *Engine) ListConversations(ctx context.Context, collection string) ([]*manifest.Conversation, error) {
	m, err := e.store.Load(collection)
	if err != nil {
		return nil, err
	}
	out := make([]*manifest.Conversation, 0, len(m.Conversations))
	for _, id := range m.IDs() {
		out = append(out, m.Conversations[id])
	}
	return out, nil
}

// ListCollections returns the collection names that have a manifest.
func (e *Engine) ListCollections(ctx context.Context) ([]string, error) {
	names, err := e.store.Collections()
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// GetConversation returns one conversation.
func (e *Engine) GetConversation(ctx context.Context, collection, id string) (*manifest.Conversation, error) {
	return e.conversation(collection, id)
}

// VerifyReport is the integrity check of one conversation.
type VerifyReport struct {
	ConversationID string   `json:"conversationId"`
	Parts          int      `json:"parts"`
	Versions       int      `json:"versions"`
	Problems       []string `json:"problems,omitempty"`
	OK             bool     `json:"ok"`
}

// Verify checks the partition invariant, that every part's range anchors
// still match the log, and that every version has its content file. An
// empty id checks the whole collection.
func (e *Engine) Verify(ctx context.Context, collection, id string) ([]VerifyReport, error) {
	m, err := e.store.Load(collection)
	if err != nil {
		return nil, err
	}
	ids := m.IDs()
	if id != "" {
		if _, err := m.Conversation(id); err != nil {
			return nil, err
		}
		ids = []string{id}
	}

	set, err := e.store.LoadCompositions(collection)
	if err != nil {
		return nil, err
	}
	cited := citations(set)

	reports := make([]VerifyReport, 0, len(ids))
	for _, cid := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		reports = append(reports, e.verifyConversation(collection, m.Conversations[cid], cited[cid]))
	}
	return reports, nil
}

// citations counts, per conversation and version, the compositions citing
// each derivative.
func citations(set *manifest.CompositionSet) map[string]map[string]int {
	out := make(map[string]map[string]int)
	for _, comp := range set.Compositions {
		for _, c := range comp.Components {
			if c.ResolvedID == manifest.OriginalVersionID {
				continue
			}
			if out[c.ConversationID] == nil {
				out[c.ConversationID] = make(map[string]int)
			}
			out[c.ConversationID][c.ResolvedID]++
		}
	}
	return out
}

func (e *Engine) verifyConversation(collection string, c *manifest.Conversation, cited map[string]int) VerifyReport {
	r := VerifyReport{ConversationID: c.ID, Parts: len(c.Parts()), Versions: len(c.Derivatives)}
	if err := delta.Partition(c); err != nil {
		r.Problems = append(r.Problems, err.Error())
	}

	res, err := transcript.ParseFile(c.SourcePath)
	if err != nil {
		r.Problems = append(r.Problems, err.Error())
	} else {
		for _, n := range c.Parts() {
			rng, _ := c.PartRange(n)
			if _, err := delta.Slice(rng, res.Messages); err != nil {
				r.Problems = append(r.Problems, err.Error())
			}
		}
	}

	for _, d := range c.Derivatives {
		if _, err := e.store.ReadDerivative(collection, c.ID, d.VersionID); err != nil {
			if !errors.Is(err, apperr.ErrVersionNotFound) {
				r.Problems = append(r.Problems, err.Error())
				continue
			}
			r.Problems = append(r.Problems, "missing content for "+d.VersionID)
		}
		if n := cited[d.VersionID]; n != d.UsedInCompositions {
			r.Problems = append(r.Problems, fmt.Sprintf("%s is cited by %d compositions but records %d", d.VersionID, n, d.UsedInCompositions))
		}
	}
	r.OK = len(r.Problems) == 0
	return r
}
