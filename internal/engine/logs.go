package engine

import (
	"errors"
	"os"
	"strings"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/llm"
	"github.com/lazypower/strata/internal/manifest"
	"github.com/lazypower/strata/internal/store"
	"github.com/lazypower/strata/internal/transcript"
)

// readLog parses the whole log at path and refuses logs with too many
// malformed lines. A successful parse refreshes the scan cache.
func (e *Engine) readLog(path string) (*transcript.ParseResult, *store.Scan, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, logUnreadable(path, err)
	}
	res, err := transcript.ParseFile(path)
	if err != nil {
		return nil, nil, logUnreadable(path, err)
	}
	if err := e.checkSkipRate(path, res.ValidCount, res.SkippedCount); err != nil {
		return nil, nil, err
	}
	s := scanOf(path, info, res)
	e.cacheScan(s)
	return res, s, nil
}

// scanLog returns the summary of the log at path, from the cache when the
// file has not changed since it was last parsed.
func (e *Engine) scanLog(path string) (*store.Scan, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, logUnreadable(path, err)
	}
	if e.index != nil {
		cached, err := e.index.GetScan(path)
		if err != nil {
			e.logger.WithField("action", "scan_cache").WithError(err).Warn("scan cache read failed")
		} else if cached != nil && cached.Matches(info.Size(), info.ModTime()) {
			if err := e.checkSkipRate(path, cached.MessageCount, cached.SkippedCount); err != nil {
				return nil, err
			}
			return cached, nil
		}
	}

	res, err := transcript.ParseFile(path)
	if err != nil {
		return nil, logUnreadable(path, err)
	}
	s := scanOf(path, info, res)
	e.cacheScan(s)
	if err := e.checkSkipRate(path, res.ValidCount, res.SkippedCount); err != nil {
		return nil, err
	}
	return s, nil
}

func (e *Engine) checkSkipRate(path string, valid, skipped int) error {
	total := valid + skipped
	if total == 0 {
		return nil
	}
	if rate := float64(skipped) / float64(total); rate > e.cfg.MaxSkipRate {
		return apperr.New(apperr.ErrCorruptLog, "%s: %d of %d lines malformed (%.1f%%, limit %.1f%%)",
			path, skipped, total, rate*100, e.cfg.MaxSkipRate*100)
	}
	return nil
}

func (e *Engine) cacheScan(s *store.Scan) {
	if e.index == nil {
		return
	}
	s.ScannedAt = e.now().UnixMilli()
	if err := e.index.PutScan(s); err != nil {
		e.logger.WithField("action", "scan_cache").WithError(err).Warn("scan cache write failed")
	}
}

func scanOf(path string, info os.FileInfo, res *transcript.ParseResult) *store.Scan {
	s := &store.Scan{
		Path:         path,
		Size:         info.Size(),
		ModTime:      info.ModTime().UnixNano(),
		MessageCount: len(res.Messages),
		TokenCount:   res.TotalTokens(),
		SkippedCount: res.SkippedCount,
		PinnedCount:  len(transcript.ExtractPins(res.Messages)),
	}
	if n := len(res.Messages); n > 0 {
		s.FirstMessageID = res.Messages[0].ID
		s.FirstTimestamp = res.Messages[0].Timestamp
		s.LastMessageID = res.Messages[n-1].ID
		s.LastTimestamp = res.Messages[n-1].Timestamp
	}
	return s
}

// applyScan refreshes the conversation's view of its log and moves the
// high-water mark to the last message seen.
func (e *Engine) applyScan(c *manifest.Conversation, s *store.Scan) {
	now := e.now().UTC()
	c.OriginalTokenCount = s.TokenCount
	c.OriginalMessageCount = s.MessageCount
	c.FirstTimestamp = s.FirstTimestamp
	c.LastTimestamp = s.LastTimestamp
	c.FirstMessageID = s.FirstMessageID
	c.LastSyncedMessageID = s.LastMessageID
	c.LastSyncedTimestamp = now
	c.LastAccessedAt = now
	c.PinnedCount = s.PinnedCount
}

// isInternalLog reports whether the log records one of strata's own
// compression sessions.
func isInternalLog(msgs []transcript.Message) bool {
	for _, m := range msgs {
		if m.Role == "user" {
			return strings.HasPrefix(strings.TrimSpace(m.Text), llm.InternalSentinel)
		}
	}
	return false
}

func logUnreadable(path string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return apperr.New(apperr.ErrInvalidInput, "log %s does not exist", path)
	}
	return apperr.Wrap(apperr.ErrInvalidInput, err, "read log %s", path)
}

func contentOf(msgs []transcript.Message) []manifest.ContentMessage {
	out := make([]manifest.ContentMessage, len(msgs))
	for i, m := range msgs {
		out[i] = manifest.ContentMessage{Role: m.Role, Text: m.Text, Tokens: m.Tokens}
	}
	return out
}
