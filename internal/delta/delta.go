// Package delta finds the part of a conversation no derivative covers yet.
package delta

import (
	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/manifest"
	"github.com/lazypower/strata/internal/transcript"
)

// Delta is the unprocessed suffix of a conversation.
type Delta struct {
	HasDelta       bool
	Messages       []transcript.Message
	StartIndex     int
	NextPartNumber int
}

// Range returns the manifest range the delta would occupy as a new part.
func (d Delta) Range() manifest.Range {
	if !d.HasDelta {
		return manifest.Range{StartIndex: d.StartIndex, EndIndex: d.StartIndex - 1}
	}
	return manifest.Range{
		StartIndex:     d.StartIndex,
		EndIndex:       d.StartIndex + len(d.Messages) - 1,
		StartMessageID: d.Messages[0].ID,
		EndMessageID:   d.Messages[len(d.Messages)-1].ID,
	}
}

// Compute returns the messages strictly after the highest part's range, or
// every message when the conversation has no derivatives.
//
// The recorded end message id anchors the boundary. If it is no longer at
// its recorded index the log was rewritten upstream and Compute fails
// rather than risk re-compressing covered messages: ErrRangeMismatch when
// the id moved, ErrRangeMissing when it is gone.
func Compute(conv *manifest.Conversation, msgs []transcript.Message) (Delta, error) {
	highest := conv.HighestPart()
	if highest == 0 {
		return Delta{
			HasDelta:       len(msgs) > 0,
			Messages:       msgs,
			StartIndex:     0,
			NextPartNumber: 1,
		}, nil
	}

	r, _ := conv.PartRange(highest)
	if err := checkAnchor(r, msgs); err != nil {
		return Delta{}, err
	}

	start := r.EndIndex + 1
	rest := msgs[start:]
	return Delta{
		HasDelta:       len(rest) > 0,
		Messages:       rest,
		StartIndex:     start,
		NextPartNumber: highest + 1,
	}, nil
}

// Slice returns the messages of r, verifying both anchors.
func Slice(r manifest.Range, msgs []transcript.Message) ([]transcript.Message, error) {
	if err := checkAnchor(r, msgs); err != nil {
		return nil, err
	}
	if r.StartMessageID != "" && msgs[r.StartIndex].ID != r.StartMessageID {
		if transcript.IndexOf(msgs, r.StartMessageID) >= 0 {
			return nil, apperr.New(apperr.ErrRangeMismatch, "start message %s moved from index %d", r.StartMessageID, r.StartIndex)
		}
		return nil, apperr.New(apperr.ErrRangeMissing, "start message %s", r.StartMessageID)
	}
	return msgs[r.StartIndex : r.EndIndex+1], nil
}

func checkAnchor(r manifest.Range, msgs []transcript.Message) error {
	if r.StartIndex < 0 || r.EndIndex < r.StartIndex {
		return apperr.New(apperr.ErrInvalidPart, "range [%d,%d]", r.StartIndex, r.EndIndex)
	}
	if r.EndIndex < len(msgs) && (r.EndMessageID == "" || msgs[r.EndIndex].ID == r.EndMessageID) {
		return nil
	}
	if r.EndMessageID != "" {
		if idx := transcript.IndexOf(msgs, r.EndMessageID); idx >= 0 {
			return apperr.New(apperr.ErrRangeMismatch, "end message %s recorded at %d, found at %d", r.EndMessageID, r.EndIndex, idx)
		}
		return apperr.New(apperr.ErrRangeMissing, "end message %s", r.EndMessageID)
	}
	return apperr.New(apperr.ErrRangeMissing, "log has %d messages, part ends at %d", len(msgs), r.EndIndex)
}

// Partition verifies that the parts of conv are contiguous, non-overlapping
// and ascending from index 0, and that every record of a part shares one
// range. It returns nil for a conversation without derivatives.
func Partition(conv *manifest.Conversation) error {
	next := 0
	for i, part := range conv.Parts() {
		if part != i+1 {
			return apperr.New(apperr.ErrInvalidPart, "%s: part %d follows part %d", conv.ID, part, i)
		}
		records := conv.Part(part)
		r := records[0].Range
		for _, d := range records[1:] {
			if d.Range != r {
				return apperr.New(apperr.ErrInvalidPart, "%s: part %d records %s and %s disagree on range",
					conv.ID, part, records[0].VersionID, d.VersionID)
			}
		}
		if r.StartIndex != next {
			return apperr.New(apperr.ErrInvalidPart, "%s: part %d starts at %d, want %d", conv.ID, part, r.StartIndex, next)
		}
		if r.EndIndex < r.StartIndex {
			return apperr.New(apperr.ErrInvalidPart, "%s: part %d has empty range", conv.ID, part)
		}
		next = r.EndIndex + 1
	}
	if conv.OriginalMessageCount > 0 && next > conv.OriginalMessageCount {
		return apperr.New(apperr.ErrInvalidPart, "%s: parts cover %d messages, log has %d",
			conv.ID, next, conv.OriginalMessageCount)
	}
	return nil
}
