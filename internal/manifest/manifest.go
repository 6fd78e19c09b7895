// Package manifest is the durable per-collection registry of conversations
// and their derivative records.
package manifest

import (
	"sort"
	"time"

	"github.com/lazypower/strata/internal/apperr"
)

// Manifest is the document persisted for one collection.
type Manifest struct {
	Version       int                      `json:"version"`
	Collection    string                   `json:"collection"`
	Conversations map[string]*Conversation `json:"conversations"`
	UpdatedAt     time.Time                `json:"updatedAt"`
}

// New returns an empty manifest for collection.
func New(collection string) *Manifest {
	return &Manifest{
		Version:       SchemaVersion,
		Collection:    collection,
		Conversations: make(map[string]*Conversation),
	}
}

// Conversation returns the entry for id.
func (m *Manifest) Conversation(id string) (*Conversation, error) {
	c, ok := m.Conversations[id]
	if !ok {
		return nil, apperr.New(apperr.ErrConversationNotFound, "%s", id)
	}
	return c, nil
}

// IDs returns the conversation ids in ascending order.
func (m *Manifest) IDs() []string {
	ids := make([]string, 0, len(m.Conversations))
	for id := range m.Conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpsertConversation inserts c or replaces the metadata of an existing entry.
// Existing derivative records are kept; c.Derivatives is ignored on update.
func (m *Manifest) UpsertConversation(c *Conversation) {
	if m.Conversations == nil {
		m.Conversations = make(map[string]*Conversation)
	}
	if existing, ok := m.Conversations[c.ID]; ok {
		c.Derivatives = existing.Derivatives
		if c.RegisteredAt.IsZero() {
			c.RegisteredAt = existing.RegisteredAt
		}
	}
	if c.Derivatives == nil {
		c.Derivatives = []Derivative{}
	}
	m.Conversations[c.ID] = c
}

// RemoveConversation deletes the entry for id and returns it.
func (m *Manifest) RemoveConversation(id string) (*Conversation, error) {
	c, err := m.Conversation(id)
	if err != nil {
		return nil, err
	}
	delete(m.Conversations, id)
	return c, nil
}

// AppendDerivative adds d to the conversation, enforcing that records of one
// part share a range and distinct settings, and that a new part starts right
// after the last one.
func (m *Manifest) AppendDerivative(conversationID string, d Derivative) error {
	c, err := m.Conversation(conversationID)
	if err != nil {
		return err
	}
	if d.VersionID == "" || d.VersionID == OriginalVersionID || d.VersionID == AutoVersion {
		return apperr.New(apperr.ErrInvalidInput, "version id %q is reserved", d.VersionID)
	}
	if _, exists := c.Find(d.VersionID); exists {
		return apperr.New(apperr.ErrVersionExists, "version %s", d.VersionID)
	}
	if d.PartNumber < 1 {
		return apperr.New(apperr.ErrInvalidPart, "part %d", d.PartNumber)
	}
	if d.Range.StartIndex < 0 || d.Range.EndIndex < d.Range.StartIndex {
		return apperr.New(apperr.ErrInvalidInput, "empty range [%d, %d]", d.Range.StartIndex, d.Range.EndIndex)
	}

	if existing, ok := c.PartRange(d.PartNumber); ok {
		if existing != d.Range {
			return apperr.New(apperr.ErrInvalidPart,
				"part %d covers [%d, %d], record covers [%d, %d]",
				d.PartNumber, existing.StartIndex, existing.EndIndex, d.Range.StartIndex, d.Range.EndIndex)
		}
		key := d.Settings.Key()
		for _, r := range c.Part(d.PartNumber) {
			if r.Settings.Key() == key {
				return apperr.New(apperr.ErrVersionExists, "part %d already has %s with these settings", d.PartNumber, r.VersionID)
			}
		}
	} else {
		highest := c.HighestPart()
		if d.PartNumber != highest+1 {
			return apperr.New(apperr.ErrInvalidPart, "next part is %d, got %d", highest+1, d.PartNumber)
		}
		wantStart := 0
		if last, ok := c.PartRange(highest); ok {
			wantStart = last.EndIndex + 1
		}
		if d.Range.StartIndex != wantStart {
			return apperr.New(apperr.ErrInvalidPart,
				"part %d must start at message %d, got %d", d.PartNumber, wantStart, d.Range.StartIndex)
		}
	}

	c.Derivatives = append(c.Derivatives, d)
	return nil
}

// RemoveDerivative deletes the record with versionID and returns it. Removing
// the last record of a part that is followed by later parts would open a gap
// in the partition and is rejected.
func (m *Manifest) RemoveDerivative(conversationID, versionID string) (Derivative, error) {
	c, err := m.Conversation(conversationID)
	if err != nil {
		return Derivative{}, err
	}
	if versionID == OriginalVersionID {
		return Derivative{}, apperr.New(apperr.ErrInvalidInput, "the original cannot be deleted")
	}
	for i, d := range c.Derivatives {
		if d.VersionID != versionID {
			continue
		}
		if len(c.Part(d.PartNumber)) == 1 && d.PartNumber < c.HighestPart() {
			return Derivative{}, apperr.New(apperr.ErrInvalidPart,
				"%s is the last record of part %d and later parts exist", versionID, d.PartNumber)
		}
		c.Derivatives = append(c.Derivatives[:i:i], c.Derivatives[i+1:]...)
		return d, nil
	}
	return Derivative{}, apperr.New(apperr.ErrVersionNotFound, "%s in %s", versionID, conversationID)
}

// AdjustReferences adds delta to the citation count of a record, never going
// below zero. The original and unknown versions are ignored.
func (m *Manifest) AdjustReferences(conversationID, versionID string, delta int) {
	c, ok := m.Conversations[conversationID]
	if !ok {
		return
	}
	for i := range c.Derivatives {
		if c.Derivatives[i].VersionID != versionID {
			continue
		}
		c.Derivatives[i].UsedInCompositions += delta
		if c.Derivatives[i].UsedInCompositions < 0 {
			c.Derivatives[i].UsedInCompositions = 0
		}
		return
	}
}
