package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/strata/internal/apperr"
)

func TestLoadMissingCollection(t *testing.T) {
	s := NewFileStore(t.TempDir())
	_, err := s.Load("proj")
	assert.True(t, errors.Is(err, apperr.ErrCollectionNotFound))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewFileStore(t.TempDir())
	m := testManifest(t)
	require.NoError(t, m.AppendDerivative("conv-1", record("v1", 1, 0, 99, 10)))
	require.NoError(t, s.Save("proj", m))

	got, err := s.Load("proj")
	require.NoError(t, err)
	assert.Equal(t, "proj", got.Collection)
	assert.Equal(t, SchemaVersion, got.Version)
	c, err := got.Conversation("conv-1")
	require.NoError(t, err)
	require.Len(t, c.Derivatives, 1)
	assert.Equal(t, "v1", c.Derivatives[0].VersionID)

	cols, err := s.Collections()
	require.NoError(t, err)
	assert.Equal(t, []string{"proj"}, cols)
}

func TestUpdateFailureWritesNothing(t *testing.T) {
	s := NewFileStore(t.TempDir())
	_, err := s.Update("proj", func(m *Manifest) error {
		m.UpsertConversation(&Conversation{ID: "conv-1"})
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = s.Update("proj", func(m *Manifest) error {
		m.UpsertConversation(&Conversation{ID: "conv-2"})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	m, err := s.Load("proj")
	require.NoError(t, err)
	assert.Equal(t, []string{"conv-1"}, m.IDs())
}

func TestCorruptManifestIsAnError(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	path := filepath.Join(dir, "collections", "proj", "manifest.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{half"), 0o644))

	_, err := s.Load("proj")
	require.Error(t, err)
	assert.False(t, errors.Is(err, apperr.ErrCollectionNotFound))
}

func TestDerivativeContent(t *testing.T) {
	s := NewFileStore(t.TempDir())
	msgs := []ContentMessage{
		{Role: "user", Text: "summarized <ask>", Tokens: 4},
		{Role: "assistant", Text: "done", Tokens: 1},
	}

	name, err := s.WriteDerivative("proj", "conv/1", "v1", msgs)
	require.NoError(t, err)
	assert.Equal(t, "v1.jsonl", name)

	got, err := s.ReadDerivative("proj", "conv/1", "v1")
	require.NoError(t, err)
	assert.Equal(t, msgs, got)

	require.NoError(t, s.RemoveDerivativeFile("proj", "conv/1", "v1"))
	require.NoError(t, s.RemoveDerivativeFile("proj", "conv/1", "v1"))
	_, err = s.ReadDerivative("proj", "conv/1", "v1")
	assert.True(t, errors.Is(err, apperr.ErrVersionNotFound))

	_, err = s.WriteDerivative("proj", "conv/1", "v2", msgs)
	require.NoError(t, err)
	require.NoError(t, s.RemoveConversationFiles("proj", "conv/1"))
	_, err = s.ReadDerivative("proj", "conv/1", "v2")
	assert.True(t, errors.Is(err, apperr.ErrVersionNotFound))
}

func TestCompositionRegistry(t *testing.T) {
	s := NewFileStore(t.TempDir())

	set, err := s.LoadCompositions("proj")
	require.NoError(t, err)
	assert.Empty(t, set.Compositions)

	set.Compositions["c1"] = &Composition{ID: "c1", Name: "weekly", Budget: 1000, Formats: []string{"markdown"}}
	require.NoError(t, s.SaveCompositions("proj", set))

	got, err := s.LoadCompositions("proj")
	require.NoError(t, err)
	require.Contains(t, got.Compositions, "c1")
	assert.Equal(t, "weekly", got.Compositions["c1"].Name)

	require.NoError(t, s.WriteCompositionOutput("proj", "c1", "md", []byte("# out")))
	require.NoError(t, s.WriteCompositionOutput("proj", "c1", "txt", []byte("out")))
	data, err := s.ReadCompositionOutput("proj", "c1", "md")
	require.NoError(t, err)
	assert.Equal(t, "# out", string(data))

	require.NoError(t, s.RemoveCompositionOutputs("proj", "c1"))
	_, err = s.ReadCompositionOutput("proj", "c1", "txt")
	assert.True(t, errors.Is(err, apperr.ErrCompositionNotFound))
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		id, want string
	}{
		{"sess-a_1.b", "sess-a_1.b"},
		{"a/b c", "a%2Fb%20c"},
		{"50%", "50%25"},
		{"é", "%C3%A9"},
	}
	for _, tt := range tests {
		name, err := SafeName(tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, name)
		back, err := nameOf(name)
		require.NoError(t, err)
		assert.Equal(t, tt.id, back)
	}

	for _, bad := range []string{"", ".", "..", strings.Repeat("/", 100)} {
		_, err := SafeName(bad)
		assert.True(t, errors.Is(err, apperr.ErrInvalidInput), "%q: %v", bad, err)
	}
}

func TestSimilarNamesDoNotShareFiles(t *testing.T) {
	s := NewFileStore(t.TempDir())
	_, err := s.Update("my work", func(m *Manifest) error {
		m.UpsertConversation(&Conversation{ID: "only-in-my-work"})
		return nil
	})
	require.NoError(t, err)

	_, err = s.Load("my-work")
	assert.True(t, errors.Is(err, apperr.ErrCollectionNotFound), "got %v", err)

	_, err = s.Update("my-work", func(m *Manifest) error { return nil })
	require.NoError(t, err)
	names, err := s.Collections()
	require.NoError(t, err)
	assert.Equal(t, []string{"my work", "my-work"}, names)

	msgs := []ContentMessage{{Role: "assistant", Text: "kept", Tokens: 1}}
	_, err = s.WriteDerivative("my work", "a b", "v1", msgs)
	require.NoError(t, err)
	_, err = s.WriteDerivative("my work", "a-b", "v1", msgs)
	require.NoError(t, err)

	require.NoError(t, s.RemoveConversationFiles("my work", "a b"))
	_, err = s.ReadDerivative("my work", "a b", "v1")
	assert.Error(t, err)
	got, err := s.ReadDerivative("my work", "a-b", "v1")
	require.NoError(t, err)
	assert.Equal(t, msgs, got)
}
