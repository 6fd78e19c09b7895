package manifest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/atomicfile"
)

// Store persists manifests, derivative content and compositions. Every
// document write is atomic: readers see the previous version or the new one,
// never a partial file. Store does not serialize concurrent writers; callers
// hold the conversation's lock before mutating it.
type Store interface {
	Load(collection string) (*Manifest, error)
	Save(collection string, m *Manifest) error
	Update(collection string, fn func(*Manifest) error) (*Manifest, error)
	Collections() ([]string, error)

	WriteDerivative(collection, conversationID, versionID string, msgs []ContentMessage) (string, error)
	ReadDerivative(collection, conversationID, versionID string) ([]ContentMessage, error)
	RemoveDerivativeFile(collection, conversationID, versionID string) error
	RemoveConversationFiles(collection, conversationID string) error

	LoadCompositions(collection string) (*CompositionSet, error)
	SaveCompositions(collection string, set *CompositionSet) error
	WriteCompositionOutput(collection, compositionID, format string, data []byte) error
	ReadCompositionOutput(collection, compositionID, format string) ([]byte, error)
	RemoveCompositionOutputs(collection, compositionID string) error
}

const (
	manifestFile     = "manifest.json"
	compositionsFile = "compositions.json"
	derivativesDir   = "derivatives"
	compositionsDir  = "compositions"
	collectionsDir   = "collections"
)

// FileStore keeps everything under root/collections/<collection>/.
type FileStore struct {
	root string
	now  func() time.Time
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir, now: time.Now}
}

// Root returns the data directory.
func (s *FileStore) Root() string { return s.root }

// maxNameLen is the longest path element most filesystems accept.
const maxNameLen = 255

// SafeName encodes an identifier as a single path element. Bytes outside
// [A-Za-z0-9_.-] are percent-escaped, so the mapping is reversible and two
// distinct ids never share a path.
func SafeName(id string) (string, error) {
	if id == "" || id == "." || id == ".." {
		return "", apperr.New(apperr.ErrInvalidInput, "identifier %q", id)
	}
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '.', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	if b.Len() > maxNameLen {
		return "", apperr.New(apperr.ErrInvalidInput, "identifier %q is too long", id)
	}
	return b.String(), nil
}

// nameOf reverses SafeName.
func nameOf(element string) (string, error) {
	return url.PathUnescape(element)
}

func (s *FileStore) collectionDir(collection string) (string, error) {
	name, err := SafeName(collection)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, collectionsDir, name), nil
}

func (s *FileStore) derivativePath(collection, conversationID, versionID string) (string, error) {
	dir, err := s.collectionDir(collection)
	if err != nil {
		return "", err
	}
	conv, err := SafeName(conversationID)
	if err != nil {
		return "", err
	}
	ver, err := SafeName(versionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, derivativesDir, conv, ver+".jsonl"), nil
}

// Load reads the manifest of collection.
func (s *FileStore) Load(collection string) (*Manifest, error) {
	dir, err := s.collectionDir(collection)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.New(apperr.ErrCollectionNotFound, "%s", collection)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", collection, err)
	}
	if m.Conversations == nil {
		m.Conversations = make(map[string]*Conversation)
	}
	for _, c := range m.Conversations {
		if c.Derivatives == nil {
			c.Derivatives = []Derivative{}
		}
	}
	return &m, nil
}

// Save writes m atomically.
func (s *FileStore) Save(collection string, m *Manifest) error {
	dir, err := s.collectionDir(collection)
	if err != nil {
		return err
	}
	m.Version = SchemaVersion
	m.Collection = collection
	m.UpdatedAt = s.now().UTC()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := atomicfile.Write(filepath.Join(dir, manifestFile), data, 0o644); err != nil {
		return fmt.Errorf("save manifest %s: %w", collection, err)
	}
	return nil
}

// Update loads the manifest (or starts an empty one), applies fn and saves
// the result. If fn fails nothing is written.
func (s *FileStore) Update(collection string, fn func(*Manifest) error) (*Manifest, error) {
	m, err := s.Load(collection)
	if errors.Is(err, apperr.ErrCollectionNotFound) {
		m = New(collection)
	} else if err != nil {
		return nil, err
	}
	if err := fn(m); err != nil {
		return nil, err
	}
	if err := s.Save(collection, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Collections lists the collections that have a manifest.
func (s *FileStore) Collections() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, collectionsDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name, err := nameOf(e.Name())
		if err != nil {
			continue
		}
		if _, err := s.Load(name); err != nil {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// WriteDerivative stores the content of a record and returns its file name.
func (s *FileStore) WriteDerivative(collection, conversationID, versionID string, msgs []ContentMessage) (string, error) {
	path, err := s.derivativePath(collection, conversationID, versionID)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return "", fmt.Errorf("encode derivative message: %w", err)
		}
	}
	if err := atomicfile.Write(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write derivative %s: %w", versionID, err)
	}
	return filepath.Base(path), nil
}

// ReadDerivative loads the content of a record.
func (s *FileStore) ReadDerivative(collection, conversationID, versionID string) ([]ContentMessage, error) {
	path, err := s.derivativePath(collection, conversationID, versionID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.New(apperr.ErrVersionNotFound, "content of %s", versionID)
	}
	if err != nil {
		return nil, fmt.Errorf("open derivative: %w", err)
	}
	defer f.Close()

	var msgs []ContentMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var m ContentMessage
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			return nil, fmt.Errorf("decode derivative %s: %w", versionID, err)
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan derivative %s: %w", versionID, err)
	}
	return msgs, nil
}

// RemoveDerivativeFile deletes the content of a record. Missing files are fine.
func (s *FileStore) RemoveDerivativeFile(collection, conversationID, versionID string) error {
	path, err := s.derivativePath(collection, conversationID, versionID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove derivative %s: %w", versionID, err)
	}
	return nil
}

// RemoveConversationFiles deletes every content file of a conversation.
func (s *FileStore) RemoveConversationFiles(collection, conversationID string) error {
	dir, err := s.collectionDir(collection)
	if err != nil {
		return err
	}
	conv, err := SafeName(conversationID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(dir, derivativesDir, conv)); err != nil {
		return fmt.Errorf("remove derivatives of %s: %w", conversationID, err)
	}
	return nil
}

// LoadCompositions reads the composition registry, empty if absent.
func (s *FileStore) LoadCompositions(collection string) (*CompositionSet, error) {
	dir, err := s.collectionDir(collection)
	if err != nil {
		return nil, err
	}
	set := &CompositionSet{Version: SchemaVersion, Compositions: make(map[string]*Composition)}
	data, err := os.ReadFile(filepath.Join(dir, compositionsFile))
	if errors.Is(err, os.ErrNotExist) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read compositions: %w", err)
	}
	if err := json.Unmarshal(data, set); err != nil {
		return nil, fmt.Errorf("decode compositions %s: %w", collection, err)
	}
	if set.Compositions == nil {
		set.Compositions = make(map[string]*Composition)
	}
	return set, nil
}

// SaveCompositions writes the registry atomically.
func (s *FileStore) SaveCompositions(collection string, set *CompositionSet) error {
	dir, err := s.collectionDir(collection)
	if err != nil {
		return err
	}
	set.Version = SchemaVersion
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("encode compositions: %w", err)
	}
	if err := atomicfile.Write(filepath.Join(dir, compositionsFile), data, 0o644); err != nil {
		return fmt.Errorf("save compositions %s: %w", collection, err)
	}
	return nil
}

func (s *FileStore) compositionOutputPath(collection, compositionID, format string) (string, error) {
	dir, err := s.collectionDir(collection)
	if err != nil {
		return "", err
	}
	id, err := SafeName(compositionID)
	if err != nil {
		return "", err
	}
	ext, err := SafeName(format)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, compositionsDir, id+"."+ext), nil
}

// WriteCompositionOutput stores one rendering of a composition.
func (s *FileStore) WriteCompositionOutput(collection, compositionID, format string, data []byte) error {
	path, err := s.compositionOutputPath(collection, compositionID, format)
	if err != nil {
		return err
	}
	if err := atomicfile.Write(path, data, 0o644); err != nil {
		return fmt.Errorf("write composition %s (%s): %w", compositionID, format, err)
	}
	return nil
}

// ReadCompositionOutput loads one rendering of a composition.
func (s *FileStore) ReadCompositionOutput(collection, compositionID, format string) ([]byte, error) {
	path, err := s.compositionOutputPath(collection, compositionID, format)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.New(apperr.ErrCompositionNotFound, "%s rendered as %s", compositionID, format)
	}
	if err != nil {
		return nil, fmt.Errorf("read composition output: %w", err)
	}
	return data, nil
}

// RemoveCompositionOutputs deletes every rendering of a composition.
func (s *FileStore) RemoveCompositionOutputs(collection, compositionID string) error {
	dir, err := s.collectionDir(collection)
	if err != nil {
		return err
	}
	id, err := SafeName(compositionID)
	if err != nil {
		return err
	}
	matches, err := filepath.Glob(filepath.Join(dir, compositionsDir, id+".*"))
	if err != nil {
		return fmt.Errorf("glob composition outputs: %w", err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove composition output: %w", err)
		}
	}
	return nil
}
