package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/lazypower/strata/internal/compose"
	"github.com/lazypower/strata/internal/decay"
	"github.com/lazypower/strata/internal/engine"
	"github.com/lazypower/strata/internal/lock"
	"github.com/lazypower/strata/internal/manifest"
	"github.com/lazypower/strata/internal/server"
	"github.com/lazypower/strata/internal/store"
	"github.com/lazypower/strata/internal/transcript"
)

func (c *Client) Collections(ctx context.Context) ([]string, error) {
	var out struct {
		Collections []string `json:"collections"`
	}
	err := c.do(ctx, http.MethodGet, "/api/collections", nil, &out)
	return out.Collections, err
}

func (c *Client) Conversations(ctx context.Context, collection string) ([]*manifest.Conversation, error) {
	var out struct {
		Conversations []*manifest.Conversation `json:"conversations"`
	}
	err := c.do(ctx, http.MethodGet, collectionPath(collection, "conversations"), nil, &out)
	return out.Conversations, err
}

func (c *Client) Conversation(ctx context.Context, collection, id string) (*manifest.Conversation, error) {
	var out manifest.Conversation
	if err := c.do(ctx, http.MethodGet, collectionPath(collection, "conversations", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Register(ctx context.Context, collection, path string) (*manifest.Conversation, error) {
	var out manifest.Conversation
	err := c.do(ctx, http.MethodPost, collectionPath(collection, "conversations"), server.RegisterRequest{Path: path}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RegisterBatch(ctx context.Context, collection string, paths []string) (*engine.BatchReport, error) {
	var out engine.BatchReport
	err := c.do(ctx, http.MethodPost, collectionPath(collection, "conversations", "batch"), server.RegisterBatchRequest{Paths: paths}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Unregister(ctx context.Context, collection, id string, opts engine.UnregisterOptions) error {
	q := url.Values{}
	q.Set("deleteFiles", strconv.FormatBool(opts.DeleteFiles))
	q.Set("force", strconv.FormatBool(opts.Force))
	return c.do(ctx, http.MethodDelete, collectionPath(collection, "conversations", id)+"?"+q.Encode(), nil, nil)
}

func (c *Client) Sync(ctx context.Context, collection, id string) (*engine.SyncReport, error) {
	var out engine.SyncReport
	if err := c.do(ctx, http.MethodPost, collectionPath(collection, "conversations", id, "sync"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify checks one conversation, or the whole collection when id is empty.
func (c *Client) Verify(ctx context.Context, collection, id string) (bool, []engine.VerifyReport, error) {
	path := collectionPath(collection, "verify")
	if id != "" {
		path = collectionPath(collection, "conversations", id, "verify")
	}
	var out struct {
		OK      bool                  `json:"ok"`
		Reports []engine.VerifyReport `json:"reports"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.OK, out.Reports, err
}

func (c *Client) Compress(ctx context.Context, collection, id string, s engine.SettingsRequest, holder string) (*manifest.Derivative, error) {
	var out manifest.Derivative
	err := c.do(ctx, http.MethodPost, collectionPath(collection, "conversations", id, "compress"),
		server.CompressBody{Settings: s, Holder: holder}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Recompress(ctx context.Context, collection, id string, part int, s engine.SettingsRequest, holder string) (*manifest.Derivative, error) {
	var out manifest.Derivative
	err := c.do(ctx, http.MethodPost, collectionPath(collection, "conversations", id, "parts", strconv.Itoa(part), "recompress"),
		server.CompressBody{Settings: s, Holder: holder}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Derivatives(ctx context.Context, collection, id string) ([]manifest.Derivative, error) {
	var out struct {
		Derivatives []manifest.Derivative `json:"derivatives"`
	}
	err := c.do(ctx, http.MethodGet, collectionPath(collection, "conversations", id, "derivatives"), nil, &out)
	return out.Derivatives, err
}

func (c *Client) Derivative(ctx context.Context, collection, id, version string) (*manifest.Derivative, error) {
	var out manifest.Derivative
	if err := c.do(ctx, http.MethodGet, collectionPath(collection, "conversations", id, "derivatives", version), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DerivativeContent(ctx context.Context, collection, id, version string) (*server.DerivativeContent, error) {
	var out server.DerivativeContent
	if err := c.do(ctx, http.MethodGet, collectionPath(collection, "conversations", id, "derivatives", version, "content"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteDerivative(ctx context.Context, collection, id, version string, force bool) (*manifest.Derivative, error) {
	var out manifest.Derivative
	path := collectionPath(collection, "conversations", id, "derivatives", version) + "?force=" + strconv.FormatBool(force)
	if err := c.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateComposition(ctx context.Context, collection string, req compose.Request) (*manifest.Composition, error) {
	var out manifest.Composition
	if err := c.do(ctx, http.MethodPost, collectionPath(collection, "compositions"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PreviewComposition(ctx context.Context, collection string, req compose.Request) (*engine.CompositionPreview, error) {
	var out engine.CompositionPreview
	if err := c.do(ctx, http.MethodPost, collectionPath(collection, "compositions", "preview"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Compositions(ctx context.Context, collection string) ([]*manifest.Composition, error) {
	var out struct {
		Compositions []*manifest.Composition `json:"compositions"`
	}
	err := c.do(ctx, http.MethodGet, collectionPath(collection, "compositions"), nil, &out)
	return out.Compositions, err
}

func (c *Client) Composition(ctx context.Context, collection, id string) (*manifest.Composition, error) {
	var out manifest.Composition
	if err := c.do(ctx, http.MethodGet, collectionPath(collection, "compositions", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompositionContent returns a composition rendered in format.
func (c *Client) CompositionContent(ctx context.Context, collection, id, format string) ([]byte, error) {
	path := collectionPath(collection, "compositions", id, "content") + "?format=" + url.QueryEscape(format)
	return c.send(ctx, http.MethodGet, path, nil, nil)
}

func (c *Client) DeleteComposition(ctx context.Context, collection, id string) error {
	return c.do(ctx, http.MethodDelete, collectionPath(collection, "compositions", id), nil, nil)
}

func (c *Client) Pins(ctx context.Context, collection, id string) ([]transcript.Pin, error) {
	var out struct {
		Pins []transcript.Pin `json:"pins"`
	}
	err := c.do(ctx, http.MethodGet, collectionPath(collection, "conversations", id, "pins"), nil, &out)
	return out.Pins, err
}

func (c *Client) SetPinWeight(ctx context.Context, collection, id, pinID string, weight float64) (*transcript.Pin, error) {
	var out transcript.Pin
	err := c.do(ctx, http.MethodPut, collectionPath(collection, "conversations", id, "pins", pinID),
		server.PinWeightRequest{Weight: &weight}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PreviewDecay(ctx context.Context, collection, id string, s decay.Scenario) (*engine.DecayReport, error) {
	q := url.Values{}
	q.Set("distance", strconv.Itoa(s.Distance))
	q.Set("ratio", strconv.FormatFloat(s.Ratio, 'f', -1, 64))
	var out engine.DecayReport
	if err := c.do(ctx, http.MethodGet, collectionPath(collection, "conversations", id, "decay")+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Locks(ctx context.Context) ([]lock.Lock, error) {
	var out struct {
		Locks []lock.Lock `json:"locks"`
	}
	err := c.do(ctx, http.MethodGet, "/api/locks", nil, &out)
	return out.Locks, err
}

func (c *Client) CleanupLocks(ctx context.Context) (int, error) {
	var out server.CleanupResponse
	err := c.do(ctx, http.MethodPost, "/api/locks/cleanup", nil, &out)
	return out.Reclaimed, err
}

func (c *Client) Jobs(ctx context.Context, f store.JobFilter) ([]store.Job, error) {
	q := url.Values{}
	if f.Collection != "" {
		q.Set("collection", f.Collection)
	}
	if f.ConversationID != "" {
		q.Set("conversation", f.ConversationID)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/api/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Jobs []store.Job `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Jobs, err
}

func (c *Client) Job(ctx context.Context, id string) (*store.Job, error) {
	var out store.Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
