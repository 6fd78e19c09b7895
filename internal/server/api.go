package server

import (
	"github.com/lazypower/strata/internal/engine"
	"github.com/lazypower/strata/internal/manifest"
)

// Request and response documents shared with internal/client.

type RegisterRequest struct {
	Path string `json:"path"`
}

type RegisterBatchRequest struct {
	Paths []string `json:"paths"`
}

type CompressBody struct {
	Settings engine.SettingsRequest `json:"settings"`
	Holder   string                 `json:"holder,omitempty"`
}

type PinWeightRequest struct {
	Weight *float64 `json:"weight"`
}

type DerivativeContent struct {
	ConversationID string                    `json:"conversationId"`
	VersionID      string                    `json:"versionId"`
	Messages       []manifest.ContentMessage `json:"messages"`
}

type CleanupResponse struct {
	Reclaimed int `json:"reclaimed"`
}
