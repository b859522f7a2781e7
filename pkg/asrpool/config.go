// Package asrpool maintains the hot-spare WebSocket connection to the ASR
// endpoint and knows how to dial a fresh one on demand. Grounded on
// original_source/anytalk-daemon/src/asr.rs's ConnectionPool and
// connect_to_asr, and on the auth-header construction in
// pkg/volc/request/header.go (X-Api-* headers, google/uuid connect id).
package asrpool

import "strings"

// Config is the daemon's immutable runtime configuration, consumed by the
// pool (to dial) and by the session runner (to build the initial request).
type Config struct {
	AppID       string
	AccessToken string
	ResourceID  string
	Mode        string
}

// URL selects the ASR endpoint for the configured mode.
func (c Config) URL() string {
	switch c.Mode {
	case "bidi":
		return "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel"
	case "bidi_async":
		return "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_async"
	default:
		return "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"
	}
}

// IsNostream reports whether the configured mode is the non-streaming
// variant, which needs an extra audio.language field in the initial
// request (see pkg/session).
func (c Config) IsNostream() bool {
	return strings.EqualFold(c.Mode, "nostream")
}
