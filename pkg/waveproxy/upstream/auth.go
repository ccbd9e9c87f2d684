// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"net/http"
	"strings"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
)

// Credential carries the key-style and bearer-style secrets for one upstream
// attempt. Configured channel keys populate both fields with the same value;
// passthrough mode carries whatever the client sent, which may differ.
type Credential struct {
	APIKey string
	Bearer string
}

// KeyCredential wraps a configured channel key as a credential.
func KeyCredential(key string) Credential {
	return Credential{APIKey: key, Bearer: key}
}

// IsZero reports whether no secret is present at all.
func (c Credential) IsZero() bool {
	return c.APIKey == "" && c.Bearer == ""
}

func (c Credential) keyValue() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	return c.Bearer
}

func (c Credential) bearerValue() string {
	if c.Bearer != "" {
		return c.Bearer
	}
	return c.APIKey
}

// ResolveAuthType returns the effective auth scheme for a channel, falling
// back to the service-type default when the channel does not set one:
// claude -> x-api-key, openai -> bearer, gemini -> x-goog-api-key.
func ResolveAuthType(ch *config.Channel) string {
	if authType := strings.ToLower(strings.TrimSpace(ch.AuthType)); authType != "" {
		return authType
	}
	switch strings.ToLower(strings.TrimSpace(ch.ServiceType)) {
	case "openai":
		return config.AuthTypeBearer
	case "gemini":
		return config.AuthTypeGoogAPIKey
	default:
		return config.AuthTypeAPIKey
	}
}

// ApplyAuth sets credential headers for one upstream attempt and returns the
// secret placed in the scheme's primary header, which callers record for key
// affinity. keyHeader is the dialect's native API-key header (X-Api-Key for
// Claude/OpenAI-shaped endpoints, X-Goog-Api-Key for Gemini); it is used for
// the "both" scheme and for unrecognized scheme values. Callers must strip
// client credential headers before applying.
func ApplyAuth(h http.Header, authType, keyHeader string, cred Credential) string {
	switch authType {
	case config.AuthTypeBearer:
		h.Set("Authorization", "Bearer "+cred.bearerValue())
		return cred.bearerValue()
	case config.AuthTypeBoth:
		h.Set(keyHeader, cred.keyValue())
		h.Set("Authorization", "Bearer "+cred.bearerValue())
		return cred.bearerValue()
	case config.AuthTypeGoogAPIKey:
		h.Set("X-Goog-Api-Key", cred.keyValue())
		return cred.keyValue()
	case config.AuthTypeAPIKey:
		h.Set("X-Api-Key", cred.keyValue())
		return cred.keyValue()
	default:
		h.Set(keyHeader, cred.keyValue())
		return cred.keyValue()
	}
}
