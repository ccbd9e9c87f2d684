// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"reflect"
	"strings"
)

// APIKey is one entry in a channel's key pool. Config files written before
// the enabled flag existed store bare strings; both encodings unmarshal.
// Keys are trimmed on the way in, and an empty key is never enabled unless
// the document says so explicitly.
type APIKey struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
}

func (k *APIKey) UnmarshalJSON(data []byte) error {
	var legacy string
	if err := json.Unmarshal(data, &legacy); err == nil {
		*k = normalizedKey(legacy, nil)
		return nil
	}

	var entry struct {
		Key     string `json:"key"`
		Enabled *bool  `json:"enabled,omitempty"`
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return err
	}
	*k = normalizedKey(entry.Key, entry.Enabled)
	return nil
}

func (k APIKey) MarshalJSON() ([]byte, error) {
	type wire APIKey // sheds MarshalJSON, keeps the tags
	return json.Marshal(wire{Key: strings.TrimSpace(k.Key), Enabled: k.Enabled})
}

// normalizedKey trims raw and resolves the enabled flag: an explicit value
// wins, otherwise any non-empty key counts as enabled.
func normalizedKey(raw string, enabled *bool) APIKey {
	key := strings.TrimSpace(raw)
	if enabled != nil {
		return APIKey{Key: key, Enabled: *enabled}
	}
	return APIKey{Key: key, Enabled: key != ""}
}

// APIKeyDecodeHook is a mapstructure decode hook that accepts the legacy
// bare-string apiKeys element alongside the {key, enabled} object form,
// mirroring APIKey.UnmarshalJSON for loosely-typed map inputs.
func APIKeyDecodeHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(APIKey{}) || from.Kind() != reflect.String {
		return data, nil
	}
	return normalizedKey(data.(string), nil), nil
}

// EnabledAPIKeys returns the channel's usable key strings in pool order,
// skipping disabled entries and blank keys.
func (ch *Channel) EnabledAPIKeys() []string {
	if ch == nil {
		return nil
	}
	var keys []string
	for _, k := range ch.APIKeys {
		if key := strings.TrimSpace(k.Key); k.Enabled && key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// EnabledAPIKeyCount reports how many keys EnabledAPIKeys would return.
func (ch *Channel) EnabledAPIKeyCount() int {
	return len(ch.EnabledAPIKeys())
}
