package watcher

import (
	"encoding/json"
	"path/filepath"
)

// Rule maps a filename pattern to the job kind triggered when a matching
// path changes. Patterns use filepath.Match syntax against the base name.
type Rule struct {
	Pattern string `json:"pattern"`
	Kind    string `json:"kind"`
}

// Rules is an ordered rule set; the first match wins.
type Rules []Rule

// Match returns the job kind for the given path, or false when no rule
// matches.
func (rs Rules) Match(path string) (string, bool) {
	base := filepath.Base(path)
	for _, r := range rs {
		ok, err := filepath.Match(r.Pattern, base)
		if err != nil {
			continue
		}
		if ok {
			return r.Kind, true
		}
	}
	return "", false
}

// TriggerPayload is the payload attached to jobs created from a filesystem
// change.
type TriggerPayload struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"change"`
}

// Payload builds the job payload for a change event.
func Payload(ev ChangeEvent) json.RawMessage {
	data, _ := json.Marshal(TriggerPayload{Path: ev.Path, Kind: ev.Kind}) //nolint:errcheck // struct of strings cannot fail
	return data
}
