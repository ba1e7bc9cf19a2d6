package models

import "path"

// ArtifactObject describes one uploaded file of a build output.
type ArtifactObject struct {
	Scope       string `json:"scope"`
	RelativeKey string `json:"relative_key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// StorageKey returns the object storage key under prefix.
func (a *ArtifactObject) StorageKey(prefix string) string {
	return path.Join(prefix, a.Scope, a.RelativeKey)
}
