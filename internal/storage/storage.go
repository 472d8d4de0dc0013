// Package storage defines the durable object store results are materialized into.
package storage

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
)

// ObjectStore stores bytes under a key and returns their permanent URL.
// Put with the same key overwrites, which makes repeated materialization safe.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Ready(ctx context.Context) error
}

// SlotKey is the storage key for a slot's artifact. It depends on nothing
// but the record and the slot, so every materialization of a slot lands on
// the same object whatever the provider output looked like.
func SlotKey(recordID string, slot int) string {
	return fmt.Sprintf("records/%s/slot-%03d", recordID, slot)
}

// DefaultContentType is stored when nothing better is known.
const DefaultContentType = "application/octet-stream"

// ContentType picks the media type stored with an object: the download's
// Content-Type when it names one, else a guess from the source URL's
// extension.
func ContentType(header, sourceURL string) string {
	if mt, params, err := mime.ParseMediaType(header); err == nil && mt != DefaultContentType {
		return mime.FormatMediaType(mt, params)
	}
	if u, err := url.Parse(sourceURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" {
			if guessed := mime.TypeByExtension(ext); guessed != "" {
				return guessed
			}
		}
	}
	return DefaultContentType
}

// JoinURL appends key to base with exactly one slash between them.
func JoinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
