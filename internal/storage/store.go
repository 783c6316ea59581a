package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Visibility selects how an uploaded object may be fetched.
type Visibility string

const (
	// VisibilityPublic marks objects directly fetchable by anyone holding the URL.
	VisibilityPublic Visibility = "public"
	// VisibilityRestricted marks objects that require a signed fetch path.
	VisibilityRestricted Visibility = "restricted"
)

// ResourceKind partitions the store the way the label pipeline thinks about
// content: raw text, still images, and audio/video containers.
type ResourceKind string

const (
	ResourceKindRaw   ResourceKind = "raw"
	ResourceKindImage ResourceKind = "image"
	ResourceKindVideo ResourceKind = "video"
)

// ResourceKinds lists every partition a label folder may hold.
var ResourceKinds = []ResourceKind{ResourceKindRaw, ResourceKindImage, ResourceKindVideo}

var (
	// ErrObjectNotFound indicates the addressed object does not exist.
	ErrObjectNotFound = errors.New("storage: object not found")
	// ErrInvalidKey indicates an empty or malformed folder key or object id.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Object describes one stored blob.
type Object struct {
	FolderKey  string
	ObjectID   string
	Kind       ResourceKind
	Visibility Visibility
	URL        string
}

// ObjectStore is the side of the object store the label pipeline depends on.
// Every call can fail; callers decide whether a failure aborts the flow or is
// logged and skipped.
type ObjectStore interface {
	// Upload writes payload under folderKey/objectID and returns a fetchable URL.
	Upload(ctx context.Context, folderKey, objectID string, payload []byte, contentType string, kind ResourceKind, visibility Visibility) (string, error)
	// DeleteByPrefix removes every object of the given kind and visibility under folderKey.
	DeleteByPrefix(ctx context.Context, folderKey string, kind ResourceKind, visibility Visibility) error
	// DeleteObject removes a single object regardless of visibility.
	DeleteObject(ctx context.Context, folderKey, objectID string, kind ResourceKind) error
	// Rename relocates every object under oldFolder to newFolder, keeping kind and visibility.
	Rename(ctx context.Context, oldFolder, newFolder string, kind ResourceKind, visibility Visibility) error
	// Copy duplicates every object under oldFolder into newFolder, keeping kind and visibility.
	Copy(ctx context.Context, oldFolder, newFolder string, kind ResourceKind, visibility Visibility) error
	// List returns the objects of the given kind and visibility under folderKey.
	List(ctx context.Context, folderKey string, kind ResourceKind, visibility Visibility) ([]Object, error)
	// ResolveURL turns a stored URL into one a client can fetch right now.
	// Public URLs pass through; restricted URLs come back signed.
	ResolveURL(ctx context.Context, rawURL string) (string, error)
}

// PayloadReader is implemented by stores that can read an object's bytes
// back. The pipeline uses it to recreate a memo under a new visibility when a
// label flips between public and private.
type PayloadReader interface {
	Fetch(ctx context.Context, folderKey, objectID string, kind ResourceKind, visibility Visibility) ([]byte, error)
}

// objectKey flattens the visibility/kind/folder/id coordinates into the key
// actually written to the backing store. The visibility and kind segments make
// prefix deletes per partition possible, mirroring how the pipeline cleans up.
func objectKey(folderKey, objectID string, kind ResourceKind, visibility Visibility) (string, error) {
	folder := strings.Trim(strings.TrimSpace(folderKey), "/")
	id := strings.TrimSpace(objectID)
	if folder == "" || id == "" {
		return "", ErrInvalidKey
	}
	return fmt.Sprintf("%s/%s/%s/%s", visibility, kind, folder, id), nil
}

func prefixKey(folderKey string, kind ResourceKind, visibility Visibility) (string, error) {
	folder := strings.Trim(strings.TrimSpace(folderKey), "/")
	if folder == "" {
		return "", ErrInvalidKey
	}
	return fmt.Sprintf("%s/%s/%s/", visibility, kind, folder), nil
}

// splitKey reverses objectKey. Returns false when the key does not follow the
// visibility/kind/folder/id layout.
func splitKey(key string) (Object, bool) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 {
		return Object{}, false
	}
	visibility := Visibility(parts[0])
	kind := ResourceKind(parts[1])
	if visibility != VisibilityPublic && visibility != VisibilityRestricted {
		return Object{}, false
	}
	switch kind {
	case ResourceKindRaw, ResourceKindImage, ResourceKindVideo:
	default:
		return Object{}, false
	}
	slash := strings.LastIndex(parts[2], "/")
	if slash <= 0 || slash == len(parts[2])-1 {
		return Object{}, false
	}
	return Object{
		FolderKey:  parts[2][:slash],
		ObjectID:   parts[2][slash+1:],
		Kind:       kind,
		Visibility: visibility,
	}, true
}
