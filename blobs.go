package authcore

import (
	"context"
	"io"
)

// BlobStore keeps uploaded files such as profile pictures and returns a URL
// clients can fetch them from.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) (url string, err error)
}

// Avatar is an uploaded profile picture
type Avatar struct {
	ContentType string
	Body        io.Reader
}

// MaxAvatarSize is the largest accepted profile picture
const MaxAvatarSize = 5 << 20

var avatarExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// AvatarExtension returns the file extension for an accepted image type
func AvatarExtension(contentType string) (string, bool) {
	ext, ok := avatarExtensions[contentType]
	return ext, ok
}
