package utils

import (
	"bytes"

	"github.com/disintegration/imaging"
)

// ThumbnailSize bounds the longer side of receipt previews, in pixels.
const ThumbnailSize = 320

// MakeThumbnail decodes a png/jpeg image and returns a JPEG that fits in size x size.
func MakeThumbnail(original []byte, size int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(original), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}

	thumbnail := imaging.Fit(img, size, size, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumbnail, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
