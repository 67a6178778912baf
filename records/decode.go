package records

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

var ErrMissingImage = errors.New("record has no " + FieldImageEncoded + " field")

// DecodeImage decodes the encoded image of a record into an NRGBA buffer
// with its origin at (0, 0). The alpha channel is ignored downstream.
func DecodeImage(ex *Example) (*image.NRGBA, error) {
	encoded, ok := ex.FirstBytes(FieldImageEncoded)
	if !ok {
		return nil, ErrMissingImage
	}
	return DecodeBytes(encoded)
}

func DecodeBytes(encoded []byte) (*image.NRGBA, error) {
	img, err := imaging.Decode(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return imaging.Clone(img), nil
}

// SourceName returns a human readable name for a record: its filename or
// source id when present, otherwise the fallback.
func SourceName(ex *Example, fallback string) string {
	for _, field := range []string{FieldFilename, FieldSourceID} {
		if v, ok := ex.FirstBytes(field); ok && len(v) > 0 {
			return string(v)
		}
	}
	return fallback
}
