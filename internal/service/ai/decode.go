package ai

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyImage is returned when no image payload was provided.
	ErrEmptyImage = errors.New("no image data provided")
	// ErrInvalidImage is returned when the payload cannot be decoded.
	ErrInvalidImage = errors.New("failed to decode image")
)

// DecodeImagePayload accepts raw base64 or a data URL
// (data:image/jpeg;base64,...) and returns the encoded image bytes.
func DecodeImagePayload(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, ErrEmptyImage
	}

	if i := strings.IndexByte(payload, ','); i >= 0 {
		payload = payload[i+1:]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some browsers strip padding.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	return data, nil
}
