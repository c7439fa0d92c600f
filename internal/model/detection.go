package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/samber/lo"
)

var (
	// ErrMissingClass is returned for a detection without a class name.
	ErrMissingClass = errors.New("detection has no class")
	// ErrMissingBBox is returned for a detection without a bounding box.
	ErrMissingBBox = errors.New("detection has no bbox")
	// ErrInvalidConfidence is returned when confidence is outside [0,1].
	ErrInvalidConfidence = errors.New("confidence outside [0,1]")
	// ErrInvalidBBox is returned for non-finite or inverted coordinates.
	ErrInvalidBBox = errors.New("invalid bbox coordinates")
)

// BBox is an axis-aligned rectangle in source-image pixel coordinates.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns x2-x1.
func (b BBox) Width() float64 {
	return b.X2 - b.X1
}

// Height returns y2-y1.
func (b BBox) Height() float64 {
	return b.Y2 - b.Y1
}

// Area returns width*height.
func (b BBox) Area() float64 {
	return b.Width() * b.Height()
}

// Validate checks that all coordinates are finite and the box is not inverted.
func (b BBox) Validate() error {
	for _, v := range []float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrInvalidBBox
		}
	}
	if b.X2 < b.X1 || b.Y2 < b.Y1 {
		return ErrInvalidBBox
	}
	return nil
}

// Detection is one predicted object instance. It is never mutated after
// the detector produces it.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
	Color      []int   `json:"color,omitempty"` // RGB
}

// Validate reports why a detection is unusable, or nil.
func (d Detection) Validate() error {
	if d.Class == "" {
		return ErrMissingClass
	}
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return ErrInvalidConfidence
	}
	return d.BBox.Validate()
}

// wireDetection mirrors Detection with optional fields so missing keys can
// be told apart from zero values.
type wireDetection struct {
	Class      *string  `json:"class"`
	Confidence *float64 `json:"confidence"`
	BBox       *BBox    `json:"bbox"`
	Color      []int    `json:"color"`
}

// ParseDetection decodes a single detection and validates it.
func ParseDetection(raw json.RawMessage) (Detection, error) {
	var w wireDetection
	if err := json.Unmarshal(raw, &w); err != nil {
		return Detection{}, fmt.Errorf("failed to decode detection: %w", err)
	}
	if w.Class == nil {
		return Detection{}, ErrMissingClass
	}
	if w.BBox == nil {
		return Detection{}, ErrMissingBBox
	}

	d := Detection{Class: *w.Class, BBox: *w.BBox, Color: w.Color}
	if w.Confidence != nil {
		d.Confidence = *w.Confidence
	}
	if err := d.Validate(); err != nil {
		return Detection{}, err
	}
	return d, nil
}

// ParseDetections decodes every entry it can and drops malformed ones.
// The number of dropped entries is returned alongside the valid list.
func ParseDetections(raws []json.RawMessage) ([]Detection, int) {
	detections := make([]Detection, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		d, err := ParseDetection(raw)
		if err != nil {
			dropped++
			continue
		}
		detections = append(detections, d)
	}
	return detections, dropped
}

// CountByClass returns the number of detections per class name.
func CountByClass(detections []Detection) map[string]int {
	return lo.CountValuesBy(detections, func(d Detection) string {
		return d.Class
	})
}
