package ai

import (
	"fmt"
	"image"
	"math"
	"sort"

	"nutbolt/internal/model"

	"gocv.io/x/gocv"
)

// SizeLimits drops boxes that are too small to be real parts or too large
// to be anything but background.
type SizeLimits struct {
	MinBoxSize  float64
	MaxBoxSize  float64
	MaxBoxRatio float64
}

// candidate is one anchor that passed the confidence threshold.
type candidate struct {
	classID int
	score   float32
	box     model.BBox
}

// decodeOutput reads a YOLOv8 head laid out channel-major as
// [4+numClasses][numAnchors] (cx, cy, w, h, class scores...). Boxes are
// scaled from network input space back to source pixels.
func decodeOutput(data []float32, numChannels, numAnchors int, confidence float32, scaleX, scaleY float64) ([]candidate, error) {
	if numChannels < 5 {
		return nil, fmt.Errorf("unexpected output shape: %d channels", numChannels)
	}
	if len(data) < numChannels*numAnchors {
		return nil, fmt.Errorf("output has %d values, expected %d", len(data), numChannels*numAnchors)
	}

	var candidates []candidate
	for i := 0; i < numAnchors; i++ {
		bestClass := -1
		var bestScore float32
		for c := 4; c < numChannels; c++ {
			score := data[c*numAnchors+i]
			if bestClass < 0 || score > bestScore {
				bestClass = c - 4
				bestScore = score
			}
		}
		if bestScore < confidence {
			continue
		}

		cx := float64(data[0*numAnchors+i])
		cy := float64(data[1*numAnchors+i])
		w := float64(data[2*numAnchors+i])
		h := float64(data[3*numAnchors+i])

		candidates = append(candidates, candidate{
			classID: bestClass,
			score:   bestScore,
			box: model.BBox{
				X1: (cx - w/2) * scaleX,
				Y1: (cy - h/2) * scaleY,
				X2: (cx + w/2) * scaleX,
				Y2: (cy + h/2) * scaleY,
			},
		})
	}
	return candidates, nil
}

// suppress runs class-wise non-maximum suppression and returns the kept
// candidates ordered by descending score.
func suppress(candidates []candidate, confidence, iou float32) []candidate {
	byClass := make(map[int][]candidate)
	for _, c := range candidates {
		byClass[c.classID] = append(byClass[c.classID], c)
	}

	var kept []candidate
	for _, group := range byClass {
		rects := make([]image.Rectangle, len(group))
		scores := make([]float32, len(group))
		for i, c := range group {
			rects[i] = image.Rect(
				int(math.Round(c.box.X1)), int(math.Round(c.box.Y1)),
				int(math.Round(c.box.X2)), int(math.Round(c.box.Y2)),
			)
			scores[i] = c.score
		}
		for _, idx := range gocv.NMSBoxes(rects, scores, confidence, iou) {
			kept = append(kept, group[idx])
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].score > kept[j].score
	})
	return kept
}

// clipBox clamps a box to the image bounds.
func clipBox(b model.BBox, width, height int) model.BBox {
	return model.BBox{
		X1: clamp(b.X1, 0, float64(width)),
		Y1: clamp(b.Y1, 0, float64(height)),
		X2: clamp(b.X2, 0, float64(width)),
		Y2: clamp(b.Y2, 0, float64(height)),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// passesSizeLimits applies the min/max side and area ratio filters.
func passesSizeLimits(b model.BBox, width, height int, limits SizeLimits) bool {
	w, h := b.Width(), b.Height()
	if w > limits.MaxBoxSize || h > limits.MaxBoxSize {
		return false
	}
	if w < limits.MinBoxSize || h < limits.MinBoxSize {
		return false
	}
	imgArea := float64(width * height)
	if imgArea > 0 && b.Area()/imgArea > limits.MaxBoxRatio {
		return false
	}
	return true
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// toDetection converts a kept candidate into the wire detection, rounding
// coordinates to 2 decimals and confidence to 3.
func toDetection(c candidate, classes *ClassTable) model.Detection {
	name := classes.Name(c.classID)
	return model.Detection{
		Class:      name,
		Confidence: round(float64(c.score), 3),
		BBox: model.BBox{
			X1: round(c.box.X1, 2),
			Y1: round(c.box.Y1, 2),
			X2: round(c.box.X2, 2),
			Y2: round(c.box.Y2, 2),
		},
		Color: classes.Color(name),
	}
}
