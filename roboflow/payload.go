package roboflow

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"roadwatch/models"
)

const (
	// maxSearchDepth bounds the structural search over the upstream
	// response. Known shapes nest predictions at most a few levels deep
	// (workflow outputs wrap them in outputs[0].predictions and similar).
	maxSearchDepth = 7

	// placeholderLabel replaces a missing or blank class label. Severity
	// depends only on area, so an unlabeled box is still worth keeping.
	placeholderLabel = "damage"
)

// NormalizedPayload is the located predictions container plus the frame
// dimensions the upstream reported, when any.
type NormalizedPayload struct {
	Container   map[string]interface{}
	Predictions []models.BoundingBoxPrediction
	FrameWidth  float64
	FrameHeight float64
}

// ExtractPredictions searches an arbitrarily shaped upstream response for
// the substructure that looks like a predictions array. Rather than
// hard-coding every known response shape, it walks the payload depth-first
// and takes the first object with an array-valued "predictions" key; when
// none exists the whole payload is treated as the container.
func ExtractPredictions(body []byte) (*NormalizedPayload, error) {
	var payload interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	container := findPredictionsContainer(payload, 0)
	if container == nil {
		if m, ok := payload.(map[string]interface{}); ok {
			container = m
		} else {
			container = map[string]interface{}{}
		}
	}

	// Workflow responses sometimes report the frame at the top level
	// while nesting predictions deeper.
	if _, ok := container["image"]; !ok {
		if top, topOK := payload.(map[string]interface{}); topOK {
			if img, imgOK := top["image"]; imgOK {
				container["image"] = img
			}
		}
	}

	np := &NormalizedPayload{Container: container}
	np.FrameWidth, np.FrameHeight = frameDimensions(container)
	np.Predictions = parsePredictions(container)
	return np, nil
}

// findPredictionsContainer returns the first object carrying an
// array-valued "predictions" key, searching depth-first to maxSearchDepth.
// Object keys are visited in sorted order so a response with sibling
// candidate containers always resolves to the same one.
func findPredictionsContainer(node interface{}, depth int) map[string]interface{} {
	if depth > maxSearchDepth {
		return nil
	}
	switch v := node.(type) {
	case map[string]interface{}:
		if preds, ok := v["predictions"]; ok {
			if _, isArray := preds.([]interface{}); isArray {
				return v
			}
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if found := findPredictionsContainer(v[k], depth+1); found != nil {
				return found
			}
		}
	case []interface{}:
		for _, child := range v {
			if found := findPredictionsContainer(child, depth+1); found != nil {
				return found
			}
		}
	}
	return nil
}

func frameDimensions(container map[string]interface{}) (float64, float64) {
	img, ok := container["image"].(map[string]interface{})
	if !ok {
		return 0, 0
	}
	return toFinite(img["width"]), toFinite(img["height"])
}

// parsePredictions keeps only boxes with finite, positive dimensions. A
// blank class label defaults to a placeholder instead of dropping the box.
func parsePredictions(container map[string]interface{}) []models.BoundingBoxPrediction {
	raw, ok := container["predictions"].([]interface{})
	if !ok {
		return nil
	}

	out := make([]models.BoundingBoxPrediction, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		width := toFinite(entry["width"])
		height := toFinite(entry["height"])
		if width <= 0 || height <= 0 {
			continue
		}

		p := models.BoundingBoxPrediction{
			Label:  predictionLabel(entry),
			X:      toFinite(entry["x"]),
			Y:      toFinite(entry["y"]),
			Width:  width,
			Height: height,
		}
		if c, ok := entry["confidence"].(float64); ok && !math.IsNaN(c) && !math.IsInf(c, 0) {
			conf := c
			p.Confidence = &conf
		}
		out = append(out, p)
	}
	return out
}

func predictionLabel(entry map[string]interface{}) string {
	for _, key := range []string{"class", "label", "class_name"} {
		if s, ok := entry[key].(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed
			}
		}
	}
	return placeholderLabel
}

// toFinite coerces a loosely typed JSON number to a finite float64,
// returning 0 for anything else.
func toFinite(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0
		}
		return n
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f
		}
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return 0
}
