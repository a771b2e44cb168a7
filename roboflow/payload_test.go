package roboflow

import (
	"strings"
	"testing"
)

func TestExtractPredictions_TopLevel(t *testing.T) {
	body := []byte(`{
		"predictions": [
			{"class": "pothole", "x": 100, "y": 120, "width": 50, "height": 40, "confidence": 0.9}
		],
		"image": {"width": 640, "height": 480}
	}`)

	np, err := ExtractPredictions(body)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(np.Predictions) != 1 {
		t.Fatalf("got %d predictions, want 1", len(np.Predictions))
	}
	p := np.Predictions[0]
	if p.Label != "pothole" || p.Width != 50 || p.Height != 40 {
		t.Errorf("prediction mangled: %+v", p)
	}
	if p.Confidence == nil || *p.Confidence != 0.9 {
		t.Errorf("confidence not carried: %v", p.Confidence)
	}
	if np.FrameWidth != 640 || np.FrameHeight != 480 {
		t.Errorf("frame = %gx%g, want 640x480", np.FrameWidth, np.FrameHeight)
	}
}

func TestExtractPredictions_NestedWorkflowShape(t *testing.T) {
	body := []byte(`{
		"outputs": [
			{"result": {"predictions": {
				"predictions": [{"class": "crack", "x": 5, "y": 5, "width": 10, "height": 10}],
				"image": {"width": "1920", "height": "1080"}
			}}}
		]
	}`)

	np, err := ExtractPredictions(body)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(np.Predictions) != 1 || np.Predictions[0].Label != "crack" {
		t.Fatalf("nested predictions not found: %+v", np.Predictions)
	}
	// String-typed dimensions still count.
	if np.FrameWidth != 1920 || np.FrameHeight != 1080 {
		t.Errorf("frame = %gx%g, want 1920x1080", np.FrameWidth, np.FrameHeight)
	}
}

func TestExtractPredictions_SiblingContainersStable(t *testing.T) {
	// Two workflow model steps each carry a predictions array. The search
	// must land on the same sibling for identical bytes on every call.
	body := []byte(`{
		"outputs": [{
			"model_b": {"predictions": [
				{"class": "crack", "x": 1, "y": 1, "width": 10, "height": 10},
				{"class": "crack", "x": 2, "y": 2, "width": 10, "height": 10}
			]},
			"model_a": {"predictions": [
				{"class": "pothole", "x": 5, "y": 5, "width": 20, "height": 20}
			]}
		}]
	}`)

	for i := 0; i < 100; i++ {
		np, err := ExtractPredictions(body)
		if err != nil {
			t.Fatalf("extract failed: %v", err)
		}
		if len(np.Predictions) != 1 {
			t.Fatalf("call %d picked a different container: %d predictions, want 1", i, len(np.Predictions))
		}
		if np.Predictions[0].Label != "pothole" {
			t.Fatalf("call %d: label = %q, want the first sibling in key order", i, np.Predictions[0].Label)
		}
	}
}

func TestExtractPredictions_TopLevelImageMerge(t *testing.T) {
	body := []byte(`{
		"image": {"width": 800, "height": 600},
		"outputs": [{"predictions": [{"class": "rutting", "x": 1, "y": 1, "width": 2, "height": 2}]}]
	}`)

	np, err := ExtractPredictions(body)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if np.FrameWidth != 800 || np.FrameHeight != 600 {
		t.Errorf("top-level image not merged into container: %gx%g", np.FrameWidth, np.FrameHeight)
	}
}

func TestExtractPredictions_DepthBound(t *testing.T) {
	// Nest the predictions below the search depth; the whole payload then
	// becomes the container and no predictions are parsed.
	deep := `{"predictions": [{"class":"pothole","x":1,"y":1,"width":2,"height":2}]}`
	for i := 0; i < maxSearchDepth+1; i++ {
		deep = `{"wrap":` + deep + `}`
	}

	np, err := ExtractPredictions([]byte(deep))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(np.Predictions) != 0 {
		t.Errorf("predictions beyond the depth bound must not be found")
	}
}

func TestExtractPredictions_FiltersAndDefaults(t *testing.T) {
	body := []byte(`{"predictions": [
		{"class": "pothole", "x": 1, "y": 1, "width": 0, "height": 10},
		{"class": "pothole", "x": 1, "y": 1, "width": 10, "height": -5},
		{"class": "", "x": 1, "y": 1, "width": 10, "height": 10},
		{"x": 1, "y": 1, "width": 10, "height": 10}
	]}`)

	np, err := ExtractPredictions(body)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(np.Predictions) != 2 {
		t.Fatalf("got %d predictions, want 2 (non-positive boxes dropped)", len(np.Predictions))
	}
	for _, p := range np.Predictions {
		if p.Label != placeholderLabel {
			t.Errorf("blank label should default to %q, got %q", placeholderLabel, p.Label)
		}
	}
}

func TestExtractPredictions_NonObjectPayload(t *testing.T) {
	np, err := ExtractPredictions([]byte(`[1, 2, 3]`))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(np.Predictions) != 0 {
		t.Errorf("array payload has no predictions container")
	}

	if _, err := ExtractPredictions([]byte(`not json`)); err == nil {
		t.Error("expected an error for a non-JSON body")
	}
}

func TestExtractUpstreamMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "validation detail with location",
			body: `{"detail":[{"msg":"field required","loc":["body","image"]}]}`,
			want: "field required (at body.image)",
		},
		{
			name: "error object",
			body: `{"error":{"message":"quota exhausted"}}`,
			want: "quota exhausted",
		},
		{
			name: "errors array",
			body: `{"errors":["model does not exist"]}`,
			want: "model does not exist",
		},
		{
			name: "bare error string translated",
			body: `{"error":"Not Found"}`,
			want: "Model or workflow not found; check the model id and version",
		},
		{
			name: "nothing extractable",
			body: `{"status":"weird"}`,
			want: genericFailureMessage,
		},
		{
			name: "non-JSON body",
			body: `<html>502</html>`,
			want: genericFailureMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractUpstreamMessage([]byte(tt.body)); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRedactURL(t *testing.T) {
	redacted := RedactURL("https://detect.roboflow.com/ws/m/1?api_key=supersecret&confidence=0.4")
	if strings.Contains(redacted, "supersecret") {
		t.Errorf("api key leaked: %s", redacted)
	}
	if !strings.Contains(redacted, "confidence=0.4") {
		t.Errorf("other params must survive: %s", redacted)
	}
}
