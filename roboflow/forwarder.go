package roboflow

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/apex/log"
)

// Result is the outcome of a forwarding sequence: the first 2xx response,
// or the last non-OK response when every shape was exhausted.
type Result struct {
	OK     bool
	Status int
	Body   []byte
}

// ImageInput is the submitted image in the forms the fallback shapes need.
type ImageInput struct {
	// B64 is the bare base64 payload with any data-URL prefix stripped.
	B64 string
	// Mime is the declared content type, image/jpeg when undeclared.
	Mime string
	// Raw is the input exactly as the client sent it.
	Raw string
}

// ParseImageInput splits an optional data-URL envelope off the submitted
// image string.
func ParseImageInput(raw string) ImageInput {
	in := ImageInput{B64: strings.TrimSpace(raw), Mime: "image/jpeg", Raw: raw}
	if !strings.HasPrefix(in.B64, "data:") {
		return in
	}
	comma := strings.Index(in.B64, ",")
	if comma < 0 {
		return in
	}
	header := in.B64[len("data:"):comma]
	in.B64 = in.B64[comma+1:]
	if semi := strings.Index(header, ";"); semi >= 0 {
		header = header[:semi]
	}
	if header != "" {
		in.Mime = header
	}
	return in
}

// Forwarder submits an image to a resolved endpoint, probing request shapes
// in a fixed order until one succeeds or all are exhausted. Attempts are
// strictly sequential so a struggling upstream never sees amplified load.
type Forwarder struct {
	client *http.Client
}

// NewForwarder creates a forwarder. Individual upstream calls are bounded
// by the client timeout; callers wanting tighter bounds pass a context.
func NewForwarder() *Forwarder {
	return &Forwarder{
		client: &http.Client{Timeout: 90 * time.Second},
	}
}

// NewForwarderWithClient is used by tests to inject a client.
func NewForwarderWithClient(client *http.Client) *Forwarder {
	return &Forwarder{client: client}
}

// Forward sends the image to the endpoint using the variant's shape chain.
func (f *Forwarder) Forward(ctx context.Context, ep *ResolvedEndpoint, apiKey string, img ImageInput) (*Result, error) {
	switch ep.Variant {
	case VariantWorkflow:
		return f.forwardWorkflow(ctx, ep.URL, apiKey, img)
	default:
		return f.forwardDetect(ctx, ep.URL, apiKey, img)
	}
}

// forwardWorkflow tries the three known workflow JSON body shapes in order.
// If all fail, the last response wins; a synthetic transport error is
// surfaced only when every attempt threw.
func (f *Forwarder) forwardWorkflow(ctx context.Context, target, apiKey string, img ImageInput) (*Result, error) {
	bodies := []map[string]interface{}{
		{"api_key": apiKey, "inputs": map[string]interface{}{
			"image": map[string]interface{}{"type": "base64", "value": img.B64},
		}},
		{"api_key": apiKey, "inputs": map[string]interface{}{"image": img.B64}},
		{"api_key": apiKey, "inputs": map[string]interface{}{"image": img.Raw}},
	}

	var last *Result
	var lastErr error
	for i, body := range bodies {
		res, err := f.postJSON(ctx, target, body)
		if err != nil {
			lastErr = err
			log.Warnf("Workflow shape %d failed to send: %v", i+1, err)
			continue
		}
		if res.OK {
			return res, nil
		}
		last = res
	}
	if last != nil {
		return last, nil
	}
	return nil, fmt.Errorf("all workflow request shapes failed: %w", lastErr)
}

// Statuses after which a multipart rejection is retried with JSON bodies.
func detectFallbackStatus(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnsupportedMediaType:
		return true
	}
	return false
}

// forwardDetect posts a multipart form first, then walks the documented
// fallback ladder: 405 gets one GET-with-query retry whose result stands,
// other client errors get the JSON body shapes in order. An image that is
// not decodable base64 skips straight to the JSON shapes, which ship the
// text untouched.
func (f *Forwarder) forwardDetect(ctx context.Context, target, apiKey string, img ImageInput) (*Result, error) {
	decoded, err := base64.StdEncoding.DecodeString(img.B64)
	if err != nil {
		log.Warnf("Image is not decodable base64, skipping multipart: %v", err)
		return f.tryDetectJSONShapes(ctx, target, apiKey, img, nil)
	}

	res, err := f.postMultipart(ctx, target, decoded, img.Mime)
	if err != nil {
		return nil, fmt.Errorf("multipart submit failed: %w", err)
	}
	if res.OK {
		return res, nil
	}

	if res.Status == http.StatusMethodNotAllowed {
		return f.getWithQuery(ctx, target, img)
	}

	if detectFallbackStatus(res.Status) {
		return f.tryDetectJSONShapes(ctx, target, apiKey, img, res)
	}
	return res, nil
}

func (f *Forwarder) tryDetectJSONShapes(ctx context.Context, target, apiKey string, img ImageInput, multipartResult *Result) (*Result, error) {
	bodies := []map[string]interface{}{
		{"api_key": apiKey, "image": img.B64},
		{"image": img.B64},
		{"api_key": apiKey, "inputs": map[string]interface{}{
			"image": map[string]interface{}{"type": "base64", "value": img.B64},
		}},
		{"inputs": map[string]interface{}{
			"image": map[string]interface{}{"type": "base64", "value": img.B64},
		}},
	}

	// The last non-OK JSON body usually carries richer diagnostics than
	// the original multipart failure.
	last := multipartResult
	var lastErr error
	for i, body := range bodies {
		res, err := f.postJSON(ctx, target, body)
		if err != nil {
			lastErr = err
			log.Warnf("Detect JSON shape %d failed to send: %v", i+1, err)
			continue
		}
		if res.OK {
			return res, nil
		}
		last = res
	}
	if last == nil {
		return nil, fmt.Errorf("all detect request shapes failed: %w", lastErr)
	}
	return last, nil
}

func (f *Forwarder) postJSON(ctx context.Context, target string, body map[string]interface{}) (*Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return f.do(req)
}

func (f *Forwarder) postMultipart(ctx context.Context, target string, decoded []byte, mime string) (*Result, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="frame"`)
	header.Set("Content-Type", mime)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(decoded); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return f.do(req)
}

func (f *Forwarder) getWithQuery(ctx context.Context, target string, img ImageInput) (*Result, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("image", img.B64)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	res, err := f.do(req)
	if err != nil {
		return nil, fmt.Errorf("GET fallback failed: %w", err)
	}
	return res, nil
}

func (f *Forwarder) do(req *http.Request) (*Result, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	return &Result{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
		Body:   body,
	}, nil
}
