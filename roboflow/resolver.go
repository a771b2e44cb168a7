package roboflow

import (
	"net/url"
	"strings"

	"github.com/apex/log"
)

// Variant tags which upstream request contract a resolved URL speaks.
type Variant string

const (
	// VariantWorkflow executes a named processing graph via JSON body;
	// the API key travels in the body, not the URL.
	VariantWorkflow Variant = "workflow"
	// VariantDetect calls a single model directly via multipart or
	// query-parameter image submission.
	VariantDetect Variant = "detect"
)

const (
	serverlessWorkflowHost = "serverless.roboflow.com"
	legacyDetectBase       = "https://detect.roboflow.com"
)

// ResolvedEndpoint is a concrete upstream target plus its protocol variant.
type ResolvedEndpoint struct {
	URL          string
	Variant      Variant
	ModelID      string
	ModelVersion string
}

// Resolver turns (model id, model version, optional operator override URL)
// into a concrete upstream URL. The upstream has at least two incompatible
// URL shapes and operators may point at self-hosted inference, so
// resolution never assumes a single shape.
type Resolver struct {
	// BaseEndpoint is the operator-configured override, possibly empty.
	BaseEndpoint string
}

// Resolve returns the endpoint to call, or nil when nothing resolvable
// remains. confidence/overlap are passed through as query parameters where
// the variant carries them in the URL.
func (r *Resolver) Resolve(apiKey, modelID, modelVersion, confidence, overlap string) *ResolvedEndpoint {
	base := strings.TrimSpace(r.BaseEndpoint)
	if base != "" {
		if u, err := url.Parse(base); err == nil && u.IsAbs() && u.Host != "" {
			if strings.HasSuffix(u.Host, serverlessWorkflowHost) {
				return resolveWorkflow(u, modelID, modelVersion)
			}
			return resolveCustomDetect(u, apiKey, modelID, modelVersion, confidence, overlap)
		}
		log.Warnf("Configured inference endpoint %q is not an absolute URL, falling back to legacy path", base)
	}
	return resolveLegacy(apiKey, modelID, modelVersion, confidence, overlap)
}

// resolveWorkflow normalizes a serverless workflow URL to the canonical
// /<workspace>/workflows/<workflow> path shape.
func resolveWorkflow(u *url.URL, modelID, modelVersion string) *ResolvedEndpoint {
	segments := splitPath(u.Path)
	if len(segments) == 2 && segments[1] != "workflows" {
		segments = []string{segments[0], "workflows", segments[1]}
	}
	u.Path = "/" + strings.Join(segments, "/")
	return &ResolvedEndpoint{
		URL:          u.String(),
		Variant:      VariantWorkflow,
		ModelID:      modelID,
		ModelVersion: modelVersion,
	}
}

// resolveCustomDetect keeps a self-hosted detect URL as-is, attaching
// credentials and tuning knobs only when not already present.
func resolveCustomDetect(u *url.URL, apiKey, modelID, modelVersion, confidence, overlap string) *ResolvedEndpoint {
	q := u.Query()
	setIfAbsent(q, "api_key", apiKey)
	setIfAbsent(q, "confidence", confidence)
	setIfAbsent(q, "overlap", overlap)
	u.RawQuery = q.Encode()
	return &ResolvedEndpoint{
		URL:          u.String(),
		Variant:      VariantDetect,
		ModelID:      modelID,
		ModelVersion: modelVersion,
	}
}

// resolveLegacy builds the classic detection path from the model identity.
func resolveLegacy(apiKey, modelID, modelVersion, confidence, overlap string) *ResolvedEndpoint {
	id := strings.TrimSpace(modelID)
	version := strings.TrimSpace(modelVersion)

	id = strings.TrimPrefix(id, "https://")
	id = strings.TrimPrefix(id, "http://")
	id = strings.TrimPrefix(id, "detect.roboflow.com")
	id = strings.Trim(id, "/")

	var segments []string
	for _, raw := range strings.Split(id, "/") {
		if raw == "" {
			continue
		}
		decoded, err := url.PathUnescape(raw)
		if err != nil {
			decoded = raw
		}
		segments = append(segments, decoded)
	}

	// A model id pasted with its version already attached would double
	// the trailing segment once we append the version ourselves.
	if len(segments) > 0 && version != "" && segments[len(segments)-1] == version {
		segments = segments[:len(segments)-1]
	}

	if len(segments) < 1 || version == "" {
		return nil
	}

	segments = append(segments, version)
	encoded := make([]string, len(segments))
	for i, s := range segments {
		encoded[i] = url.PathEscape(s)
	}

	q := url.Values{}
	q.Set("api_key", apiKey)
	if confidence != "" {
		q.Set("confidence", confidence)
	}
	if overlap != "" {
		q.Set("overlap", overlap)
	}

	return &ResolvedEndpoint{
		URL:          legacyDetectBase + "/" + strings.Join(encoded, "/") + "?" + q.Encode(),
		Variant:      VariantDetect,
		ModelID:      strings.Join(segments[:len(segments)-1], "/"),
		ModelVersion: version,
	}
}

func splitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func setIfAbsent(q url.Values, key, value string) {
	if value == "" {
		return
	}
	if q.Get(key) == "" {
		q.Set(key, value)
	}
}
