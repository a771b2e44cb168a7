package roboflow

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// genericFailureMessage is the floor when nothing extractable remains.
const genericFailureMessage = "Inference request failed"

// Fixed translations for a few upstream phrases that are too terse to show
// an operator as-is.
var messageTranslations = map[string]string{
	"not found":             "Model or workflow not found; check the model id and version",
	"unauthorized":          "Upstream rejected the API key",
	"forbidden":             "Upstream rejected the API key",
	"internal server error": "Upstream inference service had an internal error",
}

// ExtractUpstreamMessage digs a human-readable message out of a structured
// upstream error body. Different deployments use different envelopes, so
// several known shapes are probed in order before giving up.
func ExtractUpstreamMessage(body []byte) string {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return genericFailureMessage
	}

	if msg := fromValidationDetail(payload); msg != "" {
		return translate(msg)
	}
	if errObj, ok := payload["error"].(map[string]interface{}); ok {
		if msg, ok := errObj["message"].(string); ok && msg != "" {
			return translate(msg)
		}
	}
	if errs, ok := payload["errors"].([]interface{}); ok && len(errs) > 0 {
		if msg, ok := errs[0].(string); ok && msg != "" {
			return translate(msg)
		}
	}
	if msg, ok := payload["error"].(string); ok && msg != "" {
		return translate(msg)
	}
	if msg, ok := payload["message"].(string); ok && msg != "" {
		return translate(msg)
	}
	return genericFailureMessage
}

// fromValidationDetail handles the FastAPI-style detail[].msg + loc shape.
func fromValidationDetail(payload map[string]interface{}) string {
	detail, ok := payload["detail"].([]interface{})
	if !ok || len(detail) == 0 {
		return ""
	}
	entry, ok := detail[0].(map[string]interface{})
	if !ok {
		return ""
	}
	msg, _ := entry["msg"].(string)
	if msg == "" {
		return ""
	}
	if loc, ok := entry["loc"].([]interface{}); ok && len(loc) > 0 {
		parts := make([]string, 0, len(loc))
		for _, p := range loc {
			parts = append(parts, fmt.Sprintf("%v", p))
		}
		return fmt.Sprintf("%s (at %s)", msg, strings.Join(parts, "."))
	}
	return msg
}

func translate(msg string) string {
	if t, ok := messageTranslations[strings.ToLower(strings.TrimSpace(msg))]; ok {
		return t
	}
	return msg
}

// RedactURL strips the API key from a URL destined for logs.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get("api_key") != "" {
		q.Set("api_key", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// TruncateBody bounds an upstream body echoed into an error payload.
func TruncateBody(body []byte, max int) string {
	s := string(body)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
