package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/notifyx/platform/internal/tracing"
)

// HTTPAdapter performs an outbound HTTP request. Config keys: url, method,
// headers, body, timeoutMs. A credential, when attached, becomes a bearer
// token.
type HTTPAdapter struct {
	client *http.Client
}

// NewHTTPAdapter creates the adapter. client may be nil for defaults.
func NewHTTPAdapter(client *http.Client) *HTTPAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPAdapter{client: client}
}

func (a *HTTPAdapter) Type() string { return "http" }

func (a *HTTPAdapter) Execute(ctx context.Context, ex *Execution) (map[string]interface{}, error) {
	url := ex.configString("url")
	if url == "" {
		return nil, fmt.Errorf("http: missing url")
	}
	method := strings.ToUpper(ex.configString("method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if raw := ex.configString("body"); raw != "" {
		body = strings.NewReader(raw)
	}

	if ms, ok := numberConfig(ex.Config["timeoutMs"]); ok && ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	if headers, ok := ex.Config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, ex.substitute(s))
			}
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if ex.Credential != nil && len(ex.Credential.Secret) > 0 {
		req.Header.Set("Authorization", "Bearer "+string(ex.Credential.Secret))
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("http read body: %w", err)
	}

	out := map[string]interface{}{
		"status": float64(resp.StatusCode),
		"body":   string(data),
	}
	var parsed interface{}
	if json.Unmarshal(data, &parsed) == nil {
		out["json"] = parsed
	}
	if resp.StatusCode >= 400 {
		return out, fmt.Errorf("http %s %s: status %d", method, url, resp.StatusCode)
	}
	return out, nil
}

// numberConfig reads a numeric config value regardless of JSON decoding
// producing float64 or Go code producing int.
func numberConfig(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
