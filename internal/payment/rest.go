package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/noah-isme/paygate/internal/resilience"
)

const maxErrorBody = 512

// restClient issues JSON calls against a provider REST API.
type restClient struct {
	provider string
	baseURL  string
	http     resilience.HTTPClient
	// authorize decorates every outgoing request with credentials.
	authorize func(*http.Request)
}

func (c restClient) call(ctx context.Context, op, method, path string, headers map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("payment: encode %s request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("payment: build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.authorize != nil {
		c.authorize(req)
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		status := 0
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		return apiError(c.provider, op, status, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return apiError(c.provider, op, resp.StatusCode, errors.New(errorMessage(snippet, resp.Status)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apiError(c.provider, op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// errorMessage extracts a short message from a provider error body.
func errorMessage(body []byte, fallback string) string {
	var payload struct {
		Message          string `json:"message"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Name             string `json:"name"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, candidate := range []string{payload.Message, payload.ErrorDescription, payload.Error, payload.Name} {
			if strings.TrimSpace(candidate) != "" {
				return candidate
			}
		}
	}
	return fallback
}
