package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"fieldops.org/internal/attendance"
)

// HTTPMatcher asks a remote face-matching service to compare an uploaded
// capture with the subject's enrolled reference.
type HTTPMatcher struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ attendance.IdentityVerifier = (*HTTPMatcher)(nil)

// NewHTTPMatcher builds a matcher client. Deadlines come from the caller's context.
func NewHTTPMatcher(baseURL, token string) *HTTPMatcher {
	return &HTTPMatcher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

type matchRequest struct {
	ImageURL     string `json:"image_url"`
	SubjectEmail string `json:"subject_email"`
}

// matchResponse accepts either a 0-1 similarity or a 0-100 confidence.
type matchResponse struct {
	Similarity *float64 `json:"similarity"`
	Confidence *float64 `json:"confidence"`
}

// Verify returns a confidence in [0,100].
func (m *HTTPMatcher) Verify(ctx context.Context, req attendance.VerifyRequest) (float64, error) {
	var out matchResponse
	if err := m.doJSON(ctx, http.MethodPost, "/match", matchRequest{
		ImageURL:     req.ImageRef,
		SubjectEmail: req.SubjectEmail,
	}, &out); err != nil {
		return 0, fmt.Errorf("face match: %w", err)
	}
	switch {
	case out.Confidence != nil:
		return *out.Confidence, nil
	case out.Similarity != nil:
		return *out.Similarity * 100, nil
	}
	return 0, errors.New("face match: response carries no score")
}

func (m *HTTPMatcher) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("api error %d: %s", resp.StatusCode, string(respBody))
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
