// Package upload stores raw check-in captures and hands back a reference the
// identity verifier can fetch.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"fieldops.org/internal/attendance"
	"fieldops.org/internal/ids"
)

// HTTPUploader posts captures to a file service as multipart form data.
type HTTPUploader struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

var _ attendance.Uploader = (*HTTPUploader)(nil)

func NewHTTPUploader(endpoint, token string) *HTTPUploader {
	return &HTTPUploader{endpoint: endpoint, token: token, httpClient: &http.Client{}}
}

type uploadResponse struct {
	FileURL string `json:"file_url"`
}

func (u *HTTPUploader) Upload(ctx context.Context, img attendance.Image) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName(img)))
	h.Set("Content-Type", contentType(img))
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("create part: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return "", fmt.Errorf("write part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("upload error %d: %s", resp.StatusCode, string(body))
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(out.FileURL) == "" {
		return "", errors.New("upload response carries no file_url")
	}
	return out.FileURL, nil
}

// DirUploader writes captures into a local directory served under baseURL.
type DirUploader struct {
	dir     string
	baseURL string
}

var _ attendance.Uploader = (*DirUploader)(nil)

// NewDirUploader creates dir if needed.
func NewDirUploader(dir, baseURL string) (*DirUploader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &DirUploader{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (d *DirUploader) Upload(ctx context.Context, img attendance.Image) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := ids.New() + extension(img)
	if err := os.WriteFile(filepath.Join(d.dir, name), img.Data, 0o644); err != nil {
		return "", fmt.Errorf("write capture: %w", err)
	}
	if d.baseURL == "" {
		return name, nil
	}
	ref, err := url.JoinPath(d.baseURL, name)
	if err != nil {
		return "", fmt.Errorf("join url: %w", err)
	}
	return ref, nil
}

// Dir is the directory captures are written to.
func (d *DirUploader) Dir() string { return d.dir }

func fileName(img attendance.Image) string {
	if name := filepath.Base(strings.TrimSpace(img.Filename)); name != "" && name != "." && name != "/" {
		return name
	}
	return "capture" + extension(img)
}

func contentType(img attendance.Image) string {
	if img.ContentType != "" {
		return img.ContentType
	}
	if ct := http.DetectContentType(img.Data); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func extension(img attendance.Image) string {
	if ext := strings.ToLower(filepath.Ext(img.Filename)); ext != "" && len(ext) <= 5 {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(contentType(img)); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
