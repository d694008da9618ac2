// Package portal is the default automation backend: an HTTP session that
// fetches a purchase order's attachment list and streams the files into
// the worker's profile directory. A browser-driver backend can replace it
// behind the same automation interfaces.
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"podownloader/internal/automation"
)

// Backend creates portal sessions against one portal account.
type Backend struct {
	baseURL  string
	username string
	password string
}

// NewBackend creates a session factory for the given portal credentials.
func NewBackend(baseURL, username, password string) *Backend {
	return &Backend{baseURL: baseURL, username: username, password: password}
}

// CreateSession opens a portal session rooted at profilePath. Each session
// keeps its downloads inside its own profile, preserving worker isolation.
func (b *Backend) CreateSession(ctx context.Context, profilePath string) (automation.Session, error) {
	downloadDir := filepath.Join(profilePath, "downloads")
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	return &Session{
		client:      NewClient(b.baseURL, b.username, b.password),
		downloadDir: downloadDir,
	}, nil
}

// Attachment describes one downloadable file on a purchase order.
type Attachment struct {
	ID       string `json:"id"`
	FileName string `json:"fileName"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
}

// Session is one isolated portal session. It implements automation.Session.
type Session struct {
	client      *Client
	downloadDir string
}

// ListAttachments fetches the attachment list for a purchase order.
func (s *Session) ListAttachments(ctx context.Context, poNumber string) ([]Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("api/purchase-orders/%s/attachments", poNumber)
	resp, err := s.client.Get(endpoint, map[string]string{"paging": "false"})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attachments for PO %s: %w", poNumber, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("attachment list for PO %s failed: HTTP %d: %s", poNumber, resp.StatusCode(), resp.String())
	}

	var result struct {
		Attachments []Attachment `json:"attachments"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("failed to parse attachment list for PO %s: %w", poNumber, err)
	}
	return result.Attachments, nil
}

// DownloadAttachment streams one attachment into the session's download
// directory under the PO number and returns the file path.
func (s *Session) DownloadAttachment(ctx context.Context, poNumber string, att Attachment) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	poDir := filepath.Join(s.downloadDir, poNumber)
	if err := os.MkdirAll(poDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create PO directory: %w", err)
	}

	outputPath := filepath.Join(poDir, att.FileName)
	endpoint := att.URL
	if endpoint == "" {
		endpoint = fmt.Sprintf("api/purchase-orders/%s/attachments/%s", poNumber, att.ID)
	}

	resp, err := s.client.Download(endpoint, outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to download %s for PO %s: %w", att.FileName, poNumber, err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("download of %s for PO %s failed: HTTP %d", att.FileName, poNumber, resp.StatusCode())
	}

	return outputPath, nil
}

// SupplierName resolves the supplier for a purchase order, cached.
func (s *Session) SupplierName(poNumber string) string {
	return s.client.GetSupplierName(poNumber)
}

// Close releases the session. The HTTP client holds no persistent
// connection state beyond keep-alives, so this never fails.
func (s *Session) Close() error {
	return nil
}
