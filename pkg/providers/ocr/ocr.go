// Package ocr recovers text from scanned documents. The pipeline tries the
// primary engine once and the fallback once; if both fail the document is a
// parse failure.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/legalflow/legalflow/pkg/extract"
)

// Engine turns scanned document bytes into text.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, data []byte) (*extract.NormalizedDoc, error)
}

// HTTPConfig configures an HTTP OCR engine.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTPEngine calls an OCR service over HTTP.
type HTTPEngine struct {
	name       string
	cfg        HTTPConfig
	httpClient *http.Client
}

// NewHTTPEngine creates an OCR engine client.
func NewHTTPEngine(name string, cfg HTTPConfig) *HTTPEngine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &HTTPEngine{
		name:       name,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (e *HTTPEngine) Name() string { return e.name }

func (e *HTTPEngine) Recognize(ctx context.Context, data []byte) (*extract.NormalizedDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/v1/ocr", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if e.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.Token)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocr service unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ocr response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ocr service error %d: %s", resp.StatusCode, body)
	}

	var result struct {
		Text  string `json:"text"`
		Pages int    `json:"pages"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse ocr response: %w", err)
	}
	if result.Text == "" {
		return nil, errors.New("ocr produced no text")
	}

	return &extract.NormalizedDoc{
		PlainText:  result.Text,
		Pages:      result.Pages,
		OCRApplied: true,
		Metadata:   map[string]string{"ocr_engine": e.name},
	}, nil
}

// Chain tries the primary engine, then the fallback. Each engine gets one
// shot; OCR is too slow to retry blindly.
type Chain struct {
	Primary  Engine
	Fallback Engine
}

// Recognize runs the chain. The fallback's error is returned when both fail.
func (c *Chain) Recognize(ctx context.Context, data []byte) (*extract.NormalizedDoc, error) {
	if c.Primary == nil {
		return nil, errors.New("no ocr engine configured")
	}

	doc, primaryErr := c.Primary.Recognize(ctx, data)
	if primaryErr == nil {
		return doc, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if c.Fallback == nil {
		return nil, primaryErr
	}
	doc, fallbackErr := c.Fallback.Recognize(ctx, data)
	if fallbackErr == nil {
		return doc, nil
	}
	return nil, fmt.Errorf("primary: %v; fallback: %w", primaryErr, fallbackErr)
}

// Available reports whether any engine is configured.
func (c *Chain) Available() bool {
	return c != nil && c.Primary != nil
}
