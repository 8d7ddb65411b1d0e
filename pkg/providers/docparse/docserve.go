package docparse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/legalflow/legalflow/pkg/extract"
)

// ServiceConfig configures the external document parsing service.
type ServiceConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// ServiceParser sends PDF and DOCX bytes to the parsing service and reads
// back markdown plus plain text. The service reports needs_ocr when the
// document has no text layer.
type ServiceParser struct {
	cfg        ServiceConfig
	httpClient *http.Client
}

type parseResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Markdown  string `json:"markdown"`
		PlainText string `json:"plain_text"`
		Pages     int    `json:"pages"`
		NeedsOCR  bool   `json:"needs_ocr"`
	} `json:"data"`
}

// NewServiceParser creates a client for the parsing service.
func NewServiceParser(cfg ServiceConfig) *ServiceParser {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &ServiceParser{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *ServiceParser) Name() string { return "docserve" }

func (p *ServiceParser) SupportsType(t extract.DocType) bool {
	return t == extract.TypePDF || t == extract.TypeDOCX
}

func (p *ServiceParser) Parse(ctx context.Context, data []byte, hints extract.ParseHints) (*extract.NormalizedDoc, error) {
	url := fmt.Sprintf("%s/v1/parse?type=%s", p.cfg.BaseURL, hints.DetectedType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, extract.MarkTransient(fmt.Errorf("parse service unreachable: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, extract.MarkTransient(fmt.Errorf("failed to read parse response: %w", err))
	}

	if resp.StatusCode >= 500 {
		return nil, extract.MarkTransient(fmt.Errorf("parse service error %d: %s", resp.StatusCode, body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("parse service rejected document: %d: %s", resp.StatusCode, body)
	}

	var result parseResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse service response: %w", err)
	}
	if result.Code != 0 {
		return nil, fmt.Errorf("parse service error: %s", result.Msg)
	}

	if result.Data.NeedsOCR {
		return nil, extract.ErrNotExtractable
	}

	return &extract.NormalizedDoc{
		Markdown:  result.Data.Markdown,
		PlainText: result.Data.PlainText,
		Pages:     result.Data.Pages,
		Metadata:  map[string]string{"parser": p.Name()},
	}, nil
}
