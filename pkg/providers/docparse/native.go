// Package docparse turns raw document bytes into normalized text. The
// native parser handles formats Go can read directly; heavier formats go
// through the external parsing service.
package docparse

import (
	"context"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"github.com/legalflow/legalflow/pkg/extract"
)

// NativeParser handles plain text and RFC 822 email in-process. Image
// documents have no text layer and are reported as not extractable so the
// pipeline falls through to OCR.
type NativeParser struct{}

// NewNativeParser creates the in-process parser.
func NewNativeParser() *NativeParser { return &NativeParser{} }

func (p *NativeParser) Name() string { return "native" }

func (p *NativeParser) SupportsType(t extract.DocType) bool {
	switch t {
	case extract.TypeText, extract.TypeEML, extract.TypeImage:
		return true
	}
	return false
}

func (p *NativeParser) Parse(ctx context.Context, data []byte, hints extract.ParseHints) (*extract.NormalizedDoc, error) {
	switch hints.DetectedType {
	case extract.TypeText:
		text := string(data)
		return &extract.NormalizedDoc{
			PlainText: text,
			Pages:     1,
			Metadata:  map[string]string{"parser": p.Name()},
		}, nil

	case extract.TypeEML:
		return parseEmail(data)

	case extract.TypeImage:
		return nil, extract.ErrNotExtractable
	}
	return nil, fmt.Errorf("native parser cannot handle type %q", hints.DetectedType)
}

func parseEmail(data []byte) (*extract.NormalizedDoc, error) {
	msg, err := mail.ReadMessage(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse email: %w", err)
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read email body: %w", err)
	}

	var sb strings.Builder
	for _, h := range []string{"Date", "From", "To", "Subject"} {
		if v := msg.Header.Get(h); v != "" {
			fmt.Fprintf(&sb, "%s: %s\n", h, v)
		}
	}
	sb.WriteString("\n")
	sb.Write(body)

	meta := map[string]string{"parser": "native"}
	if subj := msg.Header.Get("Subject"); subj != "" {
		meta["subject"] = subj
	}
	return &extract.NormalizedDoc{
		PlainText: sb.String(),
		Pages:     1,
		Metadata:  meta,
	}, nil
}
