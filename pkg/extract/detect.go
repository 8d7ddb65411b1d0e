package extract

import (
	"bytes"
	"unicode/utf8"
)

// DocType is a document format detected from content.
type DocType string

const (
	TypePDF     DocType = "pdf"
	TypeDOCX    DocType = "docx"
	TypeEML     DocType = "eml"
	TypeImage   DocType = "image"
	TypeText    DocType = "text"
	TypeUnknown DocType = "unknown"
)

var (
	magicPDF  = []byte("%PDF")
	magicZIP  = []byte("PK\x03\x04")
	magicPNG  = []byte("\x89PNG\r\n\x1a\n")
	magicJPEG = []byte("\xff\xd8\xff")
	magicTIFF = [][]byte{[]byte("II*\x00"), []byte("MM\x00*")}

	emlHeaders = [][]byte{
		[]byte("From:"), []byte("To:"), []byte("Subject:"),
		[]byte("Received:"), []byte("Return-Path:"), []byte("Date:"),
		[]byte("MIME-Version:"),
	}
)

// DetectType sniffs the document format from its leading bytes. Extensions
// are ignored: a .txt file holding PDF bytes is a PDF.
func DetectType(data []byte) DocType {
	if len(data) == 0 {
		return TypeUnknown
	}
	switch {
	case bytes.HasPrefix(data, magicPDF):
		return TypePDF
	case bytes.HasPrefix(data, magicZIP):
		// OOXML containers start as plain zip; word/ entries appear within
		// the first central-directory block, so a prefix scan is enough.
		if bytes.Contains(head(data, 4096), []byte("word/")) {
			return TypeDOCX
		}
		return TypeUnknown
	case bytes.HasPrefix(data, magicPNG), bytes.HasPrefix(data, magicJPEG):
		return TypeImage
	}
	for _, m := range magicTIFF {
		if bytes.HasPrefix(data, m) {
			return TypeImage
		}
	}
	if looksLikeEmail(data) {
		return TypeEML
	}
	if utf8.Valid(head(data, 1024)) && !bytes.Contains(head(data, 1024), []byte{0}) {
		return TypeText
	}
	return TypeUnknown
}

func looksLikeEmail(data []byte) bool {
	hits := 0
	for _, line := range bytes.Split(head(data, 2048), []byte("\n")) {
		for _, h := range emlHeaders {
			if bytes.HasPrefix(line, h) {
				hits++
				break
			}
		}
	}
	return hits >= 2
}

func head(data []byte, n int) []byte {
	if len(data) < n {
		return data
	}
	return data[:n]
}
