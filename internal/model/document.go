package model

import "time"

// DocumentKind is the detected format of an uploaded document.
type DocumentKind string

// Supported document kinds.
const (
	DocumentPDF      DocumentKind = "pdf"
	DocumentText     DocumentKind = "txt"
	DocumentMarkdown DocumentKind = "md"
)

// ExtractedText is the output of document extraction.
type ExtractedText struct {
	FileName  string        `json:"fileName"`
	Kind      DocumentKind  `json:"kind"`
	Text      string        `json:"text"`
	SizeBytes int           `json:"sizeBytes"`
	Duration  time.Duration `json:"duration"`
}
