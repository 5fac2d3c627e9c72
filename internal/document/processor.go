// Package document turns uploaded files into plain text. PDFs go through a
// vision-capable model under a deadline; text formats are decoded directly.
package document

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Veraticus/esg-flow/internal/common"
	"github.com/Veraticus/esg-flow/internal/model"
	"github.com/Veraticus/esg-flow/internal/service"
)

// Extraction defaults.
const (
	DefaultTimeout       = 240 * time.Second
	DefaultMaxFileSize   = int64(4.5 * 1024 * 1024)
	DefaultMaxConcurrent = 2
)

// Config bounds extraction.
type Config struct {
	Timeout       time.Duration
	MaxFileSize   int64
	MaxConcurrent int64
}

// DefaultConfig returns a 240s PDF deadline, a 4.5MB size cap and two
// concurrent PDF extractions.
func DefaultConfig() Config {
	return Config{Timeout: DefaultTimeout, MaxFileSize: DefaultMaxFileSize, MaxConcurrent: DefaultMaxConcurrent}
}

// Processor validates uploads and extracts their text.
type Processor struct {
	pdf      Extractor
	sem      *semaphore.Weighted
	observer service.Observer
	now      func() time.Time
	cfg      Config
}

// NewProcessor creates a Processor. A nil pdf extractor makes PDF uploads
// fail with an authentication hint while text formats keep working.
func NewProcessor(pdf Extractor, cfg Config, observer service.Observer) *Processor {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if observer == nil {
		observer = service.NopObserver{}
	}
	return &Processor{
		pdf:      pdf,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		observer: service.SafeObserver{Next: observer},
		now:      time.Now,
		cfg:      cfg,
	}
}

// MaxFileSize returns the upload size cap in bytes.
func (p *Processor) MaxFileSize() int64 {
	return p.cfg.MaxFileSize
}

// KindOf detects the document kind from a file name.
func KindOf(name string) (model.DocumentKind, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return model.DocumentPDF, true
	case ".txt":
		return model.DocumentText, true
	case ".md", ".markdown":
		return model.DocumentMarkdown, true
	default:
		return "", false
	}
}

// Extract validates the upload and returns its text. Validation failures
// are *common.AppError with CodeValidation; extraction failures use
// CodeFileProcessing, and a PDF deadline is a *common.TimeoutError.
func (p *Processor) Extract(ctx context.Context, name string, data []byte) (model.ExtractedText, error) {
	start := p.now()
	fileName := common.SanitizeFileName(name)

	if len(data) == 0 {
		return model.ExtractedText{}, common.NewValidationError("No file provided in request", map[string]any{"fileName": fileName})
	}
	if size := int64(len(data)); size > p.cfg.MaxFileSize {
		err := common.NewValidationError(fmt.Sprintf(
			"File size (%.2fMB) exceeds maximum allowed size of %gMB. Please upload a smaller file.",
			float64(size)/1024/1024, float64(p.cfg.MaxFileSize)/1024/1024,
		), map[string]any{"fileName": fileName, "fileSize": size, "maxSize": p.cfg.MaxFileSize})
		err.Status = http.StatusRequestEntityTooLarge
		return model.ExtractedText{}, err
	}

	kind, ok := KindOf(fileName)
	if !ok {
		return model.ExtractedText{}, common.NewValidationError(
			fmt.Sprintf("Unsupported file type: %q. Please upload PDF, text (.txt), or Markdown (.md) files.", filepath.Ext(fileName)),
			map[string]any{"fileName": fileName},
		)
	}

	p.logEvent(slog.LevelInfo, "Starting text extraction", fileName, map[string]any{"size": len(data), "kind": kind})

	var (
		text string
		err  error
	)
	switch kind {
	case model.DocumentPDF:
		text, err = p.extractPDF(ctx, fileName, data)
	default:
		text, err = p.decodeText(fileName, data)
	}

	elapsed := p.now().Sub(start)
	p.observer.RecordMetric(service.MetricEvent{
		Type:      service.EventFileProcessing,
		Duration:  elapsed,
		ErrorCode: errorCode(err),
		Metadata: map[string]any{
			"fileName":   fileName,
			"kind":       string(kind),
			"size":       len(data),
			"success":    err == nil,
			"textLength": len(text),
		},
	})

	if err != nil {
		p.logEvent(slog.LevelError, "Text extraction failed", fileName, map[string]any{
			"extractionTime": elapsed.Milliseconds(),
			"error":          err.Error(),
		})
		return model.ExtractedText{}, err
	}

	p.logEvent(slog.LevelInfo, "Text extraction successful", fileName, map[string]any{
		"textLength":     len(text),
		"extractionTime": elapsed.Milliseconds(),
	})
	return model.ExtractedText{
		FileName:  fileName,
		Kind:      kind,
		Text:      text,
		SizeBytes: len(data),
		Duration:  elapsed,
	}, nil
}

func (p *Processor) decodeText(fileName string, data []byte) (string, error) {
	text := strings.ToValidUTF8(string(data), "�")
	if strings.TrimSpace(text) == "" {
		return "", common.NewFileProcessingError("Text file is empty", nil, map[string]any{"fileName": fileName})
	}
	return text, nil
}

func (p *Processor) extractPDF(ctx context.Context, fileName string, data []byte) (string, error) {
	if p.pdf == nil {
		return "", common.NewFileProcessingError(
			"Gemini API authentication failed. Please check your GEMINI_API_KEY environment variable.",
			common.ErrMissingAPIKey, map[string]any{"fileName": fileName})
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.sem.Release(1)

	text, err := common.WithTimeout(ctx, p.cfg.Timeout,
		fmt.Sprintf("Gemini API call timed out after %d seconds", int(p.cfg.Timeout.Seconds())),
		func(ctx context.Context) (string, error) {
			return p.pdf.ExtractPDF(ctx, fileName, data)
		})
	if err != nil {
		return "", explainPDFError(fileName, err, p.cfg.Timeout)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", common.NewFileProcessingError(
			"No text could be extracted from the file. The file may be empty, corrupted, or in an unsupported format.",
			nil, map[string]any{"fileName": fileName})
	}
	return text, nil
}

// explainPDFError turns a raw extraction failure into a message the
// uploader can act on.
func explainPDFError(fileName string, err error, timeout time.Duration) error {
	details := map[string]any{"fileName": fileName}

	if common.Classify(err) == common.KindTimeout {
		return common.NewTimeoutError(
			"PDF processing timed out. The file may be too large or complex. Please try a smaller file or split it into multiple files.",
			timeout)
	}

	msg := strings.ToLower(err.Error())
	containsAny := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}

	switch {
	case common.Classify(err) == common.KindAuthentication || containsAny("gemini_api_key", "api key", "authentication"):
		return common.NewFileProcessingError("Gemini API authentication failed. Please check your GEMINI_API_KEY environment variable.", err, details)
	case containsAny("invalid pdf", "corrupted", "malformed"):
		return common.NewFileProcessingError("The PDF file appears to be corrupted or invalid. Please try a different file.", err, details)
	case containsAny("encrypted", "password"):
		return common.NewFileProcessingError("The PDF file is encrypted or password-protected. Please remove the password and try again.", err, details)
	case containsAny("size", "too large"):
		return common.NewFileProcessingError("The PDF file is too large. Please try a smaller file or split it into multiple files.", err, details)
	case containsAny("timed out", "timeout"):
		return common.NewTimeoutError(
			"PDF processing timed out. The file may be too large or complex. Please try a smaller file or split it into multiple files.",
			timeout)
	default:
		return common.NewFileProcessingError(fmt.Sprintf(
			"Failed to extract text from PDF: %s. Please try converting the PDF to text format.", err.Error()), err, details)
	}
}

func errorCode(err error) string {
	if err == nil {
		return ""
	}
	return common.FormatErrorResponse(err, "").Code
}

func (p *Processor) logEvent(level slog.Level, msg, fileName string, fields map[string]any) {
	fields["component"] = "document"
	fields["fileName"] = fileName
	p.observer.LogEvent(level, msg, fields)
}
