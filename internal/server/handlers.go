package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Veraticus/esg-flow/internal/common"
	"github.com/Veraticus/esg-flow/internal/llm"
	"github.com/Veraticus/esg-flow/internal/model"
	"github.com/Veraticus/esg-flow/internal/search"
)

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 1 << 20

type completeRequest struct {
	Temperature  *float64 `json:"temperature"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"systemPrompt"`
	Prompt       string   `json:"prompt"`
	MaxTokens    int      `json:"maxTokens"`
	JSON         bool     `json:"json"`
}

type completeResponse struct {
	Data             any         `json:"data,omitempty"`
	Content          string      `json:"content,omitempty"`
	Provider         string      `json:"provider,omitempty"`
	Model            string      `json:"model,omitempty"`
	RequestID        string      `json:"requestId"`
	Usage            model.Usage `json:"usage"`
	Attempts         int         `json:"attempts"`
	ProcessingTimeMs int64       `json:"processingTimeMs"`
	Cached           bool        `json:"cached"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	start := s.started(r)

	var body completeRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err, start)
		return
	}

	prompt := common.SanitizeText(body.Prompt, common.DefaultMaxTextLength)
	if prompt == "" {
		s.writeError(w, r, common.NewValidationError("prompt is required", nil), start)
		return
	}
	if t := body.Temperature; t != nil && (*t < 0 || *t > 2) {
		s.writeError(w, r, common.NewValidationError("temperature must be between 0 and 2", map[string]any{"temperature": *t}), start)
		return
	}

	req := llm.Request{
		Model:        body.Model,
		SystemPrompt: common.SanitizeText(body.SystemPrompt, common.DefaultMaxTextLength),
		Prompt:       prompt,
		Temperature:  body.Temperature,
		MaxTokens:    body.MaxTokens,
	}
	if body.Provider != "" {
		p, err := llm.ParseProvider(body.Provider)
		if err != nil {
			s.writeError(w, r, common.NewValidationError(err.Error(), map[string]any{"provider": body.Provider}), start)
			return
		}
		req.Provider = p
	}

	if body.JSON {
		data, err := bounded(r.Context(), s, "Request timed out", func(ctx context.Context) (any, error) {
			return llm.CallJSON[any](ctx, s.deps.Caller, req)
		})
		if err != nil {
			s.writeError(w, r, err, start)
			return
		}
		s.writeJSON(w, r, http.StatusOK, completeResponse{
			Data:             data,
			Provider:         string(req.Provider),
			RequestID:        RequestIDFrom(r.Context()),
			ProcessingTimeMs: s.now().Sub(start).Milliseconds(),
		}, start)
		return
	}

	res, err := bounded(r.Context(), s, "Request timed out", func(ctx context.Context) (llm.Result, error) {
		return s.deps.Caller.Call(ctx, req)
	})
	if err != nil {
		s.writeError(w, r, err, start)
		return
	}

	s.writeJSON(w, r, http.StatusOK, completeResponse{
		Content:          res.Content,
		Provider:         string(res.Provider),
		Model:            res.Model,
		RequestID:        RequestIDFrom(r.Context()),
		Usage:            res.Usage,
		Attempts:         res.Attempts,
		ProcessingTimeMs: s.now().Sub(start).Milliseconds(),
		Cached:           res.Cached,
	}, start)
}

type searchRequest struct {
	Company string   `json:"company"`
	Preset  string   `json:"preset"`
	Queries []string `json:"queries"`
}

type searchResponse struct {
	Company   string                `json:"company"`
	Formatted string                `json:"formatted"`
	RequestID string                `json:"requestId"`
	Results   []model.SearchResults `json:"results"`
}

// Search presets.
const (
	PresetTrackRecord  = "track_record"
	PresetESGPractices = "esg_practices"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	start := s.started(r)

	if s.deps.Search == nil {
		s.writeError(w, r, common.NewNotFoundError("Web search is disabled"), start)
		return
	}

	var body searchRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err, start)
		return
	}

	company := common.SanitizeText(body.Company, 200)
	if company == "" {
		s.writeError(w, r, common.NewValidationError("company is required", nil), start)
		return
	}

	var queries []string
	switch body.Preset {
	case PresetTrackRecord:
		queries = search.TrackRecordQueries
	case PresetESGPractices:
		queries = search.ESGPracticeQueries
	case "":
		for _, q := range body.Queries {
			if q = common.SanitizeText(q, 500); q != "" {
				queries = append(queries, q)
			}
		}
	default:
		s.writeError(w, r, common.NewValidationError(fmt.Sprintf("unknown preset %q", body.Preset), map[string]any{
			"allowed": []string{PresetTrackRecord, PresetESGPractices},
		}), start)
		return
	}
	if len(queries) == 0 {
		s.writeError(w, r, common.NewValidationError("queries or preset is required", nil), start)
		return
	}

	results, err := bounded(r.Context(), s, "Search timed out", func(ctx context.Context) ([]model.SearchResults, error) {
		return search.Ordered(s.deps.Search.SearchCompanyInfo(ctx, company, queries), queries), nil
	})
	if err != nil {
		s.writeError(w, r, err, start)
		return
	}

	s.writeJSON(w, r, http.StatusOK, searchResponse{
		Company:   company,
		Results:   results,
		Formatted: search.FormatResultsForPrompt(results),
		RequestID: RequestIDFrom(r.Context()),
	}, start)
}

type extractResponse struct {
	Text             string             `json:"text"`
	FileName         string             `json:"fileName"`
	Kind             model.DocumentKind `json:"kind"`
	RequestID        string             `json:"requestId"`
	ProcessingTimeMs int64              `json:"processingTimeMs"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	start := s.started(r)

	if s.deps.Documents == nil {
		s.writeError(w, r, common.NewNotFoundError("Document extraction is disabled"), start)
		return
	}

	maxSize := s.deps.Documents.MaxFileSize()
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			verr := common.NewValidationError(fmt.Sprintf("File exceeds maximum allowed size of %gMB. Please upload a smaller file.",
				float64(maxSize)/1024/1024), map[string]any{"maxSize": maxSize})
			verr.Status = http.StatusRequestEntityTooLarge
			s.writeError(w, r, verr, start)
			return
		}
		s.writeError(w, r, common.NewValidationError("No file provided in request", nil), start)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		s.writeError(w, r, common.NewFileProcessingError("Failed to read uploaded file", err, nil), start)
		return
	}

	extracted, err := bounded(r.Context(), s, "File processing timed out", func(ctx context.Context) (model.ExtractedText, error) {
		return s.deps.Documents.Extract(ctx, header.Filename, data)
	})
	if err != nil {
		s.writeError(w, r, err, start)
		return
	}

	s.writeJSON(w, r, http.StatusOK, extractResponse{
		Text:             extracted.Text,
		FileName:         extracted.FileName,
		Kind:             extracted.Kind,
		RequestID:        RequestIDFrom(r.Context()),
		ProcessingTimeMs: s.now().Sub(start).Milliseconds(),
	}, start)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return common.NewValidationError("Invalid JSON request body", map[string]any{"error": strings.TrimSpace(err.Error())})
	}
	return nil
}
