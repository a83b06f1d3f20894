// Package relay exposes the HTTP chat endpoint that bridges clients to
// upstream providers over server-sent events.
package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/luoran/chatd/internal/provider"
	"github.com/luoran/chatd/internal/transport"
)

const (
	maxRequestBodySize = 50 << 20
	defaultMaxTokens   = 800
)

// Config carries the handler's tunables. Getenv may be overridden in
// tests; nil means os.Getenv.
type Config struct {
	DefaultProvider string
	MaxTokens       int
	Getenv          func(string) string
	Logger          *slog.Logger
}

// Handler serves the chat relay API.
type Handler struct {
	defaultProvider string
	maxTokens       int
	getenv          func(string) string
	logger          *slog.Logger
}

// New builds the relay handler with its routes mounted.
func New(cfg Config) http.Handler {
	h := &Handler{
		defaultProvider: cfg.DefaultProvider,
		maxTokens:       cfg.MaxTokens,
		getenv:          cfg.Getenv,
		logger:          cfg.Logger,
	}
	if h.defaultProvider == "" {
		h.defaultProvider = provider.Mock
	}
	if h.maxTokens <= 0 {
		h.maxTokens = defaultMaxTokens
	}
	if h.getenv == nil {
		h.getenv = os.Getenv
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", h.handleHealth)
	r.Post("/api/chat", h.handleChat)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req transport.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" && len(req.Messages) == 0 && len(req.Images) == 0 {
		writeError(w, http.StatusBadRequest, "prompt, messages or images required")
		return
	}

	name := req.Provider
	if name == "" {
		name = h.defaultProvider
	}
	p, err := provider.Resolve(name, h.getenv)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	model := p.ModelFor(req.Model, len(req.Images) > 0)
	reqID := uuid.NewString()
	h.logger.Info("chat request",
		"id", reqID,
		"provider", p.Name,
		"model", model,
		"images", len(req.Images))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if p.IsMock() {
		h.streamMock(w, flusher, req.Prompt)
		return
	}

	messages, err := buildMessages(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = h.maxTokens
	}

	ds, err := NewUpstreamClient(p.APIKey, p.BaseURL).StreamChat(r.Context(), model, messages, maxTokens)
	if err != nil {
		h.logger.Error("upstream dispatch failed", "id", reqID, "error", err)
		writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer ds.Close()

	sseHeaders(w)
	for {
		delta, err := ds.Recv()
		if err == io.EOF {
			writeDone(w, flusher)
			return
		}
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			h.logger.Error("upstream stream failed", "id", reqID, "error", err)
			writeEvent(w, flusher, transport.Event{Error: err.Error()})
			writeDone(w, flusher)
			return
		}
		writeEvent(w, flusher, transport.Event{Content: delta})
	}
}

// streamMock echoes the prompt back one character at a time.
func (h *Handler) streamMock(w http.ResponseWriter, flusher http.Flusher, prompt string) {
	sseHeaders(w)
	for _, r := range prompt {
		writeEvent(w, flusher, transport.Event{Content: string(r)})
	}
	writeDone(w, flusher)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type imagePart struct {
	Type     string   `json:"type"`
	ImageURL imageURL `json:"image_url"`
}

type imageURL struct {
	URL string `json:"url"`
}

// buildMessages produces the OpenAI-style messages array. A client-supplied
// messages array passes through untouched; otherwise a single user message
// is composed from the prompt and any attached images.
func buildMessages(req transport.ChatRequest) (json.RawMessage, error) {
	if len(req.Messages) > 0 {
		return req.Messages, nil
	}

	var content any
	if len(req.Images) == 0 {
		content = req.Prompt
	} else {
		parts := make([]any, 0, len(req.Images)+1)
		if req.Prompt != "" {
			parts = append(parts, textPart{Type: "text", Text: req.Prompt})
		}
		for _, img := range req.Images {
			parts = append(parts, imagePart{
				Type:     "image_url",
				ImageURL: imageURL{URL: img.DataURI},
			})
		}
		content = parts
	}

	messages, err := json.Marshal([]chatMessage{{Role: "user", Content: content}})
	if err != nil {
		return nil, fmt.Errorf("marshaling messages: %w", err)
	}
	return messages, nil
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev transport.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

func writeDone(w http.ResponseWriter, flusher http.Flusher) {
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
