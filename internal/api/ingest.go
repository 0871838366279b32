package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"sensorwatch/internal/metrics"
	"sensorwatch/internal/models"
)

// IngestTransport labels envelopes posted over HTTP.
const IngestTransport = "http"

// Validator resolves and validates a message before it is queued.
type Validator interface {
	Normalize(topic string, payload []byte) (models.Reading, error)
}

// IngestHandler accepts telemetry over HTTP for deployments without a
// message bus, or for replaying readings.
type IngestHandler struct {
	// Channel to push envelopes to the worker pool
	envelopeChan chan<- *models.Envelope

	validator   Validator
	maxBodySize int64
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	EnvelopeChan chan<- *models.Envelope
	Validator    Validator
	MaxBodySize  int64
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20 // 1MB default
	}

	return &IngestHandler{
		envelopeChan: cfg.EnvelopeChan,
		validator:    cfg.Validator,
		maxBodySize:  maxBodySize,
	}
}

// IngestRequest represents the incoming JSON body (single or batch)
type IngestRequest struct {
	// Single message (if Messages is empty)
	Message *MessageInput `json:"message,omitempty"`

	// Batch of messages
	Messages []MessageInput `json:"messages,omitempty"`
}

// MessageInput is one telemetry message as it would arrive on the bus.
type MessageInput struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// IngestResponse is the response returned to clients
type IngestResponse struct {
	Success  bool          `json:"success"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []IngestError `json:"errors,omitempty"`
}

// IngestError describes why a message at index was rejected
type IngestError struct {
	Index int    `json:"index"`
	Topic string `json:"topic,omitempty"`
	Error string `json:"error"`
}

var errQueueFull = errors.New("internal queue full, try again later")

// ServeHTTP handles the ingest HTTP request
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		writeJSON(w, http.StatusUnsupportedMediaType, errorResponse{Error: "content-type must be application/json"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
		return
	}

	messages, err := parseBody(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	response := h.processMessages(messages)

	switch {
	case response.Accepted > 0 || response.Rejected == 0:
		writeJSON(w, http.StatusOK, response)
	case allQueueFull(response):
		writeJSON(w, http.StatusServiceUnavailable, response)
	default:
		writeJSON(w, http.StatusBadRequest, response)
	}
}

// parseBody accepts {"message": {...}}, {"messages": [...]}, a bare array
// or a bare message object.
func parseBody(body []byte) ([]MessageInput, error) {
	var req IngestRequest
	if err := json.Unmarshal(body, &req); err == nil {
		if len(req.Messages) > 0 {
			return req.Messages, nil
		}
		if req.Message != nil {
			return []MessageInput{*req.Message}, nil
		}
	}

	var batch []MessageInput
	if err := json.Unmarshal(body, &batch); err == nil && len(batch) > 0 {
		return batch, nil
	}

	var single MessageInput
	if err := json.Unmarshal(body, &single); err == nil && single.Topic != "" {
		return []MessageInput{single}, nil
	}

	return nil, fmt.Errorf("invalid JSON format: expected a message object or an array of messages")
}

// processMessages validates and queues each message without blocking
func (h *IngestHandler) processMessages(inputs []MessageInput) IngestResponse {
	response := IngestResponse{Errors: make([]IngestError, 0)}

	reject := func(i int, topic string, err error) {
		response.Errors = append(response.Errors, IngestError{Index: i, Topic: topic, Error: err.Error()})
		response.Rejected++
	}

	for i, in := range inputs {
		topic := strings.TrimSpace(in.Topic)
		if topic == "" {
			reject(i, "", errors.New("topic is required"))
			continue
		}
		if len(in.Payload) == 0 {
			reject(i, topic, models.ErrInvalidPayload)
			continue
		}
		if h.validator != nil {
			if _, err := h.validator.Normalize(topic, in.Payload); err != nil {
				metrics.IngestMessagesTotal.WithLabelValues(IngestTransport, "rejected").Inc()
				metrics.IngestValidationErrors.WithLabelValues(models.ErrorType(err)).Inc()
				reject(i, topic, err)
				continue
			}
		}

		env := models.NewEnvelope(IngestTransport, topic, []byte(in.Payload))
		select {
		case h.envelopeChan <- env:
			response.Accepted++
		default:
			metrics.IngestMessagesTotal.WithLabelValues(IngestTransport, "dropped").Inc()
			reject(i, topic, errQueueFull)
		}
	}

	response.Success = response.Rejected == 0
	return response
}

func allQueueFull(resp IngestResponse) bool {
	if len(resp.Errors) == 0 {
		return false
	}
	for _, e := range resp.Errors {
		if e.Error != errQueueFull.Error() {
			return false
		}
	}
	return true
}
