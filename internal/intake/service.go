// Package intake is the HTTP front door: it accepts minutes delivery
// submissions, persists them, and hands them to the relay over NSQ.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/scribeworks/minuterelay/internal/delivery"
	"github.com/scribeworks/minuterelay/internal/logging"
	"github.com/scribeworks/minuterelay/internal/metrics"
	"github.com/scribeworks/minuterelay/internal/store"
	"github.com/scribeworks/minuterelay/internal/tracing"
)

// RequestStore is the slice of the store the intake needs.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *delivery.Request, idempotencyKey string) (bool, error)
	FindByIdempotencyKey(ctx context.Context, key string) (string, error)
	RequestStatus(ctx context.Context, correlationID string) (*store.StatusReport, error)
}

// Publisher enqueues a message for the relay. *nsq.Producer satisfies it.
type Publisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	store  RequestStore
	pub    Publisher
	topic  string
	logger *logging.Logger
}

func NewService(st RequestStore, pub Publisher, topic string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.New("intake")
	}
	return &Service{store: st, pub: pub, topic: topic, logger: logger}
}

// Routes registers the intake endpoints on the mux.
func (s *Service) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/deliveries", s.handleSubmit)
	mux.HandleFunc("GET /v1/deliveries/{id}", s.handleStatus)
}

// Submission is the wire shape of a delivery request.
type Submission struct {
	ArtifactRef    string               `json:"artifact_ref"`
	Subject        string               `json:"subject"`
	Body           string               `json:"body"`
	Recipients     []delivery.Recipient `json:"recipients"`
	Channels       []delivery.Channel   `json:"channels"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
}

// SubmitResponse acknowledges an accepted or deduplicated submission.
type SubmitResponse struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"` // accepted, duplicate
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "intake.submit")
	defer span.End()

	var sub Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		metrics.RecordSubmission("rejected")
		httpError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	req := &delivery.Request{
		CorrelationID: uuid.NewString(),
		ArtifactRef:   sub.ArtifactRef,
		Subject:       sub.Subject,
		Body:          sub.Body,
		Recipients:    sub.Recipients,
		Channels:      sub.Channels,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		TraceHeaders:  tracing.PropagateTraceHeaders(ctx),
	}
	if err := req.Validate(); err != nil {
		metrics.RecordSubmission("rejected")
		tracing.SetSpanError(ctx, err)
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("correlation_id", req.CorrelationID),
		attribute.Int("channels", len(req.Channels)),
		attribute.Bool("has_idempotency_key", sub.IdempotencyKey != ""),
	)

	created, err := s.store.CreateRequest(ctx, req, sub.IdempotencyKey)
	if err != nil {
		metrics.RecordSubmission("rejected")
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithError(err).Error("persist submission failed")
		httpError(w, http.StatusInternalServerError, "failed to persist submission")
		return
	}
	if !created {
		// Same idempotency key seen before: answer with the original
		// request and do not enqueue a second delivery.
		original, err := s.store.FindByIdempotencyKey(ctx, sub.IdempotencyKey)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			httpError(w, http.StatusInternalServerError, "failed to resolve duplicate submission")
			return
		}
		metrics.RecordSubmission("duplicate")
		tracing.AddSpanEvent(ctx, "duplicate_submission_detected")
		s.logger.WithContext(ctx).
			WithCorrelation(original).
			WithField("idempotency_key", sub.IdempotencyKey).
			Info("duplicate submission")
		writeJSON(w, http.StatusOK, SubmitResponse{CorrelationID: original, Status: "duplicate"})
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		httpError(w, http.StatusInternalServerError, "failed to encode request")
		return
	}
	if err := s.pub.Publish(s.topic, payload); err != nil {
		metrics.RecordSubmission("rejected")
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithCorrelation(req.CorrelationID).WithError(err).Error("enqueue failed")
		httpError(w, http.StatusServiceUnavailable, "failed to enqueue delivery")
		return
	}

	metrics.RecordSubmission("accepted")
	s.logger.WithContext(ctx).
		WithCorrelation(req.CorrelationID).
		WithField("channels", len(req.Channels)).
		Info("submission accepted")
	writeJSON(w, http.StatusAccepted, SubmitResponse{CorrelationID: req.CorrelationID, Status: "accepted"})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "intake.status")
	defer span.End()

	id := r.PathValue("id")
	if id == "" {
		httpError(w, http.StatusBadRequest, "missing request id")
		return
	}

	report, err := s.store.RequestStatus(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithCorrelation(id).WithError(err).Error("status lookup failed")
		httpError(w, http.StatusInternalServerError, "failed to load request status")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
