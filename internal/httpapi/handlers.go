package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/oneclicktag/trackd/internal/batch"
	"github.com/oneclicktag/trackd/internal/domain"
)

// AdminStore is the tenant directory used by admin routes.
type AdminStore interface {
	ListTenants(ctx context.Context) ([]domain.Tenant, error)
}

// Subscriber feeds the live progress stream.
type Subscriber interface {
	Subscribe(ctx context.Context, batchID string) (<-chan domain.ProgressEvent, func())
}

type handlers struct {
	svc   *batch.Service
	admin AdminStore
	sub   Subscriber
	log   *zap.Logger
}

type createBatchRequest struct {
	TrackingIDs       []string          `json:"trackingIds"`
	RecommendationIDs map[string]string `json:"recommendationIds"`
}

func (h *handlers) createBatch(w http.ResponseWriter, req *http.Request) {
	var body createBatchRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if len(body.TrackingIDs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "trackingIds is required")
		return
	}

	b, err := h.svc.Create(req.Context(), body.TrackingIDs, body.RecommendationIDs)
	if err != nil {
		h.respondServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchResponse(*b))
}

func (h *handlers) listBatches(w http.ResponseWriter, req *http.Request) {
	batches, err := h.svc.List(req.Context())
	if err != nil {
		h.respondServiceError(w, req, err)
		return
	}
	out := make([]batchResponse, 0, len(batches))
	for _, b := range batches {
		out = append(out, toBatchResponse(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) batchDetail(w http.ResponseWriter, req *http.Request) {
	detail, err := h.svc.Detail(req.Context(), chi.URLParam(req, "batchID"))
	if err != nil {
		h.respondServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDetailResponse(detail))
}

func (h *handlers) cancelBatch(w http.ResponseWriter, req *http.Request) {
	_, err := h.svc.Cancel(req.Context(), chi.URLParam(req, "batchID"))
	if err != nil {
		h.respondServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// batchEvents streams progress events for one batch as server-sent events.
// The batch is read once up front both to enforce tenant ownership and to
// give the client a starting snapshot.
func (h *handlers) batchEvents(w http.ResponseWriter, req *http.Request) {
	batchID := chi.URLParam(req, "batchID")
	detail, err := h.svc.Detail(req.Context(), batchID)
	if err != nil {
		h.respondServiceError(w, req, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	events, stop := h.sub.Subscribe(req.Context(), batchID)
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, domain.ProgressEvent{
		Type:      domain.EventBatchCreated,
		Timestamp: detail.CreatedAt,
		Data: domain.ProgressCount{
			Completed: detail.Completed,
			Failed:    detail.Failed,
			Total:     detail.TotalJobs,
		},
	})
	flusher.Flush()

	for {
		select {
		case <-req.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Type == domain.EventBatchCompleted {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev domain.ProgressEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
}

func (h *handlers) listTenants(w http.ResponseWriter, req *http.Request) {
	tenants, err := h.admin.ListTenants(req.Context())
	if err != nil {
		h.respondServiceError(w, req, err)
		return
	}
	out := make([]tenantResponse, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, tenantResponse{ID: t.ID, Name: t.Name, Domain: t.Domain, IsActive: t.IsActive})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) respondServiceError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case err == batch.ErrNoTenant:
		writeError(w, http.StatusBadRequest, "tenant_required", "tenant context required")
	case batch.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "batch not found")
	case batch.IsFinished(err):
		writeError(w, http.StatusBadRequest, "batch_finished", "batch already finished")
	default:
		h.log.Error("request failed",
			zap.String("path", req.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}
