package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/oneclicktag/trackd/internal/domain"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

type batchResponse struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	Status      string     `json:"status"`
	TotalJobs   int        `json:"totalJobs"`
	Completed   int        `json:"completed"`
	Failed      int        `json:"failed"`
	PauseReason *string    `json:"pauseReason,omitempty"`
	ResumeAfter *time.Time `json:"resumeAfter,omitempty"`
	PausedAt    *time.Time `json:"pausedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type jobResponse struct {
	ID               string     `json:"id"`
	TrackingID       string     `json:"trackingId"`
	TrackingName     string     `json:"trackingName"`
	RecommendationID *string    `json:"recommendationId,omitempty"`
	Status           string     `json:"status"`
	Step             string     `json:"step"`
	Attempts         int        `json:"attempts"`
	LastError        *string    `json:"lastError,omitempty"`
	NextRetryAt      *time.Time `json:"nextRetryAt,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

type batchDetailResponse struct {
	batchResponse
	Jobs []jobResponse `json:"jobs"`
}

type tenantResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Domain   string `json:"domain,omitempty"`
	IsActive bool   `json:"isActive"`
}

func toBatchResponse(b domain.Batch) batchResponse {
	return batchResponse{
		ID:          b.ID,
		TenantID:    b.TenantID,
		Status:      string(b.Status),
		TotalJobs:   b.TotalJobs,
		Completed:   b.Completed,
		Failed:      b.Failed,
		PauseReason: b.PauseReason,
		ResumeAfter: b.ResumeAfter,
		PausedAt:    b.PausedAt,
		CreatedAt:   b.CreatedAt,
	}
}

func toBatchDetailResponse(d *domain.BatchDetail) batchDetailResponse {
	out := batchDetailResponse{batchResponse: toBatchResponse(d.Batch)}
	out.Jobs = make([]jobResponse, 0, len(d.Jobs))
	for _, j := range d.Jobs {
		out.Jobs = append(out.Jobs, jobResponse{
			ID:               j.ID,
			TrackingID:       j.TrackingID,
			TrackingName:     j.TrackingName,
			RecommendationID: j.RecommendationID,
			Status:           string(j.Status),
			Step:             j.Step,
			Attempts:         j.Attempts,
			LastError:        j.LastError,
			NextRetryAt:      j.NextRetryAt,
			StartedAt:        j.StartedAt,
			CompletedAt:      j.CompletedAt,
			CreatedAt:        j.CreatedAt,
		})
	}
	return out
}
