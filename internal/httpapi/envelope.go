// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

// Envelope is the response shape for every endpoint in the external HTTP
// surface: {success, data?/error?, timestamp, requestId}.
type Envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Details   interface{} `json:"details,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"requestId"`
}

type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	writeEnvelope(w, r, status, Envelope{Success: true, Data: data})
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, message string, details interface{}) {
	writeEnvelope(w, r, status, Envelope{Success: false, Error: message, Details: details})
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, env Envelope) {
	env.Timestamp = time.Now().UTC()
	env.RequestID = requestIDFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func paginate(page, limit, total int) Pagination {
	totalPages := total / limit
	if total%limit != 0 {
		totalPages++
	}
	return Pagination{
		Page: page, Limit: limit, Total: total, TotalPages: totalPages,
		HasNext: page < totalPages, HasPrev: page > 1,
	}
}
