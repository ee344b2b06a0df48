package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/verifyd/internal/model"
	"github.com/sells-group/verifyd/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeStoreError maps store sentinel errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err)
	default:
		zap.L().Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return false
	}
	return true
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleClaim(env *engineEnv, limiters *claimLimiters) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.ClaimRequest
		if !decode(w, r, &req) {
			return
		}
		if req.WorkerID == "" {
			writeError(w, http.StatusBadRequest, errors.New("worker_id is required"))
			return
		}
		if !limiters.allow(req.WorkerID) {
			writeError(w, http.StatusTooManyRequests, errors.New("claim rate exceeded"))
			return
		}
		resp, err := env.Broker.Claim(r.Context(), req)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleComplete(env *engineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.CompleteRequest
		if !decode(w, r, &req) {
			return
		}
		if req.ChunkID == "" {
			writeError(w, http.StatusBadRequest, errors.New("chunk_id is required"))
			return
		}
		chunk, err := env.Broker.Complete(r.Context(), req)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, chunk)
	}
}

func handleFail(env *engineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.FailRequest
		if !decode(w, r, &req) {
			return
		}
		if req.ChunkID == "" {
			writeError(w, http.StatusBadRequest, errors.New("chunk_id is required"))
			return
		}
		resp, err := env.Broker.Fail(r.Context(), req)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleHeartbeat(env *engineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.HeartbeatRequest
		if !decode(w, r, &req) {
			return
		}
		if req.ServerID == "" {
			writeError(w, http.StatusBadRequest, errors.New("server_id is required"))
			return
		}
		resp, err := env.Broker.Heartbeat(r.Context(), req)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleCreateJob(env *engineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AccountID   string `json:"account_id"`
			InputKey    string `json:"input_key"`
			InputFormat string `json:"input_format"`
		}
		if !decode(w, r, &req) {
			return
		}
		if req.InputKey == "" {
			writeError(w, http.StatusBadRequest, errors.New("input_key is required"))
			return
		}
		if req.InputFormat == "" {
			req.InputFormat = "csv"
		}

		job := &model.Job{
			AccountID:   req.AccountID,
			InputKey:    req.InputKey,
			InputFormat: req.InputFormat,
		}
		if err := env.Store.CreateJob(r.Context(), job); err != nil {
			writeStoreError(w, err)
			return
		}

		// Preprocessing streams the whole upload; run it off-request. A
		// failure lands on the job row, where clients poll for it.
		go func() {
			if err := env.Preprocessor.Run(context.Background(), job.ID); err != nil {
				zap.L().Error("preprocess failed",
					zap.String("job_id", job.ID),
					zap.Error(err),
				)
			}
		}()

		writeJSON(w, http.StatusAccepted, job)
	}
}

func handleListJobs(env *engineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		jobs, err := env.Store.ListJobs(r.Context(), store.JobFilter{
			Status:    model.JobStatus(r.URL.Query().Get("status")),
			AccountID: r.URL.Query().Get("account_id"),
			Limit:     limit,
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	}
}

func handleGetJob(env *engineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		job, err := env.Store.GetJob(r.Context(), jobID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		counts, err := env.Store.CountChunksByStatus(r.Context(), jobID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": job, "chunks": counts})
	}
}

func handleListServers(env *engineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		servers, err := env.Store.ListServers(r.Context())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
	}
}

func handleSetDraining(env *engineEnv, draining bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serverID := chi.URLParam(r, "serverID")
		if err := env.Store.SetServerDraining(r.Context(), serverID, draining); err != nil {
			writeStoreError(w, err)
			return
		}
		srv, err := env.Store.GetServer(r.Context(), serverID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, srv)
	}
}
