package ingest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cisec/lockdown-agent/pkg/types"
)

// maxBatchBytes bounds an ingest request body.
const maxBatchBytes = 8 << 20

// GenericResponse is the body of every ingest reply.
type GenericResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Server is the backend collector HTTP surface.
type Server struct {
	store  Store
	name   string
	logger zerolog.Logger
}

// NewServer creates a collector backed by store.
func NewServer(store Store, name string, logger zerolog.Logger) *Server {
	return &Server{
		store:  store,
		name:   name,
		logger: logger.With().Str("component", "ingest").Logger(),
	}
}

// Router returns the HTTP routes.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/api/logs", s.handleIngest).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/logs", s.handleQuery).Methods("GET")
	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GenericResponse{
		Status:  "success",
		Message: s.name + " is running",
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var logs []types.LogRecord
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBytes)).Decode(&logs); err != nil {
		writeJSON(w, http.StatusBadRequest, GenericResponse{
			Status:  "error",
			Message: fmt.Sprintf("invalid batch: %v", err),
		})
		return
	}

	if len(logs) == 0 {
		writeJSON(w, http.StatusOK, GenericResponse{Status: "success", Message: "Empty batch received"})
		return
	}

	if err := s.store.InsertMany(r.Context(), logs); err != nil {
		s.logger.Error().Err(err).Int("count", len(logs)).Msg("Failed to insert logs")
		writeJSON(w, http.StatusInternalServerError, GenericResponse{
			Status:  "error",
			Message: fmt.Sprintf("database write failed: %v", err),
		})
		return
	}

	s.logger.Info().Int("count", len(logs)).Msg("Ingested logs")
	writeJSON(w, http.StatusCreated, GenericResponse{
		Status:  "success",
		Message: fmt.Sprintf("ingested %d logs", len(logs)),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.store.Query(r.Context(), r.URL.Query().Get("session_id"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to query logs")
		writeJSON(w, http.StatusInternalServerError, GenericResponse{Status: "error", Message: err.Error()})
		return
	}
	if records == nil {
		records = []StoredRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// corsMiddleware allows any origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
