package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mnohosten/klara-db/pkg/compression"
	"github.com/mnohosten/klara-db/pkg/engine"
	"github.com/mnohosten/klara-db/pkg/impex"
	"github.com/mnohosten/klara-db/pkg/record"
	"github.com/mnohosten/klara-db/pkg/value"
)

func writeSuccess(w http.ResponseWriter, result interface{}) {
	response := map[string]interface{}{
		"ok":     true,
		"result": result,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

func writeError(w http.ResponseWriter, statusCode int, errorType, message string) {
	response := map[string]interface{}{
		"ok":      false,
		"error":   errorType,
		"message": message,
		"code":    statusCode,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.authMgr == nil {
		writeError(w, http.StatusNotFound, "NotFound", "authentication is not configured")
		return
	}

	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid JSON: "+err.Error())
		return
	}

	session, err := s.authMgr.Authenticate(body.Username, body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}
	writeSuccess(w, map[string]interface{}{
		"token":     session.Token,
		"role":      session.Role,
		"expiresAt": session.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]interface{}{
		"engine":  s.eng.Stats(),
		"metrics": s.eng.Metrics().Snapshot(),
	})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	schema := make(map[string][]record.TableSpec)
	for _, storeName := range s.eng.StoreNames() {
		store, err := s.eng.Store(storeName)
		if err != nil {
			continue
		}
		specs := make([]record.TableSpec, 0)
		for _, tableName := range store.TableNames() {
			if table, err := store.Table(tableName); err == nil {
				specs = append(specs, table.Spec())
			}
		}
		schema[storeName] = specs
	}
	writeSuccess(w, schema)
}

func (s *Server) handleSlowTxns(w http.ResponseWriter, r *http.Request) {
	slowLog := s.eng.SlowTxnLog()
	if slowLog == nil {
		writeSuccess(w, []interface{}{})
		return
	}
	writeSuccess(w, slowLog.Entries())
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if err := s.promExporter.WriteMetrics(w); err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
	}
}

// handleScanTable returns the rows of a table visible to a fresh
// read-only transaction
func (s *Server) handleScanTable(w http.ResponseWriter, r *http.Request) {
	storeName := chi.URLParam(r, "store")
	tableName := chi.URLParam(r, "table")

	var rows []record.Row
	err := s.eng.Run(r.Context(), func(tx *engine.Tx) error {
		var scanErr error
		rows, scanErr = tx.Scan(storeName, tableName, nil)
		return scanErr
	})
	if err != nil {
		writeError(w, statusFor(err), "ScanFailed", err.Error())
		return
	}
	writeSuccess(w, encodeRows(rows))
}

// handleReadRow returns a single row by primary key
func (s *Server) handleReadRow(w http.ResponseWriter, r *http.Request) {
	storeName := chi.URLParam(r, "store")
	tableName := chi.URLParam(r, "table")
	pk := chi.URLParam(r, "pk")

	var row record.Row
	err := s.eng.Run(r.Context(), func(tx *engine.Tx) error {
		var readErr error
		row, readErr = tx.Read(storeName, tableName, pk)
		return readErr
	})
	if err != nil {
		writeError(w, statusFor(err), "ReadFailed", err.Error())
		return
	}
	writeSuccess(w, encodeRow(row))
}

// handleSnapshot streams a store snapshot, optionally compressed via
// the ?compression= query parameter (none, snappy, zstd, gzip)
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	storeName := chi.URLParam(r, "store")

	algorithm, err := compression.ParseAlgorithm(r.URL.Query().Get("compression"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}

	snap, err := impex.ExportStore(s.eng, storeName)
	if err != nil {
		writeError(w, statusFor(err), "SnapshotFailed", err.Error())
		return
	}

	comp, err := compression.NewCompressor(&compression.Config{Algorithm: algorithm, Level: 3})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	defer comp.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+storeName+".snapshot")
	if err := impex.WriteSnapshot(w, snap, comp); err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, record.ErrUnknownTable), errors.Is(err, engine.ErrUnknownStore):
		return http.StatusNotFound
	case errors.Is(err, record.ErrDuplicateKey), errors.Is(err, value.ErrTypeMismatch):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func encodeRows(rows []record.Row) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		out = append(out, encodeRow(row))
	}
	return out
}

func encodeRow(row record.Row) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for col, v := range row {
		if v.IsNull() {
			out[col] = nil
			continue
		}
		if v.Type == value.TypeTimestamp {
			out[col] = v.Time().UTC().Format(time.RFC3339Nano)
			continue
		}
		out[col] = v.Data
	}
	return out
}
