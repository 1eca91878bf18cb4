// Package transport wires the service's HTTP surface. Only the
// operational endpoints live here: liveness, readiness, metrics, and
// the internal directory provisioning hook. The business approval API
// is mounted by a separate gateway layer.
package transport

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/openclaims/approvald/internal/config"
	"github.com/openclaims/approvald/internal/directory"
	"github.com/openclaims/approvald/internal/observability"
	"github.com/openclaims/approvald/model"
)

// OpsDeps carries the collaborators the operational listener exposes.
type OpsDeps struct {
	Checks observability.ReadinessChecks
	Syncer *directory.Syncer
	Logger *zap.Logger
}

// NewOpsServer builds the operational HTTP server.
func NewOpsServer(cfg *config.Config, deps OpsDeps) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      NewOpsMux(cfg, deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// NewOpsMux builds the operational route table. Split from NewOpsServer
// so tests can mount it on httptest servers.
func NewOpsMux(cfg *config.Config, deps OpsDeps) *http.ServeMux {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", observability.HandleHealth())
	mux.HandleFunc("/readyz", observability.HandleReady(deps.Checks))
	if deps.Syncer != nil {
		mux.HandleFunc("/internal/directory/sync", handleDirectorySync(deps.Syncer, logger))
	}
	if cfg.Observability.Metrics.Enabled {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, observability.Handler())
	}
	return mux
}

// handleDirectorySync upserts an identity record into the local
// directory. This is the provisioning hook the identity layer calls on
// login; it is not part of the business approval API.
func handleDirectorySync(syncer *directory.Syncer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var incoming model.User
		if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
			writeError(w, model.NewValidationError("invalid user payload: "+err.Error()))
			return
		}
		if incoming.ID == "" {
			writeError(w, model.NewValidationError("user id is required"))
			return
		}

		stored, err := syncer.SyncUser(r.Context(), incoming)
		if err != nil {
			logger.Error("directory sync failed",
				zap.String("user_id", incoming.ID),
				zap.Error(err),
			)
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		json.NewEncoder(w).Encode(stored)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch model.CodeOf(err) {
	case model.ErrValidation:
		status = http.StatusBadRequest
	case model.ErrNotFound:
		status = http.StatusNotFound
	case model.ErrConflict:
		status = http.StatusConflict
	case model.ErrEngineUnavailable:
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"code":    model.CodeOf(err),
		"message": err.Error(),
	})
}
