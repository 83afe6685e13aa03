package handlers

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/samruddhi/portfolio-sync/backend/src/logger"
	"github.com/samruddhi/portfolio-sync/backend/src/model"
	"github.com/samruddhi/portfolio-sync/backend/src/models"
	"github.com/samruddhi/portfolio-sync/backend/src/security/validation"
	"github.com/samruddhi/portfolio-sync/backend/src/utils"
)

type PortfolioHandler struct {
	db *sql.DB
}

func NewPortfolioHandler(db *sql.DB) *PortfolioHandler {
	return &PortfolioHandler{db: db}
}

// HandleGetPositions lists positions of one investor, or all of them when the
// identifier query parameter is empty. Responses carry an ETag.
func (h *PortfolioHandler) HandleGetPositions(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	identifier := r.URL.Query().Get("identifier")
	if identifier != "" {
		pan, err := validation.NormalizePAN(identifier)
		if err != nil {
			utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		identifier = pan
	}

	positions, err := model.ListPositions(r.Context(), h.db, identifier)
	if err != nil {
		log.Error("Failed to list positions", "identifier", identifier, "error", err)
		utils.SendJSONError(w, "failed to retrieve positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []models.Position{}
	}

	w.Header().Set("Cache-Control", "no-cache, private")
	etag, err := utils.GenerateETag(positions)
	if err != nil {
		log.Error("Failed to generate ETag for positions", "error", err)
	} else {
		quoted := fmt.Sprintf("%q", etag)
		w.Header().Set("ETag", quoted)
		for _, candidate := range strings.Split(r.Header.Get("If-None-Match"), ",") {
			if strings.TrimSpace(candidate) == quoted {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}
	utils.WriteJSON(w, http.StatusOK, positions)
}

func (h *PortfolioHandler) HandleGetIdentity(w http.ResponseWriter, r *http.Request) {
	identifier, err := validation.NormalizePAN(chi.URLParam(r, "identifier"))
	if err != nil || identifier == "" {
		utils.SendJSONError(w, "a valid identifier is required", http.StatusBadRequest)
		return
	}

	rec, err := model.GetIdentity(r.Context(), h.db, identifier)
	if errors.Is(err, sql.ErrNoRows) {
		utils.SendJSONError(w, "identity not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).Error("Failed to load identity", "identifier", identifier, "error", err)
		utils.SendJSONError(w, "failed to retrieve identity", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, rec)
}
