package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/samruddhi/portfolio-sync/backend/src/logger"
	"github.com/samruddhi/portfolio-sync/backend/src/model"
	"github.com/samruddhi/portfolio-sync/backend/src/models"
	"github.com/samruddhi/portfolio-sync/backend/src/security/validation"
	"github.com/samruddhi/portfolio-sync/backend/src/services"
	"github.com/samruddhi/portfolio-sync/backend/src/utils"
)

const maxSchemeNameLength = 200

type SchemeHandler struct {
	db           *sql.DB
	priceService services.PriceService
}

func NewSchemeHandler(db *sql.DB, priceService services.PriceService) *SchemeHandler {
	return &SchemeHandler{db: db, priceService: priceService}
}

func (h *SchemeHandler) HandleListSchemes(w http.ResponseWriter, r *http.Request) {
	schemes, err := model.ListWatchedSchemes(r.Context(), h.db)
	if err != nil {
		logger.FromContext(r.Context()).Error("Failed to list watched schemes", "error", err)
		utils.SendJSONError(w, "failed to retrieve schemes", http.StatusInternalServerError)
		return
	}
	if schemes == nil {
		schemes = []models.WatchedScheme{}
	}
	utils.WriteJSON(w, http.StatusOK, schemes)
}

// HandleAddScheme starts tracking a scheme code, or renames one already tracked.
func (h *SchemeHandler) HandleAddScheme(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req struct {
		SchemeCode string `json:"scheme_code"`
		SchemeName string `json:"scheme_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendJSONError(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.SchemeCode = strings.TrimSpace(req.SchemeCode)
	req.SchemeName = validation.CollapseWhitespace(req.SchemeName)

	if err := validation.ValidateSchemeCode(req.SchemeCode); err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.SchemeName == "" {
		utils.SendJSONError(w, "scheme_name is required", http.StatusBadRequest)
		return
	}
	if err := validation.ValidateStringMaxLength(req.SchemeName, maxSchemeNameLength, "scheme_name"); err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validation.CheckXSSPatterns(req.SchemeName, "scheme_name", req.SchemeCode); err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	scheme := models.WatchedScheme{SchemeCode: req.SchemeCode, SchemeName: req.SchemeName}
	if err := model.UpsertWatchedScheme(r.Context(), h.db, scheme); err != nil {
		log.Error("Failed to save watched scheme", "schemeCode", req.SchemeCode, "error", err)
		utils.SendJSONError(w, "failed to save scheme", http.StatusInternalServerError)
		return
	}
	h.priceService.InvalidateCache()
	subject, _ := GetSubjectFromContext(r.Context())
	log.Info("Watched scheme saved", "schemeCode", req.SchemeCode, "schemeName", req.SchemeName, "by", subject)
	utils.WriteJSON(w, http.StatusCreated, scheme)
}

func (h *SchemeHandler) HandleRefreshNAV(w http.ResponseWriter, r *http.Request) {
	result, err := h.priceService.RefreshNAVs(r.Context())
	if err != nil {
		logger.ErrorFromContext(r.Context(), "NAV refresh failed", "error", err)
		utils.SendJSONError(w, err.Error(), http.StatusBadGateway)
		return
	}
	utils.WriteJSON(w, http.StatusOK, result)
}
