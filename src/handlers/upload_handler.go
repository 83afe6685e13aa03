package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/samruddhi/portfolio-sync/backend/src/logger"
	"github.com/samruddhi/portfolio-sync/backend/src/security/validation"
	"github.com/samruddhi/portfolio-sync/backend/src/services"
	"github.com/samruddhi/portfolio-sync/backend/src/utils"
)

const defaultHistoryLimit = 20

type UploadHandler struct {
	uploadService  services.UploadService
	maxUploadBytes int64
}

func NewUploadHandler(service services.UploadService, maxUploadBytes int64) *UploadHandler {
	return &UploadHandler{
		uploadService:  service,
		maxUploadBytes: maxUploadBytes,
	}
}

// HandleUpload runs one batch over every file of the multipart form. Partial
// failures, refused file content included, come back inside the report with
// 200; a batch in which no file could be read answers 422 with the report as
// body.
func (h *UploadHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		log.Warn("Failed to parse multipart form or request too large", "error", err, "limit", h.maxUploadBytes)
		utils.SendJSONError(w, fmt.Sprintf("failed to parse upload or upload too large (max %d MB)", h.maxUploadBytes/(1024*1024)), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		utils.SendJSONError(w, "no files uploaded, use the 'files' field", http.StatusBadRequest)
		return
	}

	files := make([]services.UploadedFile, 0, len(headers))
	for _, fh := range headers {
		f := readUploadedFile(fh)
		if f.Rejected != nil {
			log.Warn("Rejected uploaded file", "filename", fh.Filename, "error", f.Rejected)
		}
		files = append(files, f)
	}

	opts, err := batchOptionsFromForm(r.MultipartForm.Value)
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	log.Info("Processing upload request", "files", len(files), "confirmReset", opts.ConfirmReset, "forceReset", opts.ForceReset)

	report, err := h.uploadService.ProcessBatch(r.Context(), files, opts)
	switch {
	case errors.Is(err, services.ErrNoReadableInput):
		utils.WriteJSON(w, http.StatusUnprocessableEntity, report)
		return
	case err != nil:
		log.Error("Batch failed", "error", err)
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	utils.WriteJSON(w, http.StatusOK, report)
}

// readUploadedFile never fails the request: a file that cannot be opened or
// whose content is refused travels on with Rejected set.
func readUploadedFile(fh *multipart.FileHeader) services.UploadedFile {
	out := services.UploadedFile{Name: fh.Filename}
	f, err := fh.Open()
	if err != nil {
		out.Rejected = fmt.Errorf("open upload: %w", err)
		return out
	}
	defer f.Close()

	if _, err := validation.ValidateFileContentByMagicBytes(f); err != nil {
		out.Rejected = err
		return out
	}
	data, err := io.ReadAll(f)
	if err != nil {
		out.Rejected = fmt.Errorf("read upload: %w", err)
		return out
	}
	out.Data = data
	return out
}

func batchOptionsFromForm(values map[string][]string) (services.BatchOptions, error) {
	opts := services.BatchOptions{Passwords: values["password"]}

	var err error
	if opts.ConfirmReset, err = formBool(values, "confirm_reset"); err != nil {
		return opts, err
	}
	if opts.ForceReset, err = formBool(values, "force_reset"); err != nil {
		return opts, err
	}

	for _, raw := range values["format_override"] {
		pattern, format, ok := strings.Cut(raw, "=")
		pattern, format = strings.TrimSpace(pattern), strings.TrimSpace(format)
		if !ok || pattern == "" || format == "" {
			return opts, fmt.Errorf("format_override %q must look like filename=FORMAT", raw)
		}
		if opts.FormatOverrides == nil {
			opts.FormatOverrides = make(map[string]string)
		}
		opts.FormatOverrides[pattern] = format
	}
	return opts, nil
}

func formBool(values map[string][]string, key string) (bool, error) {
	v := values[key]
	if len(v) == 0 || v[0] == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v[0])
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return b, nil
}

func (h *UploadHandler) HandleGetLatestReport(w http.ResponseWriter, r *http.Request) {
	report, ok := h.uploadService.GetLatestReport()
	if !ok {
		utils.SendJSONError(w, "no batch has been processed yet", http.StatusNotFound)
		return
	}
	utils.WriteJSON(w, http.StatusOK, report)
}

func (h *UploadHandler) HandleListBatches(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			utils.SendJSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	batches, err := h.uploadService.ListBatches(r.Context(), limit)
	if err != nil {
		logger.FromContext(r.Context()).Error("Failed to list batches", "error", err)
		utils.SendJSONError(w, "failed to retrieve batch history", http.StatusInternalServerError)
		return
	}
	if batches == nil {
		utils.WriteJSON(w, http.StatusOK, []any{})
		return
	}
	utils.WriteJSON(w, http.StatusOK, batches)
}
