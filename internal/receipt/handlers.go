package receipt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zombor/receipt-intel/internal/analytics"
	"github.com/zombor/receipt-intel/internal/pipeline"
)

const (
	defaultWindowMonths = 6
	maxWindowMonths     = 24
	xlsxContentType     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	setCORSHeaders(w)
	writeJSON(w, code, map[string]string{"error": message})
}

type attemptResponse struct {
	Backend   string `json:"backend"`
	Error     string `json:"error"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type failureResponse struct {
	Error    string            `json:"error"`
	Reason   string            `json:"reason"`
	Attempts []attemptResponse `json:"attempts"`
}

// pipelineStatus maps a pipeline failure onto an HTTP status
func pipelineStatus(reason pipeline.FailureReason) int {
	switch reason {
	case pipeline.ReasonValidation:
		return http.StatusUnprocessableEntity
	case pipeline.ReasonNoBackends:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeProcessError(w http.ResponseWriter, err error) {
	var failure *pipeline.PipelineFailure
	if errors.As(err, &failure) {
		resp := failureResponse{
			Error:    err.Error(),
			Reason:   string(failure.Reason),
			Attempts: make([]attemptResponse, len(failure.Attempts)),
		}
		for i, a := range failure.Attempts {
			resp.Attempts[i] = attemptResponse{Backend: a.Backend, Error: a.Err.Error(), ElapsedMS: a.Elapsed.Milliseconds()}
		}
		setCORSHeaders(w)
		writeJSON(w, pipelineStatus(failure.Reason), resp)
		return
	}
	if errors.Is(err, ErrEmptyUpload) {
		writeError(w, http.StatusBadRequest, "The uploaded file is empty.")
		return
	}
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func detectContentType(filename, declared string) string {
	contentType := strings.ToLower(strings.TrimSpace(declared))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": s.service.timeSource.Now().Unix()})
}

// handleListReceipts returns the user's receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListReceipts(r.Context(), userFrom(r.Context()))
	if err != nil {
		slog.Error("Error listing receipts", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

// handleUploadReceipt handles receipt upload
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("File is too large. Maximum size is %dMB.", s.maxUploadBytes>>20))
			return
		}
		writeError(w, http.StatusBadRequest, "Error parsing form")
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		msg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			msg = "No file was selected. Please choose a file to upload."
		}
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	contentType := detectContentType(header.Filename, header.Header.Get("Content-Type"))
	receipt, created, err := s.service.ProcessReceipt(r.Context(), userFrom(r.Context()), header.Filename, data, contentType)
	if err != nil {
		slog.Error("Error processing receipt", "filename", header.Filename, "error", err)
		writeProcessError(w, err)
		return
	}

	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, receipt)
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.GetReceipt(r.Context(), userFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Receipt not found")
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleGetReceiptFile returns the uploaded image for a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetReceiptFile(r.Context(), userFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteReceipt(r.Context(), userFrom(r.Context()), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "Receipt not found")
		return
	}
	if err != nil {
		slog.Error("Error deleting receipt", "error", err)
		writeError(w, http.StatusInternalServerError, "Error deleting receipt")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// intParam reads an optional integer query parameter
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

func windowParam(r *http.Request) (int, error) {
	months, err := intParam(r, "months", defaultWindowMonths)
	if err != nil {
		return 0, err
	}
	if months < 1 || months > maxWindowMonths {
		return 0, fmt.Errorf("months must be between 1 and %d", maxWindowMonths)
	}
	return months, nil
}

func (s *Server) monthParams(r *http.Request) (int, int, error) {
	now := s.service.timeSource.Now()
	month, err := intParam(r, "month", int(now.Month()))
	if err != nil {
		return 0, 0, err
	}
	year, err := intParam(r, "year", now.Year())
	if err != nil {
		return 0, 0, err
	}
	return month, year, nil
}

// writeAnalyticsError maps malformed analytics input onto 400
func writeAnalyticsError(w http.ResponseWriter, err error) {
	if errors.Is(err, analytics.ErrInvalidRange) || errors.Is(err, analytics.ErrEmptyQuery) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Error("Error computing analytics", "error", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

// handleMonthlySummary returns spending for one month
func (s *Server) handleMonthlySummary(w http.ResponseWriter, r *http.Request) {
	month, year, err := s.monthParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.service.MonthlySummary(r.Context(), userFrom(r.Context()), month, year)
	if err != nil {
		writeAnalyticsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleStoreComparison compares stores over a rolling window
func (s *Server) handleStoreComparison(w http.ResponseWriter, r *http.Request) {
	months, err := windowParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.service.StoreComparison(r.Context(), userFrom(r.Context()), months)
	if err != nil {
		writeAnalyticsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handlePriceEvolution tracks one product's price over a rolling window
func (s *Server) handlePriceEvolution(w http.ResponseWriter, r *http.Request) {
	months, err := windowParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.service.PriceEvolution(r.Context(), userFrom(r.Context()), r.URL.Query().Get("product"), months)
	if err != nil {
		writeAnalyticsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleExport downloads the analytics dashboard as xlsx
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	month, year, err := s.monthParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	months, err := windowParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := analytics.DashboardQuery{
		Month:        month,
		Year:         year,
		WindowMonths: months,
		Product:      strings.TrimSpace(r.URL.Query().Get("product")),
	}
	var buf bytes.Buffer
	if err := s.service.ExportWorkbook(r.Context(), userFrom(r.Context()), q, &buf); err != nil {
		writeAnalyticsError(w, err)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="receipts-%04d-%02d.xlsx"`, year, month))
	w.Write(buf.Bytes())
}
