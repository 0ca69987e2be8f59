package invoice

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/zombor/invoice-extractor/internal/job"
	"github.com/zombor/invoice-extractor/internal/scanning"
)

// maxUploadSize bounds a whole multipart upload
const maxUploadSize = int64(50 << 20)

// writeJSON writes v with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// jsonError writes an {"error": message} response
func jsonError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

type fileResult struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

// readUploads reads every file of the files[] form field
func readUploads(headers []*multipart.FileHeader) ([]scanning.Document, error) {
	docs := make([]scanning.Document, 0, len(headers))
	for _, header := range headers {
		if header.Filename == "" {
			continue
		}
		f, err := header.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", header.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", header.Filename, err)
		}
		docs = append(docs, scanning.Document{
			Name:        header.Filename,
			ContentType: scanning.ContentTypeFor(header.Filename, header.Header.Get("Content-Type")),
			Data:        data,
		})
	}
	return docs, nil
}

// handleUpload starts extraction of the uploaded files
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, http.StatusRequestEntityTooLarge, "Upload is too large. Maximum size is 50MB.")
			return
		}
		jsonError(w, http.StatusBadRequest, "Error parsing form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files[]"]
	if len(headers) == 0 {
		jsonError(w, http.StatusBadRequest, "No files uploaded")
		return
	}

	docs, err := readUploads(headers)
	if err != nil {
		slog.Error("Error reading uploads", "error", err)
		jsonError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}
	if len(docs) == 0 {
		jsonError(w, http.StatusBadRequest, "No files selected")
		return
	}

	j, err := s.service.Submit(r.Context(), docs)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	results := make(map[string]fileResult, len(j.Files))
	for _, f := range j.Files {
		results[uniqueKey(results, f.Name)] = fileResult{Success: f.Units > 0, Count: f.Units}
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":        true,
		"session_id":     j.ID,
		"total_invoices": j.Total,
		"file_results":   results,
	})
}

// uniqueKey suffixes repeated upload names as "name (2)", "name (3)"
func uniqueKey(results map[string]fileResult, name string) string {
	key := name
	for n := 2; ; n++ {
		if _, taken := results[key]; !taken {
			return key
		}
		key = fmt.Sprintf("%s (%d)", name, n)
	}
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var limitErr *job.LimitError
	switch {
	case errors.As(err, &limitErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":     limitErr.Error(),
			"limit":     limitErr.Limit,
			"attempted": limitErr.Attempted,
		})
	case errors.Is(err, ErrTrialExhausted):
		jsonError(w, http.StatusForbidden, "Trial limit reached. No more invoices can be processed.")
	case errors.Is(err, ErrNoActiveFields):
		jsonError(w, http.StatusBadRequest, "No active fields to extract. Enable at least one field.")
	case errors.Is(err, job.ErrNoDocuments):
		jsonError(w, http.StatusBadRequest, "No files selected")
	default:
		slog.Error("Error submitting job", "error", err)
		jsonError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// handleProgress returns a job's progress
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.service.Progress(r.PathValue("id"))
	if err != nil {
		jsonError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// loadSession writes a 404 and returns nil when the session is unknown
func (s *Server) loadSession(w http.ResponseWriter, id string) *Session {
	session, err := s.service.GetSession(id)
	if err != nil {
		slog.Warn("Session not found", "session_id", id, "error", err)
		jsonError(w, http.StatusNotFound, "Session not found")
		return nil
	}
	return session
}

// handleGetInvoices returns a session's results as table rows
func (s *Server) handleGetInvoices(w http.ResponseWriter, r *http.Request) {
	session := s.loadSession(w, r.PathValue("id"))
	if session == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"fields":   session.Columns,
		"invoices": session.Rows(),
	})
}

// handleGetInvoiceImage returns one invoice's image and extracted data
func (s *Server) handleGetInvoiceImage(w http.ResponseWriter, r *http.Request) {
	row, err := strconv.Atoi(r.PathValue("row"))
	if err != nil {
		jsonError(w, http.StatusNotFound, "Invoice not found")
		return
	}
	session := s.loadSession(w, r.PathValue("id"))
	if session == nil {
		return
	}
	result, err := session.Invoice(row)
	if err != nil {
		jsonError(w, http.StatusNotFound, "Invoice not found")
		return
	}

	data := session.row(row, result)
	delete(data, rowIDColumn)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"image":              base64.StdEncoding.EncodeToString(result.Image),
		"data":               data,
		"confidence":         result.Confidence,
		"clarity":            result.Clarity,
		"overall_confidence": result.OverallConfidence,
	})
}

// handleExport downloads a session as an XLSX workbook
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	session := s.loadSession(w, r.PathValue("id"))
	if session == nil {
		return
	}
	data, err := session.Workbook()
	if err != nil {
		slog.Error("Error building workbook", "session_id", session.ID, "error", err)
		jsonError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	filename := fmt.Sprintf("invoices_%s.xlsx", time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Write(data)
}

// handleListFields returns the field schema
func (s *Server) handleListFields(w http.ResponseWriter, r *http.Request) {
	fields, err := s.service.ListFields()
	if err != nil {
		slog.Error("Error listing fields", "error", err)
		jsonError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, fields)
}

func writeFieldError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidField):
		jsonError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrFieldExists):
		jsonError(w, http.StatusConflict, "Field already exists")
	case errors.Is(err, ErrFieldNotFound):
		jsonError(w, http.StatusNotFound, "Field not found")
	default:
		slog.Error("Error changing field", "error", err)
		jsonError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// handleCreateField appends a field to the schema
func (s *Server) handleCreateField(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	field, err := s.service.CreateField(req.Name, req.Description)
	if err != nil {
		writeFieldError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, field)
}

// handleUpdateField changes a field's description or active flag
func (s *Server) handleUpdateField(w http.ResponseWriter, r *http.Request) {
	var update FieldUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		jsonError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	field, err := s.service.UpdateField(r.PathValue("name"), update)
	if err != nil {
		writeFieldError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, field)
}

// handleDeleteField removes a field from the schema
func (s *Server) handleDeleteField(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteField(r.PathValue("name")); err != nil {
		writeFieldError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUsage reports usage against the trial
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.Usage()
	if err != nil {
		slog.Error("Error getting usage", "error", err)
		jsonError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
