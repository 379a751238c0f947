package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/services"
	"github.com/gorilla/mux"
)

// Form field carrying the chunk bytes in multipart uploads.
const chunkFormField = "chunk"

// Request bodies other than chunks are small JSON documents.
const maxJSONBody = 64 * 1024

type HttpHandler struct {
	sessionService    services.SessionService
	completionService services.UploadCompletionService
	attachmentService services.AttachmentService
	metricsHandler    http.Handler

	defaultChunkSize int64
	logger           logging.Logger
}

func NewHttpHandler(
	sessSvc services.SessionService,
	completionSvc services.UploadCompletionService,
	attachSvc services.AttachmentService,
	metricsHandler http.Handler,
	defaultChunkSize int64,
	l logging.Logger,
) *HttpHandler {
	return &HttpHandler{
		sessionService:    sessSvc,
		completionService: completionSvc,
		attachmentService: attachSvc,
		metricsHandler:    metricsHandler,
		defaultChunkSize:  defaultChunkSize,
		logger:            l,
	}
}

// Router registers every endpoint of the upload API.
func (h *HttpHandler) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/upload/initialize", h.InitializeUpload).Methods(http.MethodPost)
	r.HandleFunc("/upload/{uuid}/chunk", h.UploadChunk).Methods(http.MethodPost, http.MethodPut)
	r.HandleFunc("/upload/{uuid}/resume", h.ResumeInfo).Methods(http.MethodGet)
	r.HandleFunc("/upload/{uuid}/complete", h.CompleteUpload).Methods(http.MethodPost)
	r.HandleFunc("/upload/{uuid}", h.GetUpload).Methods(http.MethodGet)
	r.HandleFunc("/upload/{uuid}", h.CancelUpload).Methods(http.MethodDelete)
	r.HandleFunc("/products/{sku}/image", h.AttachImage).Methods(http.MethodPost)
	if h.metricsHandler != nil {
		r.Handle("/metrics", h.metricsHandler).Methods(http.MethodGet)
	}

	return r
}

type initializeRequest struct {
	OriginalFilename string `json:"original_filename"`
	MimeType         string `json:"mime_type"`
	TotalSize        int64  `json:"total_size"`
	ChunkSize        int64  `json:"chunk_size"`
	TotalChunks      int    `json:"total_chunks"`
	Checksum         string `json:"checksum,omitempty"`
}

type initializeResponse struct {
	UUID   string              `json:"uuid"`
	Status models.UploadStatus `json:"status"`
}

type chunkResponse struct {
	Status          models.UploadStatus `json:"status"`
	UploadedSize    int64               `json:"uploaded_size"`
	TotalSize       int64               `json:"total_size"`
	CompletedChunks []int               `json:"completed_chunks"`
}

type completeRequest struct {
	Checksum string `json:"checksum,omitempty"`
}

type completeResponse struct {
	UUID     string              `json:"uuid"`
	Status   models.UploadStatus `json:"status"`
	Checksum string              `json:"checksum"`
}

type sessionResponse struct {
	UUID             string              `json:"uuid"`
	OriginalFilename string              `json:"original_filename"`
	MimeType         string              `json:"mime_type"`
	Status           models.UploadStatus `json:"status"`
	TotalSize        int64               `json:"total_size"`
	ChunkSize        int64               `json:"chunk_size"`
	TotalChunks      int                 `json:"total_chunks"`
	CompletedChunks  []int               `json:"completed_chunks"`
	UploadedSize     int64               `json:"uploaded_size"`
	Checksum         string              `json:"checksum,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty"`
}

type attachRequest struct {
	UploadUUID string `json:"upload_uuid"`
}

func (h *HttpHandler) InitializeUpload(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = h.defaultChunkSize
	}

	session, err := h.sessionService.Initialize(r.Context(), models.InitializeRequest{
		OriginalFilename: req.OriginalFilename,
		MimeType:         req.MimeType,
		TotalSize:        req.TotalSize,
		ChunkSize:        chunkSize,
		TotalChunks:      req.TotalChunks,
		Checksum:         req.Checksum,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, initializeResponse{UUID: session.UploadId, Status: session.Status})
}

func (h *HttpHandler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	uploadId := mux.Vars(r)["uuid"]

	chunkNumber, err := strconv.Atoi(r.URL.Query().Get("chunk_number"))
	if err != nil {
		h.writeError(w, r, errors.Join(apperror.ErrOutOfRange, err))
		return
	}

	payload, err := chunkPayload(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	session, err := h.sessionService.RecordChunk(r.Context(), uploadId, chunkNumber, payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, chunkResponse{
		Status:          session.Status,
		UploadedSize:    session.UploadedSize,
		TotalSize:       session.TotalSize,
		CompletedChunks: nonNil(session.CompletedChunks),
	})
}

func (h *HttpHandler) ResumeInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessionService.ResumeInfo(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *HttpHandler) GetUpload(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessionService.GetSession(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		UUID:             s.UploadId,
		OriginalFilename: s.OriginalFilename,
		MimeType:         s.MimeType,
		Status:           s.Status,
		TotalSize:        s.TotalSize,
		ChunkSize:        s.ChunkSize,
		TotalChunks:      s.TotalChunks,
		CompletedChunks:  nonNil(s.CompletedChunks),
		UploadedSize:     s.UploadedSize,
		Checksum:         s.Checksum,
		CreatedAt:        s.CreatedAt,
		CompletedAt:      s.CompletedAt,
	})
}

func (h *HttpHandler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	// The body is optional.
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, err)
		return
	}

	session, err := h.completionService.CompleteUpload(r.Context(), mux.Vars(r)["uuid"], req.Checksum)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, completeResponse{
		UUID:     session.UploadId,
		Status:   session.Status,
		Checksum: session.Checksum,
	})
}

func (h *HttpHandler) CancelUpload(w http.ResponseWriter, r *http.Request) {
	if err := h.sessionService.Cancel(r.Context(), mux.Vars(r)["uuid"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HttpHandler) AttachImage(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.attachmentService.Attach(r.Context(), mux.Vars(r)["sku"], req.UploadUUID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// chunkPayload returns the multipart "chunk" part when the request is a
// form upload, and the raw body otherwise.
func chunkPayload(r *http.Request) (io.Reader, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, errors.Join(apperror.ErrEmptyChunk, err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, apperror.ErrEmptyChunk
		}
		if err != nil {
			return nil, errors.Join(apperror.ErrEmptyChunk, err)
		}
		if part.FormName() == chunkFormField {
			return part, nil
		}
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(apperror.ErrInvalidShape, err)
	}
	return nil
}

func nonNil(chunks []int) []int {
	if chunks == nil {
		return []int{}
	}
	return chunks
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *HttpHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = http.StatusText(status)
	} else {
		h.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": strings.TrimSpace(msg)})
}

// StatusFor maps domain errors to HTTP status codes. Not found wins over
// every other classification.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperror.ErrInvalidShape),
		errors.Is(err, apperror.ErrOutOfRange),
		errors.Is(err, apperror.ErrEmptyChunk):
		return http.StatusBadRequest
	case errors.Is(err, apperror.ErrInvalidState),
		errors.Is(err, apperror.ErrIncompleteUpload),
		errors.Is(err, apperror.ErrUploadNotReady),
		errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperror.ErrChunkTooLarge),
		errors.Is(err, apperror.ErrChecksumMismatch),
		errors.Is(err, apperror.ErrSizeMismatch),
		errors.Is(err, apperror.ErrUnsupportedImageFormat):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperror.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
