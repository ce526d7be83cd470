package share

import (
	"encoding/json"
	"errors"
	"math"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tempshare/service/internal/response"
)

const (
	defaultDurationHours = "1"
	multipartMemory      = 32 << 20
)

// Handler holds HTTP handlers for share endpoints.
type Handler struct {
	svc            *Service
	maxUploadBytes int64
	log            *zap.Logger
}

// NewHandler creates a new share Handler.
func NewHandler(svc *Service, maxUploadBytes int64, log *zap.Logger) *Handler {
	return &Handler{svc: svc, maxUploadBytes: maxUploadBytes, log: log.Named("http")}
}

// Routes registers the share endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/upload", h.Upload)
	r.Post("/deleteFile", h.DeleteFile)
	r.Get("/{code}", h.Resolve)
}

type uploadResponse struct {
	Code string `json:"code" example:"4821"`
}

type deleteFileRequest struct {
	Code string `json:"code" example:"4821"`
}

// Upload godoc
//
//	@Summary		Upload a file
//	@Description	Store a file and return a 4-digit code that resolves to it until the chosen expiry elapses.
//	@Tags			shares
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			file		formData	file	true	"File to share"
//	@Param			duration	formData	number	false	"Expiry in hours (default 1, max 24)"
//	@Success		200			{object}	uploadResponse
//	@Failure		400			{object}	response.ErrorBody
//	@Failure		413			{object}	response.ErrorBody
//	@Failure		500			{object}	response.ErrorBody
//	@Failure		503			{object}	response.ErrorBody
//	@Router			/upload [post]
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.PayloadTooLarge(w, "file exceeds the upload limit")
			return
		}
		response.BadRequest(w, "file is required")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	file, header, err := r.FormFile("file")
	if err != nil {
		response.BadRequest(w, "file is required")
		return
	}
	defer file.Close()

	duration, err := parseDurationHours(r.FormValue("duration"))
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	rec, err := h.svc.Upload(r.Context(), UploadInput{
		FileName:    header.Filename,
		Size:        header.Size,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
		Duration:    duration,
	})
	switch {
	case err == nil:
		response.OK(w, uploadResponse{Code: rec.Code})
	case errors.Is(err, ErrInvalidInput):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ErrCodeSpaceExhausted):
		h.log.Error("upload rejected: code space exhausted", zap.Error(err))
		response.ServiceUnavailable(w, "no share codes available, try again later")
	default:
		h.log.Error("upload failed", zap.String("file_name", header.Filename), zap.Error(err))
		response.Error(w, http.StatusInternalServerError, "Error during file upload and document creation.")
	}
}

// Resolve godoc
//
//	@Summary		Resolve a code
//	@Description	Return the download descriptor of a live share.
//	@Tags			shares
//	@Produce		json
//	@Param			code	path		string	true	"Share code"
//	@Success		200		{object}	Descriptor
//	@Failure		400		{object}	response.ErrorBody
//	@Failure		404		{object}	response.ErrorBody
//	@Failure		500		{object}	response.ErrorBody
//	@Router			/{code} [get]
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	d, err := h.svc.Resolve(r.Context(), code)
	switch {
	case err == nil:
		response.OK(w, d)
	case errors.Is(err, ErrInvalidInput):
		response.BadRequest(w, "code is required")
	case h.svc.IsNotFound(err):
		response.NotFound(w, "file not found")
	default:
		h.log.Error("resolve failed", zap.String("code", code), zap.Error(err))
		response.InternalError(w)
	}
}

// DeleteFile godoc
//
//	@Summary		Delete a share now
//	@Description	Immediately remove the file, its code and its pending expiry job. Idempotent.
//	@Tags			shares
//	@Accept			json
//	@Produce		json
//	@Param			request	body		deleteFileRequest	true	"Share code"
//	@Success		200		{object}	response.MessageBody
//	@Failure		400		{object}	response.ErrorBody
//	@Failure		500		{object}	response.ErrorBody
//	@Router			/deleteFile [post]
func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	code, err := readCode(r)
	if err != nil || code == "" {
		response.BadRequest(w, "code is required")
		return
	}

	if err := h.svc.Expire(r.Context(), code); err != nil {
		h.log.Error("delete failed", zap.String("code", code), zap.Error(err))
		response.Error(w, http.StatusInternalServerError, "Failed to delete file.")
		return
	}
	response.Message(w, "File deleted successfully.")
}

// readCode accepts the code as a JSON body or as a URL-encoded form field.
func readCode(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req deleteFileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", err
		}
		return req.Code, nil
	}
	return r.FormValue("code"), nil
}

// parseDurationHours converts a decimal hour count ("0.05", "1", "24") to a duration.
func parseDurationHours(raw string) (time.Duration, error) {
	if raw == "" {
		raw = defaultDurationHours
	}
	hours, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(hours) || math.IsInf(hours, 0) {
		return 0, errors.New("duration must be a number of hours")
	}
	if hours <= 0 {
		return 0, errors.New("duration must be positive")
	}
	if hours >= float64(math.MaxInt64)/float64(time.Hour) {
		return 0, errors.New("duration is too long")
	}
	return time.Duration(hours * float64(time.Hour)), nil
}
