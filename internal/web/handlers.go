package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/zombor/receipt-scanner/internal/acquire"
	"github.com/zombor/receipt-scanner/internal/dashboard"
	"github.com/zombor/receipt-scanner/internal/receipt"
	"github.com/zombor/receipt-scanner/internal/scanning"
	"github.com/zombor/receipt-scanner/internal/session"
)

// errValidation marks a request body that failed validation
var errValidation = errors.New("invalid request")

type signInRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type editDraftRequest struct {
	Field string `json:"field" validate:"required,oneof=vendor total date category"`
	// Value may be empty to clear the field
	Value string `json:"value"`
}

type captureRequest struct {
	Frame string `json:"frame" validate:"omitempty,startswith=data:image/"`
}

// statusFor maps the error taxonomy to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrAuthRequired), errors.Is(err, session.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, acquire.ErrAcquisition), errors.Is(err, receipt.ErrUnknownField), errors.Is(err, errValidation):
		return http.StatusBadRequest
	case errors.Is(err, receipt.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dashboard.ErrBusy), errors.Is(err, dashboard.ErrAbandoned), errors.Is(err, receipt.ErrNoDraft):
		return http.StatusConflict
	case errors.Is(err, scanning.ErrExtractionFailed):
		return http.StatusBadGateway
	case errors.Is(err, receipt.ErrPersistenceFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes v with the given status and CORS headers set
func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes {"error": ...} with the status mapped from err
func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		slog.Error("Unhandled request error", "error", err)
		message = "Internal server error"
	}
	writeJSON(w, code, map[string]string{"error": message})
}

// decodeBody decodes and validates a JSON request body into v
func (s *Server) decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed body", errValidation)
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", errValidation, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", errValidation, err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSignIn starts a session and returns its token
func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	token, sess, err := s.sessions.SignIn(req.Username, req.Password)
	if err != nil {
		slog.Warn("Sign-in failed", "user", req.Username, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"token": token,
		"user":  session.User{UID: sess.OwnerID()},
	})
}

func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request, c caller) {
	user, ok := s.sessions.CurrentUser(c.token)
	if !ok {
		writeError(w, session.ErrAuthRequired)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleSignOut ends the session. The dashboard is torn down by the registry.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request, c caller) {
	if err := s.sessions.SignOut(c.token); err != nil {
		writeError(w, err)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleDashboard refetches the list and returns the whole view. A failed refetch
// shows up in the view's error.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request, c caller) {
	_, _ = c.dash.Refresh(r.Context())
	writeJSON(w, http.StatusOK, c.dash.View())
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request, c caller) {
	records, err := c.dash.Refresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request, c caller) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, fmt.Errorf("%w: receipt ID required", errValidation))
		return
	}
	if err := c.dash.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleReceiptImage returns the stored image of a receipt
func (s *Server) handleReceiptImage(w http.ResponseWriter, r *http.Request, c caller) {
	if s.images == nil {
		writeError(w, receipt.ErrNotFound)
		return
	}
	img, err := s.images.Image(r.Context(), c.session.OwnerID(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", img.ContentType)
	if _, err := w.Write(img.Data); err != nil {
		slog.Error("Error writing image", "error", err)
	}
}

// handleUpload scans a file sent as multipart field "file"
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, c caller) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, fmt.Errorf("%w: file is too large, maximum size is 50MB", acquire.ErrAcquisition))
			return
		}
		writeError(w, fmt.Errorf("%w: error parsing form", acquire.ErrAcquisition))
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: no file was selected", acquire.ErrAcquisition))
		return
	}
	defer f.Close()

	draft, err := c.dash.Upload(r.Context(), acquire.File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        f,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

// handleCapture scans a camera frame. A body with a data URL frame uses that frame,
// otherwise the configured camera is asked for one.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request, c caller) {
	var req captureRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize))
	if err != nil {
		writeError(w, fmt.Errorf("%w: reading body", acquire.ErrAcquisition))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, fmt.Errorf("%w: malformed body", errValidation))
			return
		}
		if err := s.validate.Struct(&req); err != nil {
			writeError(w, fmt.Errorf("%w: frame must be an image data URL", errValidation))
			return
		}
	}

	cam := s.camera
	if req.Frame != "" {
		cam = acquire.DataURLFrame(req.Frame)
	}

	draft, err := c.dash.Capture(r.Context(), cam)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *Server) handleAbandonScan(w http.ResponseWriter, r *http.Request, c caller) {
	writeJSON(w, http.StatusOK, map[string]bool{"abandoned": c.dash.AbandonAcquisition()})
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request, c caller) {
	draft, err := c.dash.Draft()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *Server) handleEditDraft(w http.ResponseWriter, r *http.Request, c caller) {
	var req editDraftRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	draft, err := c.dash.Edit(req.Field, req.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *Server) handleConfirmDraft(w http.ResponseWriter, r *http.Request, c caller) {
	record, err := c.dash.Confirm(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleCancelDraft(w http.ResponseWriter, r *http.Request, c caller) {
	if err := c.dash.Cancel(); err != nil {
		writeError(w, err)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}
