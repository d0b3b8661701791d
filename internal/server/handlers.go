package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/telecloud/telecloud/internal/api"
	"github.com/telecloud/telecloud/internal/engine"
	"github.com/telecloud/telecloud/internal/manifest"
)

// fileView is the JSON representation of a stored file.
type fileView struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Folder    string    `json:"folder,omitempty"`
	Size      int64     `json:"size"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toFileView(f *manifest.FileRecord) fileView {
	return fileView{
		ID:        f.ID,
		Filename:  f.Filename,
		Folder:    f.Folder,
		Size:      f.TotalSize,
		Status:    string(f.Status),
		CreatedAt: f.CreatedAt,
		UpdatedAt: f.UpdatedAt,
	}
}

// writeJSON writes v as the JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response body", "error", err)
	}
}

// writeError writes an API error as a JSON response body.
func writeError(w http.ResponseWriter, apiErr *api.Error) {
	writeJSON(w, apiErr.HTTPStatus, map[string]*api.Error{"error": apiErr})
}

// mapError translates engine and manifest errors into API errors.
func mapError(err error) *api.Error {
	var incomplete *engine.UploadIncompleteError
	var integrity *engine.IntegrityError
	switch {
	case errors.Is(err, engine.ErrFileNotAvailable),
		errors.Is(err, manifest.ErrFileNotFound):
		return api.ErrFileNotFound
	case errors.Is(err, engine.ErrInvalidState):
		return api.ErrInvalidState
	case errors.As(err, &incomplete):
		return api.ErrUploadIncomplete.WithDetail("failed_chunks", fmt.Sprint(incomplete.FailedIndices))
	case errors.As(err, &integrity):
		return api.ErrIntegrityFailure.WithDetail("chunk_index", fmt.Sprint(integrity.SequenceIndex))
	default:
		slog.Error("request failed", "error", err)
		return api.ErrInternal
	}
}

// filePart locates the uploaded file part in a multipart stream, returning it
// together with any folder field that preceded it. The file's bytes are never
// buffered; the part is handed to the upload pipeline as a stream.
func filePart(mr *multipart.Reader) (*multipart.Part, string, error) {
	folder := ""
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, "", err
		}
		switch part.FormName() {
		case "folder":
			val, err := io.ReadAll(io.LimitReader(part, 1024))
			part.Close()
			if err != nil {
				return nil, "", err
			}
			folder = string(val)
		case "file":
			return part, folder, nil
		default:
			part.Close()
		}
	}
}

// handleUpload ingests a multipart upload. The "file" part is streamed
// straight into the chunking pipeline; a "folder" field, when present, must
// precede it in the form.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, api.ErrBadRequest.WithDetail("reason", "multipart body required"))
		return
	}
	part, folder, err := filePart(mr)
	if err != nil {
		writeError(w, api.ErrBadRequest.WithDetail("reason", "missing file part"))
		return
	}
	defer part.Close()

	filename := part.FileName()
	if filename == "" {
		writeError(w, api.ErrBadRequest.WithDetail("reason", "file part has no filename"))
		return
	}

	f, err := s.uploader.Upload(r.Context(), ownerID(r), filename, folder, part, r.ContentLength)
	if err != nil {
		writeError(w, mapError(err))
		return
	}
	writeJSON(w, http.StatusCreated, toFileView(f))
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.ListFiles(r.Context(), ownerID(r), manifest.ListOptions{
		Folder: r.URL.Query().Get("folder"),
	})
	if err != nil {
		writeError(w, mapError(err))
		return
	}
	views := make([]fileView, 0, len(files))
	for i := range files {
		views = append(views, toFileView(&files[i]))
	}
	writeJSON(w, http.StatusOK, map[string][]fileView{"files": views})
}

func (s *Server) handleStatFile(w http.ResponseWriter, r *http.Request) {
	f, err := s.downloader.Stat(r.Context(), ownerID(r), chi.URLParam(r, "fileID"))
	if err != nil {
		writeError(w, mapError(err))
		return
	}
	writeJSON(w, http.StatusOK, toFileView(f))
}

// handleDownload streams the reconstructed file. Headers are committed after
// the manifest lookup but before the first chunk arrives, so a mid-stream
// integrity failure surfaces to the client as a short body, not a status.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")
	f, err := s.downloader.Stat(r.Context(), ownerID(r), fileID)
	if err != nil {
		writeError(w, mapError(err))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(f.TotalSize))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.Filename))

	if err := s.downloader.Download(r.Context(), ownerID(r), fileID, w); err != nil {
		// Too late for an error body; the truncated Content-Length tells
		// the client the stream is incomplete.
		slog.Warn("download aborted mid-stream", "file_id", fileID, "error", err)
	}
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Filename string `json:"filename"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Filename == "" {
		writeError(w, api.ErrBadRequest.WithDetail("reason", "filename required"))
		return
	}
	fileID := chi.URLParam(r, "fileID")
	if err := s.lifecycle.Rename(r.Context(), ownerID(r), fileID, body.Filename); err != nil {
		writeError(w, mapError(err))
		return
	}
	f, err := s.store.GetFile(r.Context(), fileID)
	if err != nil {
		writeError(w, mapError(err))
		return
	}
	writeJSON(w, http.StatusOK, toFileView(f))
}

func (s *Server) handleTrash(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.Trash(r.Context(), ownerID(r), chi.URLParam(r, "fileID")); err != nil {
		writeError(w, mapError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.Restore(r.Context(), ownerID(r), chi.URLParam(r, "fileID")); err != nil {
		writeError(w, mapError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePermanentDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.PermanentDelete(r.Context(), ownerID(r), chi.URLParam(r, "fileID")); err != nil {
		writeError(w, mapError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTrash(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.ListFiles(r.Context(), ownerID(r), manifest.ListOptions{
		Status: manifest.FileTrashed,
	})
	if err != nil {
		writeError(w, mapError(err))
		return
	}
	views := make([]fileView, 0, len(files))
	for i := range files {
		views = append(views, toFileView(&files[i]))
	}
	writeJSON(w, http.StatusOK, map[string][]fileView{"files": views})
}

// handleEmptyTrash reports per-file outcomes: deleted IDs plus the IDs still
// trashed and why.
func (s *Server) handleEmptyTrash(w http.ResponseWriter, r *http.Request) {
	report, err := s.lifecycle.EmptyTrash(r.Context(), ownerID(r))
	if err != nil {
		writeError(w, mapError(err))
		return
	}
	remaining := make(map[string]string, len(report.Remaining))
	for id, ferr := range report.Remaining {
		remaining[id] = ferr.Error()
	}
	deleted := report.Deleted
	if deleted == nil {
		deleted = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":   deleted,
		"remaining": remaining,
	})
}
