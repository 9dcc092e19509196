package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"coffer/internal/server/database"
	"coffer/internal/server/service"
	"coffer/internal/server/storage"
)

// Handler contains the HTTP handlers for the coffer API.
type Handler struct {
	files   *service.FileService
	cleanup *service.CleanupService
	db      *database.DB
}

// NewHandler creates a new handler with the given service dependencies.
func NewHandler(files *service.FileService, cleanup *service.CleanupService, db *database.DB) *Handler {
	return &Handler{files: files, cleanup: cleanup, db: db}
}

// workspaceID reads the mandatory X-Workspace-ID header.
func workspaceID(c echo.Context) (uuid.UUID, error) {
	raw := c.Request().Header.Get(HeaderWorkspaceID)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("missing %s header", HeaderWorkspaceID)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s header: %w", HeaderWorkspaceID, err)
	}
	return id, nil
}

// userID reads the optional X-User-ID header.
func userID(c echo.Context) *uuid.UUID {
	raw := c.Request().Header.Get(HeaderUserID)
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}

// HandleUpload handles POST /api/files.
// Accepts a multipart form with a "file" field and optional "folder_path",
// "is_public", and "expires_at" (RFC 3339) fields.
func (h *Handler) HandleUpload(c echo.Context) error {
	ws, err := workspaceID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "file is required (use form field 'file')",
		})
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}
	defer src.Close()

	req := service.UploadRequest{
		WorkspaceID: ws,
		UploadedBy:  userID(c),
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Size:        fileHeader.Size,
		Content:     src,
		IsPublic:    c.FormValue("is_public") == "true",
	}
	if folder := c.FormValue("folder_path"); folder != "" {
		req.FolderPath = &folder
	}
	if raw := c.FormValue("expires_at"); raw != "" {
		expires, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error": "expires_at must be RFC 3339",
			})
		}
		req.ExpiresAt = &expires
	}

	record, err := h.files.Upload(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, record)
}

// HandleDownload handles GET /api/files/:id/download.
// Streams the file content as an attachment.
func (h *Handler) HandleDownload(c echo.Context) error {
	ws, err := workspaceID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	fileID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid file id"})
	}

	body, record, err := h.files.Download(c.Request().Context(), ws, fileID, userID(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	defer body.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", record.OriginalFilename))
	return c.Stream(http.StatusOK, record.ContentType, body)
}

// HandleInfo handles GET /api/files/:id.
// Returns the file's metadata record without serving the content.
func (h *Handler) HandleInfo(c echo.Context) error {
	ws, err := workspaceID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	fileID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid file id"})
	}

	record, err := h.files.Get(c.Request().Context(), ws, fileID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, record)
}

// HandleList handles GET /api/files.
// Supports "folder_path", "limit", and "offset" query parameters.
func (h *Handler) HandleList(c echo.Context) error {
	ws, err := workspaceID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	var folderPath *string
	if folder := c.QueryParam("folder_path"); folder != "" {
		folderPath = &folder
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	page, err := h.files.List(c.Request().Context(), ws, folderPath, limit, offset)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// HandleDelete handles DELETE /api/files/:id.
// Soft deletes by default; "?hard=true" removes the object and record
// immediately.
func (h *Handler) HandleDelete(c echo.Context) error {
	ws, err := workspaceID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	fileID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid file id"})
	}

	hard := c.QueryParam("hard") == "true"
	if err := h.files.Delete(c.Request().Context(), ws, fileID, userID(c), hard); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "file deleted"})
}

// HandleRestore handles POST /api/files/:id/restore.
func (h *Handler) HandleRestore(c echo.Context) error {
	ws, err := workspaceID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	fileID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid file id"})
	}

	record, err := h.files.Restore(c.Request().Context(), ws, fileID, userID(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, record)
}

// HandleSignedURL handles GET /api/files/:id/signed-url.
// Supports "op" (get, put, delete; default get) and "ttl_seconds" query
// parameters.
func (h *Handler) HandleSignedURL(c echo.Context) error {
	ws, err := workspaceID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	fileID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid file id"})
	}

	op := storage.OpGet
	switch c.QueryParam("op") {
	case "", "get":
	case "put":
		op = storage.OpPut
	case "delete":
		op = storage.OpDelete
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "op must be get, put, or delete"})
	}

	var ttl time.Duration
	if raw := c.QueryParam("ttl_seconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "ttl_seconds must be a positive integer"})
		}
		ttl = time.Duration(secs) * time.Second
	}

	signed, err := h.files.SignedURL(c.Request().Context(), ws, fileID, userID(c), op, ttl)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, signed)
}

// HandleStats handles GET /api/stats.
// Returns the workspace's quota state and per-status usage.
func (h *Handler) HandleStats(c echo.Context) error {
	ws, err := workspaceID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	stats, err := h.files.Stats(c.Request().Context(), ws)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// HandleCleanup handles POST /api/admin/cleanup.
// Accepts a JSON CleanupOptions body; an empty body runs every pass.
func (h *Handler) HandleCleanup(c echo.Context) error {
	opts := service.DefaultCleanupOptions()
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&opts); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid cleanup options"})
		}
	}

	report, err := h.cleanup.FullCleanup(c.Request().Context(), opts)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// HandleStorageStats handles GET /api/admin/storage-stats.
// Returns database-wide aggregates across all workspaces.
func (h *Handler) HandleStorageStats(c echo.Context) error {
	stats, err := h.cleanup.StorageStats(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, storage.ErrValidation):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "file not found"})
	case errors.Is(err, service.ErrFileExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "file has expired"})
	case errors.Is(err, service.ErrQuotaExceeded):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{"error": err.Error()})
	case errors.Is(err, storage.ErrCrossWorkspace):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "key is outside the caller's workspace"})
	case errors.Is(err, storage.ErrBackendUnavailable):
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "storage backend unavailable"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}
