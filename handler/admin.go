package handler

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/dnenashev/ocr-shools-import/model"
	"github.com/dnenashev/ocr-shools-import/pkg/logger"
	"github.com/dnenashev/ocr-shools-import/service"
	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson"
)

// adminStore is the slice of the store the admin panel needs.
type adminStore interface {
	List(ctx context.Context, f service.ListFilter) ([]model.Student, int64, error)
	ExportAll(ctx context.Context, f service.ListFilter) ([]model.Student, error)
	Get(ctx context.Context, id string) (*model.Student, error)
	Update(ctx context.Context, id string, fields bson.M) error
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (total, sent, unsent int64, err error)
}

// amoSyncer triggers CRM pushes and verification passes.
type amoSyncer interface {
	SyncStudents(ctx context.Context, ids []string) (*service.SyncResults, error)
	VerifySent(ctx context.Context) (*service.VerifyResults, error)
}

type AdminHandler struct {
	store   adminStore
	amo     amoSyncer
	storage service.ImageStorage
}

func NewAdminHandler(store adminStore, amo amoSyncer, storage service.ImageStorage) *AdminHandler {
	return &AdminHandler{store: store, amo: amo, storage: storage}
}

// parseListFilter reads the shared list/export query parameters
func parseListFilter(c *gin.Context) service.ListFilter {
	var f service.ListFilter

	if skip, err := strconv.ParseInt(c.Query("skip"), 10, 64); err == nil && skip > 0 {
		f.Skip = skip
	}
	if limit, err := strconv.ParseInt(c.Query("limit"), 10, 64); err == nil && limit > 0 {
		f.Limit = limit
	}
	if sent := c.Query("sent_to_amo"); sent != "" {
		if v, err := strconv.ParseBool(sent); err == nil {
			f.SentToAmo = &v
		}
	}
	f.Search = strings.TrimSpace(c.Query("search"))

	return f
}

// ListStudents returns a page of submissions, newest first, without the raw
// extraction payload.
func (h *AdminHandler) ListStudents(c *gin.Context) {
	f := parseListFilter(c)

	students, total, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list students: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"students": students,
		"total":    total,
	})
}

func (h *AdminHandler) GetStudent(c *gin.Context) {
	student, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, student)
}

// editableField converts one whitelisted request field into its stored form
func editableField(key string, value any) (any, bool) {
	switch key {
	case "fio", "school", "class", "phone", "application_type":
		s, ok := value.(string)
		if !ok {
			return nil, false
		}
		return strings.TrimSpace(s), true
	case "parent_fio", "parent_phone", "feedback":
		if value == nil {
			return nil, true
		}
		s, ok := value.(string)
		if !ok {
			return nil, false
		}
		return model.OptionalText(s), true
	case "masterclass_rating", "speaker_rating":
		return model.CoerceRating(value), true
	case "image_paths":
		list, ok := value.([]any)
		if !ok {
			return nil, false
		}
		paths := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			paths = append(paths, s)
		}
		return paths, true
	default:
		// Unknown keys are dropped; lifecycle fields are not editable
		return nil, false
	}
}

// UpdateStudent applies a partial edit. Creation time and sync state are
// managed by the store and cannot be edited here.
func (h *AdminHandler) UpdateStudent(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	fields := bson.M{}
	for key, value := range body {
		if stored, ok := editableField(key, value); ok {
			fields[key] = stored
		}
	}
	if len(fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No editable fields provided"})
		return
	}

	if err := h.store.Update(c.Request.Context(), c.Param("id"), fields); err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Student updated"})
}

// DeleteStudent removes a submission and its stored images. Image removal is
// best effort, a failed cleanup never blocks the delete.
func (h *AdminHandler) DeleteStudent(c *gin.Context) {
	student, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}

	if err := h.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondStoreError(c, err)
		return
	}

	for _, p := range student.ImagePaths {
		name := storedObjectName(p)
		if name == "" {
			continue
		}
		if err := h.storage.Delete(c.Request.Context(), name); err != nil {
			logger.Warn(c.Request.Context(), "failed to remove student image",
				"student_id", c.Param("id"), "object", name, "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "Student deleted"})
}

// storedObjectName extracts the storage object name from a recorded image
// path, which is either a local "/uploads/<name>" path or a presigned URL.
func storedObjectName(imagePath string) string {
	u, err := url.Parse(imagePath)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

type SendToAmoRequest struct {
	StudentIDs []string `json:"student_ids"`
}

// SendToAmo pushes unsent submissions to the CRM. An empty body syncs every
// unsent submission up to the batch cap.
func (h *AdminHandler) SendToAmo(c *gin.Context) {
	var req SendToAmoRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}

	results, err := h.amo.SyncStudents(c.Request.Context(), req.StudentIDs)
	if err != nil {
		if errors.Is(err, service.ErrInvalidID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid student id"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Sync failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, results)
}

// VerifyAmo re-checks sent submissions against the CRM and resets the ones
// whose leads disappeared upstream.
func (h *AdminHandler) VerifyAmo(c *gin.Context) {
	results, err := h.amo.VerifySent(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Verification failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, results)
}

func (h *AdminHandler) Stats(c *gin.Context) {
	total, sent, unsent, err := h.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load stats: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":  total,
		"sent":   sent,
		"unsent": unsent,
	})
}

func respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid student id"})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Student not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
