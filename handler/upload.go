package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dnenashev/ocr-shools-import/config"
	"github.com/dnenashev/ocr-shools-import/model"
	"github.com/dnenashev/ocr-shools-import/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// extractor is the slice of the OCR service the upload flow needs.
type extractor interface {
	Extract(ctx context.Context, imageData []byte, filename string, profile service.Profile) (*model.ExtractionResult, error)
}

// studentInserter is the slice of the store the upload flow needs.
type studentInserter interface {
	Insert(ctx context.Context, student *model.Student) (primitive.ObjectID, error)
}

type UploadHandler struct {
	config  *config.Config
	ocr     extractor
	storage service.ImageStorage
	store   studentInserter
}

func NewUploadHandler(cfg *config.Config, ocr extractor, storage service.ImageStorage, store studentInserter) *UploadHandler {
	return &UploadHandler{
		config:  cfg,
		ocr:     ocr,
		storage: storage,
		store:   store,
	}
}

var allowedImageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
}

// readUpload validates and stores the uploaded image, returning its bytes,
// the stored path and the client filename. The file is written before
// extraction, so an abandoned draft leaves the file behind.
func (h *UploadHandler) readUpload(c *gin.Context) ([]byte, string, string, bool) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return nil, "", "", false
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedImageExts[ext] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only JPG, PNG, WEBP and GIF images are allowed"})
		return nil, "", "", false
	}

	maxBytes := h.config.Storage.MaxUploadMB * 1024 * 1024
	if header.Size > maxBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("File exceeds %dMB limit", h.config.Storage.MaxUploadMB)})
		return nil, "", "", false
	}

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file"})
		return nil, "", "", false
	}
	if int64(len(data)) > maxBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("File exceeds %dMB limit", h.config.Storage.MaxUploadMB)})
		return nil, "", "", false
	}

	objectName := uuid.New().String() + ext
	contentType := header.Header.Get("Content-Type")
	path, err := h.storage.Save(c.Request.Context(), objectName, bytes.NewReader(data), int64(len(data)), contentType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store file: " + err.Error()})
		return nil, "", "", false
	}

	return data, path, header.Filename, true
}

// Upload recognizes applicant fields from a form photo and returns an
// editable draft. Nothing is persisted until the operator saves it.
func (h *UploadHandler) Upload(c *gin.Context) {
	applicationType := c.PostForm("application_type")

	data, path, filename, ok := h.readUpload(c)
	if !ok {
		return
	}

	// The extraction hint is the client filename; the stored path may be a
	// presigned URL whose query string hides the extension.
	result, err := h.ocr.Extract(c.Request.Context(), data, filename, service.ProfileApplicant)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Extraction service unavailable: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"recognized":       result.Recognized,
		"fio":              result.Applicant.FIO,
		"school":           result.Applicant.School,
		"class":            result.Applicant.Class,
		"phone":            result.Applicant.Phone,
		"application_type": applicationType,
		"image_path":       path,
		"ocr_raw":          result.Raw,
	})
}

// UploadFeedback recognizes rating and comment fields from a feedback form.
func (h *UploadHandler) UploadFeedback(c *gin.Context) {
	data, path, filename, ok := h.readUpload(c)
	if !ok {
		return
	}

	result, err := h.ocr.Extract(c.Request.Context(), data, filename, service.ProfileFeedback)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Extraction service unavailable: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"recognized":         result.Recognized,
		"masterclass_rating": result.Feedback.MasterclassRating,
		"speaker_rating":     result.Feedback.SpeakerRating,
		"feedback":           result.Feedback.Feedback,
		"image_path":         path,
		"ocr_raw":            result.Raw,
	})
}

type SaveRequest struct {
	FIO               string   `json:"fio" binding:"required"`
	School            string   `json:"school"`
	Class             string   `json:"class"`
	Phone             string   `json:"phone"`
	ParentFIO         string   `json:"parent_fio"`
	ParentPhone       string   `json:"parent_phone"`
	MasterclassRating any      `json:"masterclass_rating"`
	SpeakerRating     any      `json:"speaker_rating"`
	Feedback          string   `json:"feedback"`
	ApplicationType   string   `json:"application_type"`
	ImagePaths        []string `json:"image_paths"`
	OCRRaw            any      `json:"ocr_raw"`
}

func (req *SaveRequest) toStudent() *model.Student {
	imagePaths := req.ImagePaths
	if imagePaths == nil {
		imagePaths = []string{}
	}

	return &model.Student{
		FIO:               strings.TrimSpace(req.FIO),
		School:            strings.TrimSpace(req.School),
		Class:             strings.TrimSpace(req.Class),
		Phone:             strings.TrimSpace(req.Phone),
		ParentFIO:         model.OptionalText(req.ParentFIO),
		ParentPhone:       model.OptionalText(req.ParentPhone),
		MasterclassRating: model.CoerceRating(req.MasterclassRating),
		SpeakerRating:     model.CoerceRating(req.SpeakerRating),
		Feedback:          model.OptionalText(req.Feedback),
		ApplicationType:   strings.TrimSpace(req.ApplicationType),
		ImagePaths:        imagePaths,
		OCRRaw:            req.OCRRaw,
		CreatedAt:         time.Now(),
		SentToAmo:         false,
	}
}

func (h *UploadHandler) insertStudent(c *gin.Context, student *model.Student) {
	id, err := h.store.Insert(c.Request.Context(), student)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id.Hex()})
}

// bindSaveRequest reads a submission draft from either a JSON body or form
// fields. The admin panel sends JSON, plain HTML forms post urlencoded data.
func bindSaveRequest(c *gin.Context) (*SaveRequest, bool) {
	var req SaveRequest
	if strings.HasPrefix(c.ContentType(), "application/json") {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: fio is required"})
			return nil, false
		}
		return &req, true
	}

	req.FIO = c.PostForm("fio")
	if strings.TrimSpace(req.FIO) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: fio is required"})
		return nil, false
	}
	req.School = c.PostForm("school")
	req.Class = c.PostForm("class")
	req.Phone = c.PostForm("phone")
	req.ParentFIO = c.PostForm("parent_fio")
	req.ParentPhone = c.PostForm("parent_phone")
	req.Feedback = c.PostForm("feedback")
	req.ApplicationType = c.PostForm("application_type")
	if v, ok := c.GetPostForm("masterclass_rating"); ok {
		req.MasterclassRating = v
	}
	if v, ok := c.GetPostForm("speaker_rating"); ok {
		req.SpeakerRating = v
	}
	if paths, ok := c.GetPostFormArray("image_paths"); ok {
		req.ImagePaths = paths
	}
	if v, ok := c.GetPostForm("ocr_raw"); ok {
		req.OCRRaw = v
	}
	return &req, true
}

// Save persists the reviewed draft as a new submission.
func (h *UploadHandler) Save(c *gin.Context) {
	req, ok := bindSaveRequest(c)
	if !ok {
		return
	}

	h.insertStudent(c, req.toStudent())
}

// Manual persists a hand-typed submission without any image or extraction.
func (h *UploadHandler) Manual(c *gin.Context) {
	req, ok := bindSaveRequest(c)
	if !ok {
		return
	}
	req.ImagePaths = nil
	req.OCRRaw = nil

	h.insertStudent(c, req.toStudent())
}
