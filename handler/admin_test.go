package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dnenashev/ocr-shools-import/model"
	"github.com/dnenashev/ocr-shools-import/service"
	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fakeAdminStore struct {
	students   []model.Student
	total      int64
	err        error
	lastFilter service.ListFilter
	lastID     string
	lastUpdate bson.M
	deleted    []string
}

func (f *fakeAdminStore) List(ctx context.Context, filter service.ListFilter) ([]model.Student, int64, error) {
	f.lastFilter = filter
	return f.students, f.total, f.err
}

func (f *fakeAdminStore) ExportAll(ctx context.Context, filter service.ListFilter) ([]model.Student, error) {
	f.lastFilter = filter
	return f.students, f.err
}

func (f *fakeAdminStore) Get(ctx context.Context, id string) (*model.Student, error) {
	f.lastID = id
	if f.err != nil {
		return nil, f.err
	}
	if len(f.students) == 0 {
		return nil, service.ErrNotFound
	}
	return &f.students[0], nil
}

func (f *fakeAdminStore) Update(ctx context.Context, id string, fields bson.M) error {
	f.lastID = id
	f.lastUpdate = fields
	return f.err
}

func (f *fakeAdminStore) Delete(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return f.err
}

func (f *fakeAdminStore) Stats(ctx context.Context) (int64, int64, int64, error) {
	return f.total, 1, f.total - 1, f.err
}

type fakeSyncer struct {
	syncResults   *service.SyncResults
	verifyResults *service.VerifyResults
	err           error
	lastIDs       []string
	verifyCalls   int
}

func (f *fakeSyncer) SyncStudents(ctx context.Context, ids []string) (*service.SyncResults, error) {
	f.lastIDs = ids
	return f.syncResults, f.err
}

func (f *fakeSyncer) VerifySent(ctx context.Context) (*service.VerifyResults, error) {
	f.verifyCalls++
	return f.verifyResults, f.err
}

type fakeImageStorage struct {
	deleted   []string
	deleteErr error
}

func (f *fakeImageStorage) Save(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error) {
	return "/uploads/" + name, nil
}

func (f *fakeImageStorage) Delete(ctx context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return f.deleteErr
}

func sampleStudent() model.Student {
	return model.Student{
		ID:              primitive.NewObjectID(),
		FIO:             "Иванов Иван",
		School:          "Школа 5",
		Class:           "7А",
		Phone:           "+79001234567",
		ApplicationType: "Мастер-класс",
		ImagePaths:      []string{},
		CreatedAt:       time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAdminHandlerListStudents(t *testing.T) {
	store := &fakeAdminStore{students: []model.Student{sampleStudent()}, total: 42}
	handler := NewAdminHandler(store, &fakeSyncer{}, &fakeImageStorage{})

	router := gin.New()
	router.GET("/admin/students", handler.ListStudents)

	req := httptest.NewRequest("GET", "/admin/students?skip=10&limit=20&sent_to_amo=false&search=Иванов", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	if store.lastFilter.Skip != 10 || store.lastFilter.Limit != 20 {
		t.Errorf("Expected skip=10 limit=20, got %+v", store.lastFilter)
	}
	if store.lastFilter.SentToAmo == nil || *store.lastFilter.SentToAmo {
		t.Error("Expected sent_to_amo=false filter")
	}
	if store.lastFilter.Search != "Иванов" {
		t.Errorf("Expected search filter, got %q", store.lastFilter.Search)
	}

	var response struct {
		Students []model.Student `json:"students"`
		Total    int64           `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if response.Total != 42 || len(response.Students) != 1 {
		t.Errorf("Expected 1 student of 42, got %d of %d", len(response.Students), response.Total)
	}
}

func TestAdminHandlerListStudentsIgnoresJunkParams(t *testing.T) {
	store := &fakeAdminStore{students: []model.Student{}}
	handler := NewAdminHandler(store, &fakeSyncer{}, &fakeImageStorage{})

	router := gin.New()
	router.GET("/admin/students", handler.ListStudents)

	req := httptest.NewRequest("GET", "/admin/students?skip=abc&limit=-5&sent_to_amo=maybe", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if store.lastFilter.Skip != 0 || store.lastFilter.Limit != 0 || store.lastFilter.SentToAmo != nil {
		t.Errorf("Expected zero filter from junk params, got %+v", store.lastFilter)
	}
}

func TestAdminHandlerGetStudent(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{"found", nil, http.StatusOK},
		{"invalid id", service.ErrInvalidID, http.StatusBadRequest},
		{"not found", service.ErrNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeAdminStore{students: []model.Student{sampleStudent()}, err: tt.err}
			handler := NewAdminHandler(store, &fakeSyncer{}, &fakeImageStorage{})

			router := gin.New()
			router.GET("/admin/students/:id", handler.GetStudent)

			req := httptest.NewRequest("GET", "/admin/students/abc123", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if store.lastID != "abc123" {
				t.Errorf("Expected id passed through, got %q", store.lastID)
			}
		})
	}
}

func TestAdminHandlerUpdateStudent(t *testing.T) {
	store := &fakeAdminStore{}
	handler := NewAdminHandler(store, &fakeSyncer{}, &fakeImageStorage{})

	router := gin.New()
	router.PUT("/admin/students/:id", handler.UpdateStudent)

	payload := map[string]any{
		"fio":                "  Петрова Анна  ",
		"parent_fio":         "",
		"masterclass_rating": "11",
		"speaker_rating":     9,
		"image_paths":        []string{"/uploads/b.jpg"},
		"sent_to_amo":        true,
		"created_at":         "2020-01-01T00:00:00Z",
		"unknown_key":        "x",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest("PUT", "/admin/students/abc123", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	update := store.lastUpdate
	if update["fio"] != "Петрова Анна" {
		t.Errorf("Expected trimmed fio, got %v", update["fio"])
	}
	if v, ok := update["parent_fio"]; !ok || v.(*string) != nil {
		t.Errorf("Expected blank parent fio stored as null, got %v", v)
	}
	if v := update["masterclass_rating"]; v.(*int) != nil {
		t.Errorf("Expected out-of-range rating null, got %v", v)
	}
	if v := update["speaker_rating"]; v.(*int) == nil || *v.(*int) != 9 {
		t.Errorf("Expected rating 9, got %v", v)
	}
	if paths, ok := update["image_paths"].([]string); !ok || len(paths) != 1 {
		t.Errorf("Expected image paths update, got %v", update["image_paths"])
	}
	for _, forbidden := range []string{"sent_to_amo", "created_at", "unknown_key"} {
		if _, ok := update[forbidden]; ok {
			t.Errorf("Expected %s excluded from update", forbidden)
		}
	}
}

func TestAdminHandlerUpdateStudentNoFields(t *testing.T) {
	handler := NewAdminHandler(&fakeAdminStore{}, &fakeSyncer{}, &fakeImageStorage{})

	router := gin.New()
	router.PUT("/admin/students/:id", handler.UpdateStudent)

	body, _ := json.Marshal(map[string]any{"sent_to_amo": true})
	req := httptest.NewRequest("PUT", "/admin/students/abc123", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestAdminHandlerDeleteStudent(t *testing.T) {
	student := sampleStudent()
	student.ImagePaths = []string{
		"/uploads/aaa.jpg",
		"http://minio.local:9000/students/bbb.png?X-Amz-Signature=abc&X-Amz-Expires=604800",
	}
	store := &fakeAdminStore{students: []model.Student{student}}
	storage := &fakeImageStorage{}
	handler := NewAdminHandler(store, &fakeSyncer{}, storage)

	router := gin.New()
	router.DELETE("/admin/students/:id", handler.DeleteStudent)

	req := httptest.NewRequest("DELETE", "/admin/students/abc123", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "abc123" {
		t.Errorf("Expected delete call, got %v", store.deleted)
	}
	want := []string{"aaa.jpg", "bbb.png"}
	if len(storage.deleted) != 2 || storage.deleted[0] != want[0] || storage.deleted[1] != want[1] {
		t.Errorf("Expected stored images %v removed, got %v", want, storage.deleted)
	}
}

func TestAdminHandlerDeleteStudentImageCleanupBestEffort(t *testing.T) {
	student := sampleStudent()
	student.ImagePaths = []string{"/uploads/aaa.jpg"}
	store := &fakeAdminStore{students: []model.Student{student}}
	storage := &fakeImageStorage{deleteErr: os.ErrPermission}
	handler := NewAdminHandler(store, &fakeSyncer{}, storage)

	router := gin.New()
	router.DELETE("/admin/students/:id", handler.DeleteStudent)

	req := httptest.NewRequest("DELETE", "/admin/students/abc123", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 despite cleanup failure, got %d", w.Code)
	}
	if len(store.deleted) != 1 {
		t.Errorf("Expected record deleted, got %v", store.deleted)
	}
}

func TestStoredObjectName(t *testing.T) {
	tests := []struct {
		name      string
		imagePath string
		expected  string
	}{
		{"local path", "/uploads/aaa.jpg", "aaa.jpg"},
		{"presigned url", "http://minio.local:9000/students/bbb.png?X-Amz-Signature=abc", "bbb.png"},
		{"empty", "", ""},
		{"root only", "/", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := storedObjectName(tt.imagePath); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestAdminHandlerSendToAmo(t *testing.T) {
	syncer := &fakeSyncer{syncResults: &service.SyncResults{
		Success: []service.SyncEntry{{ID: "a", FIO: "Иванов Иван", AmoContactID: 101, AmoLeadID: 202}},
		Failed:  []service.SyncEntry{},
		Total:   1,
	}}
	handler := NewAdminHandler(&fakeAdminStore{}, syncer, &fakeImageStorage{})

	router := gin.New()
	router.POST("/admin/send-to-amo", handler.SendToAmo)

	body, _ := json.Marshal(map[string]any{"student_ids": []string{"a", "b"}})
	req := httptest.NewRequest("POST", "/admin/send-to-amo", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if len(syncer.lastIDs) != 2 {
		t.Errorf("Expected ids passed through, got %v", syncer.lastIDs)
	}

	var response service.SyncResults
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if response.Total != 1 || len(response.Success) != 1 {
		t.Errorf("Expected sync results, got %+v", response)
	}
}

func TestAdminHandlerSendToAmoMalformedID(t *testing.T) {
	syncer := &fakeSyncer{err: service.ErrInvalidID}
	handler := NewAdminHandler(&fakeAdminStore{}, syncer, &fakeImageStorage{})

	router := gin.New()
	router.POST("/admin/send-to-amo", handler.SendToAmo)

	body, _ := json.Marshal(map[string]any{"student_ids": []string{"not-a-hex-id"}})
	req := httptest.NewRequest("POST", "/admin/send-to-amo", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Invalid student id") {
		t.Errorf("Expected invalid id message, got %s", w.Body.String())
	}
}

func TestAdminHandlerSendToAmoEmptyBody(t *testing.T) {
	syncer := &fakeSyncer{syncResults: &service.SyncResults{Success: []service.SyncEntry{}, Failed: []service.SyncEntry{}}}
	handler := NewAdminHandler(&fakeAdminStore{}, syncer, &fakeImageStorage{})

	router := gin.New()
	router.POST("/admin/send-to-amo", handler.SendToAmo)

	req := httptest.NewRequest("POST", "/admin/send-to-amo", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if syncer.lastIDs != nil {
		t.Errorf("Expected nil id set for full sync, got %v", syncer.lastIDs)
	}
}

func TestAdminHandlerVerifyAmo(t *testing.T) {
	syncer := &fakeSyncer{verifyResults: &service.VerifyResults{
		Checked: 3,
		Reset:   []service.VerifyEntry{{ID: "a", AmoLeadID: "203"}},
		Failed:  []service.SyncEntry{},
	}}
	handler := NewAdminHandler(&fakeAdminStore{}, syncer, &fakeImageStorage{})

	router := gin.New()
	router.POST("/admin/verify-amo", handler.VerifyAmo)

	req := httptest.NewRequest("POST", "/admin/verify-amo", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if syncer.verifyCalls != 1 {
		t.Errorf("Expected one verify call, got %d", syncer.verifyCalls)
	}

	var response service.VerifyResults
	json.Unmarshal(w.Body.Bytes(), &response)
	if response.Checked != 3 || len(response.Reset) != 1 {
		t.Errorf("Expected verify results, got %+v", response)
	}
}

func TestAdminHandlerStats(t *testing.T) {
	handler := NewAdminHandler(&fakeAdminStore{total: 5}, &fakeSyncer{}, &fakeImageStorage{})

	router := gin.New()
	router.GET("/admin/stats", handler.Stats)

	req := httptest.NewRequest("GET", "/admin/stats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response map[string]int64
	json.Unmarshal(w.Body.Bytes(), &response)
	if response["total"] != 5 || response["sent"] != 1 || response["unsent"] != 4 {
		t.Errorf("Expected counts, got %v", response)
	}
}

func TestAdminHandlerExportCSV(t *testing.T) {
	first := sampleStudent()
	feedback := "Отзыв с \"кавычками\""
	first.Feedback = &feedback

	contact := "101"
	lead := "202"
	second := sampleStudent()
	second.FIO = "Петрова Анна"
	second.SentToAmo = true
	second.AmoContactID = &contact
	second.AmoLeadID = &lead

	store := &fakeAdminStore{students: []model.Student{first, second}}
	handler := NewAdminHandler(store, &fakeSyncer{}, &fakeImageStorage{})

	router := gin.New()
	router.GET("/admin/export-csv", handler.ExportCSV)

	req := httptest.NewRequest("GET", "/admin/export-csv?sent_to_amo=true&search=Анна", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Expected CSV content type, got %s", ct)
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "students.csv") {
		t.Error("Expected attachment filename")
	}
	if store.lastFilter.SentToAmo == nil || !*store.lastFilter.SentToAmo || store.lastFilter.Search != "Анна" {
		t.Errorf("Expected list filters applied to export, got %+v", store.lastFilter)
	}

	body := w.Body.String()
	if !strings.HasPrefix(body, "\uFEFF") {
		t.Error("Expected leading BOM")
	}

	lines := strings.Split(strings.TrimSuffix(body, "\r\n"), "\r\n")
	if len(lines) != 3 {
		t.Fatalf("Expected header plus 2 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(strings.TrimPrefix(lines[0], "\uFEFF"), `"ФИО","Школа","Класс"`) {
		t.Errorf("Expected Russian headers, got %s", lines[0])
	}
	if !strings.Contains(lines[1], `"Отзыв с ""кавычками"""`) {
		t.Errorf("Expected inner quotes doubled, got %s", lines[1])
	}
	if !strings.Contains(lines[1], `"Нет"`) || !strings.Contains(lines[2], `"Да"`) {
		t.Error("Expected sent flags rendered as Да/Нет")
	}
	if !strings.Contains(lines[2], `"101"`) || !strings.Contains(lines[2], `"202"`) {
		t.Error("Expected CRM ids in sent row")
	}
}

func TestAdminHandlerListStudentsStoreError(t *testing.T) {
	store := &fakeAdminStore{err: context.DeadlineExceeded}
	handler := NewAdminHandler(store, &fakeSyncer{}, &fakeImageStorage{})

	router := gin.New()
	router.GET("/admin/students", handler.ListStudents)

	req := httptest.NewRequest("GET", "/admin/students", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
}
