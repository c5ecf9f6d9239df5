package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dnenashev/ocr-shools-import/config"
	"github.com/dnenashev/ocr-shools-import/model"
	"github.com/dnenashev/ocr-shools-import/pkg/logger"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// syncStore is the slice of the student store the sync driver needs.
type syncStore interface {
	FindUnsent(ctx context.Context, ids []string) ([]model.Student, error)
	FindSent(ctx context.Context) ([]model.Student, error)
	MarkSent(ctx context.Context, id primitive.ObjectID, contactID, leadID string) error
	ResetSent(ctx context.Context, id primitive.ObjectID) error
}

// AmoService pushes submissions to amoCRM as contact+lead pairs and verifies
// previously-sent leads still exist upstream.
type AmoService struct {
	config     *config.AmoConfig
	store      syncStore
	httpClient *http.Client

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

func NewAmoService(cfg *config.AmoConfig, store syncStore) *AmoService {
	return &AmoService{
		config: cfg,
		store:  store,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		accessToken:  cfg.AccessToken,
		refreshToken: cfg.RefreshToken,
	}
}

func (s *AmoService) baseURL() string {
	domain := strings.TrimSuffix(s.config.Domain, "/")
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return domain
	}
	return "https://" + domain
}

type amoContact struct {
	Name              string           `json:"name"`
	FirstName         string           `json:"first_name"`
	LastName          string           `json:"last_name"`
	CustomFieldValues []amoCustomField `json:"custom_fields_values"`
}

type amoCustomField struct {
	FieldCode string          `json:"field_code"`
	Values    []amoFieldValue `json:"values"`
}

type amoFieldValue struct {
	Value    string `json:"value"`
	EnumCode string `json:"enum_code,omitempty"`
}

type amoLead struct {
	Name     string          `json:"name"`
	Embedded amoLeadEmbedded `json:"_embedded"`
}

type amoLeadEmbedded struct {
	Contacts []amoRef `json:"contacts"`
	Tags     []amoTag `json:"tags,omitempty"`
}

type amoRef struct {
	ID int `json:"id"`
}

type amoTag struct {
	ID   int    `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type amoNote struct {
	NoteType string        `json:"note_type"`
	Params   amoNoteParams `json:"params"`
}

type amoNoteParams struct {
	Text string `json:"text"`
}

// amoEmbedded covers the _embedded envelope of every v4 creation response
type amoEmbedded struct {
	Embedded struct {
		Contacts []struct {
			ID int `json:"id"`
		} `json:"contacts"`
		Leads []struct {
			ID int `json:"id"`
		} `json:"leads"`
		Tags []struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"tags"`
	} `json:"_embedded"`
}

type amoTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// refreshAccessToken exchanges the refresh token for a new token pair
func (s *AmoService) refreshAccessToken(ctx context.Context) error {
	payload := map[string]string{
		"client_id":     s.config.ClientID,
		"client_secret": s.config.ClientSecret,
		"grant_type":    "refresh_token",
		"refresh_token": s.refreshToken,
		"redirect_uri":  s.baseURL(),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL()+"/oauth2/access_token", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token refresh failed: status %d, body %s", resp.StatusCode, string(body))
	}

	var tokens amoTokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return fmt.Errorf("failed to parse token response: %w", err)
	}

	s.accessToken = tokens.AccessToken
	s.refreshToken = tokens.RefreshToken
	return nil
}

// request performs one authenticated API call and returns the raw status and body
func (s *AmoService) request(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL()+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// requestWithRetry performs one call with at most one refresh-and-retry on
// 401. A second 401 after a successful refresh is terminal.
func (s *AmoService) requestWithRetry(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, body, err := s.request(ctx, method, path, payload)
	if err != nil || status != http.StatusUnauthorized {
		return status, body, err
	}

	if err := s.refreshAccessToken(ctx); err != nil {
		logger.Warn(ctx, "amo token refresh failed", "error", err)
		return status, body, nil
	}

	return s.request(ctx, method, path, payload)
}

// splitFIO applies the name heuristic: first token is the last name, second
// token is the first name; a single-token name fills both.
func splitFIO(fio string) (firstName, lastName string) {
	parts := strings.Fields(fio)
	firstName = fio
	if len(parts) > 1 {
		firstName = parts[1]
	}
	if len(parts) > 0 {
		lastName = parts[0]
	}
	return firstName, lastName
}

// CreateContact creates a contact and returns its id
func (s *AmoService) CreateContact(ctx context.Context, fio, phone string) (int, error) {
	firstName, lastName := splitFIO(fio)

	contact := amoContact{
		Name:              fio,
		FirstName:         firstName,
		LastName:          lastName,
		CustomFieldValues: []amoCustomField{},
	}
	if phone != "" {
		contact.CustomFieldValues = append(contact.CustomFieldValues, amoCustomField{
			FieldCode: "PHONE",
			Values:    []amoFieldValue{{Value: phone, EnumCode: "WORK"}},
		})
	}

	status, body, err := s.requestWithRetry(ctx, "POST", "/api/v4/contacts", []amoContact{contact})
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("contact creation failed: status %d, body %s", status, string(body))
	}

	var result amoEmbedded
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("failed to parse contact response: %w", err)
	}
	if len(result.Embedded.Contacts) == 0 {
		return 0, fmt.Errorf("contact response missing created contact")
	}
	return result.Embedded.Contacts[0].ID, nil
}

// CreateLead creates a deal linked to a contact, tagged with the application
// type, and returns its id.
func (s *AmoService) CreateLead(ctx context.Context, contactID int, applicationType string) (int, error) {
	today := time.Now().Format("02.01.2006")
	leadName := "Заявка " + today
	if applicationType != "" {
		leadName = fmt.Sprintf("Заявка %s %s", applicationType, today)
	}

	lead := amoLead{
		Name: leadName,
		Embedded: amoLeadEmbedded{
			Contacts: []amoRef{{ID: contactID}},
		},
	}

	if applicationType != "" {
		// Attaching by id keeps tags deduplicated; falling back to the
		// name lets amoCRM auto-create it
		if tagID, ok := s.getOrCreateTag(ctx, applicationType); ok {
			lead.Embedded.Tags = []amoTag{{ID: tagID}}
		} else {
			lead.Embedded.Tags = []amoTag{{Name: applicationType}}
		}
	}

	status, body, err := s.requestWithRetry(ctx, "POST", "/api/v4/leads", []amoLead{lead})
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("lead creation failed: status %d, body %s", status, string(body))
	}

	var result amoEmbedded
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("failed to parse lead response: %w", err)
	}
	if len(result.Embedded.Leads) == 0 {
		return 0, fmt.Errorf("lead response missing created lead")
	}
	return result.Embedded.Leads[0].ID, nil
}

// getOrCreateTag resolves a lead tag id by name, creating the tag when
// absent. Best effort: any failure reports !ok and the caller attaches the
// tag by name instead.
func (s *AmoService) getOrCreateTag(ctx context.Context, name string) (int, bool) {
	status, body, err := s.requestWithRetry(ctx, "GET", "/api/v4/leads/tags", nil)
	if err != nil || status != http.StatusOK {
		logger.Warn(ctx, "failed to list amo tags", "status", status, "error", err)
		return 0, false
	}

	var listing amoEmbedded
	if err := json.Unmarshal(body, &listing); err != nil {
		logger.Warn(ctx, "failed to parse amo tags", "error", err)
		return 0, false
	}
	for _, tag := range listing.Embedded.Tags {
		if tag.Name == name {
			return tag.ID, true
		}
	}

	status, body, err = s.requestWithRetry(ctx, "POST", "/api/v4/leads/tags", []amoTag{{Name: name}})
	if err != nil || (status != http.StatusOK && status != http.StatusCreated) {
		logger.Warn(ctx, "failed to create amo tag", "status", status, "error", err)
		return 0, false
	}

	var created amoEmbedded
	if err := json.Unmarshal(body, &created); err != nil || len(created.Embedded.Tags) == 0 {
		logger.Warn(ctx, "failed to parse created amo tag", "error", err)
		return 0, false
	}
	return created.Embedded.Tags[0].ID, true
}

// AddNote attaches a plain-text note to a lead
func (s *AmoService) AddNote(ctx context.Context, leadID int, text string) error {
	path := fmt.Sprintf("/api/v4/leads/%d/notes", leadID)
	note := amoNote{NoteType: "common", Params: amoNoteParams{Text: text}}

	status, body, err := s.requestWithRetry(ctx, "POST", path, []amoNote{note})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("note creation failed: status %d, body %s", status, string(body))
	}
	return nil
}

// LeadExists reports whether a lead is still present upstream
func (s *AmoService) LeadExists(ctx context.Context, leadID int) (bool, error) {
	status, body, err := s.requestWithRetry(ctx, "GET", fmt.Sprintf("/api/v4/leads/%d", leadID), nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound, http.StatusNoContent, http.StatusGone:
		return false, nil
	default:
		return false, fmt.Errorf("lead lookup failed: status %d, body %s", status, string(body))
	}
}

// SyncEntry is one submission's outcome within a sync batch.
type SyncEntry struct {
	ID           string `json:"id"`
	FIO          string `json:"fio"`
	AmoContactID int    `json:"amo_contact_id,omitempty"`
	AmoLeadID    int    `json:"amo_lead_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// SyncResults aggregates a sync batch.
type SyncResults struct {
	Success []SyncEntry `json:"success"`
	Failed  []SyncEntry `json:"failed"`
	Total   int         `json:"total"`
}

// SyncStudents pushes unsent submissions to amoCRM, strictly one at a time.
// A submission is marked sent only after its full contact-lead-note chain
// succeeds; any failure leaves it untouched and iteration continues.
func (s *AmoService) SyncStudents(ctx context.Context, ids []string) (*SyncResults, error) {
	students, err := s.store.FindUnsent(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := &SyncResults{
		Success: []SyncEntry{},
		Failed:  []SyncEntry{},
		Total:   len(students),
	}

	for i := range students {
		student := &students[i]
		entry := SyncEntry{ID: student.ID.Hex(), FIO: student.FIO}

		contactID, err := s.CreateContact(ctx, student.FIO, student.Phone)
		if err != nil {
			logger.Warn(ctx, "amo contact creation failed", "student_id", entry.ID, "error", err)
			entry.Error = "failed to create contact: " + err.Error()
			results.Failed = append(results.Failed, entry)
			continue
		}

		leadID, err := s.CreateLead(ctx, contactID, student.ApplicationType)
		if err != nil {
			// The contact already exists upstream; there is no rollback,
			// duplicates are merged on the CRM side
			logger.Warn(ctx, "amo lead creation failed, contact left orphaned",
				"student_id", entry.ID, "amo_contact_id", contactID, "error", err)
			entry.Error = "failed to create lead: " + err.Error()
			results.Failed = append(results.Failed, entry)
			continue
		}

		if err := s.AddNote(ctx, leadID, noteText(student)); err != nil {
			// Note failure does not block marking the submission as sent
			logger.Warn(ctx, "amo note creation failed", "student_id", entry.ID, "amo_lead_id", leadID, "error", err)
		}

		if err := s.store.MarkSent(ctx, student.ID, strconv.Itoa(contactID), strconv.Itoa(leadID)); err != nil {
			logger.Error(ctx, "failed to record sync result", "student_id", entry.ID, "error", err)
			entry.Error = "failed to record sync result: " + err.Error()
			results.Failed = append(results.Failed, entry)
			continue
		}

		entry.AmoContactID = contactID
		entry.AmoLeadID = leadID
		results.Success = append(results.Success, entry)
	}

	return results, nil
}

func noteText(student *model.Student) string {
	appType := student.ApplicationType
	if appType == "" {
		appType = "-"
	}
	return fmt.Sprintf("Тип заявки: %s\nШкола: %s\nКласс: %s\nТелефон: %s\nДата заявки: %s",
		appType,
		orDash(student.School),
		orDash(student.Class),
		orDash(student.Phone),
		student.CreatedAt.Format("02.01.2006 15:04"))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// VerifyEntry is one record corrected by the verification pass.
type VerifyEntry struct {
	ID        string `json:"id"`
	AmoLeadID string `json:"amo_lead_id"`
}

// VerifyResults aggregates a verification pass.
type VerifyResults struct {
	Checked int           `json:"checked"`
	Reset   []VerifyEntry `json:"reset"`
	Failed  []SyncEntry   `json:"failed"`
}

// VerifySent re-checks previously-sent submissions against the CRM. When a
// lead no longer exists upstream the local record flips back to unsent so a
// future sync run retries it.
func (s *AmoService) VerifySent(ctx context.Context) (*VerifyResults, error) {
	students, err := s.store.FindSent(ctx)
	if err != nil {
		return nil, err
	}

	results := &VerifyResults{
		Checked: len(students),
		Reset:   []VerifyEntry{},
		Failed:  []SyncEntry{},
	}

	for i := range students {
		student := &students[i]
		id := student.ID.Hex()

		if student.AmoLeadID == nil {
			continue
		}
		leadID, err := strconv.Atoi(*student.AmoLeadID)
		if err != nil {
			results.Failed = append(results.Failed, SyncEntry{ID: id, FIO: student.FIO, Error: "malformed lead id: " + *student.AmoLeadID})
			continue
		}

		exists, err := s.LeadExists(ctx, leadID)
		if err != nil {
			logger.Warn(ctx, "amo lead verification failed", "student_id", id, "error", err)
			results.Failed = append(results.Failed, SyncEntry{ID: id, FIO: student.FIO, Error: err.Error()})
			continue
		}
		if exists {
			continue
		}

		if err := s.store.ResetSent(ctx, student.ID); err != nil {
			results.Failed = append(results.Failed, SyncEntry{ID: id, FIO: student.FIO, Error: err.Error()})
			continue
		}
		logger.Info(ctx, "lead missing upstream, record reset to unsent", "student_id", id, "amo_lead_id", leadID)
		results.Reset = append(results.Reset, VerifyEntry{ID: id, AmoLeadID: *student.AmoLeadID})
	}

	return results, nil
}
