package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dnenashev/ocr-shools-import/config"
	"github.com/dnenashev/ocr-shools-import/model"
	"github.com/dnenashev/ocr-shools-import/pkg/logger"
)

// Profile selects which field set the extraction prompt asks for.
type Profile string

const (
	// ProfileApplicant extracts the identity fields of an enrollment form
	ProfileApplicant Profile = "applicant"
	// ProfileFeedback extracts ratings and free text from a feedback form
	ProfileFeedback Profile = "feedback"
)

const applicantPrompt = `Проанализируй изображение и извлеки данные ученика.
На изображении должна быть информация о:
- ФИО (полное имя ученика)
- Школа (название школы)
- Класс (номер и буква класса, например "5А" или "11Б")
- Номер телефона

Верни данные ТОЛЬКО в формате JSON без дополнительного текста:
{
    "fio": "Фамилия Имя Отчество",
    "school": "Название школы",
    "class": "Класс",
    "phone": "Номер телефона"
}

Если какое-то поле не удалось распознать, оставь пустую строку.
Если это не изображение с данными ученика, верни пустые значения для всех полей.`

const feedbackPrompt = `Проанализируй изображение анкеты обратной связи и извлеки:
- Оценку мастер-класса (целое число от 1 до 10)
- Оценку спикера (целое число от 1 до 10)
- Текст отзыва

Верни данные ТОЛЬКО в формате JSON без дополнительного текста:
{
    "masterclass_rating": 10,
    "speaker_rating": 10,
    "feedback": "Текст отзыва"
}

Если какое-то поле не удалось распознать, используй null для оценок и пустую строку для отзыва.`

// OCRService sends form photos to a vision-language chat-completion endpoint
// and parses structured fields out of the reply.
type OCRService struct {
	config     *config.OCRConfig
	httpClient *http.Client
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func NewOCRService(cfg *config.OCRConfig) *OCRService {
	return &OCRService{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Extract recognizes form fields from an image. Upstream errors and
// unparseable model output degrade to an unrecognized result carrying the raw
// payload; a non-nil error means the request could not be sent at all.
func (s *OCRService) Extract(ctx context.Context, imageData []byte, filename string, profile Profile) (*model.ExtractionResult, error) {
	prompt := applicantPrompt
	if profile == ProfileFeedback {
		prompt = feedbackPrompt
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeTypeFor(filename), base64.StdEncoding.EncodeToString(imageData))

	reqBody := chatRequest{
		Model: s.config.Model,
		Messages: []chatMessage{
			{
				Role: "user",
				Content: []contentPart{
					{Type: "text", Text: prompt},
					{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
				},
			},
		},
		MaxTokens:   s.config.MaxTokens,
		Temperature: s.config.Temperature,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.config.APIURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", "https://ocr-crm.local")
	req.Header.Set("X-Title", "OCR CRM")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		logger.Warn(ctx, "ocr api returned error", "status", resp.StatusCode, "body", string(body))
		return unrecognized(map[string]any{"error": string(body)}), nil
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		logger.Warn(ctx, "ocr api returned invalid json", "error", err)
		return unrecognized(map[string]any{"error": string(body)}), nil
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 {
		logger.Warn(ctx, "ocr response missing completion content")
		return unrecognized(raw), nil
	}

	fields, err := decodeFields(parsed.Choices[0].Message.Content)
	if err != nil {
		logger.Warn(ctx, "failed to parse recognized fields", "error", err)
		return unrecognized(raw), nil
	}

	result := &model.ExtractionResult{Recognized: true, Raw: raw}
	if profile == ProfileFeedback {
		result.Feedback = model.FeedbackFields{
			MasterclassRating: model.CoerceRating(fields["masterclass_rating"]),
			SpeakerRating:     model.CoerceRating(fields["speaker_rating"]),
			Feedback:          stringField(fields, "feedback"),
		}
	} else {
		result.Applicant = model.ApplicantFields{
			FIO:    stringField(fields, "fio"),
			School: stringField(fields, "school"),
			Class:  stringField(fields, "class"),
			Phone:  stringField(fields, "phone"),
		}
	}
	return result, nil
}

func unrecognized(raw any) *model.ExtractionResult {
	return &model.ExtractionResult{Recognized: false, Raw: raw}
}

// decodeFields parses a JSON object out of the model's text reply, unwrapping
// a markdown code fence when present
func decodeFields(content string) (map[string]any, error) {
	jsonStr := unwrapFence(content)

	var fields map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &fields); err != nil {
		return nil, fmt.Errorf("completion is not a JSON object: %w", err)
	}
	return fields, nil
}

func unwrapFence(content string) string {
	if idx := strings.Index(content, "```json"); idx >= 0 {
		rest := content[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	if idx := strings.Index(content, "```"); idx >= 0 {
		rest := content[idx+len("```"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(content)
}

func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// mimeTypeFor infers the image MIME type from the filename extension,
// defaulting to JPEG
func mimeTypeFor(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
