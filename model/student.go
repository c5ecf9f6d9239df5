package model

import (
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Student represents one enrollment or feedback form persisted in MongoDB.
type Student struct {
	ID                primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	FIO               string             `bson:"fio" json:"fio"`
	School            string             `bson:"school" json:"school"`
	Class             string             `bson:"class" json:"class"`
	Phone             string             `bson:"phone" json:"phone"`
	ParentFIO         *string            `bson:"parent_fio,omitempty" json:"parent_fio,omitempty"`
	ParentPhone       *string            `bson:"parent_phone,omitempty" json:"parent_phone,omitempty"`
	MasterclassRating *int               `bson:"masterclass_rating,omitempty" json:"masterclass_rating,omitempty"`
	SpeakerRating     *int               `bson:"speaker_rating,omitempty" json:"speaker_rating,omitempty"`
	Feedback          *string            `bson:"feedback,omitempty" json:"feedback,omitempty"`
	ApplicationType   string             `bson:"application_type" json:"application_type"`
	ImagePaths        []string           `bson:"image_paths" json:"image_paths"`
	OCRRaw            any                `bson:"ocr_raw,omitempty" json:"ocr_raw,omitempty"`
	CreatedAt         time.Time          `bson:"created_at" json:"created_at"`
	SentToAmo         bool               `bson:"sent_to_amo" json:"sent_to_amo"`
	AmoContactID      *string            `bson:"amo_contact_id" json:"amo_contact_id"`
	AmoLeadID         *string            `bson:"amo_lead_id" json:"amo_lead_id"`
}

// ApplicantFields is the identity profile recognized from an enrollment form.
type ApplicantFields struct {
	FIO    string `json:"fio"`
	School string `json:"school"`
	Class  string `json:"class"`
	Phone  string `json:"phone"`
}

// FeedbackFields is the feedback profile recognized from a feedback form.
type FeedbackFields struct {
	MasterclassRating *int   `json:"masterclass_rating"`
	SpeakerRating     *int   `json:"speaker_rating"`
	Feedback          string `json:"feedback"`
}

// ExtractionResult is the tagged outcome of one vision-model call. When
// Recognized is false every field is zero and Raw carries the payload that
// failed to parse.
type ExtractionResult struct {
	Recognized bool            `json:"recognized"`
	Applicant  ApplicantFields `json:"applicant"`
	Feedback   FeedbackFields  `json:"feedback"`
	Raw        any             `json:"raw,omitempty"`
}

const (
	RatingMin = 1
	RatingMax = 10
)

// CoerceRating converts a loosely-typed rating value into *int. Values outside
// [1,10], non-integers and non-numeric input all map to nil.
func CoerceRating(v any) *int {
	var n int
	switch val := v.(type) {
	case nil:
		return nil
	case int:
		n = val
	case int64:
		n = int(val)
	case float64:
		// JSON numbers decode as float64; accept whole values only
		if val != float64(int(val)) {
			return nil
		}
		n = int(val)
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil
		}
		parsed, err := strconv.Atoi(s)
		if err != nil {
			return nil
		}
		n = parsed
	default:
		return nil
	}

	if n < RatingMin || n > RatingMax {
		return nil
	}
	return &n
}

// OptionalText trims free-text input and maps blank strings to nil.
func OptionalText(s string) *string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
