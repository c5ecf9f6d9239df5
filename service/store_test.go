package service

import (
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
)

func TestClampLimit(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected int64
	}{
		{"zero uses default", 0, DefaultPageSize},
		{"negative uses default", -5, DefaultPageSize},
		{"within bounds", 20, 20},
		{"at max", 100, 100},
		{"above max is clamped", 500, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clampLimit(tt.input); got != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestBuildListFilter(t *testing.T) {
	t.Run("empty filter", func(t *testing.T) {
		query := buildListFilter(ListFilter{})
		if len(query) != 0 {
			t.Errorf("Expected empty query, got %v", query)
		}
	})

	t.Run("send status filter", func(t *testing.T) {
		sent := true
		query := buildListFilter(ListFilter{SentToAmo: &sent})
		if query["sent_to_amo"] != true {
			t.Errorf("Expected sent_to_amo=true, got %v", query["sent_to_amo"])
		}
	})

	t.Run("unsent status filter", func(t *testing.T) {
		sent := false
		query := buildListFilter(ListFilter{SentToAmo: &sent})
		if query["sent_to_amo"] != false {
			t.Errorf("Expected sent_to_amo=false, got %v", query["sent_to_amo"])
		}
	})

	t.Run("search filter is case-insensitive regex", func(t *testing.T) {
		query := buildListFilter(ListFilter{Search: "Иванов"})
		regex, ok := query["fio"].(bson.M)
		if !ok {
			t.Fatalf("Expected bson.M for fio filter, got %T", query["fio"])
		}
		if regex["$regex"] != "Иванов" {
			t.Errorf("Expected regex 'Иванов', got %v", regex["$regex"])
		}
		if regex["$options"] != "i" {
			t.Errorf("Expected case-insensitive option, got %v", regex["$options"])
		}
	})
}

func TestParseObjectID(t *testing.T) {
	t.Run("valid hex id", func(t *testing.T) {
		oid, err := parseObjectID("507f1f77bcf86cd799439011")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if oid.Hex() != "507f1f77bcf86cd799439011" {
			t.Errorf("Expected round-trip hex, got %s", oid.Hex())
		}
	})

	tests := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"too short", "abc"},
		{"not hex", "zzzzzzzzzzzzzzzzzzzzzzzz"},
		{"too long", "507f1f77bcf86cd79943901100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseObjectID(tt.id)
			if !errors.Is(err, ErrInvalidID) {
				t.Errorf("Expected ErrInvalidID, got %v", err)
			}
		})
	}
}
