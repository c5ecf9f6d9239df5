package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dnenashev/ocr-shools-import/config"
	"github.com/dnenashev/ocr-shools-import/middleware"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func authConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			AdminPassword:    "correct-password",
			JWTSecret:        "test-secret",
			TokenExpireHours: 24,
		},
	}
}

func TestAuthHandlerLogin(t *testing.T) {
	handler := NewAuthHandler(authConfig())

	tests := []struct {
		name           string
		body           map[string]string
		expectedStatus int
	}{
		{
			name:           "valid login",
			body:           map[string]string{"password": "correct-password"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "wrong password",
			body:           map[string]string{"password": "wrong"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "missing password",
			body:           map[string]string{},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.POST("/admin/login", handler.Login)

			body, _ := json.Marshal(tt.body)
			req := httptest.NewRequest("POST", "/admin/login", bytes.NewBuffer(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}

			cookies := w.Result().Cookies()
			if tt.expectedStatus == http.StatusOK {
				var response LoginResponse
				if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
					t.Errorf("Failed to parse response: %v", err)
				}
				if response.Token == "" {
					t.Error("Expected token in response")
				}

				var sessionCookie *http.Cookie
				for _, cookie := range cookies {
					if cookie.Name == middleware.AdminCookieName {
						sessionCookie = cookie
					}
				}
				if sessionCookie == nil {
					t.Fatal("Expected session cookie")
				}
				if !sessionCookie.HttpOnly {
					t.Error("Expected HTTP-only cookie")
				}
				if sessionCookie.Value != response.Token {
					t.Error("Expected cookie to carry the issued token")
				}
			} else {
				for _, cookie := range cookies {
					if cookie.Name == middleware.AdminCookieName && cookie.Value != "" {
						t.Error("Expected no session cookie on failed login")
					}
				}
			}
		})
	}
}

func TestAuthHandlerLoginInvalidJSON(t *testing.T) {
	handler := NewAuthHandler(authConfig())

	router := gin.New()
	router.POST("/admin/login", handler.Login)

	req := httptest.NewRequest("POST", "/admin/login", bytes.NewBufferString("invalid json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestAuthHandlerLoginTokenWorksAgainstGate(t *testing.T) {
	cfg := authConfig()
	handler := NewAuthHandler(cfg)

	router := gin.New()
	router.POST("/admin/login", handler.Login)
	router.GET("/admin/students", middleware.AdminAuth(&cfg.Auth), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"students": []string{}})
	})

	body, _ := json.Marshal(map[string]string{"password": "correct-password"})
	req := httptest.NewRequest("POST", "/admin/login", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var response LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	req = httptest.NewRequest("GET", "/admin/students", nil)
	req.Header.Set("Authorization", "Bearer "+response.Token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected issued token to pass the gate, got %d", w.Code)
	}
}

func TestAuthHandlerLogout(t *testing.T) {
	handler := NewAuthHandler(authConfig())

	router := gin.New()
	router.POST("/admin/logout", handler.Logout)

	req := httptest.NewRequest("POST", "/admin/logout", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var cleared *http.Cookie
	for _, cookie := range w.Result().Cookies() {
		if cookie.Name == middleware.AdminCookieName {
			cleared = cookie
		}
	}
	if cleared == nil {
		t.Fatal("Expected clearing cookie")
	}
	if cleared.Value != "" || cleared.MaxAge >= 0 {
		t.Errorf("Expected expired empty cookie, got value %q maxage %d", cleared.Value, cleared.MaxAge)
	}
	if !strings.Contains(w.Body.String(), "Logged out") {
		t.Error("Expected logout confirmation")
	}
}
