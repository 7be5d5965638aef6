package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
		{"héllo wörld", 5, "héllo"},
		{"keep it all", 0, "keep it all"},
		{"cut at space x", 7, "cut at"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errors := Validate(
		Required("title", "Bread"),
		OneOf("kind", "food", "food", "free"),
		Check("price", true, "must not be negative"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	errors = Validate(
		Required("title", "  "),
		OneOf("kind", "barter", "food", "free"),
		Check("price", false, "must not be negative"),
	)
	if len(errors) != 3 {
		t.Fatalf("Expected 3 errors, got %d", len(errors))
	}
	if errors.Error() != "title is required" {
		t.Errorf("unexpected message %q", errors.Error())
	}
	if errors[1].Message != "must be one of food, free" {
		t.Errorf("unexpected OneOf message %q", errors[1].Message)
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("field", "hello", 10)(); err != nil {
		t.Error("Expected no error for string under limit")
	}
	if err := MaxLength("field", "héllo", 5)(); err != nil {
		t.Error("Expected multi-byte characters to count once")
	}
	if err := MaxLength("field", "hello world", 5)(); err == nil {
		t.Error("Expected error for string over limit")
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/echo", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/echo", strings.NewReader(`{"a":1}`)))
	if w.Code != http.StatusOK {
		t.Errorf("small body: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/echo", strings.NewReader(`{"a":"`+strings.Repeat("x", 64)+`"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("large body: expected 413, got %d", w.Code)
	}
}
