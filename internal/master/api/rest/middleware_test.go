package rest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nemanja-m/athenamp/internal/shared/logging"
)

// mockLogger is a test logger that captures log messages
type mockLogger struct {
	mu       *sync.Mutex
	messages *[]string
	fields   []any
}

func newMockLogger() *mockLogger {
	return &mockLogger{mu: &sync.Mutex{}, messages: &[]string{}}
}

func (m *mockLogger) Debug(msg string, args ...any) { m.log("DEBUG", msg, args...) }
func (m *mockLogger) Info(msg string, args ...any)  { m.log("INFO", msg, args...) }
func (m *mockLogger) Warn(msg string, args ...any)  { m.log("WARN", msg, args...) }
func (m *mockLogger) Error(msg string, args ...any) { m.log("ERROR", msg, args...) }
func (m *mockLogger) Fatal(msg string, args ...any) { m.log("FATAL", msg, args...) }

func (m *mockLogger) With(args ...any) logging.Logger {
	return &mockLogger{mu: m.mu, messages: m.messages, fields: append(append([]any{}, m.fields...), args...)}
}

func (m *mockLogger) log(level, msg string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	formatted := fmt.Sprintf("[%s] %s", level, msg)
	all := append(append([]any{}, m.fields...), args...)
	for i := 0; i+1 < len(all); i += 2 {
		formatted += fmt.Sprintf(" %v=%v", all[i], all[i+1])
	}
	*m.messages = append(*m.messages, formatted)
}

func (m *mockLogger) getOutput() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Join(*m.messages, "\n")
}

func TestInstrument(t *testing.T) {
	logger := newMockLogger()
	api := NewAPI(nil, nil, nil, logger)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Hello, World!"))
	})

	w := httptest.NewRecorder()
	api.instrument(handler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/workers", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	logOutput := logger.getOutput()
	for _, want := range []string{"[INFO] Status API request", "method=GET", "path=/api/workers", "status=200", "bytes=13"} {
		if !strings.Contains(logOutput, want) {
			t.Errorf("Expected log to contain %q, got: %s", want, logOutput)
		}
	}
}

func TestInstrument_PollingPathsAtDebug(t *testing.T) {
	for _, path := range []string{metricsPath, healthzPath} {
		t.Run(path, func(t *testing.T) {
			logger := newMockLogger()
			api := NewAPI(nil, nil, nil, logger)
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

			api.instrument(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))

			if !strings.Contains(logger.getOutput(), "[DEBUG] Status API request") {
				t.Errorf("Expected %s to be logged at debug, got: %s", path, logger.getOutput())
			}
		})
	}
}

func TestInstrument_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		level      string
	}{
		{"OK", http.StatusOK, "[INFO]"},
		{"BadRequest", http.StatusBadRequest, "[INFO]"},
		{"NotFound", http.StatusNotFound, "[INFO]"},
		{"ServiceUnavailable", http.StatusServiceUnavailable, "[WARN]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := newMockLogger()
			api := NewAPI(nil, nil, nil, logger)

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			})

			w := httptest.NewRecorder()
			api.instrument(handler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/job", nil))

			if w.Code != tt.statusCode {
				t.Errorf("Expected status %d, got %d", tt.statusCode, w.Code)
			}

			logOutput := logger.getOutput()
			if !strings.Contains(logOutput, fmt.Sprintf("status=%d", tt.statusCode)) {
				t.Errorf("Expected log to contain status code %d, got: %s", tt.statusCode, logOutput)
			}
			if !strings.HasPrefix(logOutput, tt.level) {
				t.Errorf("Expected %s log line, got: %s", tt.level, logOutput)
			}
		})
	}
}

func TestInstrument_RecoversPanic(t *testing.T) {
	logger := newMockLogger()
	api := NewAPI(nil, nil, nil, logger)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("something went wrong")
	})

	w := httptest.NewRecorder()
	api.instrument(handler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "internal error") {
		t.Errorf("Expected an error response body, got: %s", w.Body.String())
	}

	logOutput := logger.getOutput()
	for _, want := range []string{"[ERROR] Status API handler panicked", "something went wrong", "[WARN] Status API request", "status=500"} {
		if !strings.Contains(logOutput, want) {
			t.Errorf("Expected log to contain %q, got: %s", want, logOutput)
		}
	}
}

func TestInstrument_DefaultStatusCode(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"body only", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("OK")) }},
		{"nothing written", func(w http.ResponseWriter, r *http.Request) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := newMockLogger()
			api := NewAPI(nil, nil, nil, logger)

			w := httptest.NewRecorder()
			api.instrument(tt.handler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/job", nil))

			if w.Code != http.StatusOK {
				t.Errorf("Expected status 200, got %d", w.Code)
			}
			if !strings.Contains(logger.getOutput(), "status=200") {
				t.Errorf("Expected log to contain status code 200, got: %s", logger.getOutput())
			}
		})
	}
}
