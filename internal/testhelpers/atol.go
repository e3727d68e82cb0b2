package testhelpers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

const (
	MockLogin    = "test-login"
	MockPassword = "test-password"
	MockGroup    = "test-group"
)

// RecordedRequest is a call made to a group endpoint of the mock Atol API.
type RecordedRequest struct {
	Method string
	Path   string
	Token  string
	Body   map[string]any
}

// Reply overrides the mock's response to a group endpoint.
type Reply struct {
	Status int
	Body   any
}

// MockAtolServer is an in-process Atol Online v4 API. It issues a new 32
// character token on every getToken call and accepts only the most recent
// one.
type MockAtolServer struct {
	Server *httptest.Server

	mu            sync.Mutex
	issued        int
	current       string
	tokenReplies  []Reply
	replies       []Reply
	requests      []RecordedRequest
	tokenRequests int
}

// SetupMockAtolServer starts a mock API; it is closed when the test ends.
func SetupMockAtolServer(t *testing.T) *MockAtolServer {
	t.Helper()

	mock := &MockAtolServer{}

	router := http.NewServeMux()
	router.HandleFunc("POST /getToken", mock.handleGetToken)
	router.HandleFunc("POST /{group}/{operation}", mock.handleSubmit)
	router.HandleFunc("GET /{group}/report/{uuid}", mock.handleReport)

	mock.Server = httptest.NewServer(router)
	t.Cleanup(mock.Server.Close)

	return mock
}

// URL is the API base URL, as configured in ATOL_API_URL.
func (m *MockAtolServer) URL() string {
	return m.Server.URL + "/"
}

// QueueTokenReply makes the next getToken call answer with reply instead of a
// token.
func (m *MockAtolServer) QueueTokenReply(reply Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenReplies = append(m.tokenReplies, reply)
}

// QueueReply makes the next group request answer with reply, regardless of
// its token.
func (m *MockAtolServer) QueueReply(reply Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, reply)
}

// ExpireToken revokes the current token so that the next group request is
// rejected with 401.
func (m *MockAtolServer) ExpireToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = ""
}

// CurrentToken is the only token the mock currently accepts.
func (m *MockAtolServer) CurrentToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *MockAtolServer) TokenRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenRequests
}

func (m *MockAtolServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

func (m *MockAtolServer) handleGetToken(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokenRequests++

	if len(m.tokenReplies) > 0 {
		reply := m.tokenReplies[0]
		m.tokenReplies = m.tokenReplies[1:]
		writeReply(w, reply)
		return
	}

	var creds struct {
		Login string `json:"login"`
		Pass  string `json:"pass"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Login != MockLogin || creds.Pass != MockPassword {
		writeReply(w, Reply{Status: http.StatusUnauthorized, Body: ErrorDocument(12, "Неверный логин или пароль", "system")})
		return
	}

	m.issued++
	m.current = fmt.Sprintf("%032d", m.issued)

	WriteJSON(w, map[string]any{
		"error":     nil,
		"token":     m.current,
		"timestamp": "01.02.2026 10:00:00",
	})
}

func (m *MockAtolServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	operation := r.PathValue("operation")

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	if m.intercept(w, r, body) {
		return
	}

	m.mu.Lock()
	uuid := fmt.Sprintf("%s-%04d", operation, len(m.requests))
	m.mu.Unlock()

	WriteJSON(w, map[string]any{
		"uuid":      uuid,
		"status":    "wait",
		"error":     nil,
		"timestamp": "01.02.2026 10:00:01",
	})
}

func (m *MockAtolServer) handleReport(w http.ResponseWriter, r *http.Request) {
	if m.intercept(w, r, nil) {
		return
	}

	WriteJSON(w, map[string]any{
		"uuid":        r.PathValue("uuid"),
		"status":      "done",
		"error":       nil,
		"timestamp":   "01.02.2026 10:00:05",
		"group_code":  r.PathValue("group"),
		"daemon_code": "prod-agent-1",
		"device_code": "KKT014623",
		"external_id": "order-17",
		"payload": map[string]any{
			"total":                     150.5,
			"fns_site":                  "www.nalog.gov.ru",
			"fn_number":                 "9999078900012345",
			"shift_number":              23,
			"receipt_datetime":          "01.02.2026 10:00:03",
			"fiscal_receipt_number":     7,
			"fiscal_document_number":    132,
			"ecr_registration_number":   "0000000001002292",
			"fiscal_document_attribute": 3449555941,
		},
	})
}

// intercept records the request and answers it when a reply is queued or the
// token is not the current one.
func (m *MockAtolServer) intercept(w http.ResponseWriter, r *http.Request, body map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	token := r.Header.Get("Token")
	m.requests = append(m.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Token:  token,
		Body:   body,
	})

	if len(m.replies) > 0 {
		reply := m.replies[0]
		m.replies = m.replies[1:]
		writeReply(w, reply)
		return true
	}

	if token == "" || token != m.current {
		writeReply(w, Reply{Status: http.StatusUnauthorized, Body: ErrorDocument(11, "Срок действия токена истек", "system")})
		return true
	}

	return false
}

// ErrorDocument is the Atol error envelope.
func ErrorDocument(code int, text, errType string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"error_id": "4475d6d8d-844d-4d05-aa8b-e3dbdf4defd6",
			"code":     code,
			"text":     text,
			"type":     errType,
		},
		"status":    "fail",
		"timestamp": "01.02.2026 10:00:00",
	}
}

func writeReply(w http.ResponseWriter, reply Reply) {
	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}

	switch body := reply.Body.(type) {
	case nil:
		w.WriteHeader(status)
	case string:
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteJSON writes payload as a JSON response.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
