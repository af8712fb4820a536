package testutil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// BotToken is the token the mock Bot API accepts.
const BotToken = "123456:TEST"

// BotCall is one recorded Bot API request.
type BotCall struct {
	Method string
	Values url.Values
	Files  []string // multipart file field names
}

type botFailure struct {
	code       int
	desc       string
	retryAfter int
}

// MockTelegramServer emulates the subset of the Telegram Bot API the relay uses.
type MockTelegramServer struct {
	*httptest.Server
	Username string

	mu       sync.Mutex
	calls    []BotCall
	failures map[string]botFailure
	nextID   int
}

// NewMockTelegramServer starts a mock Bot API server closed at test cleanup.
func NewMockTelegramServer(t *testing.T) *MockTelegramServer {
	t.Helper()
	m := &MockTelegramServer{
		Username: "memes2telegram_bot",
		failures: make(map[string]botFailure),
		nextID:   100,
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

// Endpoint is the printf pattern to hand to the bot client.
func (m *MockTelegramServer) Endpoint() string { return m.URL + "/bot%s/%s" }

// Fail makes every later call of method answer with an API error.
func (m *MockTelegramServer) Fail(method string, code int, desc string, retryAfter int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = botFailure{code: code, desc: desc, retryAfter: retryAfter}
}

// Calls returns recorded calls, optionally only those of the given methods.
func (m *MockTelegramServer) Calls(methods ...string) []BotCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BotCall
	for _, c := range m.calls {
		if len(methods) == 0 || contains(methods, c.Method) {
			out = append(out, c)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *MockTelegramServer) serve(w http.ResponseWriter, r *http.Request) {
	token, method, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/bot"), "/")
	if !ok || token != BotToken {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error_code": 401, "description": "Unauthorized"})
		return
	}
	if err := r.ParseMultipartForm(64 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error_code": 400, "description": err.Error()})
		return
	}
	call := BotCall{Method: method, Values: r.Form}
	if r.MultipartForm != nil {
		for name := range r.MultipartForm.File {
			call.Files = append(call.Files, name)
		}
		sort.Strings(call.Files)
	}

	m.mu.Lock()
	if method != "getMe" {
		m.calls = append(m.calls, call)
	}
	fail, failing := m.failures[method]
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	if failing {
		body := map[string]any{"ok": false, "error_code": fail.code, "description": fail.desc}
		if fail.retryAfter > 0 {
			body["parameters"] = map[string]any{"retry_after": fail.retryAfter}
		}
		writeJSON(w, fail.code, body)
		return
	}

	chatID, _ := strconv.ParseInt(r.Form.Get("chat_id"), 10, 64)
	message := map[string]any{"message_id": id, "date": 0, "chat": map[string]any{"id": chatID, "type": "private"}}
	var result any
	switch method {
	case "getMe":
		result = map[string]any{"id": 1, "is_bot": true, "first_name": "memes", "username": m.Username}
	case "deleteMessage":
		result = true
	case "sendMediaGroup":
		var items []json.RawMessage
		_ = json.Unmarshal([]byte(r.Form.Get("media")), &items)
		msgs := make([]any, len(items))
		for i := range msgs {
			msgs[i] = message
		}
		result = msgs
	case "getFile":
		result = map[string]any{"file_id": r.Form.Get("file_id"), "file_path": "videos/" + r.Form.Get("file_id") + ".mp4"}
	default:
		result = message
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
