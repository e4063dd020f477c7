// Package testhelpers provides common utilities for testing the relay.
//
// It contains helpers for creating test servers, making HTTP requests, and
// driving WebSocket clients that speak the join/chat protocol, so tests across
// packages do not repeat the same plumbing.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// TestOrigin is an origin the default configuration allows.
const TestOrigin = "http://localhost:8080"

// Frame is a decoded outbound frame as a client sees it.
type Frame struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// String returns the payload field key as a string, or "" when absent.
func (f Frame) String(key string) string {
	v, _ := f.Payload[key].(string)
	return v
}

// CreateTestServer creates a test HTTP server with the given handler.
// It returns a running httptest.Server that is closed when the test ends.
func CreateTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// WebSocketURL converts an http(s) test server URL into a ws(s) URL for path.
func WebSocketURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// ConnectWebSocket dials url with an allowed Origin header.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	return ConnectWebSocketWithOrigin(url, TestOrigin)
}

// ConnectWebSocketWithOrigin dials url with the given Origin header; an empty
// origin sends none.
func ConnectWebSocketWithOrigin(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// MustConnect dials url and closes the connection when the test ends.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, err := ConnectWebSocket(url)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendJoin sends a join frame for roomID.
func SendJoin(conn *websocket.Conn, roomID string) error {
	return conn.WriteJSON(map[string]any{
		"type":    "join",
		"payload": map[string]string{"roomId": roomID},
	})
}

// SendChat sends a chat frame carrying message.
func SendChat(conn *websocket.Conn, message string) error {
	return conn.WriteJSON(map[string]any{
		"type":    "chat",
		"payload": map[string]string{"message": message},
	})
}

// SendRawMessage sends a raw text frame.
func SendRawMessage(conn *websocket.Conn, data []byte) error {
	return conn.WriteMessage(websocket.TextMessage, data)
}

// ReceiveFrame reads one frame, waiting at most timeout.
func ReceiveFrame(conn *websocket.Conn, timeout time.Duration) (Frame, error) {
	var frame Frame
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return frame, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return frame, err
	}
	err = json.Unmarshal(data, &frame)
	return frame, err
}

// MustReceiveFrame reads one frame of the wanted type or fails the test.
func MustReceiveFrame(t *testing.T, conn *websocket.Conn, wantType string) Frame {
	t.Helper()
	frame, err := ReceiveFrame(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to receive %q frame: %v", wantType, err)
	}
	if frame.Type != wantType {
		t.Fatalf("Expected %q frame, got %q (%v)", wantType, frame.Type, frame.Payload)
	}
	return frame
}

// JoinRoom sends a join and waits for its acknowledgement.
func JoinRoom(t *testing.T, conn *websocket.Conn, roomID string) Frame {
	t.Helper()
	if err := SendJoin(conn, roomID); err != nil {
		t.Fatalf("Failed to send join: %v", err)
	}
	return MustReceiveFrame(t, conn, "joined")
}

// ExpectNoFrame fails the test if a frame arrives within timeout. The
// connection is unusable for reads afterwards because the deadline expired.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	frame, err := ReceiveFrame(conn, timeout)
	if err == nil {
		t.Fatalf("Expected no frame, got %q (%v)", frame.Type, frame.Payload)
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Eventually polls cond every 10ms until it holds or timeout elapses.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
