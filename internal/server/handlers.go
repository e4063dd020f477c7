// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

const healthText = "Room chat relay is running!"

// WebSocketHandler handles WebSocket upgrade requests. It validates that the
// request uses the GET method, upgrades the HTTP connection, creates a Session
// and starts its read/write pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if s.closing.Load() {
		http.Error(w, "Server is shutting down.", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).WithField("remote_addr", r.RemoteAddr).Warn("WebSocket upgrade failed")
		return
	}

	s.serveSession(NewSession(conn, r.RemoteAddr, &s.cfg, s.log))
}

// RootHandler serves the well-known endpoint clients dial directly: WebSocket
// upgrades are handed to WebSocketHandler, plain GETs get the health text.
func (s *Server) RootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		s.WebSocketHandler(w, r)
		return
	}
	HealthHandler(w, r)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, healthText)
}

// TestPageHandler serves an HTML page for joining a room and chatting over
// the WebSocket endpoint from a browser.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPageHTML)
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Room Chat Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .sent { color: blue; }
        .received { color: green; }
        .info { color: gray; font-style: italic; }
    </style>
</head>
<body>
    <h1>Room Chat Test</h1>
    <div id="status" class="info">Connecting...</div>
    <div>
        <button onclick="joinRoom()">Join Room</button>
        <span id="room"></span>
    </div>
    <div id="messages"></div>
    <div>
        <input type="text" id="messageInput" placeholder="Type your message">
        <button onclick="sendMessage()">Send</button>
    </div>

    <script>
        const messagesDiv = document.getElementById('messages');
        const input = document.getElementById('messageInput');
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');

        function addMessage(text, cls) {
            const el = document.createElement('div');
            el.className = cls;
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        ws.onopen = () => { document.getElementById('status').textContent = 'Connected'; };
        ws.onclose = () => { document.getElementById('status').textContent = 'Disconnected'; };
        ws.onmessage = (event) => {
            const frame = JSON.parse(event.data);
            if (frame.type === 'chat') {
                addMessage(frame.payload.message, 'received');
            } else if (frame.type === 'joined') {
                document.getElementById('room').textContent = 'Room ID: ' + frame.payload.roomId;
                addMessage('Joined ' + frame.payload.roomId + ' (' + frame.payload.members + ' members)', 'info');
            } else if (frame.type === 'error') {
                addMessage('Error: ' + frame.payload.message, 'info');
            }
        };

        function joinRoom() {
            const roomId = prompt('Enter Room ID:');
            if (roomId) {
                ws.send(JSON.stringify({ type: 'join', payload: { roomId } }));
            }
        }

        function sendMessage() {
            const message = input.value;
            if (message) {
                ws.send(JSON.stringify({ type: 'chat', payload: { message } }));
                addMessage('You: ' + message, 'sent');
                input.value = '';
            }
        }

        input.addEventListener('keydown', (e) => { if (e.key === 'Enter') sendMessage(); });
    </script>
</body>
</html>`
