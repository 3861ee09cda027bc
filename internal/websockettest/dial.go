// Package websockettest provides dial helpers for exercising the coordinator
// over a real WebSocket connection in tests.
package websockettest

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// Dial establishes a WebSocket connection to an httptest server URL,
// rewriting the scheme so callers can pass srv.URL directly.
func Dial(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	urlStr = strings.Replace(urlStr, "http://", "ws://", 1)
	urlStr = strings.Replace(urlStr, "https://", "wss://", 1)
	return websocket.DefaultDialer.Dial(urlStr, header)
}

// DialIgnoringPongs establishes a WebSocket connection and disables the
// automatic ping and pong responses so that tests can simulate an
// unresponsive peer.
func DialIgnoringPongs(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := Dial(urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}
