// Package protocol defines the wire format exchanged over a tunnel's
// control channel: a single tagged-variant frame type, JSON-encoded one
// frame per WebSocket message.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Type identifies which variant a Frame carries in its Payload.
type Type string

const (
	TypeAuth         Type = "auth"
	TypeAuthAck      Type = "auth_ack"
	TypeHTTPRequest  Type = "http_request"
	TypeHTTPResponse Type = "http_response"
	TypePing         Type = "ping"
	TypePong         Type = "pong"
	TypeSSLConnect   Type = "ssl_connect"
	TypeSSLData      Type = "ssl_data"
	TypeSSLClose     Type = "ssl_close"
	TypeError        Type = "error"
)

// Frame is the envelope written to and read from the control connection.
// Payload is deferred (json.RawMessage) so the envelope can be decoded
// before the caller knows which concrete variant to unmarshal into.
type Frame struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Auth is sent by the client as the first frame on a new control connection.
type Auth struct {
	Token             string `json:"token"`
	RequestedSubdomain string `json:"subdomain,omitempty"`
	ProtocolVersion   string `json:"protocol_version"`
}

// AuthAck is the server's reply to Auth.
type AuthAck struct {
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	Subdomain string `json:"subdomain,omitempty"`
	TunnelID  string `json:"tunnel_id,omitempty"`
}

// HTTPRequest carries a public request into the tunnel for local forwarding.
type HTTPRequest struct {
	ID       uuid.UUID           `json:"id"`
	Method   string              `json:"method"`
	Path     string              `json:"path"`
	Headers  map[string][]string `json:"headers,omitempty"`
	Body     []byte              `json:"body,omitempty"`
	ClientIP string              `json:"client_ip,omitempty"`
}

// HTTPResponse is the matching reply to an HTTPRequest, correlated by ID.
type HTTPResponse struct {
	ID      uuid.UUID           `json:"id"`
	Status  uint16              `json:"status"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// Ping is sent by the server on a keepalive interval.
type Ping struct {
	Nonce uint64 `json:"nonce"`
}

// Pong replies to a Ping with the same nonce.
type Pong struct {
	Nonce uint64 `json:"nonce"`
}

// SSLConnect reserves the frame shape for a future SSL-passthrough path.
type SSLConnect struct {
	ID       uuid.UUID `json:"id"`
	SNI      string    `json:"sni"`
	ClientIP string    `json:"client_ip,omitempty"`
}

// SSLData carries a chunk of raw bytes for an SSL-passthrough stream.
type SSLData struct {
	ID    uuid.UUID `json:"id"`
	Bytes []byte    `json:"bytes"`
}

// SSLClose ends an SSL-passthrough stream.
type SSLClose struct {
	ID uuid.UUID `json:"id"`
}

// Error reports an out-of-band protocol error.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode marshals v into a Frame of the given type.
func Encode(t Type, v any) (Frame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: encode %s: %w", t, err)
	}
	return Frame{Type: t, Payload: payload}, nil
}

// DecodeAuth, DecodeAuthAck, ... unmarshal a Frame's payload into its
// concrete variant. Callers dispatch on Frame.Type first.

func DecodeAuth(f Frame) (Auth, error) {
	var v Auth
	err := unmarshal(f, TypeAuth, &v)
	return v, err
}

func DecodeAuthAck(f Frame) (AuthAck, error) {
	var v AuthAck
	err := unmarshal(f, TypeAuthAck, &v)
	return v, err
}

func DecodeHTTPRequest(f Frame) (HTTPRequest, error) {
	var v HTTPRequest
	err := unmarshal(f, TypeHTTPRequest, &v)
	return v, err
}

func DecodeHTTPResponse(f Frame) (HTTPResponse, error) {
	var v HTTPResponse
	err := unmarshal(f, TypeHTTPResponse, &v)
	return v, err
}

func DecodePing(f Frame) (Ping, error) {
	var v Ping
	err := unmarshal(f, TypePing, &v)
	return v, err
}

func DecodePong(f Frame) (Pong, error) {
	var v Pong
	err := unmarshal(f, TypePong, &v)
	return v, err
}

func DecodeSSLConnect(f Frame) (SSLConnect, error) {
	var v SSLConnect
	err := unmarshal(f, TypeSSLConnect, &v)
	return v, err
}

func DecodeSSLData(f Frame) (SSLData, error) {
	var v SSLData
	err := unmarshal(f, TypeSSLData, &v)
	return v, err
}

func DecodeSSLClose(f Frame) (SSLClose, error) {
	var v SSLClose
	err := unmarshal(f, TypeSSLClose, &v)
	return v, err
}

func DecodeError(f Frame) (Error, error) {
	var v Error
	err := unmarshal(f, TypeError, &v)
	return v, err
}

func unmarshal(f Frame, want Type, v any) error {
	if f.Type != want {
		return fmt.Errorf("protocol: expected %s frame, got %s", want, f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s: %w", f.Type, err)
	}
	return nil
}

// Marshal serializes a Frame to bytes for writing to the wire.
func Marshal(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Unmarshal parses bytes read from the wire into a Frame envelope.
func Unmarshal(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: decode frame envelope: %w", err)
	}
	return f, nil
}
