package wire

import "encoding/json"

// MessageType identifies the schema of a frame's body.
// The wire choice for the body encoding is JSON: every other transport
// in this codebase's lineage that isn't gRPC (frameworks/pkg/clients/*)
// speaks JSON over HTTP, and JSON keeps the schema legible without
// generating stub code the way protobuf would for a nine-message-type
// bidirectional stream this small.
type MessageType uint16

// ProtocolVersion is the version this codec speaks; a client greeting
// answered with a mismatched version closes the connection.
const ProtocolVersion uint32 = 1

const (
	TypeClientGreeting MessageType = iota + 1
	TypeServerGreeting
	TypeClientConfigRequest
	TypeClientConfigReply
	TypeClientConfigUpdated
	TypeClientReady
	TypeRequestStream
	TypeStreamStatus
	TypeStopStream
)

func (t MessageType) String() string {
	switch t {
	case TypeClientGreeting:
		return "ClientGreeting"
	case TypeServerGreeting:
		return "ServerGreeting"
	case TypeClientConfigRequest:
		return "ClientConfigRequest"
	case TypeClientConfigReply:
		return "ClientConfigReply"
	case TypeClientConfigUpdated:
		return "ClientConfigUpdated"
	case TypeClientReady:
		return "ClientReady"
	case TypeRequestStream:
		return "RequestStream"
	case TypeStreamStatus:
		return "StreamStatus"
	case TypeStopStream:
		return "StopStream"
	default:
		return "Unknown"
	}
}

// ClientGreetingBody is the body of the first message a device sends,
// identifying itself by the commonName pinned in its TLS client cert.
type ClientGreetingBody struct {
	DeviceID string `json:"deviceId"`
}

// ServerGreetingBody is the server's reply to ClientGreeting.
type ServerGreetingBody struct {
	ProtocolVersion uint32 `json:"protocolVersion"`
}

// VideoSource is one entry of a ClientConfig's source list. User/Password
// are the RTSP-auth credentials the device uses to pull the stream from
// the camera; they never leave the control channel's TLS tunnel.
type VideoSource struct {
	ID                SourceIDWire `json:"id"`
	URI               string       `json:"uri"`
	User              string       `json:"user,omitempty"`
	Password          string       `json:"password,omitempty"`
	DropboxMaxStorage uint64       `json:"dropboxMaxStorage"`
}

// SourceIDWire is the wire representation of a source id (plain string;
// named distinctly from config.SourceID so this package has no dependency
// on internal/config, keeping the codec independent of the data model).
type SourceIDWire = string

// DropboxConfig carries the device's cloud-storage bearer token.
type DropboxConfig struct {
	Token string `json:"token"`
}

// ClientConfig is the body of ClientConfigReply / ClientConfigUpdated.
type ClientConfig struct {
	Sources []VideoSource `json:"sources"`
	Dropbox DropboxConfig `json:"dropbox"`
}

// RequestStreamBody is the body of a server-sent RequestStream.
type RequestStreamBody struct {
	SourceID    SourceIDWire `json:"sourceId"`
	Destination string       `json:"destination"`
}

// StreamStatusBody is the body of a client-sent StreamStatus.
type StreamStatusBody struct {
	SourceID SourceIDWire `json:"sourceId"`
	Success  bool         `json:"success"`
}

// StopStreamBody is the body of a server-sent StopStream.
type StopStreamBody struct {
	SourceID SourceIDWire `json:"sourceId"`
}

// Encode marshals v as the JSON body for a frame of type t.
func Encode(t MessageType, v interface{}) (MessageType, []byte, error) {
	if v == nil {
		return t, nil, nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return t, nil, NewProtocolError("encode: " + err.Error())
	}
	return t, body, nil
}

// Decode unmarshals body into v, wrapping failures as a ProtocolError.
func Decode(body []byte, v interface{}) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return NewProtocolError("decode: " + err.Error())
	}
	return nil
}
