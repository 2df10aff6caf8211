// Package twilio covers the Twilio-facing edges of the bridge: the Media
// Streams wire vocabulary, the TwiML stream descriptor, and outbound call
// placement against the REST API.
package twilio

import (
	"encoding/json"
	"fmt"
)

// Stream event kinds observed on a Media Streams websocket.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventClear     = "clear"
)

// StreamEvent is a single JSON frame on a Media Streams connection, inbound
// or outbound. Only the fields relevant to the frame's event kind are set.
type StreamEvent struct {
	Event          string      `json:"event"`
	SequenceNumber string      `json:"sequenceNumber,omitempty"`
	StreamSid      string      `json:"streamSid,omitempty"`
	Start          *StartEvent `json:"start,omitempty"`
	Media          *MediaEvent `json:"media,omitempty"`
	Stop           *StopEvent  `json:"stop,omitempty"`
}

// StartEvent carries the stream identity and the custom parameters attached
// by the TwiML descriptor. CustomParameters is immutable after start.
type StartEvent struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      map[string]string `json:"mediaFormat,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaEvent carries one base64-encoded audio chunk. The payload bytes are
// relayed untouched; the bridge never transcodes.
type MediaEvent struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopEvent signals the provider has ended the stream.
type StopEvent struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// ParseStreamEvent decodes a raw websocket frame into a StreamEvent.
func ParseStreamEvent(data []byte) (StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return StreamEvent{}, fmt.Errorf("twilio: parse stream event: %w", err)
	}
	if ev.Event == "" {
		return StreamEvent{}, fmt.Errorf("twilio: stream event missing kind")
	}
	return ev, nil
}

// MediaFrame builds an outbound media frame for the given stream carrying a
// base64 audio payload.
func MediaFrame(streamSid, payload string) StreamEvent {
	return StreamEvent{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     &MediaEvent{Payload: payload},
	}
}

// ClearFrame builds an outbound clear frame instructing the provider to
// discard any buffered playback on the given stream.
func ClearFrame(streamSid string) StreamEvent {
	return StreamEvent{Event: EventClear, StreamSid: streamSid}
}
