// Package eleven speaks the ElevenLabs Conversational AI websocket protocol:
// the inbound event vocabulary, the outbound client messages, and retrieval
// of the signed per-conversation connection URL.
package eleven

import (
	"encoding/json"
	"fmt"
)

// Inbound event kinds. Anything else is logged and ignored.
const (
	TypeInitMetadata   = "conversation_initiation_metadata"
	TypeAudio          = "audio"
	TypeInterruption   = "interruption"
	TypePing           = "ping"
	TypeAgentResponse  = "agent_response"
	TypeUserTranscript = "user_transcript"
)

// Defaults applied to the initiation config when the call carries no
// overrides.
const (
	DefaultPrompt       = "you are a gary from the phone store"
	DefaultFirstMessage = "hey there! how can I help you today?"
)

// Event is a single inbound frame from the agent. Only the section matching
// Type is populated.
type Event struct {
	Type                   string                  `json:"type"`
	Audio                  *AudioChunk             `json:"audio,omitempty"`
	AudioEvent             *AudioEvent             `json:"audio_event,omitempty"`
	PingEvent              *PingEvent              `json:"ping_event,omitempty"`
	AgentResponseEvent     *AgentResponseEvent     `json:"agent_response_event,omitempty"`
	UserTranscriptionEvent *UserTranscriptionEvent `json:"user_transcription_event,omitempty"`
}

// AudioChunk is the older audio payload shape: a direct chunk field.
type AudioChunk struct {
	Chunk string `json:"chunk"`
}

// AudioEvent is the newer audio payload shape.
type AudioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
	EventID     int    `json:"event_id,omitempty"`
}

// PingEvent carries the correlation id a pong must echo.
type PingEvent struct {
	EventID int `json:"event_id"`
	PingMs  int `json:"ping_ms,omitempty"`
}

// AgentResponseEvent carries the agent's response text, for diagnostics.
type AgentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

// UserTranscriptionEvent carries the recognized user speech, for diagnostics.
type UserTranscriptionEvent struct {
	UserTranscript string `json:"user_transcript"`
}

// ParseEvent decodes a raw websocket frame into an Event.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("eleven: parse event: %w", err)
	}
	return ev, nil
}

// AudioPayload returns the base64 audio carried by an audio event,
// accepting both payload shapes the API emits. The two shapes are treated
// identically; neither is documented as deprecated.
func (e Event) AudioPayload() (string, bool) {
	if e.Audio != nil && e.Audio.Chunk != "" {
		return e.Audio.Chunk, true
	}
	if e.AudioEvent != nil && e.AudioEvent.AudioBase64 != "" {
		return e.AudioEvent.AudioBase64, true
	}
	return "", false
}

// Pong answers a ping, echoing its event id.
type Pong struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

// NewPong builds the pong for a received ping event id.
func NewPong(eventID int) Pong {
	return Pong{Type: "pong", EventID: eventID}
}

// UserAudioChunk carries one base64 chunk of caller audio to the agent.
type UserAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// InitiationConfig is the one-time conversation_initiation_client_data
// message sent immediately after the agent connection opens, before any
// audio is relayed in either direction.
type InitiationConfig struct {
	Type                       string             `json:"type"`
	ConversationConfigOverride ConversationConfig `json:"conversation_config_override"`
}

// ConversationConfig overrides agent behavior for one conversation.
type ConversationConfig struct {
	Agent AgentOverride `json:"agent"`
}

// AgentOverride carries the prompt and greeting overrides.
type AgentOverride struct {
	Prompt       PromptOverride `json:"prompt"`
	FirstMessage string         `json:"first_message"`
}

// PromptOverride wraps the system prompt text.
type PromptOverride struct {
	Prompt string `json:"prompt"`
}

// NewInitiationConfig builds the initiation message from the call's
// overrides, substituting defaults for unset values.
func NewInitiationConfig(prompt, firstMessage string) InitiationConfig {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	if firstMessage == "" {
		firstMessage = DefaultFirstMessage
	}
	return InitiationConfig{
		Type: "conversation_initiation_client_data",
		ConversationConfigOverride: ConversationConfig{
			Agent: AgentOverride{
				Prompt:       PromptOverride{Prompt: prompt},
				FirstMessage: firstMessage,
			},
		},
	}
}
