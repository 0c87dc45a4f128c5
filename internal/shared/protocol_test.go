package shared

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewEnvelopeCarriesPayload(t *testing.T) {
	env, err := NewEnvelope(MessageTypeRequestAccepted, "req-1", map[string]string{"status": "accepted"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	data, err := MarshalEnvelope(env)
	if err != nil {
		t.Fatalf("MarshalEnvelope failed: %v", err)
	}

	decoded, err := UnmarshalEnvelope(data)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope failed: %v", err)
	}
	if decoded.Type != string(MessageTypeRequestAccepted) {
		t.Fatalf("type mismatch: got %s", decoded.Type)
	}

	var payload map[string]string
	if err := json.Unmarshal(decoded.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["status"] != "accepted" {
		t.Fatalf("payload mismatch: got %v", payload)
	}
}

func TestNewEnvelopeRejectsUnmarshalablePayload(t *testing.T) {
	_, err := NewEnvelope(MessageTypeSessionEnded, "", make(chan int))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestEnvelopeValidation(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"unsupported version", `{"version":999,"type":"queue.joined","timestamp":1,"payload":{}}`, ErrUnsupportedVersion},
		{"missing type", `{"version":1,"type":"","timestamp":1,"payload":{}}`, ErrMissingType},
		{"missing timestamp", `{"version":1,"type":"queue.joined","timestamp":0,"payload":{}}`, ErrMissingTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalEnvelope([]byte(tt.data))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
