package protocol

import (
	"encoding/json"
	"testing"

	"github.com/cisec/lockdown-agent/pkg/types"
)

func TestNewMessage(t *testing.T) {
	payload := map[string]string{"key": "value"}

	msg, err := NewMessage(MessageTypeCommand, payload)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	if msg.ID == "" {
		t.Error("Expected message ID to be set")
	}

	if msg.Type != MessageTypeCommand {
		t.Errorf("Expected type %s, got %s", MessageTypeCommand, msg.Type)
	}

	if msg.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}

	if len(msg.Payload) == 0 {
		t.Error("Expected payload to be set")
	}
}

func TestNewMessage_UniqueIDs(t *testing.T) {
	a, _ := NewMessage(MessageTypePing, nil)
	b, _ := NewMessage(MessageTypePing, nil)
	if a.ID == b.ID {
		t.Errorf("Expected distinct IDs, both were %s", a.ID)
	}
}

func TestMessage_ParsePayload(t *testing.T) {
	original := Command{Name: CommandLock}

	msg, err := NewMessage(MessageTypeCommand, original)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	var parsed Command
	if err := msg.ParsePayload(&parsed); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}

	if parsed.Name != original.Name {
		t.Errorf("Expected name %s, got %s", original.Name, parsed.Name)
	}
}

func TestNewEventMessage(t *testing.T) {
	ev := types.Violation(types.CategoryApplication, "procmon", "BANNED WINDOW: '%s' (PID: %d)", "discord", 4242)

	msg, err := NewEventMessage(ev)
	if err != nil {
		t.Fatalf("NewEventMessage failed: %v", err)
	}
	if msg.Type != MessageTypeEvent {
		t.Errorf("Expected type %s, got %s", MessageTypeEvent, msg.Type)
	}

	var parsed types.Event
	if err := msg.ParsePayload(&parsed); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if parsed.Kind != types.EventViolation {
		t.Errorf("Expected kind violation, got %s", parsed.Kind)
	}
	if parsed.Category != types.CategoryApplication {
		t.Errorf("Expected category application, got %s", parsed.Category)
	}
	if parsed.Message != "BANNED WINDOW: 'discord' (PID: 4242)" {
		t.Errorf("Unexpected message %q", parsed.Message)
	}
}

func TestResponse_JSON(t *testing.T) {
	resp := Response{
		Command:  CommandUnlock,
		Accepted: false,
		Error:    "transition in flight",
		State:    types.StateLocking,
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var parsed Response
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if parsed.Accepted {
		t.Error("Expected accepted to be false")
	}
	if parsed.State != types.StateLocking {
		t.Errorf("Expected state locking, got %s", parsed.State)
	}
	if parsed.Error != resp.Error {
		t.Errorf("Expected error %q, got %q", resp.Error, parsed.Error)
	}
}

func TestEventReportLevel(t *testing.T) {
	tests := []struct {
		ev   types.Event
		want string
	}{
		{types.Info("net", "ok"), "INFO"},
		{types.Error("net", "boom"), "ERROR"},
		{types.Violation(types.CategoryApplication, "", "x"), "VIOLATION_APP"},
		{types.Violation(types.CategoryNetwork, "", "x"), "VIOLATION_NET"},
		{types.Violation(types.CategoryEnvironment, "", "x"), "VIOLATION_ENV"},
		{types.Violation(types.CategoryOther, "", "x"), "VIOLATION_OTH"},
		{types.StateChange(types.EventLockSuccess, "", "x"), "INFO"},
	}

	for _, tt := range tests {
		if got := tt.ev.ReportLevel(); got != tt.want {
			t.Errorf("ReportLevel(%s/%s) = %s, want %s", tt.ev.Kind, tt.ev.Category, got, tt.want)
		}
	}
}

func TestMessageTypes(t *testing.T) {
	msgTypes := []MessageType{
		MessageTypeCommand,
		MessageTypePing,
		MessageTypeEvent,
		MessageTypeStatus,
		MessageTypeResponse,
		MessageTypePong,
	}

	for _, msgType := range msgTypes {
		if msgType == "" {
			t.Error("Message type should not be empty")
		}
	}
}
