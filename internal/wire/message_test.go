package wire

import (
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestVoiceStateFieldNames(t *testing.T) {
	data, err := Encode(NewVoiceState(VoiceState{InVoice: true, MicEnabled: true}))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	var raw map[string]any
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		t.Fatalf("err: %v", err)
	}
	if raw["type"] != "voice_state" {
		t.Fatalf("type: %v", raw["type"])
	}
	state, ok := raw["state"].(map[string]any)
	if !ok {
		t.Fatalf("state missing: %#v", raw)
	}
	if state["inVoice"] != true || state["micEnabled"] != true || state["videoEnabled"] != false {
		t.Fatalf("unexpected state %#v", state)
	}
	if _, ok := raw["user"]; ok {
		t.Fatalf("user should be omitted")
	}
}

func TestApplicationPayload(t *testing.T) {
	type chat struct {
		Text string `msgpack:"text"`
	}
	m, err := NewMessage("chat", chat{Text: "hi"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	back, err := Decode(data)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	var c chat
	if err := back.DecodePayload(&c); err != nil {
		t.Fatalf("err: %v", err)
	}
	if back.Type != "chat" || c.Text != "hi" {
		t.Fatalf("unexpected %+v %+v", back, c)
	}
}

func TestDecodeRejectsUntyped(t *testing.T) {
	data, _ := msgpack.Marshal(map[string]any{"state": nil})
	if _, err := Decode(data); !errors.Is(err, ErrEmptyType) {
		t.Fatalf("expected ErrEmptyType, got %v", err)
	}
	if _, err := Decode([]byte{0xc1}); err == nil {
		t.Fatalf("expected error for garbage")
	}
}
