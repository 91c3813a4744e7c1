package protocol

import (
	"encoding/json"
	"testing"
)

func TestBytePayloadNumberArray(t *testing.T) {
	msg := NewSyncMessage([]byte{0, 1, 255})
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"yjs-sync","payload":[0,1,255]}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}

	var back SyncMessage
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if string(back.Payload) != string(msg.Payload) {
		t.Errorf("round trip mismatch: %v", back.Payload)
	}
}

func TestBytePayloadRejectsOutOfRange(t *testing.T) {
	var p BytePayload
	if err := json.Unmarshal([]byte(`[0,256]`), &p); err == nil {
		t.Error("expected error for byte > 255")
	}
	if err := json.Unmarshal([]byte(`"abc"`), &p); err == nil {
		t.Error("expected error for non-array payload")
	}
}

func TestInboundEnvelope(t *testing.T) {
	raw := `{"type":"get-feedback","eventId":"ev-1","userComments":"added a cache","userId":"u1"}`
	var in Inbound
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		t.Fatal(err)
	}
	if in.Type != TypeGetFeedback || in.EventID != "ev-1" || in.UserComments != "added a cache" {
		t.Errorf("unexpected envelope: %+v", in)
	}
}
