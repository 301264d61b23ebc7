package wire

import (
	"errors"
	"testing"
)

func TestParseStartMessage(t *testing.T) {
	data := []byte(`{
		"type": "start_chat_stream",
		"requestId": "r1",
		"orgId": "o",
		"workspaceId": "w",
		"chatId": 7,
		"prompt": "Build a page",
		"redo": true,
		"attachments": [{"name": "logo.png", "contentType": "image/png", "data": "aGk="}],
		"selectedComponents": [{"id": "c1", "name": "Header", "relativePath": "src/Header.tsx"}]
	}`)

	msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("ParseClientMessage: %v", err)
	}
	if msg.Start == nil || msg.Cancel != nil {
		t.Fatalf("expected start message, got %+v", msg)
	}
	st := msg.Start
	if st.RequestID != "r1" || st.OrgID != "o" || st.WorkspaceID != "w" {
		t.Fatalf("unexpected identity fields %+v", st)
	}
	if st.ChatID != 7 || st.Prompt != "Build a page" || !st.Redo {
		t.Fatalf("unexpected body fields %+v", st)
	}
	if len(st.Attachments) != 1 || st.Attachments[0].Name != "logo.png" {
		t.Fatalf("unexpected attachments %+v", st.Attachments)
	}
	if len(st.SelectedComponents) != 1 || st.SelectedComponents[0].ID != "c1" {
		t.Fatalf("unexpected components %+v", st.SelectedComponents)
	}
}

func TestParseCancelMessage(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"cancel_chat_stream","requestId":"r2"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage: %v", err)
	}
	if msg.Cancel == nil || msg.Cancel.RequestID != "r2" {
		t.Fatalf("expected cancel for r2, got %+v", msg)
	}

	msg, err = ParseClientMessage([]byte(`{"type":"cancel_chat_stream","requestId":"r3","chatId":4}`))
	if err != nil {
		t.Fatalf("ParseClientMessage with chatId: %v", err)
	}
	if msg.Cancel.ChatID != 4 {
		t.Fatalf("expected chat id fallback 4, got %d", msg.Cancel.ChatID)
	}
}

func TestParseRejections(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"malformed json", `{"type":`},
		{"missing type", `{"requestId":"r"}`},
		{"unsupported type", `{"type":"open_channel","requestId":"r"}`},
		{"missing prompt", `{"type":"start_chat_stream","requestId":"r","orgId":"o","workspaceId":"w","chatId":1}`},
		{"blank prompt", `{"type":"start_chat_stream","requestId":"r","orgId":"o","workspaceId":"w","chatId":1,"prompt":"   "}`},
		{"non-numeric chatId", `{"type":"start_chat_stream","requestId":"r","orgId":"o","workspaceId":"w","chatId":"1","prompt":"p"}`},
		{"fractional chatId", `{"type":"start_chat_stream","requestId":"r","orgId":"o","workspaceId":"w","chatId":1.5,"prompt":"p"}`},
		{"unknown key", `{"type":"start_chat_stream","requestId":"r","orgId":"o","workspaceId":"w","chatId":1,"prompt":"p","mode":"turbo"}`},
		{"bad attachment item", `{"type":"start_chat_stream","requestId":"r","orgId":"o","workspaceId":"w","chatId":1,"prompt":"p","attachments":[{"name":"","data":"x"}]}`},
		{"bad component item", `{"type":"start_chat_stream","requestId":"r","orgId":"o","workspaceId":"w","chatId":1,"prompt":"p","selectedComponents":[{"id":"c1","name":""}]}`},
		{"cancel missing requestId", `{"type":"cancel_chat_stream"}`},
		{"cancel unknown key", `{"type":"cancel_chat_stream","requestId":"r","force":true}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(tc.data))
			if err == nil {
				t.Fatalf("expected rejection")
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ParseError, got %T: %v", err, err)
			}
		})
	}
}

func TestServerFrameRoundTrip(t *testing.T) {
	frame := ServerFrame{
		Event:     "chat:response:end",
		RequestID: "r1",
		Payload:   map[string]any{"chatId": float64(7), "updatedFiles": false},
	}
	data, err := frame.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := DecodeServerFrame(data)
	if err != nil {
		t.Fatalf("DecodeServerFrame: %v", err)
	}
	if back.Event != frame.Event || back.RequestID != frame.RequestID {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, frame)
	}
	payload, ok := back.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload type %T", back.Payload)
	}
	if payload["chatId"] != float64(7) || payload["updatedFiles"] != false {
		t.Fatalf("payload mismatch %+v", payload)
	}
}
