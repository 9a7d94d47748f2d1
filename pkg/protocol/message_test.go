package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewMessage(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "write message",
			msgType: TypeSet,
			data:    WriteData{Fields: map[string]json.RawMessage{"status": json.RawMessage(`"calling"`)}},
		},
		{
			name:    "nil data",
			msgType: TypePing,
			data:    nil,
		},
		{
			name:    "unmarshalable data",
			msgType: TypeUpdate,
			data:    make(chan int),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if msg.Type != tt.msgType {
				t.Errorf("NewMessage() type = %v, want %v", msg.Type, tt.msgType)
			}
			if msg.Timestamp == 0 {
				t.Error("NewMessage() timestamp should be set")
			}
		})
	}
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    MessageType
		wantErr bool
	}{
		{"subscribe", `{"type":"subscribe","id":"1","path":"sessions/a/call"}`, TypeSubscribe, false},
		{"invalid json", `{"type":`, "", true},
		{"missing type", `{"id":"1"}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && msg.Type != tt.want {
				t.Errorf("Type = %s, want %s", msg.Type, tt.want)
			}
		})
	}
}

func TestSnapshotCarriesPath(t *testing.T) {
	doc := DocumentData{
		Path:    "sessions/s1/users/u1",
		Exists:  true,
		Version: 3,
		Fields:  map[string]json.RawMessage{"coordinate": json.RawMessage(`{"lat":1,"lng":2}`)},
	}
	msg, err := NewSnapshotMessage("req-9", doc)
	if err != nil {
		t.Fatalf("NewSnapshotMessage error: %v", err)
	}

	data, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes error: %v", err)
	}
	parsed, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage error: %v", err)
	}

	if parsed.ID != "req-9" || parsed.Path != doc.Path {
		t.Errorf("ID/Path = %s/%s, want req-9/%s", parsed.ID, parsed.Path, doc.Path)
	}
	got, err := parsed.GetDocumentData()
	if err != nil {
		t.Fatalf("GetDocumentData error: %v", err)
	}
	if got.Version != 3 || !got.Exists {
		t.Errorf("document = %+v", got)
	}
	if string(got.Fields["coordinate"]) != `{"lat":1,"lng":2}` {
		t.Errorf("coordinate field = %s", got.Fields["coordinate"])
	}
}

func TestIsReply(t *testing.T) {
	ack, _ := NewAckMessage("7", "p", 1)
	change, _ := NewChangeMessage(DocumentData{Path: "p"})
	anon, _ := NewMessage(TypeAck, nil)

	if !ack.IsReply() {
		t.Error("ack with id should be a reply")
	}
	if change.IsReply() {
		t.Error("change notification should not be a reply")
	}
	if anon.IsReply() {
		t.Error("ack without id should not be a reply")
	}
}

func TestPongLatency(t *testing.T) {
	msg, err := NewPongMessage("p1", 1000)
	if err != nil {
		t.Fatalf("NewPongMessage error: %v", err)
	}
	var pong PongData
	if err := msg.ParseData(&pong); err != nil {
		t.Fatalf("ParseData error: %v", err)
	}
	if pong.PingTS != 1000 || pong.LatencyMs != pong.PongTS-1000 {
		t.Errorf("pong = %+v", pong)
	}
}
