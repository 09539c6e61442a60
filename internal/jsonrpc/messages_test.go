package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestAnyMessage_Classification(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "request", in: `{"jsonrpc":"2.0","method":"sub","params":{"channel":"x"},"id":1}`, want: "request"},
		{name: "notification", in: `{"jsonrpc":"2.0","method":"connected","params":{"connectionId":"c"}}`, want: "notification"},
		{name: "result", in: `{"jsonrpc":"2.0","result":{},"id":"a"}`, want: "response"},
		{name: "error", in: `{"jsonrpc":"2.0","error":{"code":-32601,"message":"nope"},"id":2}`, want: "response"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var m AnyMessage
			if err := json.Unmarshal([]byte(tc.in), &m); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := m.Type(); got != tc.want {
				t.Fatalf("type = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAnyMessage_RejectsMalformed(t *testing.T) {
	for _, in := range []string{
		`{"jsonrpc":"1.0","method":"x"}`,
		`{"jsonrpc":"2.0","method":"x","result":{}}`,
		`{"jsonrpc":"2.0","result":{},"error":{"code":1,"message":"m"},"id":1}`,
		`{"jsonrpc":"2.0","id":1}`,
		`not json`,
	} {
		var m AnyMessage
		if err := json.Unmarshal([]byte(in), &m); err == nil {
			t.Fatalf("expected error for %s", in)
		}
	}
}

func TestRequestID_NumericAndStringDoNotCollide(t *testing.T) {
	var num, str RequestID
	if err := json.Unmarshal([]byte(`7`), &num); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := json.Unmarshal([]byte(`"7"`), &str); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if num.String() != "7" || str.String() != "7" {
		t.Fatalf("unexpected string forms %q %q", num.String(), str.String())
	}
	b, _ := json.Marshal(&num)
	if string(b) != "7" {
		t.Fatalf("numeric id re-encoded as %s", b)
	}
	b, _ = json.Marshal(&str)
	if string(b) != `"7"` {
		t.Fatalf("string id re-encoded as %s", b)
	}
	if !(*RequestID)(nil).IsNil() || !NewRequestID(1.5).IsNil() {
		t.Fatalf("unsupported id types must be nil")
	}
}

func TestNewRequest_NotificationHasNoID(t *testing.T) {
	req, err := NewNotification("changed", map[string]string{"channel": "c"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b, _ := json.Marshal(req)
	var m AnyMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Type() != "notification" {
		t.Fatalf("type = %s", m.Type())
	}

	if _, err := NewRequest(NewRequestID(1), "x", func() {}); err == nil {
		t.Fatalf("expected marshal error for unencodable params")
	}
}
