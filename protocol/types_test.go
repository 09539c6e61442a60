package protocol

import (
	"encoding/json"
	"testing"
)

func TestPayload_AlwaysCarriesBothMembers(t *testing.T) {
	b, err := json.Marshal(DataPayload(json.RawMessage(`{"v":1}`)))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(b), `{"data":{"v":1},"errors":null}`; got != want {
		t.Fatalf("data payload: got %s want %s", got, want)
	}

	b, err = json.Marshal(ErrorPayload(Error{Message: "boom"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(b), `{"data":null,"errors":[{"message":"boom"}]}`; got != want {
		t.Fatalf("error payload: got %s want %s", got, want)
	}
}

func TestPayload_ErrorsPresenceIsTheDiscriminator(t *testing.T) {
	cases := []struct {
		name       string
		raw        string
		wantErrors bool
		wantData   bool
	}{
		{name: "data", raw: `{"data":{"v":1},"errors":null}`, wantData: true},
		{name: "errors", raw: `{"data":null,"errors":[{"message":"x"}]}`, wantErrors: true},
		{name: "empty error list", raw: `{"data":null,"errors":[]}`, wantErrors: true},
		{name: "missing errors", raw: `{"data":{"v":2}}`, wantData: true},
		{name: "nothing", raw: `{"data":null,"errors":null}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var p Payload
			if err := json.Unmarshal([]byte(tc.raw), &p); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if p.HasErrors() != tc.wantErrors {
				t.Fatalf("HasErrors = %v, want %v", p.HasErrors(), tc.wantErrors)
			}
			if p.HasData() != tc.wantData {
				t.Fatalf("HasData = %v, want %v", p.HasData(), tc.wantData)
			}
		})
	}
}

func TestSubscribeParams_FlattensRequest(t *testing.T) {
	p := SubscribeParams{
		Request: Request{Query: "subscription { tick }", OperationName: "Tick"},
		ID:      5,
	}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["query"] != "subscription { tick }" || m["operationName"] != "Tick" || m["id"] != float64(5) {
		t.Fatalf("unexpected wire shape: %s", b)
	}
}

func TestParseSubscriptionID(t *testing.T) {
	id, err := ParseSubscriptionID("42")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != 42 || id.String() != "42" {
		t.Fatalf("round trip failed: %v", id)
	}
	if _, err := ParseSubscriptionID("abc"); err == nil {
		t.Fatalf("expected error for non-numeric id")
	}
}

func TestSchemas_CoverEveryMethod(t *testing.T) {
	schemas := Schemas()
	for _, m := range []Method{ConnectedMethod, SubMethod, UnsubMethod, ChangedMethod, SubscribeMethod, UnsubscribeMethod} {
		if schemas[m] == nil {
			t.Fatalf("missing schema for %s", m)
		}
	}

	sub := schemas[SubscribeMethod]
	for _, prop := range []string{"query", "variables", "operationName", "context", "id"} {
		if _, ok := sub.Properties.Get(prop); !ok {
			t.Fatalf("subscribe schema missing property %q", prop)
		}
	}
	required := map[string]bool{}
	for _, r := range sub.Required {
		required[r] = true
	}
	if !required["query"] || !required["id"] {
		t.Fatalf("expected query and id to be required, got %v", sub.Required)
	}
}
