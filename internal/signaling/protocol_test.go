package signaling

import (
	"testing"

	"github.com/google/uuid"
)

func TestParseRequest_Signal(t *testing.T) {
	to := uuid.New()
	req, err := parseRequest([]byte(`{"type":"signal","to":"` + to.String() + `","data":"offer-sdp"}`))
	if err != nil {
		t.Fatalf("parseRequest: %v", err)
	}
	if req.Type != messageTypeSignal || req.To != to || req.Data != "offer-sdp" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestParseRequest_KeepAlive(t *testing.T) {
	req, err := parseRequest([]byte(`{"type":"keepAlive"}`))
	if err != nil {
		t.Fatalf("parseRequest: %v", err)
	}
	if req.Type != messageTypeKeepAlive {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestParseRequest_Rejects(t *testing.T) {
	to := uuid.New().String()
	for _, tc := range []struct {
		name string
		raw  string
	}{
		{"empty", ``},
		{"not json", `hello`},
		{"wrong type", `{"type":"hello"}`},
		{"missing type", `{"to":"` + to + `"}`},
		{"signal without recipient", `{"type":"signal","data":"x"}`},
		{"signal with nil recipient", `{"type":"signal","to":"00000000-0000-0000-0000-000000000000"}`},
		{"signal with malformed recipient", `{"type":"signal","to":"not-a-uuid"}`},
		{"keepAlive with recipient", `{"type":"keepAlive","to":"` + to + `"}`},
		{"keepAlive with data", `{"type":"keepAlive","data":"x"}`},
		{"unknown field", `{"type":"keepAlive","extra":1}`},
		{"trailing data", `{"type":"keepAlive"}{"type":"keepAlive"}`},
		{"array", `[{"type":"keepAlive"}]`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseRequest([]byte(tc.raw)); err == nil {
				t.Fatalf("parseRequest(%q) must fail", tc.raw)
			}
		})
	}
}
