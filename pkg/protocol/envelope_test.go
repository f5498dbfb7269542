package protocol

import (
	"net/http"
	"testing"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"event":"apiRequest","name":"ping","data":{},"responseIndex":1}`))
	if err != nil {
		t.Fatalf("DecodeEnvelope error: %v", err)
	}
	if env.Event != EventAPIRequest {
		t.Errorf("Event = %q, want %q", env.Event, EventAPIRequest)
	}
	if len(env.Raw()) == 0 {
		t.Error("Raw should preserve the original message")
	}
}

func TestDecodeEnvelopeRejectsNonEnvelopes(t *testing.T) {
	cases := []string{
		``,
		`not json`,
		`42`,
		`[]`,
		`{"name":"missing event"}`,
	}
	for _, input := range cases {
		if _, err := DecodeEnvelope([]byte(input)); err == nil {
			t.Errorf("DecodeEnvelope(%q) should fail", input)
		}
	}
}

func TestRequestValidate(t *testing.T) {
	req := DecodeRequest([]byte(`{"event":"apiRequest","name":"user/profile","data":{"id":1},"responseIndex":7}`))
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if !req.HasIndex() || *req.ResponseIndex != 7 {
		t.Error("responseIndex should decode to 7")
	}
}

func TestRequestValidateRejectsMalformedEnvelopes(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"missing name", `{"event":"apiRequest","data":{},"responseIndex":1}`},
		{"data not object", `{"event":"apiRequest","name":"x","data":[1],"responseIndex":1}`},
		{"data is string", `{"event":"apiRequest","name":"x","data":"str","responseIndex":1}`},
		{"missing index", `{"event":"apiRequest","name":"x","data":{}}`},
	}
	for _, tc := range cases {
		req := DecodeRequest([]byte(tc.input))
		if err := req.Validate(); err == nil {
			t.Errorf("%s: Validate should fail", tc.name)
		} else if err.Code != CodeInvalidRequest {
			t.Errorf("%s: code = %s, want %s", tc.name, err.Code, CodeInvalidRequest)
		}
	}
}

func TestRequestWithoutIndexIsDroppable(t *testing.T) {
	req := DecodeRequest([]byte(`{"event":"apiRequest","name":"x","data":{}}`))
	if req.HasIndex() {
		t.Error("HasIndex should be false when responseIndex is absent")
	}
}

func TestSyncRequestValidate(t *testing.T) {
	req := DecodeSyncRequest([]byte(`{"event":"sync","name":"game/move","data":{"x":1},"cb":"move","receiver":"room-9","responseIndex":3,"ignoreSelf":true}`))
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if !req.IgnoreSelf {
		t.Error("IgnoreSelf should decode to true")
	}

	missing := DecodeSyncRequest([]byte(`{"event":"sync","name":"game/move","cb":"move"}`))
	if err := missing.Validate(); err == nil {
		t.Error("Validate should fail without receiver")
	}
}

func TestResponseEventNames(t *testing.T) {
	if got := ResponseEvent(12); got != "apiResponse-12" {
		t.Errorf("ResponseEvent = %q", got)
	}
	if got := SyncAckEvent(3); got != "sync-3" {
		t.Errorf("SyncAckEvent = %q", got)
	}
	if got := AckEvent(EventJoinRoom, 5); got != "joinRoom-5" {
		t.Errorf("AckEvent = %q", got)
	}
}

func TestSuccessResponseShape(t *testing.T) {
	resp := Success(map[string]any{"user": "u1"})
	if resp[FieldStatus] != string(StatusSuccess) {
		t.Error("status should be success")
	}
	if resp[FieldHTTPStatus] != 200 {
		t.Errorf("httpStatus = %v, want 200", resp[FieldHTTPStatus])
	}
	if resp["user"] != "u1" {
		t.Error("handler fields should be preserved")
	}
}

func TestFailureResponseShape(t *testing.T) {
	resp := Failure(CodeAuthForbidden, map[string]any{"key": "admin"}, "forbidden")
	if resp[FieldStatus] != string(StatusError) {
		t.Error("status should be error")
	}
	if resp[FieldErrorCode] != string(CodeAuthForbidden) {
		t.Errorf("errorCode = %v", resp[FieldErrorCode])
	}
	if resp[FieldHTTPStatus] != http.StatusForbidden {
		t.Errorf("httpStatus = %v, want 403", resp[FieldHTTPStatus])
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeInvalidRequest, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeAuthRequired, http.StatusUnauthorized},
		{CodeRateLimitExceeded, http.StatusTooManyRequests},
		{CodeInternalServerError, http.StatusInternalServerError},
		{Code("bogus"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.code); got != tc.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}
