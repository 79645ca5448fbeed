package apierr

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteHTTP(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"validation", New(KindValidation, "bad name").WithField("name", "??"), http.StatusBadRequest, "bad name"},
		{"not_found", New(KindNotFound, "no such instance"), http.StatusNotFound, "no such instance"},
		{"conflict", New(KindConflict, "port in use"), http.StatusConflict, "port in use"},
		{"busy", New(KindBusy, "lock contention"), 423, "lock contention"},
		{"gone", New(KindGone, "instance archived"), http.StatusGone, "instance archived"},
		{"foreign error falls back to internal", errPlain("boom"), http.StatusInternalServerError, "internal error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteHTTP(rec, tc.err)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			var body Body
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body.Error != tc.wantError {
				t.Fatalf("error = %q, want %q", body.Error, tc.wantError)
			}
		})
	}
}

func TestSanitizeStripsControlCharsAndBounds(t *testing.T) {
	e := New(KindValidation, "bad\x00value\x7f with junk")
	if e.Message != "badvalue with junk" {
		t.Fatalf("got %q", e.Message)
	}
}

func TestUnknownKindFallsBackToInternal(t *testing.T) {
	m := MetaFor(Kind("not-a-real-kind"))
	if m.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal fallback, got %d", m.HTTPStatus)
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
