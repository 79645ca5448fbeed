package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/PSEUDONYM97/zeroclaw/internal/redact"
)

// writeJSON marshals v, redacts the encoded form, and writes it with status.
// Every read endpoint's body passes through here so no response can echo a
// secret pattern back to a caller, regardless of which handler built it.
func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal error"}`))
		return
	}

	var decoded any
	if err := json.Unmarshal(b, &decoded); err == nil {
		redacted := redact.Default().Value(decoded)
		if rb, err := json.Marshal(redacted); err == nil {
			b = rb
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func readJSONBody(w http.ResponseWriter, r *http.Request, v any, maxBytes int64) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
