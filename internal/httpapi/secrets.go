package httpapi

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/PSEUDONYM97/zeroclaw/internal/apierr"
)

const maxSecretBytes = 16 * 1024

// handlePutInstanceSecret stores a Secret Store-encrypted value scoped to an
// instance and field. The request body is the raw plaintext; the control
// plane encrypts it before it ever touches the registry, and the response
// never echoes the plaintext or the ciphertext back.
func (s *Server) handlePutInstanceSecret(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, field := vars["name"], vars["field"]

	inst, err := s.Reg.GetInstanceByName(name)
	if err != nil {
		writeInstanceWriteError(w, err)
		return
	}

	defer r.Body.Close()
	plaintext, err := io.ReadAll(io.LimitReader(r.Body, maxSecretBytes+1))
	if err != nil || len(plaintext) == 0 || len(plaintext) > maxSecretBytes {
		apierr.WriteHTTP(w, apierr.New(apierr.KindValidation, "secret value is missing or too large"))
		return
	}

	envelope, err := s.Secrets.Encrypt(plaintext)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInternal, "failed to encrypt secret"))
		return
	}
	if err := s.Reg.PutInstanceSecret(inst.ID, field, envelope); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInternal, "failed to persist secret"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance": name, "field": field, "stored": true})
}
