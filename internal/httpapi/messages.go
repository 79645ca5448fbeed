package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/PSEUDONYM97/zeroclaw/internal/apierr"
	"github.com/PSEUDONYM97/zeroclaw/internal/config"
	"github.com/PSEUDONYM97/zeroclaw/internal/registry"
	"github.com/PSEUDONYM97/zeroclaw/internal/router"
)

const maxMessageBodyBytes = 96 * 1024

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var env router.Envelope
	if err := readJSONBody(w, r, &env, maxMessageBodyBytes); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindValidation, "invalid request body"))
		return
	}
	res, err := s.Router.Send(env)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleAckMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.Reg.Acknowledge(id)
	switch err {
	case nil:
		w.WriteHeader(http.StatusNoContent)
	case registry.ErrInvalidTransition:
		apierr.WriteHTTP(w, apierr.New(apierr.KindConflict, "message is not in delivered status"))
	default:
		apierr.WriteHTTP(w, apierr.New(apierr.KindInternal, "failed to acknowledge message"))
	}
}

func (s *Server) handleReplayMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.Reg.Replay(id, config.MinMessageTTL, config.MaxMessageTTL, s.Router.DefaultTTL)
	switch err {
	case nil:
		w.WriteHeader(http.StatusNoContent)
	case registry.ErrNotFound:
		apierr.WriteHTTP(w, apierr.New(apierr.KindNotFound, "message not found"))
	case registry.ErrInvalidTransition:
		apierr.WriteHTTP(w, apierr.New(apierr.KindConflict, "message is not in dead_letter status"))
	default:
		apierr.WriteHTTP(w, apierr.New(apierr.KindInternal, "failed to replay message"))
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	list, err := s.Reg.ListMessages(q.Get("instance"), q.Get("status"), limit)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInternal, "failed to list messages"))
		return
	}
	writeJSON(w, http.StatusOK, newMessageListDTO(list))
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := s.Reg.GetMessage(id)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindNotFound, "message not found"))
		return
	}
	writeJSON(w, http.StatusOK, newMessageDTO(m))
}

func (s *Server) handleMessageEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	events, err := s.Reg.ListMessageEvents(id)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInternal, "failed to list message events"))
		return
	}
	writeJSON(w, http.StatusOK, newMessageEventListDTO(events))
}

func (s *Server) handleDeadLetterMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	list, err := s.Reg.ListMessages("", registry.MsgDeadLetter, limit)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInternal, "failed to list dead-lettered messages"))
		return
	}
	writeJSON(w, http.StatusOK, newMessageListDTO(list))
}

func (s *Server) handleInstanceMessages(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	list, err := s.Reg.ListMessages(name, r.URL.Query().Get("status"), limit)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInternal, "failed to list instance messages"))
		return
	}
	writeJSON(w, http.StatusOK, newMessageListDTO(list))
}
