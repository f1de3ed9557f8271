package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/formbridge/formbridge/pkg/contracts"
	"github.com/formbridge/formbridge/pkg/registry"
	"github.com/formbridge/formbridge/pkg/store"
	"github.com/formbridge/formbridge/pkg/submission"
)

// maxBodyBytes caps request bodies; submissions carry form data, not blobs.
const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeFailure(w, http.StatusBadRequest, contracts.ErrTypeInvalidRequest,
			"request body is not valid JSON")
		return false
	}
	return true
}

// resumeToken pulls the capability token for read routes: header first, then
// query parameter.
func resumeToken(r *http.Request) string {
	if tok := r.Header.Get("X-Resume-Token"); tok != "" {
		return tok
	}
	return r.URL.Query().Get("token")
}

// actorFromRequest builds a read-path actor from headers. Reads are not
// attributed, so an anonymous agent is an acceptable default.
func actorFromRequest(r *http.Request) contracts.Actor {
	a := contracts.Actor{
		Kind: contracts.ActorKind(r.Header.Get("X-Actor-Kind")),
		ID:   r.Header.Get("X-Actor-Id"),
	}
	if !a.Valid() {
		return contracts.Actor{Kind: contracts.ActorAgent, ID: "anonymous"}
	}
	return a
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req submission.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.IntakeID = r.PathValue("intakeId")

	env, err := s.manager.Create(r.Context(), req)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeEnvelope(w, env, http.StatusCreated)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	env, err := s.manager.Get(r.Context(), r.PathValue("id"), resumeToken(r), actorFromRequest(r))
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeEnvelope(w, env, http.StatusOK)
}

func (s *Server) handleSetFields(w http.ResponseWriter, r *http.Request) {
	var req submission.SetFieldsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.SubmissionID = r.PathValue("id")

	env, err := s.manager.SetFields(r.Context(), req)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeEnvelope(w, env, http.StatusOK)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submission.SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.SubmissionID = r.PathValue("id")

	env, err := s.manager.Submit(r.Context(), req)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	// Submitted means delivery is still in flight; finalized (or replayed
	// terminal outcomes) report plain success.
	success := http.StatusOK
	if env.State == contracts.StateSubmitted {
		success = http.StatusAccepted
	}
	writeEnvelope(w, env, success)
}

func (s *Server) handleRequestUpload(w http.ResponseWriter, r *http.Request) {
	var req submission.RequestUploadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.SubmissionID = r.PathValue("id")

	env, err := s.manager.RequestUpload(r.Context(), req)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeEnvelope(w, env, http.StatusOK)
}

func (s *Server) handleConfirmUpload(w http.ResponseWriter, r *http.Request) {
	var req submission.ConfirmUploadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.SubmissionID = r.PathValue("id")
	req.UploadID = r.PathValue("uploadId")

	env, err := s.manager.ConfirmUpload(r.Context(), req)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeEnvelope(w, env, http.StatusOK)
}

func (s *Server) reviewHandler(action contracts.ReviewAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submission.ReviewRequest
		if !decodeBody(w, r, &req) {
			return
		}
		req.SubmissionID = r.PathValue("id")
		req.Action = action

		env, err := s.manager.Review(r.Context(), req)
		if err != nil {
			writeInternal(w, r, err)
			return
		}
		writeEnvelope(w, env, http.StatusOK)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req submission.CancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.SubmissionID = r.PathValue("id")

	env, err := s.manager.Cancel(r.Context(), req)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeEnvelope(w, env, http.StatusOK)
}

func (s *Server) handleRetryDelivery(w http.ResponseWriter, r *http.Request) {
	var req submission.RetryDeliveryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.SubmissionID = r.PathValue("id")

	env, err := s.manager.RetryDelivery(r.Context(), req)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeEnvelope(w, env, http.StatusAccepted)
}

func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	var req submission.HandoffRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.SubmissionID = r.PathValue("id")

	env, err := s.manager.Handoff(r.Context(), req)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeEnvelope(w, env, http.StatusOK)
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	tok := r.PathValue("resumeToken")
	if tok == "" {
		tok = r.URL.Query().Get("token")
	}
	env, err := s.manager.PeekByToken(r.Context(), tok)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeEnvelope(w, env, http.StatusOK)
}

func (s *Server) handleResumed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor contracts.Actor `json:"actor"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	env, err := s.manager.Resume(r.Context(), r.PathValue("resumeToken"), req.Actor)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeEnvelope(w, env, http.StatusOK)
}

// eventFilter parses ?type=a,b&actorKind=human&since=ISO&until=ISO&limit=N&offset=M.
func eventFilter(r *http.Request) (store.EventFilter, error) {
	q := r.URL.Query()
	f := store.EventFilter{}
	if raw := q.Get("type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			f.Types = append(f.Types, contracts.EventType(strings.TrimSpace(t)))
		}
	}
	if raw := q.Get("actorKind"); raw != "" {
		f.ActorKind = contracts.ActorKind(raw)
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, err
		}
		f.Since = &t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, err
		}
		f.Until = &t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return f, err
		}
		f.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return f, err
		}
		f.Offset = n
	}
	return f, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	f, err := eventFilter(r)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, contracts.ErrTypeInvalidRequest,
			"malformed event filter")
		return
	}
	env, err := s.manager.ListEvents(r.Context(), r.PathValue("id"), resumeToken(r), actorFromRequest(r), f)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeEnvelope(w, env, http.StatusOK)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "jsonl"
	}
	if format != "json" && format != "jsonl" {
		writeFailure(w, http.StatusBadRequest, contracts.ErrTypeInvalidRequest,
			"format must be json or jsonl")
		return
	}

	env, err := s.manager.ListEvents(r.Context(), r.PathValue("id"), resumeToken(r), actorFromRequest(r), store.EventFilter{})
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if env.Error != nil {
		writeEnvelope(w, env, http.StatusOK)
		return
	}

	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(env.Events)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for i := range env.Events {
		_ = enc.Encode(&env.Events[i])
	}
}

func (s *Server) handleRegisterIntake(w http.ResponseWriter, r *http.Request) {
	var def contracts.IntakeDefinition
	if !decodeBody(w, r, &def) {
		return
	}
	if err := s.registry.Register(&def, false); err != nil {
		switch {
		case errors.Is(err, registry.ErrDuplicate):
			writeFailure(w, http.StatusConflict, contracts.ErrTypeConflict, err.Error())
		default:
			writeFailure(w, http.StatusBadRequest, contracts.ErrTypeInvalidRequest, err.Error())
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "intakeId": def.ID})
}

func (s *Server) handleListIntakes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "intakes": s.registry.List()})
}

func (s *Server) handleGetIntake(w http.ResponseWriter, r *http.Request) {
	def, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeFailure(w, http.StatusNotFound, contracts.ErrTypeNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "intake": def})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleDevUpload(w http.ResponseWriter, r *http.Request) {
	s.dev.HandlePut(w, r, r.PathValue("key"))
}
