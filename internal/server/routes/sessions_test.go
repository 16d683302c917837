package routes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/hireloop/offline-gateway/internal/session"
)

func TestSessionLifecycle(t *testing.T) {
	f := newControlFixture(t, "http://127.0.0.1:1")

	resp, body := f.do(t, http.MethodPost, "/-/sessions", `{"candidate_id":"c-1","job_id":"j-7","mode":"text"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", resp.StatusCode, body)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.ID == "" || snap.App != "hiring" || snap.Config.Mode != session.ModeText {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	base := "/-/sessions/" + snap.ID

	resp, body = f.do(t, http.MethodPost, base+"/spoken", `{"text":"Why this role?"}`)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"speak":true`)) {
		t.Fatalf("expected first prompt to be spoken, got %d %s", resp.StatusCode, body)
	}
	_, body = f.do(t, http.MethodPost, base+"/spoken", `{"text":"why THIS role?"}`)
	if !bytes.Contains(body, []byte(`"speak":false`)) {
		t.Fatalf("expected repeated prompt to be suppressed, got %s", body)
	}

	resp, body = f.do(t, http.MethodPost, base+"/transcript", `{"speaker":"candidate","text":"I like the team."}`)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"turns":1`)) {
		t.Fatalf("expected one turn, got %d %s", resp.StatusCode, body)
	}
	resp, _ = f.do(t, http.MethodPost, base+"/transcript", `{"speaker":"audience","text":"hi"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid speaker, got %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodGet, base, "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"spoken":1`)) {
		t.Fatalf("unexpected session state: %d %s", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodDelete, base, "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"ended_at"`)) {
		t.Fatalf("expected final snapshot, got %d %s", resp.StatusCode, body)
	}
	resp, _ = f.do(t, http.MethodGet, base, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after end, got %d", resp.StatusCode)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	f := newControlFixture(t, "http://127.0.0.1:1")

	resp, body := f.do(t, http.MethodPost, "/-/sessions", `{"job_id":"j-7"}`)
	if resp.StatusCode != http.StatusBadRequest || !bytes.Contains(body, []byte("invalid_session")) {
		t.Fatalf("expected invalid_session, got %d %s", resp.StatusCode, body)
	}
	resp, _ = f.do(t, http.MethodPost, "/-/sessions", `{`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", resp.StatusCode)
	}
}
