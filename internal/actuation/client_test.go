package actuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ankittk/sybil/pkg/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL, APIKey: "k", RatePerSec: 1000, HTTPClient: srv.Client()})
}

func TestClient_ActionSendsVerbAndParams(t *testing.T) {
	var gotPath, gotAuth, gotAgent string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("X-Agent-ID")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, `{"success":true,"spit_id":"s1"}`)
	})
	res, err := c.Post(context.Background(), "ext-1", "hello")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if gotPath != "/api/agents/ext-1/actions/post" || gotAuth != "Bearer k" || gotAgent != "ext-1" {
		t.Fatalf("request: path=%q auth=%q agent=%q", gotPath, gotAuth, gotAgent)
	}
	if gotBody["content"] != "hello" {
		t.Fatalf("body: got %v", gotBody)
	}
	if res.String("spit_id") != "s1" {
		t.Fatalf("result: got %v", res)
	}
}

func TestClient_NonOKBecomesAPIError(t *testing.T) {
	status := http.StatusServiceUnavailable
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", status)
	})
	_, err := c.Like(context.Background(), "ext-1", "s1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 503 {
		t.Fatalf("want *APIError 503, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatal("503 should be transient")
	}
	status = http.StatusBadRequest
	_, err = c.Like(context.Background(), "ext-1", "s1")
	if IsTransient(err) {
		t.Fatalf("400 should be permanent: %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&APIError{Status: 429}, true},
		{&APIError{Status: 500}, true},
		{&APIError{Status: 404}, false},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), true},
		{errors.New("decode failed"), false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestClient_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	c := New(Options{BaseURL: url, APIKey: "k", RatePerSec: 1000})
	_, err := c.ClaimDaily(context.Background(), "ext-1")
	if err == nil || !IsTransient(err) {
		t.Fatalf("connection refused should be transient, got %v", err)
	}
}

func TestClient_StateDecodes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agents/ext-9/state" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"id":"ext-9","hp":400,"credits":120,"inventory":{"small_potion":2},"financial_advice":["redeem_cd"]}`)
	})
	st, err := c.State(context.Background(), "ext-9")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.HP != 400 || st.Has("small_potion") != 2 || len(st.Advice) != 1 || st.IsDestroyed() {
		t.Fatalf("State: got %+v", st)
	}
}

func TestClient_DryRun(t *testing.T) {
	c := New(Options{BaseURL: "http://unused.invalid"})
	if !c.DryRun() {
		t.Fatal("expected dry run without key")
	}
	ctx := context.Background()
	res, err := c.Attack(ctx, "ext-1", "t1")
	if err != nil || res["dry_run"] != true {
		t.Fatalf("Attack dry run: res=%v err=%v", res, err)
	}
	lot, _ := c.BuyLottery(ctx, "ext-1", "")
	if lot.String("ticket_id") == "" {
		t.Fatalf("dry-run lottery should carry a ticket id, got %v", lot)
	}
	acc, err := c.CreateAccount(ctx, "Ana", "ana")
	if err != nil || acc.ID == "" {
		t.Fatalf("CreateAccount dry run: %+v %v", acc, err)
	}
	st, _ := c.State(ctx, "ext-1")
	if st.IsDestroyed() || len(st.Feed) == 0 {
		t.Fatalf("dry-run state: %+v", st)
	}
	if err := c.UploadAvatar(ctx, "ext-1", "/does/not/exist.png"); err != nil {
		t.Fatalf("UploadAvatar dry run: %v", err)
	}
}

func TestClient_UploadMultipart(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "avatar.png")
	if err := os.WriteFile(p, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	var gotName, gotData string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/avatar") {
			http.NotFound(w, r)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		b, _ := io.ReadAll(f)
		gotName, gotData = hdr.Filename, string(b)
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.UploadAvatar(context.Background(), "ext-1", p); err != nil {
		t.Fatalf("UploadAvatar: %v", err)
	}
	if gotName != "avatar.png" || gotData != "png-bytes" {
		t.Fatalf("upload: name=%q data=%q", gotName, gotData)
	}
}

func TestDoCoversEveryAction(t *testing.T) {
	verbs := map[string]bool{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		verbs[r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]] = true
		_, _ = io.WriteString(w, `{"success":true}`)
	})
	for _, a := range models.AllActions {
		if _, err := c.Do(context.Background(), "ext-1", a, map[string]any{"amount": 5}); err != nil {
			t.Fatalf("Do(%s): %v", a, err)
		}
	}
	// consolidate is sent as a transfer
	if !verbs["transfer"] || verbs["consolidate"] {
		t.Fatalf("consolidate should map to transfer: %v", verbs)
	}
	if len(verbs) != len(models.AllActions) {
		t.Fatalf("expected %d distinct verbs, got %d: %v", len(models.AllActions), len(verbs), verbs)
	}
	if _, err := c.Do(context.Background(), "ext-1", models.ActionNone, nil); err == nil {
		t.Fatal("Do(none) should fail")
	}
}
