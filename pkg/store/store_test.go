package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "requests.db"), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertRequest(t *testing.T, s *Store, r *Request) string {
	t.Helper()
	id, err := s.SaveRequest(r)
	if err != nil {
		t.Fatalf("SaveRequest failed: %v", err)
	}
	return id
}

func TestRegisterAndGetSession(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.RegisterSession("my shell", 1234, "node")
	if err != nil {
		t.Fatalf("RegisterSession failed: %v", err)
	}

	if sess.ID == "" {
		t.Error("expected session id")
	}
	if len(sess.Token) != 64 {
		t.Errorf("expected 64-char hex token, got %d chars", len(sess.Token))
	}
	if sess.StartedAt == 0 {
		t.Error("expected start time")
	}

	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Token != sess.Token {
		t.Error("token mismatch")
	}
	if got.Label != "my shell" || got.PID != 1234 || got.Source != "node" {
		t.Errorf("unexpected session %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetSession("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListSessions(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.RegisterSession("a", 1, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RegisterSession("b", 2, ""); err != nil {
		t.Fatal(err)
	}

	sessions, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(sessions))
	}
}

func TestSaveRequestAndGet(t *testing.T) {
	s := openTestStore(t)

	id := insertRequest(t, s, &Request{
		Method: "GET",
		Host:   "api.example.com",
		Path:   "/users",
		URL:    "https://api.example.com/users",
		RequestHeaders: map[string]string{
			"accept":       "application/json",
			"content-type": "application/json; charset=utf-8",
		},
		RequestBody: []byte(`{"q":1}`),
	})

	r, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if r.Method != "GET" || r.URL != "https://api.example.com/users" {
		t.Errorf("unexpected request %+v", r)
	}
	if r.RequestContentType != "application/json" {
		t.Errorf("expected derived content type, got %q", r.RequestContentType)
	}
	if r.ResponseStatus != nil {
		t.Error("expected pending response")
	}
	if string(r.RequestBody) != `{"q":1}` {
		t.Errorf("unexpected body %q", r.RequestBody)
	}
}

func TestUpdateResponseOnce(t *testing.T) {
	s := openTestStore(t)
	id := insertRequest(t, s, &Request{Method: "GET", URL: "http://x/", Host: "x", Path: "/"})

	headers := map[string]string{"content-type": "application/json"}
	if err := s.UpdateResponse(id, 200, headers, []byte(`{"ok":true}`), false, 42, "", ""); err != nil {
		t.Fatalf("UpdateResponse failed: %v", err)
	}

	r, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if r.ResponseStatus == nil || *r.ResponseStatus != 200 {
		t.Errorf("expected status 200, got %v", r.ResponseStatus)
	}
	if r.DurationMS == nil || *r.DurationMS != 42 {
		t.Errorf("expected duration 42, got %v", r.DurationMS)
	}
	if r.ResponseContentType != "application/json" {
		t.Errorf("unexpected response content type %q", r.ResponseContentType)
	}

	// Second update is a no-op.
	if err := s.UpdateResponse(id, 500, nil, []byte("changed"), false, 1, "", ""); err != nil {
		t.Fatalf("duplicate UpdateResponse errored: %v", err)
	}
	r, _ = s.Get(id)
	if *r.ResponseStatus != 200 {
		t.Errorf("duplicate update overwrote the response: %d", *r.ResponseStatus)
	}
	if string(r.ResponseBody) != `{"ok":true}` {
		t.Error("duplicate update overwrote the body")
	}
}

func TestUpdateResponseUnknownID(t *testing.T) {
	s := openTestStore(t)

	err := s.UpdateResponse("missing", 200, nil, nil, false, 0, "", "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClearKeepsSaved(t *testing.T) {
	s := openTestStore(t)

	saved := insertRequest(t, s, &Request{Method: "GET", URL: "http://a/", Host: "a", Path: "/"})
	insertRequest(t, s, &Request{Method: "GET", URL: "http://b/", Host: "b", Path: "/"})

	if err := s.SetSaved(saved, true); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.Clear()
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	total, err := s.Count(&Filter{})
	if err != nil {
		t.Fatal(err)
	}
	savedTrue := true
	savedCount, err := s.Count(&Filter{Saved: &savedTrue})
	if err != nil {
		t.Fatal(err)
	}
	if total != savedCount {
		t.Errorf("after clear, total %d != saved %d", total, savedCount)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	id := insertRequest(t, s, &Request{Method: "GET", URL: "http://x/", Host: "x", Path: "/"})

	if err := s.Delete(id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for double delete, got %v", err)
	}
}

func TestTrimDropsOldestNonSaved(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UnixMilli()
	var oldest string
	for i := 0; i < 5; i++ {
		id := insertRequest(t, s, &Request{
			Method:    "GET",
			URL:       "http://x/",
			Host:      "x",
			Path:      "/",
			Timestamp: base + int64(i),
		})
		if i == 0 {
			oldest = id
			if err := s.SetSaved(id, true); err != nil {
				t.Fatal(err)
			}
		}
	}

	deleted, err := s.Trim(2)
	if err != nil {
		t.Fatalf("Trim failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 trimmed, got %d", deleted)
	}

	// The saved row survives even though it is the oldest.
	if _, err := s.Get(oldest); err != nil {
		t.Errorf("saved row was trimmed: %v", err)
	}

	total, _ := s.Count(&Filter{})
	if total != 3 {
		t.Errorf("expected 3 rows after trim, got %d", total)
	}
}

func TestReplayFieldsPersist(t *testing.T) {
	s := openTestStore(t)

	original := insertRequest(t, s, &Request{Method: "POST", URL: "http://x/a", Host: "x", Path: "/a"})
	replayID := insertRequest(t, s, &Request{
		ID:              "replay-1",
		Method:          "POST",
		URL:             "http://x/a",
		Host:            "x",
		Path:            "/a",
		ReplayedFromID:  original,
		ReplayInitiator: "tui",
	})

	if replayID != "replay-1" {
		t.Errorf("pre-allocated id not kept: %s", replayID)
	}

	r, err := s.Get(replayID)
	if err != nil {
		t.Fatal(err)
	}
	if r.ReplayedFromID != original {
		t.Errorf("expected replayedFromId %s, got %s", original, r.ReplayedFromID)
	}
	if r.ReplayInitiator != "tui" {
		t.Errorf("expected initiator tui, got %s", r.ReplayInitiator)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.db")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.SaveRequest(&Request{Method: "GET", URL: "http://x/", Host: "x", Path: "/"})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	if _, err := s2.Get(id); err != nil {
		t.Errorf("row lost across reopen: %v", err)
	}
}
