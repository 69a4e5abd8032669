package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/dispersy"
	"github.com/mosaicnetworks/dispersy/src/dummy"
)

type fakeBackend struct {
	info  dispersy.Info
	reset bool
	said  []string
	err   error
}

func (f *fakeBackend) Info(ctx context.Context, reset bool) (dispersy.Info, error) {
	f.reset = reset
	return f.info, f.err
}

func (f *fakeBackend) Say(ctx context.Context, text string) error {
	if f.err != nil {
		return f.err
	}
	f.said = append(f.said, text)
	return nil
}

func (f *fakeBackend) Texts() ([]dummy.Entry, error) {
	res := make([]dummy.Entry, len(f.said))
	for i, s := range f.said {
		res[i] = dummy.Entry{Text: s}
	}
	return res, f.err
}

func newTestService(t *testing.T, backend Backend) http.Handler {
	logger := common.NewTestLogger(t, logrus.DebugLevel).WithField("prefix", "service")
	return NewService("127.0.0.1:0", backend, logger).Handler()
}

func get(t *testing.T, h http.Handler, path string, v interface{}) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if v != nil && rec.Code == http.StatusOK {
		if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
			t.Fatalf("decoding %s: %v", path, err)
		}
	}
	return rec
}

func TestGetInfo(t *testing.T) {
	backend := &fakeBackend{
		info: dispersy.Info{
			External: "1.2.3.4:5",
			Triggers: 3,
			Communities: []dispersy.CommunityInfo{
				{Classification: "dummy", GlobalTime: 7, Messages: map[string]int{"dummy-text": 2}},
			},
		},
	}
	h := newTestService(t, backend)

	var info dispersy.Info
	rec := get(t, h, "/info?reset=true", &info)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !backend.reset {
		t.Fatalf("reset should be forwarded to the backend")
	}
	if info.External != "1.2.3.4:5" || info.Triggers != 3 {
		t.Fatalf("unexpected info %+v", info)
	}
	if len(info.Communities) != 1 || info.Communities[0].Messages["dummy-text"] != 2 {
		t.Fatalf("unexpected communities %+v", info.Communities)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("CORS header missing")
	}
}

func TestGetInfoBadReset(t *testing.T) {
	h := newTestService(t, &fakeBackend{})

	rec := get(t, h, "/info?reset=maybe", nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetCommunities(t *testing.T) {
	backend := &fakeBackend{
		info: dispersy.Info{
			Communities: []dispersy.CommunityInfo{{ID: "a"}, {ID: "b"}},
		},
	}
	h := newTestService(t, backend)

	var communities []dispersy.CommunityInfo
	get(t, h, "/communities", &communities)

	if len(communities) != 2 || communities[1].ID != "b" {
		t.Fatalf("unexpected communities %+v", communities)
	}
	if backend.reset {
		t.Fatalf("listing communities should not reset the statistics")
	}
}

func TestSayAndTexts(t *testing.T) {
	backend := &fakeBackend{}
	h := newTestService(t, backend)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/dummy/say", strings.NewReader(`{"text":"hello"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dummy/say", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}

	var texts []dummy.Entry
	get(t, h, "/dummy/texts", &texts)
	if len(texts) != 1 || texts[0].Text != "hello" {
		t.Fatalf("unexpected texts %+v", texts)
	}
}

func TestBackendError(t *testing.T) {
	h := newTestService(t, &fakeBackend{err: errors.New("scheduler stopped")})

	rec := get(t, h, "/stats", nil)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "scheduler stopped") {
		t.Fatalf("error should be reported, got %q", rec.Body.String())
	}
}
