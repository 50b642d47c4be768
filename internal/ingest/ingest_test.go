package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"honeyguard/internal/config"
	"honeyguard/internal/model"
	"honeyguard/internal/normalize"
)

type countingRejects struct {
	mu      sync.Mutex
	reasons map[string]int
}

func (c *countingRejects) Rejected(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reasons == nil {
		c.reasons = map[string]int{}
	}
	c.reasons[reason]++
}

func newSubmitter(t *testing.T, buffer int) (*Submitter, chan model.ActivityEvent, *countingRejects) {
	t.Helper()
	ch := make(chan model.ActivityEvent, buffer)
	rej := &countingRejects{}
	return NewSubmitter(ch, config.NewStaticManager(config.DefaultConfig()), nil, rej), ch, rej
}

func TestSubmitValidatesAndQueues(t *testing.T) {
	s, ch, rej := newSubmitter(t, 1)
	ctx := context.Background()

	id, err := s.Submit(ctx, normalize.Submission{UserID: "alice", ActivityType: "read", Source: "test"})
	require.NoError(t, err)
	ev := <-ch
	require.Equal(t, id, ev.ID)
	require.Equal(t, "test", ev.Source)

	_, err = s.Submit(ctx, normalize.Submission{UserID: "alice"})
	var verr *normalize.ValidationError
	require.True(t, errors.As(err, &verr))

	_, err = s.Submit(ctx, normalize.Submission{UserID: "a", ActivityType: "read"})
	require.NoError(t, err)
	require.Equal(t, 1, s.Depth())
	_, err = s.Submit(ctx, normalize.Submission{UserID: "a", ActivityType: "read"})
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, 1, rej.reasons["invalid"])
	require.Equal(t, 1, rej.reasons["queue_full"])
}

func postJSON(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/activities", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRESTSingleActivity(t *testing.T) {
	s, ch, _ := newSubmitter(t, 10)
	srv, err := NewRESTServer(s, nil)
	require.NoError(t, err)
	h := srv.Handler()

	rec := postJSON(t, h, `{"user_id":"alice","activity_type":"login","ip_address":"203.0.113.1","details":{"duration":4}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	ev := <-ch
	require.Equal(t, resp["event_id"], ev.ID)
	require.Equal(t, "rest", ev.Source)
	require.Equal(t, 4.0, ev.Details["duration"])

	rec = postJSON(t, h, `{"activity_type":"login"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h, `{"user_id":"alice","activity_type":"login","ip_address":"nope"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "ip_address")

	rec = postJSON(t, h, `{"user_id":7,"activity_type":"login"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "user_id")
}

func TestRESTBatch(t *testing.T) {
	s, ch, _ := newSubmitter(t, 10)
	srv, err := NewRESTServer(s, nil)
	require.NoError(t, err)

	rec := postJSON(t, srv.Handler(), `[
		{"user_id":"a","activity_type":"read"},
		{"user_id":"b"},
		{"user_id":"c","activity_type":"write","timestamp":"2024-07-03T10:00:00Z"}
	]`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		Accepted int          `json:"accepted"`
		Rejected int          `json:"rejected"`
		Results  []itemResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Accepted)
	require.Equal(t, 1, resp.Rejected)
	require.NotEmpty(t, resp.Results[1].Error)
	require.Len(t, ch, 2)
}

func TestRESTRejectsMalformed(t *testing.T) {
	s, _, _ := newSubmitter(t, 1)
	srv, err := NewRESTServer(s, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, postJSON(t, srv.Handler(), `{"user_id":`).Code)
	require.Equal(t, http.StatusBadRequest, postJSON(t, srv.Handler(), `   `).Code)
}

func TestTCPStreamIngest(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ingest.TCPStream = config.TCPStreamConfig{Enabled: true, Addr: "127.0.0.1:0"}
	ch := make(chan model.ActivityEvent, 10)
	s := NewSubmitter(ch, config.NewStaticManager(cfg), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := StartTCPStream(ctx, config.NewStaticManager(cfg), s, nil)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := fmt.Fprintf(conn, `{"id":"tcp-%d","user_id":"u%d","activity_type":"read"}`+"\n", i, i)
		require.NoError(t, err)
	}
	require.NoError(t, conn.Close())

	got := map[string]bool{}
	timeout := time.After(5 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-ch:
			require.Equal(t, "tcp_stream", ev.Source)
			got[ev.ID] = true
		case <-timeout:
			t.Fatalf("received %d of 3 events", len(got))
		}
	}
}

func TestFileTailAssignsOffsetIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	first := `{"user_id":"alice","activity_type":"read","resource":"/srv/a"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(first+`{"id":"given","user_id":"bob","activity_type":"login"}`+"\n"), 0o600))

	cfg := config.DefaultConfig()
	cfg.Ingest.FileTail = config.FileTailConfig{Enabled: true, StartAtEnd: false, Files: []string{path}}
	mgr := config.NewStaticManager(cfg)
	ch := make(chan model.ActivityEvent, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartFileTail(ctx, mgr, NewSubmitter(ch, mgr, nil, nil), nil)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"user_id":"carol",`)
	require.NoError(t, err)

	var got []model.ActivityEvent
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("received %d of 2 events", len(got))
		}
	}
	require.Equal(t, fmt.Sprintf("file:%s:0:0", path), got[0].ID)
	require.Equal(t, "file_tail", got[0].Source)
	require.Equal(t, "given", got[1].ID)

	_, err = f.WriteString(`"activity_type":"write"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	select {
	case ev := <-ch:
		require.Equal(t, "carol", ev.UserID)
		require.True(t, strings.HasSuffix(ev.ID, fmt.Sprintf(":0:%d", len(first)+len(`{"id":"given","user_id":"bob","activity_type":"login"}`)+1)))
	case <-time.After(5 * time.Second):
		t.Fatal("partial line never completed")
	}
}
