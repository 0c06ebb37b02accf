package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"

	"github.com/NERVsystems/letterchat/internal/chat"
	"github.com/NERVsystems/letterchat/internal/feedback"
	"github.com/NERVsystems/letterchat/internal/llm"
)

type mockBackend struct {
	mu          sync.Mutex
	fragments   []string
	err         error
	model       string
	temperature float64
}

func (m *mockBackend) Name() string { return "mock" }
func (m *mockBackend) ContextLimit() int { return 1000 }

func (m *mockBackend) Model() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

func (m *mockBackend) SetModel(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = model
}

func (m *mockBackend) Temperature() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.temperature
}

func (m *mockBackend) SetTemperature(t float64) error {
	if t < 0 || t > 2 {
		return errors.New("temperature must be between 0.0 and 2.0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.temperature = t
	return nil
}

func (m *mockBackend) StreamWithHistory(context.Context, llm.Request) (*llm.Stream, error) {
	return llm.NewStaticStream(m.fragments, m.err), nil
}

type mockSink struct {
	rated map[string]feedback.Rating
}

func (s *mockSink) Record(context.Context, feedback.Record) (string, error) { return "fb-42", nil }

func (s *mockSink) Rate(_ context.Context, id string, r feedback.Rating) error {
	if id != "fb-42" {
		return feedback.ErrNotFound
	}
	s.rated[id] = r
	return nil
}

func newTestServer(t *testing.T, backend *mockBackend, opts Options) (*httptest.Server, *chat.Orchestrator, *mockSink) {
	t.Helper()
	sink := &mockSink{rated: make(map[string]feedback.Rating)}
	orch := chat.NewOrchestrator(chat.Config{Backend: backend, Feedback: sink})
	ts := httptest.NewServer(New(orch, opts, nil).Handler())
	t.Cleanup(ts.Close)
	return ts, orch, sink
}

func createSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.ID)
	return body.ID
}

type event struct {
	Type string
	Data string
}

func postChat(t *testing.T, ts *httptest.Server, id, message string) (*http.Response, []event) {
	t.Helper()
	body := strings.NewReader(`{"message":` + jsonString(message) + `}`)
	resp, err := http.Post(ts.URL+"/api/sessions/"+id+"/chat", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	var events []event
	for ev, err := range sse.Read(resp.Body, nil) {
		require.NoError(t, err)
		events = append(events, event{Type: ev.Type, Data: ev.Data})
	}
	return resp, events
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func lastOfType(events []event, typ string) (event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == typ {
			return events[i], true
		}
	}
	return event{}, false
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t, &mockBackend{model: "m1"}, Options{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "m1", body["model"])
}

func TestChatStreamsEvents(t *testing.T) {
	backend := &mockBackend{fragments: []string{"Hej! <let", "ter>Bästa ", "Anna</letter>", " Källor"}}
	ts, _, _ := newTestServer(t, backend, Options{})
	id := createSession(t, ts)

	resp, events := postChat(t, ts, id, "Hur söker jag bygglov?")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, events)

	for _, ev := range events {
		if ev.Type == "visible" {
			assert.NotContains(t, ev.Data, "<letter>")
		}
	}

	letterEv, ok := lastOfType(events, "letter")
	require.True(t, ok)
	var text textEvent
	require.NoError(t, json.Unmarshal([]byte(letterEv.Data), &text))
	assert.Equal(t, "Bästa Anna", text.Text)

	done := events[len(events)-1]
	require.Equal(t, "done", done.Type)
	var res chat.Result
	require.NoError(t, json.Unmarshal([]byte(done.Data), &res))
	assert.Equal(t, "Hej!  Källor", res.Exchange.Visible)
	assert.Equal(t, "Bästa Anna", res.Exchange.LetterText())
	assert.Equal(t, "fb-42", res.FeedbackID)

	// The letter is now available on its own.
	lr, err := http.Get(ts.URL + "/api/sessions/" + id + "/letter")
	require.NoError(t, err)
	defer lr.Body.Close()
	assert.Equal(t, http.StatusOK, lr.StatusCode)
	var letterBody map[string]string
	require.NoError(t, json.NewDecoder(lr.Body).Decode(&letterBody))
	assert.Equal(t, "Bästa Anna", letterBody["letter"])
}

func TestChatUpstreamAbortSendsError(t *testing.T) {
	backend := &mockBackend{fragments: []string{"Partial"}, err: errors.New("stream reset")}
	ts, _, _ := newTestServer(t, backend, Options{})
	id := createSession(t, ts)

	_, events := postChat(t, ts, id, "q")
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, "done", events[len(events)-2].Type)
	last := events[len(events)-1]
	assert.Equal(t, "error", last.Type)
	assert.Contains(t, last.Data, "stream reset")
}

func TestChatErrors(t *testing.T) {
	ts, _, _ := newTestServer(t, &mockBackend{}, Options{})
	id := createSession(t, ts)

	resp, _ := postChat(t, ts, "nope", "q")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = postChat(t, ts, id, "   ")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad, err := http.Post(ts.URL+"/api/sessions/"+id+"/chat", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestChatRateLimited(t *testing.T) {
	ts, _, _ := newTestServer(t, &mockBackend{fragments: []string{"ok"}}, Options{RateLimit: 0.001, Burst: 1})
	id := createSession(t, ts)

	resp, _ := postChat(t, ts, id, "first")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = postChat(t, ts, id, "second")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestSessionLifecycle(t *testing.T) {
	ts, orch, _ := newTestServer(t, &mockBackend{fragments: []string{"svar"}}, Options{})
	id := createSession(t, ts)

	// No letter yet.
	resp, err := http.Get(ts.URL + "/api/sessions/" + id + "/letter")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	postChat(t, ts, id, "fråga")

	resp, err = http.Get(ts.URL + "/api/sessions/" + id)
	require.NoError(t, err)
	var info sessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.Equal(t, id, info.ID)
	assert.Len(t, info.Messages, 2)
	assert.Equal(t, "svar", info.LastResponse)

	resp, err = http.Get(ts.URL + "/api/sessions/" + id + "/context")
	require.NoError(t, err)
	var history []llm.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	resp.Body.Close()
	assert.Equal(t, []llm.Message{{Role: "user", Content: "fråga"}, {Role: "assistant", Content: "svar"}}, history)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/"+id, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	sess, err := orch.Sessions().Get(id)
	require.NoError(t, err)
	assert.Empty(t, sess.Messages())

	resp, err = http.Get(ts.URL + "/api/sessions/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/sessions")
	require.NoError(t, err)
	var list map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Equal(t, []string{id}, list["sessions"])
}

func TestPutAndPurgeSession(t *testing.T) {
	ts, orch, _ := newTestServer(t, &mockBackend{}, Options{})

	put := func() sessionInfo {
		req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/sessions/kiosk-1", nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var info sessionInfo
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
		return info
	}
	first := put()
	assert.Equal(t, "kiosk-1", first.ID)

	sess, err := orch.Sessions().Get("kiosk-1")
	require.NoError(t, err)
	sess.AddExchange("q", "a", nil, 3)
	second := put()
	assert.Equal(t, first.Created, second.Created)
	assert.Len(t, second.Messages, 2)

	del := func() int {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/kiosk-1?purge=true", nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusNoContent, del())
	_, err = orch.Sessions().Get("kiosk-1")
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)
	assert.Equal(t, http.StatusNotFound, del())
}

func TestContextAndUsage(t *testing.T) {
	ts, orch, _ := newTestServer(t, &mockBackend{}, Options{})
	id := createSession(t, ts)

	resp, err := http.Post(ts.URL+"/api/sessions/"+id+"/context", "application/json",
		strings.NewReader(`{"content":"Svara på svenska."}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	sess, _ := orch.Sessions().Get(id)
	assert.Equal(t, []llm.Message{{Role: "system", Content: "Svara på svenska."}}, sess.Messages())

	resp, err = http.Post(ts.URL+"/api/sessions/"+id+"/context", "application/json", strings.NewReader(`{"content":""}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	sess.SetTokens(120, 300)
	resp, err = http.Get(ts.URL + "/api/sessions/" + id + "/usage")
	require.NoError(t, err)
	var usage usageInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&usage))
	resp.Body.Close()
	assert.Equal(t, usageInfo{Tokens: 120, Limit: 1000}, usage)
}

func TestCompactEndpoint(t *testing.T) {
	ts, orch, _ := newTestServer(t, &mockBackend{fragments: []string{"kort sammanfattning"}}, Options{})
	id := createSession(t, ts)
	sess, _ := orch.Sessions().Get(id)
	sess.AddExchange("q1", "a1", nil, 0)
	sess.AddExchange("q2", "a2", nil, 0)

	resp, err := http.Post(ts.URL+"/api/sessions/"+id+"/compact", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, sess.Messages(), 1)
	assert.Contains(t, sess.Messages()[0].Content, "kort sammanfattning")
}

func TestRateFeedback(t *testing.T) {
	ts, _, sink := newTestServer(t, &mockBackend{}, Options{})

	tests := []struct {
		name string
		id   string
		body string
		want int
	}{
		{"valid", "fb-42", `{"rating":5,"comment":"Mycket bra"}`, http.StatusNoContent},
		{"out of range", "fb-42", `{"rating":9}`, http.StatusBadRequest},
		{"bad json", "fb-42", `{`, http.StatusBadRequest},
		{"unknown record", "fb-1", `{"rating":3}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/feedback/"+tt.id, "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
	assert.Equal(t, feedback.Rating{Stars: 5, Comment: "Mycket bra"}, sink.rated["fb-42"])
}

func TestSettings(t *testing.T) {
	backend := &mockBackend{model: "gpt-4o", temperature: 0.2}
	ts, _, _ := newTestServer(t, backend, Options{})

	put := func(body string) *http.Response {
		req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/settings", strings.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := put(`{"model":"gpt-4.1","temperature":0.7}`)
	var got settings
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gpt-4.1", got.Model)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.7, *got.Temperature, 1e-9)

	resp = put(`{"temperature":3}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.InDelta(t, 0.7, backend.Temperature(), 1e-9)
}

func TestClientLimiter(t *testing.T) {
	l := newClientLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.allow("a"))
	}

	l = newClientLimiter(0.001, 2)
	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.True(t, l.allow("b"), "clients have separate buckets")
}

// gatedBackend holds every response until release is closed.
type gatedBackend struct {
	mockBackend
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) StreamWithHistory(ctx context.Context, _ llm.Request) (*llm.Stream, error) {
	close(g.entered)
	select {
	case <-g.release:
		return llm.NewStaticStream([]string{"svar"}, nil), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestServeDrainsOpenRequests(t *testing.T) {
	backend := &gatedBackend{entered: make(chan struct{}), release: make(chan struct{})}
	orch := chat.NewOrchestrator(chat.Config{Backend: backend})
	sess := orch.Sessions().Create()
	srv := New(orch, Options{}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln, 5*time.Second) }()

	type reply struct {
		events []event
		err    error
	}
	replies := make(chan reply, 1)
	go func() {
		url := "http://" + ln.Addr().String() + "/api/sessions/" + sess.ID + "/chat"
		resp, err := http.Post(url, "application/json", strings.NewReader(`{"message":"fråga"}`))
		if err != nil {
			replies <- reply{err: err}
			return
		}
		defer resp.Body.Close()
		var r reply
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				r.err = err
				break
			}
			r.events = append(r.events, event{Type: ev.Type, Data: ev.Data})
		}
		replies <- r
	}()

	select {
	case <-backend.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("request never reached the backend")
	}
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(backend.release)

	var r reply
	select {
	case r = <-replies:
	case <-time.After(3 * time.Second):
		t.Fatal("request did not finish")
	}
	require.NoError(t, r.err)
	_, failed := lastOfType(r.events, "error")
	assert.False(t, failed, "request was cancelled by shutdown: %v", r.events)
	_, ok := lastOfType(r.events, "done")
	assert.True(t, ok)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after draining")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	orch := chat.NewOrchestrator(chat.Config{Backend: &mockBackend{}})
	srv := New(orch, Options{}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln, time.Second) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
