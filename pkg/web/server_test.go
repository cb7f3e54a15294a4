package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/teslashibe/go-safetycam/internal/log"
	"github.com/teslashibe/go-safetycam/pkg/camera"
	"github.com/teslashibe/go-safetycam/pkg/detection"
	"github.com/teslashibe/go-safetycam/pkg/events"
	"github.com/teslashibe/go-safetycam/pkg/hub"
	"github.com/teslashibe/go-safetycam/pkg/session"
	"github.com/teslashibe/go-safetycam/pkg/stream"
)

type fakeSource struct {
	frames []stream.Frame
	pos    int
	delay  time.Duration
	loop   bool
	closed atomic.Bool
}

func (s *fakeSource) Next() (stream.Frame, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.pos >= len(s.frames) {
		if !s.loop {
			return stream.Frame{}, io.EOF
		}
		s.pos = 0
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeOpener struct {
	mu        sync.Mutex
	frames    []stream.Frame
	loop      bool
	webcamErr error
	fileErr   error
	files     []string
	sources   []*fakeSource
}

func (o *fakeOpener) newSource() *fakeSource {
	src := &fakeSource{frames: o.frames, loop: o.loop}
	if o.loop {
		src.delay = 10 * time.Millisecond
	}
	o.sources = append(o.sources, src)
	return src
}

func (o *fakeOpener) OpenWebcam() (stream.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.webcamErr != nil {
		return nil, o.webcamErr
	}
	return o.newSource(), nil
}

func (o *fakeOpener) OpenFile(path string) (stream.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files = append(o.files, path)
	if o.fileErr != nil {
		return nil, o.fileErr
	}
	return o.newSource(), nil
}

func (o *fakeOpener) lastSource() *fakeSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sources) == 0 {
		return nil
	}
	return o.sources[len(o.sources)-1]
}

var helmet = detection.ObjectDetection{
	Detection: detection.Detection{X: 0.1, Y: 0.1, W: 0.2, H: 0.3, Confidence: 0.9},
	ClassID:   detection.ClassHelmet,
	ClassName: "helmet",
}

func testFrames() []stream.Frame {
	return []stream.Frame{
		{Index: 1, JPEG: []byte("jpeg-1"), Detections: []detection.ObjectDetection{helmet}},
		{Index: 2, JPEG: []byte("jpeg-2")},
	}
}

type testEnv struct {
	server   *Server
	opener   *fakeOpener
	sessions *session.Store
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	sessions, err := session.NewStore(t.TempDir(), log.Discard())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	opener := &fakeOpener{frames: testFrames()}
	opts.Opener = opener
	opts.Sessions = sessions
	opts.Logger = log.Discard()

	cfg := Config{
		TemplatePath: filepath.Join(t.TempDir(), "index.html"),
		ModelPath:    "models/best.onnx",
		Classes:      []int{12, 16},
	}
	return &testEnv{
		server:   NewServer(cfg, opts),
		opener:   opener,
		sessions: sessions,
	}
}

func (e *testEnv) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := e.server.App().Test(req, 5000)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

// readParts splits a multipart/x-mixed-replace body into its JPEG payloads.
func readParts(t *testing.T, body []byte) [][]byte {
	t.Helper()
	var parts [][]byte
	r := multipart.NewReader(bytes.NewReader(body), stream.Boundary)
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			return parts
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		if ct := p.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("part Content-Type = %q, want image/jpeg", ct)
		}
		data, _ := io.ReadAll(p)
		parts = append(parts, data)
	}
}

func uploadRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(content)
	mw.Close()

	req := httptest.NewRequest("POST", "/upload_video", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func upload(t *testing.T, e *testEnv) string {
	t.Helper()
	resp, body := e.do(t, uploadRequest(t, uploadField, "site.mp4", []byte("fake video")))
	if resp.StatusCode != 200 {
		t.Fatalf("upload status = %d, body %s", resp.StatusCode, body)
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if out.SessionID == "" {
		t.Fatal("upload returned empty session_id")
	}
	return out.SessionID
}

func TestIndexServesTemplate(t *testing.T) {
	e := newTestEnv(t, Options{})
	page := "<html><body>safety</body></html>"
	if err := os.WriteFile(e.server.config.TemplatePath, []byte(page), 0o644); err != nil {
		t.Fatal(err)
	}

	resp, body := e.do(t, httptest.NewRequest("GET", "/", nil))
	if resp.StatusCode != 200 {
		t.Errorf("Status = %d, want 200", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	if string(body) != page {
		t.Errorf("body = %q", body)
	}
}

func TestIndexMissingTemplate(t *testing.T) {
	e := newTestEnv(t, Options{})

	resp, body := e.do(t, httptest.NewRequest("GET", "/", nil))
	if resp.StatusCode != 200 {
		t.Errorf("Status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "template not found") {
		t.Errorf("body should explain the missing template, got %q", body)
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, Options{})

	_, body := e.do(t, httptest.NewRequest("GET", "/healthz", nil))
	if string(body) != "ok" {
		t.Errorf("body = %q, want ok", body)
	}
}

func TestWebcamFeed(t *testing.T) {
	e := newTestEnv(t, Options{})

	resp, body := e.do(t, httptest.NewRequest("GET", "/video_feed/webcam", nil))
	if resp.StatusCode != 200 {
		t.Fatalf("Status = %d, want 200", resp.StatusCode)
	}

	mt, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mt != "multipart/x-mixed-replace" || params["boundary"] != "frame" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}

	parts := readParts(t, body)
	if len(parts) != 2 || string(parts[0]) != "jpeg-1" || string(parts[1]) != "jpeg-2" {
		t.Errorf("parts = %q", parts)
	}

	if src := e.opener.lastSource(); src == nil || !src.closed.Load() {
		t.Error("source should be closed after the stream ends")
	}
	if e.server.FramesServed() != 2 {
		t.Errorf("FramesServed = %d, want 2", e.server.FramesServed())
	}
	if e.server.ActiveStreams() != 0 {
		t.Errorf("ActiveStreams = %d, want 0", e.server.ActiveStreams())
	}
}

func TestWebcamUnavailable(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.opener.webcamErr = errors.New("no camera")

	resp, body := e.do(t, httptest.NewRequest("GET", "/video_feed/webcam", nil))
	if resp.StatusCode != 200 {
		t.Errorf("Status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != stream.ContentType {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	if len(body) != 0 {
		t.Errorf("body should be empty, got %q", body)
	}
}

func TestUploadMissingFile(t *testing.T) {
	e := newTestEnv(t, Options{})

	resp, body := e.do(t, uploadRequest(t, "other_field", "site.mp4", []byte("x")))
	if resp.StatusCode != 400 {
		t.Errorf("Status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(string(body), "error") {
		t.Errorf("body should carry an error, got %q", body)
	}
	if e.sessions.Len() != 0 {
		t.Error("no session should be created")
	}
}

func TestUploadThenStream(t *testing.T) {
	e := newTestEnv(t, Options{})

	id := upload(t, e)
	sess, ok := e.sessions.Get(id)
	if !ok {
		t.Fatal("session should exist after upload")
	}
	data, err := os.ReadFile(sess.Path)
	if err != nil || string(data) != "fake video" {
		t.Fatalf("uploaded file = %q, %v", data, err)
	}

	resp, body := e.do(t, httptest.NewRequest("GET", "/video_feed/upload?session_id="+id, nil))
	if resp.StatusCode != 200 {
		t.Fatalf("Status = %d, want 200", resp.StatusCode)
	}
	if parts := readParts(t, body); len(parts) != 2 {
		t.Errorf("got %d parts, want 2", len(parts))
	}

	if len(e.opener.files) != 1 || e.opener.files[0] != sess.Path {
		t.Errorf("opened files = %v, want [%s]", e.opener.files, sess.Path)
	}
	if _, ok := e.sessions.Get(id); ok {
		t.Error("session should be removed after streaming")
	}
	if _, err := os.Stat(sess.Path); !os.IsNotExist(err) {
		t.Errorf("upload file should be deleted, stat err = %v", err)
	}

	// A second request for the same session gets nothing.
	_, body = e.do(t, httptest.NewRequest("GET", "/video_feed/upload?session_id="+id, nil))
	if len(body) != 0 {
		t.Errorf("replayed session should stream nothing, got %q", body)
	}
}

func TestUploadFeedUnknownSession(t *testing.T) {
	e := newTestEnv(t, Options{})

	resp, body := e.do(t, httptest.NewRequest("GET", "/video_feed/upload?session_id=nope", nil))
	if resp.StatusCode != 200 {
		t.Errorf("Status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != stream.ContentType {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	if len(body) != 0 {
		t.Errorf("body should be empty, got %q", body)
	}
	if len(e.opener.files) != 0 {
		t.Error("no file should be opened for an unknown session")
	}
}

func TestUploadFeedOpenFailureReleasesSession(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.opener.fileErr = errors.New("corrupt video")

	id := upload(t, e)
	sess, _ := e.sessions.Get(id)

	_, body := e.do(t, httptest.NewRequest("GET", "/video_feed/upload?session_id="+id, nil))
	if len(body) != 0 {
		t.Errorf("body should be empty, got %q", body)
	}
	if e.sessions.Len() != 0 {
		t.Error("session should be released when the file cannot be opened")
	}
	if _, err := os.Stat(sess.Path); !os.IsNotExist(err) {
		t.Errorf("upload file should be deleted, stat err = %v", err)
	}
}

func TestUploadBodyLimit(t *testing.T) {
	sessions, err := session.NewStore(t.TempDir(), log.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer sessions.Close()

	s := NewServer(Config{UploadLimit: 1024}, Options{
		Opener:   &fakeOpener{},
		Sessions: sessions,
		Logger:   log.Discard(),
	})

	req := uploadRequest(t, uploadField, "big.mp4", bytes.Repeat([]byte("x"), 4096))
	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("Status = %d, want 413", resp.StatusCode)
	}
	if sessions.Len() != 0 {
		t.Error("oversized upload should not create a session")
	}
}

func TestDetectionEventsPublished(t *testing.T) {
	var mu sync.Mutex
	var got []events.Event
	pub := events.PublisherFunc(func(ev events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	e := newTestEnv(t, Options{Events: pub})
	id := upload(t, e)
	e.do(t, httptest.NewRequest("GET", "/video_feed/upload?session_id="+id, nil))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1 (frames without detections are not published)", len(got))
	}
	ev := got[0]
	if ev.Source != events.SourceUpload || ev.SessionID != id || ev.Frame != 1 {
		t.Errorf("event = %+v", ev)
	}
	if ev.Counts["helmet"] != 1 {
		t.Errorf("Counts = %v", ev.Counts)
	}
}

func TestStatus(t *testing.T) {
	e := newTestEnv(t, Options{})
	upload(t, e)

	resp, body := e.do(t, httptest.NewRequest("GET", "/api/status", nil))
	if resp.StatusCode != 200 {
		t.Fatalf("Status = %d, want 200", resp.StatusCode)
	}

	var st StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d, want 1", st.ActiveSessions)
	}
	if st.ModelPath != "models/best.onnx" || len(st.Classes) != 2 {
		t.Errorf("status = %+v", st)
	}
}

func TestStatusReportsDroppedEvents(t *testing.T) {
	// Hub not running: the queue fills and further events are dropped.
	h := hub.New("detections", log.Discard())
	for i := 0; i < 300; i++ {
		h.Broadcast([]byte(`{}`))
	}
	e := newTestEnv(t, Options{Hub: h})

	_, body := e.do(t, httptest.NewRequest("GET", "/api/status", nil))
	var st StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.DroppedEvents != 44 {
		t.Errorf("DroppedEvents = %d, want 44", st.DroppedEvents)
	}
}

func TestCameraAPI(t *testing.T) {
	e := newTestEnv(t, Options{})

	resp, body := e.do(t, httptest.NewRequest("GET", "/api/camera", nil))
	if resp.StatusCode != 200 {
		t.Fatalf("Status = %d, want 200", resp.StatusCode)
	}
	var cr CameraResponse
	json.Unmarshal(body, &cr)
	if cr.Config != camera.DefaultConfig() {
		t.Errorf("Config = %+v, want defaults", cr.Config)
	}
	if len(cr.Presets) == 0 {
		t.Error("Presets should be listed")
	}

	req := httptest.NewRequest("POST", "/api/camera", strings.NewReader(`{"preset":"720p","quality":90}`))
	req.Header.Set("Content-Type", "application/json")
	resp, body = e.do(t, req)
	if resp.StatusCode != 200 {
		t.Fatalf("Status = %d, body %s", resp.StatusCode, body)
	}
	json.Unmarshal(body, &cr)
	if cr.Config.Width != 1280 || cr.Config.Quality != 90 {
		t.Errorf("Config = %+v", cr.Config)
	}

	req = httptest.NewRequest("POST", "/api/camera", strings.NewReader(`{"zoom":2}`))
	req.Header.Set("Content-Type", "application/json")
	resp, _ = e.do(t, req)
	if resp.StatusCode != 400 {
		t.Errorf("unknown setting: Status = %d, want 400", resp.StatusCode)
	}
}

func TestDetectionsWebSocket(t *testing.T) {
	h := hub.New("detections", log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	e := newTestEnv(t, Options{Hub: h, Events: events.NewHubPublisher(h, log.Discard())})
	app := e.server.App()

	go app.Listen(":18090")
	defer app.Shutdown()
	time.Sleep(100 * time.Millisecond)

	ws, _, err := websocket.DefaultDialer.Dial("ws://localhost:18090/ws/detections", nil)
	if err != nil {
		t.Fatalf("WebSocket dial error: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(time.Second)
	for h.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.ClientCount() != 1 {
		t.Fatalf("ClientCount = %d, want 1", h.ClientCount())
	}

	resp, err := http.Get("http://localhost:18090/video_feed/webcam")
	if err != nil {
		t.Fatalf("GET webcam: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}

	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Source != events.SourceWebcam || len(ev.Detections) != 1 {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebSocketRouteRequiresUpgrade(t *testing.T) {
	h := hub.New("detections", log.Discard())
	e := newTestEnv(t, Options{Hub: h})

	resp, _ := e.do(t, httptest.NewRequest("GET", "/ws/detections", nil))
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("Status = %d, want 426", resp.StatusCode)
	}
}

func TestShutdownStopsStreams(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.opener.loop = true
	app := e.server.App()

	go app.Listen(":18091")
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://localhost:18091/video_feed/webcam")
	if err != nil {
		t.Fatalf("GET webcam: %v", err)
	}
	defer resp.Body.Close()

	r := multipart.NewReader(resp.Body, stream.Boundary)
	if _, err := r.NextPart(); err != nil {
		t.Fatalf("first part: %v", err)
	}
	if e.server.ActiveStreams() != 1 {
		t.Errorf("ActiveStreams = %d, want 1", e.server.ActiveStreams())
	}

	go e.server.Shutdown(2 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if src := e.opener.lastSource(); src != nil && src.closed.Load() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("source should be closed after Shutdown")
}

func TestUploadStreamClientDisconnect(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.opener.loop = true
	app := e.server.App()

	go app.Listen(":18092")
	defer app.Shutdown()
	time.Sleep(100 * time.Millisecond)

	id := upload(t, e)
	sess, _ := e.sessions.Get(id)

	resp, err := http.Get("http://localhost:18092/video_feed/upload?session_id=" + id)
	if err != nil {
		t.Fatalf("GET upload feed: %v", err)
	}
	r := multipart.NewReader(resp.Body, stream.Boundary)
	if _, err := r.NextPart(); err != nil {
		t.Fatalf("first part: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		src := e.opener.lastSource()
		if src != nil && src.closed.Load() && e.sessions.Len() == 0 && e.server.ActiveStreams() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if src := e.opener.lastSource(); src == nil || !src.closed.Load() {
		t.Error("source should be closed after the client goes away")
	}
	if e.sessions.Len() != 0 {
		t.Error("session should be released after the client goes away")
	}
	if _, err := os.Stat(sess.Path); !os.IsNotExist(err) {
		t.Errorf("upload file should be deleted, stat err = %v", err)
	}
	if e.server.ActiveStreams() != 0 {
		t.Errorf("ActiveStreams = %d, want 0", e.server.ActiveStreams())
	}
}
