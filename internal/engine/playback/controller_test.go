package playback

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajoeson/asterisk-stasis-utility/internal/artifactserver"
	"github.com/ajoeson/asterisk-stasis-utility/internal/engine/session"
	"github.com/ajoeson/asterisk-stasis-utility/internal/ttscache"
	"github.com/ajoeson/asterisk-stasis-utility/providers/tts"
)

type playCall struct {
	channelID  string
	playbackID string
	media      string
}

type fakeTransport struct {
	mu      sync.Mutex
	plays   []playCall
	stops   []string
	playErr error
	stopErr error
	started chan playCall
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{started: make(chan playCall, 16)}
}

func (f *fakeTransport) Play(ctx context.Context, channelID, playbackID, media string) error {
	f.mu.Lock()
	err := f.playErr
	if err == nil {
		f.plays = append(f.plays, playCall{channelID, playbackID, media})
	}
	f.mu.Unlock()
	if err == nil {
		f.started <- playCall{channelID, playbackID, media}
	}
	return err
}

func (f *fakeTransport) StopPlayback(ctx context.Context, playbackID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, playbackID)
	return f.stopErr
}

func (f *fakeTransport) stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

type fakeSessions struct {
	mu   sync.Mutex
	vars map[string]string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{vars: make(map[string]string)}
}

func (f *fakeSessions) Set(ctx context.Context, channelID, key, value string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vars[channelID+"/"+key] = value
	return true
}

func (f *fakeSessions) Value(channelID, key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vars[channelID+"/"+key]
	return v, ok
}

func (f *fakeSessions) Language(channelID string) string {
	if v, ok := f.Value(channelID, session.KeyLanguage); ok && v != "" {
		return v
	}
	return "en-US"
}

func (f *fakeSessions) DefaultLanguage() string { return "en-US" }

type fakeCache struct {
	mu      sync.Mutex
	renders int
	err     error
	langs   []string
}

func (f *fakeCache) Render(ctx context.Context, language, nodeID, text string) (ttscache.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ttscache.Artifact{}, f.err
	}
	f.renders++
	f.langs = append(f.langs, language)
	hash := ttscache.TextHash(text)
	return ttscache.Artifact{
		PublicPath: ttscache.PublicPathPrefix + "/" + nodeID + "/" + hash + ".mp3",
		FilePath:   "/cache/" + nodeID + "/" + hash + ".mp3",
	}, nil
}

func newController(transport *fakeTransport, sessions *fakeSessions, cache *fakeCache) *Controller {
	return NewController(transport, sessions, cache, "http://127.0.0.1:3015", zerolog.Nop())
}

func TestSpeakResolvesOnFinish(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sessions := newFakeSessions()
	cache := &fakeCache{}
	c := newController(transport, sessions, cache)

	results := make(chan SpeakResult, 1)
	go func() {
		result, err := c.Speak(context.Background(), "C1", SpeakRequest{NodeID: "greet", Text: "Hello"})
		if err != nil {
			t.Errorf("speak error: %v", err)
		}
		results <- result
	}()

	started := <-transport.started
	if id, _ := sessions.Value("C1", session.KeyPlaybackID); id != started.playbackID {
		t.Fatalf("playback handle not recorded on session")
	}
	c.Finish(started.playbackID)

	result := <-results
	if !result.Played {
		t.Fatalf("expected played result, got %+v", result)
	}
	if id, _ := sessions.Value("C1", session.KeyPlaybackID); id != "" {
		t.Fatalf("playback handle not cleared after finish")
	}
}

func TestSecondSpeakStopsFirst(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	c := newController(transport, newFakeSessions(), &fakeCache{})

	first := make(chan SpeakResult, 1)
	go func() {
		result, _ := c.Speak(context.Background(), "C1", SpeakRequest{NodeID: "a", Text: "first"})
		first <- result
	}()
	firstStart := <-transport.started

	second := make(chan SpeakResult, 1)
	go func() {
		result, _ := c.Speak(context.Background(), "C1", SpeakRequest{NodeID: "b", Text: "second"})
		second <- result
	}()
	secondStart := <-transport.started

	// The first call resolves once superseded, before its own finish signal.
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatalf("superseded speak did not resolve")
	}

	stops := transport.stopped()
	if len(stops) != 1 || stops[0] != firstStart.playbackID {
		t.Fatalf("expected stop of first playback, got %v", stops)
	}

	c.Finish(secondStart.playbackID)
	result := <-second
	if !result.Played {
		t.Fatalf("expected second playback to play, got %+v", result)
	}
}

func TestSecondSpeakResolvesFirstEvenIfStopFails(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.stopErr = fmt.Errorf("playback gone")
	c := newController(transport, newFakeSessions(), &fakeCache{})

	first := make(chan SpeakResult, 1)
	go func() {
		result, _ := c.Speak(context.Background(), "C1", SpeakRequest{NodeID: "a", Text: "first"})
		first <- result
	}()
	<-transport.started

	go func() {
		_, _ = c.Speak(context.Background(), "C1", SpeakRequest{NodeID: "b", Text: "second"})
	}()
	<-transport.started

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatalf("first speak hung after failed stop")
	}
}

func TestRequireNodeMatchSkipsStalePrompt(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sessions := newFakeSessions()
	c := newController(transport, sessions, &fakeCache{})

	sessions.Set(context.Background(), "C1", session.KeyCurrentNode, "newer")
	result, err := c.Speak(context.Background(), "C1", SpeakRequest{NodeID: "older", Text: "stale", RequireNodeMatch: true})
	if err != nil {
		t.Fatalf("speak error: %v", err)
	}
	if !result.Skipped || result.Played {
		t.Fatalf("expected skipped no-op result, got %+v", result)
	}
	if len(transport.stopped()) != 0 {
		t.Fatalf("stale prompt touched the transport")
	}
}

func TestRecordAsCurrentNodeUpdatesBeforeStart(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sessions := newFakeSessions()
	c := newController(transport, sessions, &fakeCache{})

	go func() {
		_, _ = c.Speak(context.Background(), "C1", SpeakRequest{NodeID: "menu", Text: "pick", RecordAsCurrentNode: true})
	}()
	started := <-transport.started

	if node, _ := sessions.Value("C1", session.KeyCurrentNode); node != "menu" {
		t.Fatalf("current node not recorded before playback start, got %q", node)
	}
	c.Finish(started.playbackID)
}

func TestGuardAbortsBeforeStart(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	cache := &fakeCache{}
	c := newController(transport, newFakeSessions(), cache)

	result, err := c.Speak(context.Background(), "C1", SpeakRequest{
		NodeID: "greet",
		Text:   "Hello",
		Guard:  func() bool { return false },
	})
	if err != nil {
		t.Fatalf("speak error: %v", err)
	}
	if !result.Skipped {
		t.Fatalf("expected guard to skip, got %+v", result)
	}
	if cache.renders != 1 {
		t.Fatalf("guard must run after synthesis, renders=%d", cache.renders)
	}
	if len(transport.plays) != 0 {
		t.Fatalf("guard-aborted prompt reached the transport")
	}
}

func TestPlayFailureResolvesWithFailureResult(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.playErr = fmt.Errorf("channel unavailable")
	sessions := newFakeSessions()
	c := newController(transport, sessions, &fakeCache{})

	result, err := c.Speak(context.Background(), "C1", SpeakRequest{NodeID: "greet", Text: "Hello"})
	if err != nil {
		t.Fatalf("start failure must not raise: %v", err)
	}
	if result.Played || result.Failure == "" {
		t.Fatalf("expected failure result, got %+v", result)
	}
	if id, _ := sessions.Value("C1", session.KeyPlaybackID); id != "" {
		t.Fatalf("playback handle left behind after start failure")
	}
}

func TestRenderFailureResolvesWithFailureResult(t *testing.T) {
	t.Parallel()

	c := newController(newFakeTransport(), newFakeSessions(), &fakeCache{err: fmt.Errorf("backend down")})
	result, err := c.Speak(context.Background(), "C1", SpeakRequest{NodeID: "greet", Text: "Hello"})
	if err != nil {
		t.Fatalf("render failure must not raise: %v", err)
	}
	if result.Failure == "" {
		t.Fatalf("expected failure result, got %+v", result)
	}
}

func TestLanguageResolutionOrder(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sessions := newFakeSessions()
	cache := &fakeCache{}
	c := newController(transport, sessions, cache)

	sessions.Set(context.Background(), "C1", session.KeyLanguage, "zh-HK")
	go func() {
		_, _ = c.Speak(context.Background(), "C1", SpeakRequest{
			NodeID: "greet",
			Text:   "Hello",
			TextByLanguage: map[string]string{
				"zh-HK": "你好",
			},
		})
	}()
	started := <-transport.started
	c.Finish(started.playbackID)

	cache.mu.Lock()
	defer cache.mu.Unlock()
	if len(cache.langs) != 1 || cache.langs[0] != "zh-HK" {
		t.Fatalf("expected session language to win, got %v", cache.langs)
	}
}

func TestSpeakMediaKeepsArtifactExtension(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	c := newController(transport, newFakeSessions(), &fakeCache{})

	go func() {
		_, _ = c.Speak(context.Background(), "C1", SpeakRequest{NodeID: "greet", Text: "Hello"})
	}()
	started := <-transport.started

	want := "sound:http://127.0.0.1:3015" + ttscache.PublicPathPrefix + "/greet/" + ttscache.TextHash("Hello") + ".mp3"
	if started.media != want {
		t.Fatalf("media = %q, want %q", started.media, want)
	}
	c.Finish(started.playbackID)
}

type staticRenderer struct{}

func (staticRenderer) Name() string      { return "static" }
func (staticRenderer) Extension() string { return "mp3" }
func (staticRenderer) Synthesize(ctx context.Context, req tts.SynthesisRequest) ([]byte, error) {
	return []byte("rendered-audio"), nil
}

func TestSpeakMediaIsFetchableFromArtifactServer(t *testing.T) {
	t.Parallel()

	cache, err := ttscache.New(t.TempDir(), staticRenderer{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	srv := httptest.NewServer(artifactserver.New(cache.Root(), zerolog.Nop()))
	defer srv.Close()

	transport := newFakeTransport()
	c := NewController(transport, newFakeSessions(), cache, srv.URL, zerolog.Nop())

	go func() {
		_, _ = c.Speak(context.Background(), "C1", SpeakRequest{NodeID: "greet", Text: "Hello"})
	}()
	started := <-transport.started

	// The transport fetches exactly the URI it was handed.
	resp, err := http.Get(strings.TrimPrefix(started.media, "sound:"))
	if err != nil {
		t.Fatalf("fetch media: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("media %q not fetchable: status %d", started.media, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read media body: %v", err)
	}
	if string(body) != "rendered-audio" {
		t.Fatalf("unexpected media body %q", body)
	}
	c.Finish(started.playbackID)
}

func TestCancelledSpeakStopsPlayback(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sessions := newFakeSessions()
	c := newController(transport, sessions, &fakeCache{})

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan SpeakResult, 1)
	go func() {
		result, _ := c.Speak(ctx, "C1", SpeakRequest{NodeID: "greet", Text: "Hello"})
		results <- result
	}()
	started := <-transport.started
	cancel()

	result := <-results
	if result.Played || result.Failure == "" {
		t.Fatalf("expected failure result on cancellation, got %+v", result)
	}
	stops := transport.stopped()
	if len(stops) != 1 || stops[0] != started.playbackID {
		t.Fatalf("cancelled playback was not stopped, stops=%v", stops)
	}
	if id, _ := sessions.Value("C1", session.KeyPlaybackID); id != "" {
		t.Fatalf("playback handle left behind after cancellation")
	}
}

func TestStaleFinishIsIgnored(t *testing.T) {
	t.Parallel()

	c := newController(newFakeTransport(), newFakeSessions(), &fakeCache{})
	// A late finished signal for an untracked playback must be a no-op.
	c.Finish("unknown-playback")
}
