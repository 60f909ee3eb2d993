package minimax

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ajoeson/asterisk-stasis-utility/providers/tts"
)

func newTestAdapter(t *testing.T, endpoint string, voices tts.VoiceMap) *Adapter {
	t.Helper()
	a, err := NewAdapter(Config{APIKey: "key", GroupID: "g1", Endpoint: endpoint}, voices, zerolog.Nop())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func TestNewAdapterValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewAdapter(Config{GroupID: "g1"}, nil, zerolog.Nop()); err == nil {
		t.Fatalf("missing api key accepted")
	}
	if _, err := NewAdapter(Config{APIKey: "key"}, nil, zerolog.Nop()); err == nil {
		t.Fatalf("missing group id accepted")
	}
}

func TestSynthesizeDecodesHexAudio(t *testing.T) {
	t.Parallel()

	audio := []byte("mp3-bytes")
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("GroupId") != "g1" {
			t.Errorf("GroupId query = %q", r.URL.Query().Get("GroupId"))
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer key" {
			t.Errorf("authorization = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		io.WriteString(w, `{"data":{"audio":"`+hex.EncodeToString(audio)+`"},"base_resp":{"status_code":0}}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, tts.VoiceMap{
		"zh-HK": {Voice: "Cantonese_Man", Speed: 0.9},
	})
	out, err := a.Synthesize(context.Background(), tts.SynthesisRequest{Language: "zh-HK", Text: "你好"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(out) != string(audio) {
		t.Fatalf("audio = %q", out)
	}

	if got["language_boost"] != "Chinese,Yue" {
		t.Fatalf("language_boost = %v", got["language_boost"])
	}
	vs, _ := got["voice_setting"].(map[string]any)
	if vs["voice_id"] != "Cantonese_Man" || vs["speed"] != 0.9 {
		t.Fatalf("voice_setting = %v", vs)
	}
	as, _ := got["audio_setting"].(map[string]any)
	if as["format"] != "mp3" || as["sample_rate"] != float64(8000) {
		t.Fatalf("audio_setting = %v", as)
	}
}

func TestSynthesizeDefaultsVoiceWhenUnmapped(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		io.WriteString(w, `{"data":{"audio":"00"}}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, nil)
	if _, err := a.Synthesize(context.Background(), tts.SynthesisRequest{Language: "en-US", Text: "hi"}); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	vs, _ := got["voice_setting"].(map[string]any)
	if vs["voice_id"] != "Deep_Voice_Man" || vs["speed"] != float64(1) || vs["vol"] != float64(1) {
		t.Fatalf("voice_setting defaults = %v", vs)
	}
	if got["language_boost"] != "English" {
		t.Fatalf("language_boost = %v", got["language_boost"])
	}
}

func TestSynthesizeErrorPaths(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"api error status", http.StatusTooManyRequests, `rate limited`, "status 429"},
		{"empty audio", http.StatusOK, `{"data":{"audio":""},"base_resp":{"status_code":1004,"status_msg":"quota"}}`, "no audio"},
		{"bad hex", http.StatusOK, `{"data":{"audio":"zz"}}`, "hex"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			a := newTestAdapter(t, srv.URL, nil)
			_, err := a.Synthesize(context.Background(), tts.SynthesisRequest{Language: "en-US", Text: "hi"})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestLanguageBoost(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"zh-HK", "Chinese,Yue"},
		{"zh-CN", "Chinese"},
		{"en-US", "English"},
		{"", "English"},
	}
	for _, tc := range cases {
		if got := languageBoost(tc.in); got != tc.want {
			t.Errorf("languageBoost(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
