package translate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bt-bridge/lingocall"
	"github.com/bt-bridge/lingocall/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOpenAI struct {
	*httptest.Server

	mu         sync.Mutex
	transcript string
	uploads    [][]byte
	languages  []string
	chatBodies []map[string]any
	failChat   bool
}

func newFakeOpenAI(t *testing.T, transcript string) *fakeOpenAI {
	t.Helper()
	f := &fakeOpenAI{transcript: transcript}
	mux := http.NewServeMux()
	mux.HandleFunc("/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		f.mu.Lock()
		f.uploads = append(f.uploads, data)
		f.languages = append(f.languages, r.FormValue("language"))
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"text": f.transcript})
	})
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.chatBodies = append(f.chatBodies, body)
		fail := f.failChat
		f.mu.Unlock()
		if fail {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   body["model"],
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": " hola "},
			}},
		})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

type recorded struct {
	uploads    [][]byte
	languages  []string
	chatBodies []map[string]any
}

func (f *fakeOpenAI) recorded() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return recorded{uploads: f.uploads, languages: f.languages, chatBodies: f.chatBodies}
}

func newTestBackend(t *testing.T, f *fakeOpenAI, sink func(*lingocall.TranslationResultParam)) *Backend {
	t.Helper()
	b, err := NewBackend(shared.NewNopLogger(), Options{APIKey: "test", BaseURL: f.URL + "/"}, sink)
	require.NoError(t, err)
	return b
}

func TestNewBackendValidates(t *testing.T) {
	sink := func(*lingocall.TranslationResultParam) {}
	_, err := NewBackend(nil, Options{APIKey: "k"}, sink)
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewBackend(shared.NewNopLogger(), Options{}, sink)
	assert.Error(t, err)
	_, err = NewBackend(shared.NewNopLogger(), Options{APIKey: "k"}, nil)
	assert.Error(t, err)
}

func TestForwardAudio(t *testing.T) {
	f := newFakeOpenAI(t, " hello ")
	var got []*lingocall.TranslationResultParam
	b := newTestBackend(t, f, func(p *lingocall.TranslationResultParam) { got = append(got, p) })

	err := b.ForwardAudio(context.Background(), lingocall.AudioChunk{
		Samples:    []float32{0, 0.5, -0.5},
		SampleRate: 16000,
		RoomID:     "room_x",
		SourceLang: "en",
		TargetLang: "es",
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, &lingocall.TranslationResultParam{
		Original: "hello", Translated: "hola", SourceLang: "en", TargetLang: "es",
	}, got[0])

	rec := f.recorded()
	require.Len(t, rec.uploads, 1)
	assert.Equal(t, "RIFF", string(rec.uploads[0][:4]))
	assert.Equal(t, []string{"en"}, rec.languages)
	require.Len(t, rec.chatBodies, 1)
	assert.Equal(t, "gpt-4o-mini", rec.chatBodies[0]["model"])
	assert.Len(t, rec.chatBodies[0]["messages"], 2)
}

func TestForwardAudioSkipsSilence(t *testing.T) {
	f := newFakeOpenAI(t, "  ")
	called := false
	b := newTestBackend(t, f, func(*lingocall.TranslationResultParam) { called = true })

	require.NoError(t, b.ForwardAudio(context.Background(), lingocall.AudioChunk{Samples: []float32{0}, SampleRate: 16000}))
	require.NoError(t, b.ForwardAudio(context.Background(), lingocall.AudioChunk{}))
	assert.False(t, called)
	rec := f.recorded()
	assert.Len(t, rec.uploads, 1)
	assert.Empty(t, rec.chatBodies)
}

func TestForwardAudioTranslationError(t *testing.T) {
	f := newFakeOpenAI(t, "hello")
	f.mu.Lock()
	f.failChat = true
	f.mu.Unlock()
	b := newTestBackend(t, f, func(*lingocall.TranslationResultParam) { t.Fatal("unexpected result") })

	err := b.ForwardAudio(context.Background(), lingocall.AudioChunk{Samples: []float32{0.1}, SampleRate: 16000, SourceLang: "en", TargetLang: "fr"})
	assert.ErrorContains(t, err, "translating text")
}
