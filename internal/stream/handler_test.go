package stream

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-stream/internal/audio"
	"github.com/loqalabs/loqa-stream/internal/codec"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/engine"
	"github.com/loqalabs/loqa-stream/internal/eventstore"
	"github.com/loqalabs/loqa-stream/internal/model"
	"github.com/loqalabs/loqa-stream/internal/transducer"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	hp := model.Hyperparameters{AudioEncoderLayers: 1, AudioEncoderUnits: 4, TextEncoderLayers: 1, TextEncoderUnits: 4, NullID: 0, EOSID: 1}
	eng, err := engine.NewMockEngine(hp, 4)
	if err != nil {
		t.Fatalf("mock engine: %v", err)
	}
	dec, err := transducer.New(eng, codec.NewPieceTable([]string{"<blank>", "</s>", "▁a", "▁b"}), hp,
		transducer.Options{Mode: transducer.ModeBeam, BeamWidth: 2, Logger: log})
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{RetentionMode: "ephemeral"}, log)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	cfg := config.STTConfig{SampleRate: 16000, Channels: 1, BufferChunkSize: 4096, PublishInterim: true}
	srv := httptest.NewServer(NewHandler(dec, store, cfg, log))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, session string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + Path + "?session=" + session
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

func TestStreamFinalTranscript(t *testing.T) {
	conn := dial(t, newTestServer(t), "ws-1")

	if err := conn.WriteMessage(websocket.BinaryMessage, audio.Float32ToPCM16(make([]float32, 6400))); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := conn.WriteJSON(Message{Type: TypeFinal}); err != nil {
		t.Fatalf("write final: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Type != TypeFinal || msg.SessionID != "ws-1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Frames != 27 {
		t.Fatalf("expected 27 frames consumed, got %d", msg.Frames)
	}
}

func TestStreamReset(t *testing.T) {
	conn := dial(t, newTestServer(t), "ws-2")

	if err := conn.WriteMessage(websocket.BinaryMessage, audio.Float32ToPCM16(make([]float32, 800))); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := conn.WriteJSON(Message{Type: TypeReset}); err != nil {
		t.Fatalf("write reset: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != TypeReset {
		t.Fatalf("expected reset acknowledgement, got %+v", msg)
	}

	if err := conn.WriteJSON(Message{Type: TypeFinal}); err != nil {
		t.Fatalf("write final: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != TypeFinal || msg.Frames != 0 {
		t.Fatalf("expected empty final after reset, got %+v", msg)
	}
}

func TestStreamRejectsBadInput(t *testing.T) {
	conn := dial(t, newTestServer(t), "ws-3")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != TypeError {
		t.Fatalf("expected error for invalid control, got %+v", msg)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != TypeError {
		t.Fatalf("expected error for misaligned audio, got %+v", msg)
	}
}
