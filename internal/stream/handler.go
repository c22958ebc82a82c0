package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-stream/internal/audio"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/eventstore"
	"github.com/loqalabs/loqa-stream/internal/transducer"
)

const (
	// Path is where the handler is mounted.
	Path = "/v1/stream"

	idleTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	maxMessage   = 1 << 20
)

// Message types exchanged on the socket.
const (
	TypePartial = "partial"
	TypeFinal   = "final"
	TypeReset   = "reset"
	TypeError   = "error"
)

// Message is sent to the client as JSON. Clients send Type reset or final as
// text messages and raw PCM16 little-endian audio as binary messages.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Frames    int    `json:"frames,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Handler decodes one audio stream per websocket connection.
type Handler struct {
	decoder  *transducer.Decoder
	store    *eventstore.Store
	cfg      config.STTConfig
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(decoder *transducer.Decoder, store *eventstore.Store, cfg config.STTConfig, log *slog.Logger) *Handler {
	return &Handler{
		decoder: decoder,
		store:   store,
		cfg:     cfg,
		log:     log.With(slog.String("component", "stream")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	c := &client{
		h:         h,
		conn:      conn,
		sessionID: sessionID,
		traceID:   uuid.NewString(),
		log:       h.log.With(slog.String("session_id", sessionID)),
	}
	c.run(r.Context())
}

type client struct {
	h         *Handler
	conn      *websocket.Conn
	sessionID string
	traceID   string
	log       *slog.Logger
	session   *transducer.Session
	pending   []float32
	lastText  string
}

func (c *client) run(ctx context.Context) {
	session, err := c.h.decoder.NewSession(ctx)
	if err != nil {
		c.log.Warn("failed to create decoder session", slog.String("error", err.Error()))
		c.send(Message{Type: TypeError, SessionID: c.sessionID, Error: err.Error()})
		return
	}
	c.session = session
	if err := c.h.store.OpenSession(ctx, c.sessionID, c.h.decoder.Mode().String(), "websocket"); err != nil {
		c.log.Warn("failed to record session", slog.String("error", err.Error()))
	}
	c.log.Debug("stream opened")

	c.conn.SetReadLimit(maxMessage)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("stream read failed", slog.String("error", err.Error()))
			}
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			c.handleAudio(ctx, data)
		case websocket.TextMessage:
			if done := c.handleControl(ctx, data); done {
				return
			}
		}
	}
}

func (c *client) handleAudio(ctx context.Context, pcm []byte) {
	samples, err := audio.PCM16ToFloat32(pcm, c.h.cfg.Channels)
	if err != nil {
		c.send(Message{Type: TypeError, SessionID: c.sessionID, Error: err.Error()})
		return
	}
	c.pending = append(c.pending, samples...)
	if len(c.pending) < c.h.cfg.BufferChunkSize {
		return
	}
	text, err := c.flush(ctx)
	if err != nil {
		return
	}
	if c.h.cfg.PublishInterim && text != "" && text != c.lastText {
		c.emit(ctx, TypePartial, text)
	}
	c.lastText = text
}

// flush decodes everything pending. A failed decode leaves the session as it
// was; the audio is kept for the next attempt unless the model ran away.
func (c *client) flush(ctx context.Context) (string, error) {
	chunk := c.pending
	text, session, err := c.h.decoder.Process(ctx, c.session, chunk)
	c.session = session
	if err != nil {
		if errors.Is(err, transducer.ErrRunawayDecode) {
			c.pending = nil
		}
		c.log.Warn("stream decode failed", slog.String("error", err.Error()))
		c.send(Message{Type: TypeError, SessionID: c.sessionID, Error: err.Error()})
		return "", err
	}
	c.pending = nil
	return text, nil
}

func (c *client) handleControl(ctx context.Context, data []byte) bool {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.send(Message{Type: TypeError, SessionID: c.sessionID, Error: "invalid control message"})
		return false
	}
	switch msg.Type {
	case TypeReset:
		if err := c.h.decoder.Reset(ctx, c.session); err != nil {
			c.send(Message{Type: TypeError, SessionID: c.sessionID, Error: err.Error()})
			return false
		}
		c.pending = nil
		c.lastText = ""
		c.traceID = uuid.NewString()
		c.send(Message{Type: TypeReset, SessionID: c.sessionID})
		return false
	case TypeFinal:
		text, err := c.flush(ctx)
		if err != nil {
			text = c.lastText
		}
		c.emit(ctx, TypeFinal, text)
		if err := c.h.store.EndSession(ctx, c.sessionID); err != nil {
			c.log.Warn("failed to close session record", slog.String("error", err.Error()))
		}
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "final"),
			time.Now().Add(writeTimeout))
		return true
	default:
		c.send(Message{Type: TypeError, SessionID: c.sessionID, Error: "unknown control type " + msg.Type})
		return false
	}
}

func (c *client) emit(ctx context.Context, kind, text string) {
	frames := c.session.LastFrameProcessed()
	c.send(Message{Type: kind, SessionID: c.sessionID, Text: text, Frames: frames})
	err := c.h.store.AppendTranscript(ctx, eventstore.Transcript{
		SessionID: c.sessionID,
		TraceID:   c.traceID,
		Text:      text,
		Partial:   kind == TypePartial,
		Frames:    frames,
	})
	if err != nil {
		c.log.Warn("failed to record transcript", slog.String("error", err.Error()))
	}
}

func (c *client) send(msg Message) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.log.Debug("stream write failed", slog.String("error", err.Error()))
	}
}
