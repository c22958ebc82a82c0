package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-stream/internal/audio"
	"github.com/loqalabs/loqa-stream/internal/bus"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/eventstore"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/loqalabs/loqa-stream/internal/transducer"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// processTimeout bounds one decode of a buffered chunk.
const processTimeout = 45 * time.Second

// Service decodes audio frames arriving on the bus and publishes transcripts.
// Each session id gets its own decoder session; frames are buffered until
// buffer_chunk_size samples are pending or the frame is final.
type Service struct {
	cfg      config.STTConfig
	bus      *bus.Client
	decoder  *transducer.Decoder
	store    *eventstore.Store
	log      *slog.Logger
	sessions map[string]*streamState
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	subs     []*nats.Subscription
	wg       sync.WaitGroup
	ready    bool
	closed   bool
	gauge    metric.Int64ObservableGauge
	reg      metric.Registration
}

type streamState struct {
	session      *transducer.Session
	traceID      string
	pending      []float32
	lastText     string
	inflight     bool
	pendingFinal bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, decoder *transducer.Decoder, store *eventstore.Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		decoder:  decoder,
		store:    store,
		log:      log.With(slog.String("component", "stt")),
		sessions: make(map[string]*streamState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	conn := s.bus.Conn()
	frames, err := conn.Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.subs = append(s.subs, frames)
	resets, err := conn.Subscribe(protocol.SubjectSessionReset, s.handleReset)
	if err != nil {
		_ = frames.Drain()
		return fmt.Errorf("subscribe session resets: %w", err)
	}
	s.subs = append(s.subs, resets)

	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.log.Info("stt service subscribed",
		slog.String("decoder_mode", s.decoder.Mode().String()),
		slog.Int("buffer_chunk_size", s.cfg.BufferChunkSize))
	return nil
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-stream/stt")
	gauge, err := meter.Int64ObservableGauge("loqa.stt.sessions.active",
		metric.WithDescription("Audio sessions with decoder state held in memory"))
	if err != nil {
		return err
	}
	s.gauge = gauge
	s.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(s.ActiveSessions()))
		return nil
	}, gauge)
	return err
}

func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
	if s.reg != nil {
		_ = s.reg.Unregister()
	}
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || s.ready
}

// ActiveSessions is the number of sessions currently buffered or decoding.
func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		s.log.Warn("audio frame without session id", slog.String("subject", msg.Subject))
		return
	}
	if frame.SampleRate != 0 && frame.SampleRate != s.cfg.SampleRate {
		s.log.Warn("dropping audio frame with unexpected sample rate",
			slog.String("session_id", frame.SessionID),
			slog.Int("sample_rate", frame.SampleRate),
			slog.Int("expected", s.cfg.SampleRate))
		return
	}
	channels := frame.Channels
	if channels == 0 {
		channels = s.cfg.Channels
	}
	samples, err := audio.PCM16ToFloat32(frame.PCM, channels)
	if err != nil {
		s.log.Warn("failed to convert audio frame", slog.String("session_id", frame.SessionID), slogError(err))
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	created := state == nil
	if created {
		state = &streamState{traceID: uuid.NewString()}
		s.sessions[frame.SessionID] = state
	}
	state.pending = append(state.pending, samples...)
	ready := len(state.pending) >= s.cfg.BufferChunkSize
	s.mu.Unlock()

	if created {
		if err := s.store.OpenSession(s.ctx, frame.SessionID, s.decoder.Mode().String(), "bus"); err != nil {
			s.log.Warn("failed to record session", slog.String("session_id", frame.SessionID), slogError(err))
		}
	}

	switch {
	case frame.Final:
		s.scheduleDecode(frame.SessionID, true)
	case ready:
		s.scheduleDecode(frame.SessionID, false)
	}
}

func (s *Service) handleReset(msg *nats.Msg) {
	var reset protocol.SessionReset
	if err := json.Unmarshal(msg.Data, &reset); err != nil {
		s.log.Warn("failed to decode session reset", slogError(err))
		return
	}
	s.mu.Lock()
	_, ok := s.sessions[reset.SessionID]
	delete(s.sessions, reset.SessionID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.log.Info("session reset", slog.String("session_id", reset.SessionID))
	if err := s.store.EndSession(s.ctx, reset.SessionID); err != nil {
		s.log.Warn("failed to close session record", slog.String("session_id", reset.SessionID), slogError(err))
	}
}

func (s *Service) scheduleDecode(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil || s.closed {
		s.mu.Unlock()
		return
	}
	if state.inflight {
		if final {
			state.pendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	chunk := state.pending
	state.pending = nil
	state.inflight = true
	session := state.session
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.decode(sessionID, state, session, chunk, final)
	}()
}

func (s *Service) decode(sessionID string, state *streamState, session *transducer.Session, chunk []float32, final bool) {
	ctx, cancel := context.WithTimeout(s.ctx, processTimeout)
	defer cancel()

	text, session, err := s.decoder.Process(ctx, session, chunk)

	s.mu.Lock()
	if s.sessions[sessionID] != state {
		// reset while decoding; the result belongs to a discarded stream
		s.mu.Unlock()
		return
	}
	state.inflight = false
	if session != nil {
		state.session = session
	}
	switch {
	case err == nil:
	case errors.Is(err, transducer.ErrRunawayDecode):
		// the same audio would fail again
	default:
		if !final {
			state.pending = append(chunk, state.pending...)
		}
	}
	publishPartial := err == nil && !final && s.cfg.PublishInterim && text != "" && text != state.lastText
	if err == nil {
		state.lastText = text
	}
	pendingFinal := state.pendingFinal && !final
	// A failed chunk waits for the next frame instead of retrying at once.
	more := err == nil && !final && !pendingFinal && len(state.pending) >= s.cfg.BufferChunkSize
	if final {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("stt decode failed",
			slog.String("session_id", sessionID),
			slog.Bool("final", final),
			slogError(err))
	}

	frames := 0
	if session != nil {
		frames = session.LastFrameProcessed()
	}
	if publishPartial {
		s.publishTranscript(sessionID, state.traceID, text, frames, false)
	}
	if final {
		if err != nil {
			text = state.lastText
		}
		s.publishTranscript(sessionID, state.traceID, text, frames, true)
		if err := s.store.EndSession(s.ctx, sessionID); err != nil {
			s.log.Warn("failed to close session record", slog.String("session_id", sessionID), slogError(err))
		}
		return
	}
	if s.ctx.Err() != nil {
		return
	}

	switch {
	case pendingFinal:
		s.scheduleDecode(sessionID, true)
	case more:
		s.scheduleDecode(sessionID, false)
	}
}

func (s *Service) publishTranscript(sessionID, traceID, text string, frames int, final bool) {
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID: sessionID,
		TraceID:   traceID,
		Text:      text,
		Partial:   !final,
		Timestamp: time.Now().UTC(),
		Frames:    frames,
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
	err := s.store.AppendTranscript(s.ctx, eventstore.Transcript{
		SessionID: sessionID,
		TraceID:   traceID,
		Text:      text,
		Partial:   !final,
		Frames:    frames,
		CreatedAt: msg.Timestamp,
	})
	if err != nil {
		s.log.Warn("failed to record transcript", slog.String("session_id", sessionID), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
