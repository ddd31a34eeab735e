package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Thetason/obiwan-sub003/internal/dispatch"
	"github.com/Thetason/obiwan-sub003/internal/observe"
	"github.com/Thetason/obiwan-sub003/internal/stream"
	"github.com/Thetason/obiwan-sub003/pkg/audio"
	"github.com/Thetason/obiwan-sub003/pkg/audio/opus"
)

const (
	// maxFrameBytes bounds one WebSocket message from the client.
	maxFrameBytes = 1 << 20

	writeTimeout = 5 * time.Second
)

// Client message types on /v1/stream.
const (
	msgStart  = "start"
	msgMode   = "mode"
	msgTarget = "target"
	msgStop   = "stop"
)

// Server message types on /v1/stream.
const (
	msgSession = "session"
	msgState   = "state"
	msgResult  = "result"
	msgError   = "error"
)

// Error codes sent with msgError.
const (
	codeInvalidMessage = "invalid_message"
	codeNotRecording   = "not_recording"
	codeBackpressure   = "backpressure"
	codeDecode         = "decode_error"
	codeInternal       = "internal"
)

// Audio encodings accepted in the start message.
const (
	encodingPCM16 = "pcm16"
	encodingOpus  = "opus"
)

// clientMessage is a JSON text frame sent by the client.
type clientMessage struct {
	Type       string   `json:"type"`
	Mode       string   `json:"mode,omitempty"`
	TargetHz   *float64 `json:"target_hz,omitempty"`
	SampleRate int      `json:"sample_rate,omitempty"`
	Channels   int      `json:"channels,omitempty"`
	Encoding   string   `json:"encoding,omitempty"`
}

// serverMessage is a JSON text frame sent to the client.
type serverMessage struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	State     string         `json:"state,omitempty"`
	Mode      string         `json:"mode,omitempty"`
	Seq       uint64         `json:"seq,omitempty"`
	Result    *stream.Result `json:"result,omitempty"`
	Code      string         `json:"code,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func eventMessage(ev stream.Event) serverMessage {
	msg := serverMessage{State: ev.State.String(), Mode: ev.Mode.String()}
	switch ev.Type {
	case stream.EventResult:
		msg.Type = msgResult
		msg.Result = ev.Result
		msg.Seq = ev.Result.Seq
	default:
		msg.Type = msgState
	}
	return msg
}

// wsSession is the per-connection state of /v1/stream. Its fields are only
// touched by the read loop.
type wsSession struct {
	conn    *websocket.Conn
	coord   *stream.Coordinator
	log     *slog.Logger
	format  audio.Format
	decoder *opus.Decoder
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		observe.Logger(r.Context()).Debug("server: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameBytes)

	ctx := r.Context()
	coord := s.newCoordinator()
	events := coord.Subscribe()
	sess := &wsSession{
		conn:  conn,
		coord: coord,
		log:   observe.SessionLogger(ctx, coord.ID()),
	}

	sess.send(ctx, serverMessage{Type: msgSession, SessionID: coord.ID(), Mode: coord.Mode().String()})

	written := make(chan struct{})
	go func() {
		defer close(written)
		sess.writeEvents(ctx, events)
		// The subscription closes once the session has finished, whichever
		// side stopped it, which also ends the read loop below.
		conn.Close(websocket.StatusNormalClosure, "session stopped")
	}()

	sess.readLoop(ctx)
	coord.Stop()
	<-written
}

// readLoop handles client frames until the client stops the session or the
// connection ends.
func (ws *wsSession) readLoop(ctx context.Context) {
	for {
		typ, data, err := ws.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				ws.log.Debug("server: websocket read ended", "err", err)
			}
			return
		}
		if typ == websocket.MessageBinary {
			ws.handleAudio(ctx, data)
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			ws.sendError(ctx, codeInvalidMessage, fmt.Errorf("decode message: %w", err))
			continue
		}
		if msg.Type == msgStop {
			return
		}
		ws.handleControl(ctx, msg)
	}
}

func (ws *wsSession) handleControl(ctx context.Context, msg clientMessage) {
	switch msg.Type {
	case msgStart:
		if err := ws.applyStart(msg); err != nil {
			ws.sendError(ctx, codeInvalidMessage, err)
			return
		}
		if err := ws.coord.Start(ctx); err != nil {
			ws.sendError(ctx, codeNotRecording, err)
		}
	case msgMode:
		m, err := dispatch.ParseMode(msg.Mode)
		if err != nil {
			ws.sendError(ctx, codeInvalidMessage, err)
			return
		}
		ws.coord.SetMode(m)
	case msgTarget:
		if msg.TargetHz == nil {
			ws.sendError(ctx, codeInvalidMessage, errors.New("target message without target_hz"))
			return
		}
		ws.coord.SetTarget(*msg.TargetHz)
	default:
		ws.sendError(ctx, codeInvalidMessage, fmt.Errorf("unknown message type %q", msg.Type))
	}
}

// applyStart sets the session options carried by a start message. The
// encoding cannot change once recording.
func (ws *wsSession) applyStart(msg clientMessage) error {
	if msg.Mode != "" {
		m, err := dispatch.ParseMode(msg.Mode)
		if err != nil {
			return err
		}
		ws.coord.SetMode(m)
	}
	if msg.TargetHz != nil {
		ws.coord.SetTarget(*msg.TargetHz)
	}
	if ws.coord.State() != stream.StateIdle {
		return nil
	}
	if msg.SampleRate < 0 || msg.Channels < 0 {
		return errors.New("sample_rate and channels must not be negative")
	}
	ws.format = audio.Format{SampleRate: msg.SampleRate, Channels: msg.Channels}

	switch strings.ToLower(msg.Encoding) {
	case "", encodingPCM16:
		ws.decoder = nil
	case encodingOpus:
		channels := msg.Channels
		if channels == 0 {
			channels = 1
		}
		dec, err := opus.NewDecoder(channels)
		if err != nil {
			return err
		}
		ws.decoder = dec
	default:
		return fmt.Errorf("unknown encoding %q", msg.Encoding)
	}
	return nil
}

func (ws *wsSession) handleAudio(ctx context.Context, data []byte) {
	var err error
	if ws.decoder != nil && ws.coord.State() == stream.StateRecording {
		var chunk audio.Chunk
		if chunk, err = ws.decoder.DecodeChunk(data); err != nil {
			ws.sendError(ctx, codeDecode, err)
			return
		}
		_, err = ws.coord.AddChunk(chunk)
	} else {
		_, err = ws.coord.AddPCM(data, ws.format)
	}
	if err == nil {
		return
	}

	var decErr *audio.DecodeError
	switch {
	case errors.Is(err, stream.ErrInvalidTransition):
		ws.sendError(ctx, codeNotRecording, err)
	case errors.Is(err, stream.ErrBackpressure):
		ws.sendError(ctx, codeBackpressure, err)
	case errors.As(err, &decErr):
		ws.sendError(ctx, codeDecode, err)
	default:
		ws.sendError(ctx, codeInternal, err)
	}
}

// writeEvents forwards coordinator events until the subscription closes.
// After a failed write the remaining events are drained without sending.
func (ws *wsSession) writeEvents(ctx context.Context, events <-chan stream.Event) {
	healthy := true
	for ev := range events {
		if !healthy {
			continue
		}
		healthy = ws.send(ctx, eventMessage(ev))
	}
}

func (ws *wsSession) sendError(ctx context.Context, code string, err error) {
	ws.send(ctx, serverMessage{Type: msgError, SessionID: ws.coord.ID(), Code: code, Error: err.Error()})
}

// send writes msg as a JSON text frame. coder/websocket allows concurrent
// writers, so the read loop and the event writer share the connection.
func (ws *wsSession) send(ctx context.Context, msg serverMessage) bool {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, ws.conn, msg); err != nil {
		ws.log.Debug("server: websocket write failed", "type", msg.Type, "err", err)
		return false
	}
	return true
}
