package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"busrelay/internal/auth"
	"busrelay/internal/metrics"
	"busrelay/internal/model"
)

const maxFrameBytes = 64 << 10

// Serve runs one authenticated websocket session until the peer goes away,
// the connection is superseded, or ctx is cancelled. Disconnect processing
// always runs before Serve returns.
func (b *Broker) Serve(ctx context.Context, ws *websocket.Conn, id auth.Identity, entityID model.ID) {
	c := b.Connect(id, entityID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		b.writePump(ws, c)
	}()
	go func() {
		select {
		case <-ctx.Done():
			c.Close(websocket.CloseGoingAway, "server shutting down")
		case <-c.Done():
		}
	}()

	var limiter *rate.Limiter
	if b.opts.InboundRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(b.opts.InboundRPS), b.opts.InboundBurst)
	}
	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(b.opts.PongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(b.opts.PongWait)) })

	tags := log.Fields{"module": "relay", "component": "session", "conn": c.ID, "subject": c.Subject, "role": c.Role}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.Closed() {
				log.WithError(err).WithFields(tags).Debug("Read failed")
			}
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(b.opts.PongWait))
		if limiter != nil && !limiter.Allow() {
			metrics.InboundEvents.WithLabelValues(string(c.Role), "other", "rate_limited").Inc()
			continue
		}
		var frame model.Envelope
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			b.replyError(c, "", model.CodeInvalidPayload, "frames must be JSON objects with a type", "")
			continue
		}
		b.Dispatch(ctx, c, frame)
		if c.Closed() {
			break
		}
	}
	b.Disconnect(c)
	<-writerDone
	log.WithFields(tags).Debug("Session ended")
}

// writePump is the only writer on ws. It drains queued frames after close so
// a final error event reaches the peer before the close frame.
func (b *Broker) writePump(ws *websocket.Conn, c *Conn) {
	ticker := time.NewTicker(b.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()
	write := func(frame []byte) error {
		_ = ws.SetWriteDeadline(time.Now().Add(b.opts.WriteWait))
		return ws.WriteMessage(websocket.TextMessage, frame)
	}
	for {
		select {
		case frame := <-c.Outbox():
			if err := write(frame); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(b.opts.WriteWait)); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.Done():
			for {
				select {
				case frame := <-c.Outbox():
					if err := write(frame); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			reason := c.closeReason()
			if reason.code != websocket.CloseAbnormalClosure {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(reason.code, reason.text), time.Now().Add(b.opts.WriteWait))
			}
			return
		}
	}
}

// Reject reports a failed handshake to an upgraded socket and closes it.
func Reject(ws *websocket.Conn, message string, writeWait time.Duration) {
	if writeWait <= 0 {
		writeWait = 5 * time.Second
	}
	defer func() { _ = ws.Close() }()
	frame, err := encodeFrame(model.EventError, "", errorPayload{Message: message, Code: model.CodeAuthentication})
	if err == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteMessage(websocket.TextMessage, frame)
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"), time.Now().Add(writeWait))
}
