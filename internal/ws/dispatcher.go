package ws

import (
	"errors"
	"log/slog"

	"github.com/whisper/randomchat/internal/metrics"
	"github.com/whisper/randomchat/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct produced by protocol.ParseClientMessage, e.g. protocol.JoinRoomMsg.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client frames to handlers by message type.
// Application-level ping is answered here and never reaches a handler.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   *slog.Logger
}

func NewMessageDispatcher(logger *slog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger.With("component", "dispatcher"),
	}
}

// Register binds handler to msgType, replacing any earlier binding.
// Registration must finish before the server starts reading.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		metrics.ClientFramesTotal.WithLabelValues("invalid").Inc()
		d.logger.Debug("unknown message type", "conn_id", conn.ID, "type", msgType)
		SendError(conn, protocol.CodeUnknownType, "unsupported message type", d.logger)
		return
	case err != nil:
		metrics.ClientFramesTotal.WithLabelValues("invalid").Inc()
		d.logger.Debug("parse error", "conn_id", conn.ID, "type", msgType, "error", err)
		SendError(conn, protocol.CodeBadRequest, "invalid message format", d.logger)
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		reply(conn, protocol.TypePong, protocol.PongMsg{}, d.logger)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		metrics.ClientFramesTotal.WithLabelValues("invalid").Inc()
		d.logger.Debug("no handler registered", "conn_id", conn.ID, "type", msgType)
		SendError(conn, protocol.CodeUnknownType, "unsupported message type", d.logger)
		return
	}
	metrics.ClientFramesTotal.WithLabelValues(msgType).Inc()
	handler(conn, msg)
}

// SendError writes an error frame to conn. Failures are only logged.
func SendError(conn *Connection, code, message string, logger *slog.Logger) {
	reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message}, logger)
}

func reply(conn *Connection, msgType string, payload interface{}, logger *slog.Logger) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		logger.Error("build server message", "type", msgType, "conn_id", conn.ID, "error", err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		logger.Debug("write server message", "type", msgType, "conn_id", conn.ID, "error", err)
	}
}
