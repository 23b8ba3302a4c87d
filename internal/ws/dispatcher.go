package ws

import (
	"github.com/rs/zerolog"

	"github.com/eventhub/realtime/internal/protocol"
)

// MessageHandler handles one decoded client frame. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client frames to handlers by type. Pings are
// answered internally.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   zerolog.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher(logger zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger,
	}
}

// Register sets the handler for msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and routes it. Malformed or unsupported frames get
// an error frame back.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("dispatch parse error")
		SendError(conn, d.logger, protocol.CodeBadRequest, "invalid message format", "")
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		Send(conn, d.logger, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug().Str("type", msgType).Str("conn_id", conn.ID).Msg("unsupported message type")
		SendError(conn, d.logger, protocol.CodeBadRequest, "unsupported message type", "")
		return
	}

	handler(conn, msg)
}

// Send encodes and writes one server frame. Failures are logged.
func Send(conn *Connection, logger zerolog.Logger, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		logger.Error().Err(err).Str("type", msgType).Msg("failed to build server message")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		logger.Debug().Err(err).Str("type", msgType).Str("conn_id", conn.ID).Msg("failed to send server message")
	}
}

// SendError writes an error frame.
func SendError(conn *Connection, logger zerolog.Logger, code, message, channel string) {
	Send(conn, logger, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
		Channel: channel,
	})
}
