package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"quoteflow/logger"
	"quoteflow/models"
)

// QuoteHandler receives each decoded quote message from a provider
// stream.
type QuoteHandler func(record models.QuoteRecord)

// Dial opens a websocket stream to a provider, registers the connection
// and starts a read loop that feeds handler. Dialing is throttled by the
// local limiter and gated on the external rate-limit oracle.
func (m *Manager) Dial(ctx context.Context, clientID, provider, capability, url string, handler QuoteHandler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("dial requires a quote handler")
	}
	if !m.CheckConnectionRateLimit(ctx, clientID) {
		return "", fmt.Errorf("client %s rate limited for connections", clientID)
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("dial throttle: %w", err)
	}

	key := Key(clientID, provider, capability)
	if _, err := m.Register(clientID, provider, capability); err != nil {
		return "", err
	}

	handshake := m.config.Connection.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshake}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		m.RemoveConnection(key)
		return "", fmt.Errorf("dial %s: %w", url, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.attachTransport(key, conn, cancel)

	go m.readLoop(loopCtx, key, provider, capability, conn, handler)

	m.log.WithComponent("connection_manager").WithFields(logger.Fields{
		"key": key,
		"url": url,
	}).Info("provider stream established")
	return key, nil
}

func (m *Manager) attachTransport(key string, t transport, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[key]; ok {
		conn.transport = t
		conn.cancel = cancel
	}
}

// readLoop drains the socket until error or cancellation. Every message
// refreshes the connection's last-activity timestamp; a read error marks
// the connection lost and hands it to recovery.
func (m *Manager) readLoop(ctx context.Context, key, provider, capability string, conn *websocket.Conn, handler QuoteHandler) {
	log := m.log.WithComponent("connection_manager").WithFields(logger.Fields{"key": key})

	for {
		if ctx.Err() != nil {
			return
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("stream read failed")
			m.NotifyConnectionLost(key)
			return
		}

		m.Touch(key)
		logger.IncrementQuoteRead(len(payload))

		var raw map[string]interface{}
		if err := json.Unmarshal(payload, &raw); err != nil {
			log.WithError(err).Warn("discarding malformed quote message")
			continue
		}

		handler(models.QuoteRecord{
			RawData:      raw,
			ProviderName: provider,
			Capability:   capability,
			Timestamp:    time.Now(),
			Symbols:      extractSymbols(raw),
		})
	}
}

// extractSymbols pulls symbol identifiers out of the common provider
// payload shapes: a "symbol" string or a "symbols" array.
func extractSymbols(raw map[string]interface{}) []string {
	if s, ok := raw["symbol"].(string); ok && s != "" {
		return []string{s}
	}
	list, ok := raw["symbols"].([]interface{})
	if !ok {
		return nil
	}
	symbols := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok && s != "" {
			symbols = append(symbols, s)
		}
	}
	return symbols
}
