package chainfacade

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/r3e-network/mixcore/infrastructure/logging"
)

// DepositHandler is a callback for deposit sightings pushed by a node's
// event subscription.
type DepositHandler func(event DepositEvent)

// wireEvent is the envelope a node's websocket subscription delivers:
// one notification per transaction touching a watched address.
type wireEvent struct {
	Type    string         `json:"type"`
	Event   string         `json:"event"`
	Ref     string         `json:"ref"`
	Payload map[string]any `json:"payload"`
}

// DepositListener maintains one websocket subscription per chain endpoint
// and fans transaction notifications out to the addresses being watched.
// Adapters use it for push-based deposit sighting where the node supports
// subscriptions; they fall back to block polling where it doesn't.
type DepositListener struct {
	mu        sync.RWMutex
	url       string
	conn      *websocket.Conn
	watched   map[string][]DepositHandler // address -> handlers
	done      chan struct{}
	ref       int
	logger    *logging.Logger
	heartbeat time.Duration
	running   bool
}

// NewDepositListener creates a listener for a node's websocket endpoint.
// The endpoint URL is converted to its websocket form if given as http(s).
func NewDepositListener(endpoint string, logger *logging.Logger) *DepositListener {
	wsURL := endpoint
	if len(wsURL) > 5 && wsURL[:5] == "https" {
		wsURL = "wss" + wsURL[5:]
	} else if len(wsURL) > 4 && wsURL[:4] == "http" {
		wsURL = "ws" + wsURL[4:]
	}
	return &DepositListener{
		url:       wsURL,
		watched:   make(map[string][]DepositHandler),
		done:      make(chan struct{}),
		logger:    logger,
		heartbeat: 30 * time.Second,
	}
}

// Connect establishes the websocket connection and starts the read and
// heartbeat loops. Safe to call more than once; a call while already
// connected is a no-op that keeps the existing connection.
func (l *DepositListener) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return NewChainError(ErrNetwork, fmt.Sprintf("dial %s", l.url), err)
	}
	l.conn = conn
	l.running = true

	go l.readLoop()
	go l.heartbeatLoop()
	return nil
}

// Disconnect closes the connection and stops the loops.
func (l *DepositListener) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return nil
	}
	l.running = false
	close(l.done)

	if l.conn != nil {
		err := l.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil && l.logger != nil {
			l.logger.WithError(err).Debug("deposit listener: close frame")
		}
		err = l.conn.Close()
		l.conn = nil
		return err
	}
	return nil
}

// WatchAddress subscribes handler to transaction notifications for address.
func (l *DepositListener) WatchAddress(ctx context.Context, address string, handler DepositHandler) error {
	l.mu.Lock()
	first := len(l.watched[address]) == 0
	l.watched[address] = append(l.watched[address], handler)
	conn := l.conn
	l.ref++
	ref := l.ref
	l.mu.Unlock()

	if !first || conn == nil {
		return nil
	}
	sub := wireEvent{
		Type:    "subscribe",
		Event:   "address_tx",
		Ref:     fmt.Sprintf("%d", ref),
		Payload: map[string]any{"address": address},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return NewChainError(ErrNetwork, "subscribe address", err)
	}
	return nil
}

// UnwatchAddress drops every handler for address.
func (l *DepositListener) UnwatchAddress(address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.watched, address)
}

func (l *DepositListener) readLoop() {
	for {
		l.mu.RLock()
		conn := l.conn
		l.mu.RUnlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
			default:
				if l.logger != nil {
					l.logger.WithError(err).Warn("deposit listener: read failed, connection lost")
				}
			}
			return
		}

		var ev wireEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		if ev.Event != "address_tx" {
			continue
		}
		l.dispatch(ev)
	}
}

func (l *DepositListener) dispatch(ev wireEvent) {
	address, _ := ev.Payload["address"].(string)
	txid, _ := ev.Payload["txid"].(string)
	amount, _ := ev.Payload["amount"].(float64)
	confs, _ := ev.Payload["confirmations"].(float64)

	l.mu.RLock()
	handlers := append([]DepositHandler(nil), l.watched[address]...)
	l.mu.RUnlock()

	event := DepositEvent{
		Address:       address,
		TxID:          txid,
		Amount:        int64(amount),
		Confirmations: uint32(confs),
		SeenAt:        time.Now(),
	}
	for _, h := range handlers {
		h(event)
	}
}

func (l *DepositListener) heartbeatLoop() {
	ticker := time.NewTicker(l.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			conn := l.conn
			l.ref++
			ref := l.ref
			l.mu.Unlock()
			if conn == nil {
				return
			}
			ping := wireEvent{Type: "heartbeat", Ref: fmt.Sprintf("%d", ref)}
			if err := conn.WriteJSON(ping); err != nil {
				if l.logger != nil {
					l.logger.WithError(err).Warn("deposit listener: heartbeat failed")
				}
				return
			}
		}
	}
}
