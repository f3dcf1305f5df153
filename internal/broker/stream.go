package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Stream consumes one account's trade-updates websocket so fills that land
// after a batch window closes still reach the reconciliation path.
type Stream struct {
	mu sync.RWMutex

	account string
	url     string
	creds   Credentials
	handler func(account string, update FillUpdate)
	logger  zerolog.Logger

	conn       *websocket.Conn
	isRunning  bool
	stopChan   chan struct{}
	reconnects int
}

// streamFrame is the envelope every stream message arrives in.
type streamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tradeUpdateData is the trade_updates payload. Price and qty are strings
// on the wire, same as the REST order shape.
type tradeUpdateData struct {
	Event     string    `json:"event"`
	Price     string    `json:"price"`
	Qty       string    `json:"qty"`
	Timestamp time.Time `json:"timestamp"`
	Order     Order     `json:"order"`
}

// NewStream builds a trade-updates consumer for one account. handler is
// invoked from the read loop; it must not block.
func NewStream(account, wsURL string, creds Credentials, handler func(string, FillUpdate), logger zerolog.Logger) *Stream {
	return &Stream{
		account:  account,
		url:      wsURL,
		creds:    creds,
		handler:  handler,
		logger:   logger.With().Str("component", "FillStream").Str("account", account).Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start launches the connect/read loop. Safe to call once.
func (s *Stream) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	go s.connect()
}

// Stop closes the stream and stops reconnecting.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return
	}
	s.isRunning = false
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
	s.logger.Info().Msg("Fill stream stopped")
}

// IsRunning reports whether the stream loop is alive.
func (s *Stream) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *Stream) connect() {
	for {
		s.mu.RLock()
		running := s.isRunning
		s.mu.RUnlock()
		if !running {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			s.mu.Lock()
			s.reconnects++
			n := s.reconnects
			s.mu.Unlock()
			s.logger.Warn().Err(err).Int("attempt", n).Msg("Stream connection failed, retrying in 5s")
			if !s.sleep(5 * time.Second) {
				return
			}
			continue
		}

		if err := s.authenticate(conn); err != nil {
			s.logger.Warn().Err(err).Msg("Stream auth failed, retrying in 5s")
			conn.Close()
			if !s.sleep(5 * time.Second) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.reconnects = 0
		s.mu.Unlock()
		s.logger.Info().Msg("Fill stream connected")

		s.readLoop(conn)

		s.mu.RLock()
		running = s.isRunning
		s.mu.RUnlock()
		if !running {
			return
		}
		s.logger.Warn().Msg("Stream connection lost, reconnecting in 3s")
		if !s.sleep(3 * time.Second) {
			return
		}
	}
}

func (s *Stream) authenticate(conn *websocket.Conn) error {
	auth := map[string]interface{}{
		"action": "auth",
		"key":    s.creds.APIKey,
		"secret": s.creds.APISecret,
	}
	if err := conn.WriteJSON(auth); err != nil {
		return err
	}
	listen := map[string]interface{}{
		"action": "listen",
		"data":   map[string][]string{"streams": {"trade_updates"}},
	}
	return conn.WriteJSON(listen)
}

func (s *Stream) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info().Msg("Stream closed normally")
			} else {
				s.logger.Warn().Err(err).Msg("Stream read error")
			}
			return
		}

		var frame streamFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.logger.Debug().Err(err).Msg("Skipping unparseable stream frame")
			continue
		}
		if frame.Stream != "trade_updates" {
			continue
		}

		var update tradeUpdateData
		if err := json.Unmarshal(frame.Data, &update); err != nil {
			s.logger.Debug().Err(err).Msg("Skipping unparseable trade update")
			continue
		}

		if update.Event != "fill" && update.Event != "partial_fill" {
			continue
		}

		fill := FillUpdate{
			Event:     update.Event,
			OrderID:   update.Order.ID,
			Symbol:    update.Order.Symbol,
			Side:      update.Order.Side,
			Qty:       parseFloat(update.Qty),
			Price:     parseFloat(update.Price),
			Timestamp: update.Timestamp,
		}
		if s.handler != nil {
			s.handler(s.account, fill)
		}
	}
}

// sleep waits d unless the stream is stopped first.
func (s *Stream) sleep(d time.Duration) bool {
	select {
	case <-s.stopChan:
		return false
	case <-time.After(d):
		return true
	}
}
