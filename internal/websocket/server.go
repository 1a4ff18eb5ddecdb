// Package websocket serves the synchronized market state to observers over
// HTTP queries and a gated WebSocket feed.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"marketsync/internal/aggregation"
	"marketsync/internal/engine"
	"marketsync/internal/exchange/binance"
	"marketsync/internal/metrics"
	"marketsync/internal/orderbook"
	"marketsync/internal/symbols"
	"marketsync/internal/types"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	clientBuffer = 32
	writeWait    = 5 * time.Second
	refTimeout   = 10 * time.Second
)

type MessageType string

const (
	MessageTypeMarket MessageType = "market"
	MessageTypeStats  MessageType = "stats"
	MessageTypeError  MessageType = "error"
)

// ClientMessage represents messages sent from client to server
type ClientMessage struct {
	Type    string `json:"type"`
	Symbol  string `json:"symbol,omitempty"`
	Visible *bool  `json:"visible,omitempty"`
	Tick    string `json:"tick,omitempty"`
}

// MarketMessage carries one gated view of a market
type MarketMessage struct {
	Type            MessageType   `json:"type"`
	Symbol          string        `json:"symbol"`
	Bids            []PriceLevel  `json:"bids"`
	Asks            []PriceLevel  `json:"asks"`
	Trades          []types.Trade `json:"trades"`
	HasData         bool          `json:"hasData"`
	Connected       bool          `json:"connected"`
	BookConnected   bool          `json:"bookConnected"`
	TradesConnected bool          `json:"tradesConnected"`
	Ticker          *types.Ticker `json:"ticker,omitempty"`
	Tick            string        `json:"tick,omitempty"`
	Timestamp       int64         `json:"timestamp"`
}

// StatsMessage carries book statistics for a market
type StatsMessage struct {
	Type   MessageType     `json:"type"`
	Symbol string          `json:"symbol"`
	Stats  orderbook.Stats `json:"stats"`
	// Timestamp is unix milliseconds
	Timestamp int64 `json:"timestamp"`
}

// ErrorMessage reports a rejected client request
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type PriceLevel struct {
	Price      string `json:"price"`
	Size       string `json:"size"`
	Cumulative string `json:"cumulative"`
}

// MarketSource is the engine surface the server reads from
type MarketSource interface {
	Markets() []types.Symbol
	Active() types.Symbol
	Tracks(symbol types.Symbol) bool
	View(symbol types.Symbol) engine.MarketView
	Status() []engine.MarketStatus
	Ticker(symbol types.Symbol) (*types.Ticker, bool)
	Reference(ctx context.Context, symbol types.Symbol) (*binance.ReferenceView, error)
	Select(symbol types.Symbol) error
	SetVisible(visible bool)
	Subscribe() (<-chan engine.MarketView, func())
}

// Options configures a Server
type Options struct {
	Addr    string
	Source  MarketSource
	Codec   *symbols.Codec
	Metrics *metrics.Metrics
	Log     *logrus.Entry
}

type client struct {
	conn *websocket.Conn
	send chan any

	mu      sync.Mutex
	closed  bool
	grouper *aggregation.Grouper
}

type Server struct {
	source   MarketSource
	codec    *symbols.Codec
	addr     string
	log      *logrus.Entry
	upgrader websocket.Upgrader
	router   *mux.Router

	clients    map[*client]bool
	clientsMux sync.RWMutex
}

func NewServer(opts Options) *Server {
	if opts.Codec == nil {
		opts.Codec = symbols.NewCodec()
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		source:  opts.Source,
		codec:   opts.Codec,
		addr:    opts.Addr,
		log:     opts.Log,
		clients: make(map[*client]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/markets", s.handleMarkets).Methods(http.MethodGet)
	market := api.PathPrefix("/markets/{base}/{quote}").Subrouter()
	market.HandleFunc("/book", s.handleBook).Methods(http.MethodGet)
	market.HandleFunc("/trades", s.handleTrades).Methods(http.MethodGet)
	market.HandleFunc("/ticker", s.handleTicker).Methods(http.MethodGet)
	market.HandleFunc("/reference", s.handleReference).Methods(http.MethodGet)
	market.HandleFunc("/select", s.handleSelect).Methods(http.MethodPost)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.WithField("addr", s.addr).Info("http server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run forwards gated views to every WebSocket client until ctx is done
func (s *Server) Run(ctx context.Context) {
	views, cancel := s.source.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			s.closeClients()
			return
		case v, ok := <-views:
			if !ok {
				s.closeClients()
				return
			}
			s.broadcast(v)
		}
	}
}

func (s *Server) broadcast(v engine.MarketView) {
	s.clientsMux.RLock()
	defer s.clientsMux.RUnlock()
	if len(s.clients) == 0 {
		return
	}

	timestamp := time.Now().UnixMilli()
	stats := StatsMessage{
		Type:      MessageTypeStats,
		Symbol:    v.Symbol.String(),
		Stats:     orderbook.Summarize(v.Book),
		Timestamp: timestamp,
	}
	for c := range s.clients {
		s.enqueue(c, buildMarketMessage(v, c.tick(), timestamp))
		s.enqueue(c, stats)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan any, clientBuffer)}
	s.clientsMux.Lock()
	s.clients[c] = true
	s.clientsMux.Unlock()

	s.log.WithField("remote", r.RemoteAddr).Info("websocket client connected")
	go s.writePump(c)
	s.enqueue(c, buildMarketMessage(s.source.View(s.source.Active()), nil, time.Now().UnixMilli()))

	defer func() {
		s.removeClient(c)
		s.log.WithField("remote", r.RemoteAddr).Info("websocket client disconnected")
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.log.WithError(err).Debug("unparsable client message")
			s.enqueue(c, ErrorMessage{Type: MessageTypeError, Message: "invalid message"})
			continue
		}
		s.handleClientMessage(c, msg)
	}
}

func (s *Server) handleClientMessage(c *client, msg ClientMessage) {
	switch msg.Type {
	case "select_market":
		symbol := s.codec.Normalize(msg.Symbol)
		if err := s.source.Select(symbol); err != nil {
			s.enqueue(c, ErrorMessage{Type: MessageTypeError, Message: err.Error()})
			return
		}
		s.log.WithField("symbol", symbol.String()).Info("market selected by client")
	case "visibility":
		if msg.Visible == nil {
			s.enqueue(c, ErrorMessage{Type: MessageTypeError, Message: "visibility requires visible"})
			return
		}
		s.source.SetVisible(*msg.Visible)
	case "set_tick":
		if msg.Tick == "" {
			c.setTick(nil)
			return
		}
		g, err := aggregation.Parse(msg.Tick)
		if err != nil {
			s.enqueue(c, ErrorMessage{Type: MessageTypeError, Message: err.Error()})
			return
		}
		c.setTick(&g)
	default:
		s.log.WithField("type", msg.Type).Debug("unknown client message")
		s.enqueue(c, ErrorMessage{Type: MessageTypeError, Message: "unknown message type"})
	}
}

// enqueue never blocks; a client that falls behind misses messages
func (s *Server) enqueue(c *client, msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		s.log.Debug("websocket client behind, message dropped")
	}
}

func (s *Server) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			s.log.WithError(err).Debug("websocket write failed")
			s.removeClient(c)
			return
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.clientsMux.Lock()
	delete(s.clients, c)
	s.clientsMux.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (s *Server) closeClients() {
	s.clientsMux.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMux.RUnlock()

	for _, c := range clients {
		s.removeClient(c)
	}
}

func (c *client) tick() *aggregation.Grouper {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grouper
}

func (c *client) setTick(g *aggregation.Grouper) {
	c.mu.Lock()
	c.grouper = g
	c.mu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Status())
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"markets": s.source.Markets(),
		"active":  s.source.Active(),
	})
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	symbol, ok := s.symbol(w, r)
	if !ok {
		return
	}

	var grouper *aggregation.Grouper
	if raw := r.URL.Query().Get("tick"); raw != "" {
		g, err := aggregation.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		grouper = &g
	}

	view := s.source.View(symbol)
	writeJSON(w, http.StatusOK, struct {
		MarketMessage
		Stats orderbook.Stats `json:"stats"`
	}{
		MarketMessage: buildMarketMessage(view, grouper, time.Now().UnixMilli()),
		Stats:         orderbook.Summarize(view.Book),
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	symbol, ok := s.symbol(w, r)
	if !ok {
		return
	}

	trades := s.source.View(symbol).Trades
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		if limit < len(trades) {
			trades = trades[:limit]
		}
	}
	if trades == nil {
		trades = []types.Trade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": symbol,
		"trades": trades,
	})
}

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	symbol, ok := s.symbol(w, r)
	if !ok {
		return
	}
	t, ok := s.source.Ticker(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, types.ErrNoData)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleReference(w http.ResponseWriter, r *http.Request) {
	symbol, ok := s.symbol(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), refTimeout)
	defer cancel()

	view, err := s.source.Reference(ctx, symbol)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, types.ErrNoData) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	symbol, ok := s.symbol(w, r)
	if !ok {
		return
	}
	if err := s.source.Select(symbol); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": symbol})
}

// symbol resolves the {base}/{quote} path pair to a tracked market
func (s *Server) symbol(w http.ResponseWriter, r *http.Request) (types.Symbol, bool) {
	vars := mux.Vars(r)
	symbol := s.codec.Normalize(symbols.Join(vars["base"], vars["quote"]).String())
	if !s.source.Tracks(symbol) {
		writeError(w, http.StatusNotFound, types.ErrUnknownSymbol)
		return "", false
	}
	return symbol, true
}

func buildMarketMessage(v engine.MarketView, grouper *aggregation.Grouper, timestamp int64) MarketMessage {
	var asks, bids []types.PriceLevel
	if v.Book != nil {
		asks, bids = v.Book.Asks, v.Book.Bids
	}
	msg := MarketMessage{
		Type:            MessageTypeMarket,
		Symbol:          v.Symbol.String(),
		Trades:          v.Trades,
		HasData:         v.HasInitialData,
		Connected:       v.Connected,
		BookConnected:   v.BookConnected,
		TradesConnected: v.TradesConnected,
		Ticker:          v.Ticker,
		Timestamp:       timestamp,
	}
	if grouper != nil {
		asks, bids = grouper.Asks(asks), grouper.Bids(bids)
		msg.Tick = grouper.Tick().String()
	}
	msg.Asks = wireLevels(asks)
	msg.Bids = wireLevels(bids)
	if msg.Trades == nil {
		msg.Trades = []types.Trade{}
	}
	return msg
}

// wireLevels converts levels to wire format with cumulative sums
func wireLevels(levels []types.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	cumulative := aggregation.Cumulative(levels)
	for i, level := range levels {
		out = append(out, PriceLevel{
			Price:      level.Price.String(),
			Size:       level.Size.String(),
			Cumulative: cumulative[i].String(),
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
