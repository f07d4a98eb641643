package driftlock

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamConfig configures the websocket change stream.
type StreamConfig struct {
	// URL of the change stream endpoint (ws:// or wss://). Empty disables
	// the stream; the engine then relies on timers and manual triggers.
	URL string `yaml:"url"`

	// ReconnectBackoff is the initial delay before redialing after a drop;
	// it doubles up to ReconnectMax. Defaults: 1s / 1m
	ReconnectBackoff Duration `yaml:"reconnect_backoff"`
	ReconnectMax     Duration `yaml:"reconnect_max"`

	// Credential supplies the bearer token for the dial request.
	Credential CredentialFunc `yaml:"-"`

	// Clock times the reconnect waits. Default: system clock.
	Clock Clock `yaml:"-"`
}

// changeHint is the server's notification that new changes exist for an
// entity type. It carries no payload: hints only ever trigger a normal pull,
// which remains the single authority on remote state.
type changeHint struct {
	EntityType string `json:"entity_type"`
	Revision   int64  `json:"revision"`
}

// ChangeStream maintains a websocket subscription to the remote's change
// feed and surfaces hints on a channel. Like the network monitor it signals,
// never mutates.
type ChangeStream struct {
	config StreamConfig
	logger *slog.Logger

	hints chan string // entity type with news; capacity-bounded, drops dups

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewChangeStream creates a stream; Start dials it.
func NewChangeStream(config StreamConfig, logger *slog.Logger) *ChangeStream {
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = Duration(time.Second)
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = Duration(time.Minute)
	}
	if config.Clock == nil {
		config.Clock = systemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeStream{
		config: config,
		logger: logger,
		hints:  make(chan string, 16),
		done:   make(chan struct{}),
	}
}

// Hints delivers entity types the server reported changes for.
func (s *ChangeStream) Hints() <-chan string {
	return s.hints
}

// Start dials the stream and keeps redialing with backoff until Stop.
func (s *ChangeStream) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
}

func (s *ChangeStream) run(ctx context.Context) {
	defer close(s.done)
	backoff := s.config.ReconnectBackoff.Std()
	for {
		if err := s.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("change stream disconnected", "error", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.config.Clock.After(backoff):
		}
		backoff *= 2
		if backoff > s.config.ReconnectMax.Std() {
			backoff = s.config.ReconnectMax.Std()
		}
	}
}

func (s *ChangeStream) listen(ctx context.Context) error {
	header := map[string][]string{}
	if s.config.Credential != nil {
		token, err := s.config.Credential(ctx)
		if err != nil {
			return newSyncError(ClassAuth, "obtain stream credential", err)
		}
		header["Authorization"] = []string{"Bearer " + token}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.config.URL, header)
	if err != nil {
		return newSyncError(ClassNetwork, "dial change stream", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the stream is stopped.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	s.logger.Debug("change stream connected", "url", s.config.URL)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return newSyncError(ClassNetwork, "read change stream", err)
		}
		var hint changeHint
		if err := json.Unmarshal(data, &hint); err != nil {
			s.logger.Warn("malformed change hint", "error", err)
			continue
		}
		select {
		case s.hints <- hint.EntityType:
		default:
			// A full buffer means a pull is already overdue; dropping the
			// hint loses nothing.
		}
	}
}

// Stop closes the stream. Safe to call more than once.
func (s *ChangeStream) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	})
}
