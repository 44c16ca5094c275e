// Package client wires the messaging engine for one logged-in user: device
// keys, the directory client, the push channel, presence, the conversation
// list and the sync engine.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"

	"shelfmate/config"
	"shelfmate/internal/convlist"
	"shelfmate/internal/convsync"
	"shelfmate/internal/directory"
	"shelfmate/internal/keystore"
	"shelfmate/internal/presence"
	"shelfmate/internal/realtime"
	shelfmate_errors "shelfmate/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type Options struct {
	// Storage overrides the sealed device file under cfg.Home.
	Storage    keystore.Storage
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type Session struct {
	UserID        string
	Keys          *keystore.KeyStore
	Directory     *directory.Client
	Channel       *realtime.Channel
	Presence      *presence.Tracker
	Conversations *convlist.Cache
	Engine        *convsync.Engine

	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// UserIDFromToken reads the subject of a bearer token. The signature is not
// checked here; the server does that on every request.
func UserIDFromToken(token string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("parse token: %v: %w", err, shelfmate_errors.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject: %w", shelfmate_errors.ErrUnauthorized)
	}
	return claims.Subject, nil
}

func New(cfg config.ClientConfig, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	userID, err := UserIDFromToken(cfg.Token)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("user_id", userID))

	wsURL, err := realtime.WebsocketURL(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}

	dirOpts := []directory.Option{directory.WithLogger(logger)}
	if opts.HTTPClient != nil {
		dirOpts = append(dirOpts, directory.WithHTTPClient(opts.HTTPClient))
	}
	if cfg.RequestTimeout > 0 {
		dirOpts = append(dirOpts, directory.WithTimeout(cfg.RequestTimeout))
	}
	dir := directory.New(cfg.ServerURL, cfg.Token, dirOpts...)

	storage := opts.Storage
	if storage == nil {
		storage = keystore.NewFileStorage(filepath.Join(cfg.Home, userID), cfg.Passphrase)
	}
	keys := keystore.New(storage, dir, logger)

	ch := realtime.New(realtime.Config{
		URL:         wsURL,
		Token:       cfg.Token,
		MaxAttempts: cfg.ReconnectAttempts,
		BaseDelay:   cfg.ReconnectDelay,
		MaxDelay:    cfg.ReconnectMaxDelay,
		Logger:      logger,
	})
	tracker := presence.NewTracker()
	list := convlist.New(userID, dir, logger)

	engine := convsync.New(convsync.Config{
		Self:           userID,
		Directory:      dir,
		Channel:        ch,
		Keys:           keys,
		List:           list,
		Presence:       tracker,
		TypingIdle:     cfg.TypingIdle,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})

	return &Session{
		UserID:        userID,
		Keys:          keys,
		Directory:     dir,
		Channel:       ch,
		Presence:      tracker,
		Conversations: list,
		Engine:        engine,
		logger:        logger.With(zap.String("component", "session")),
	}, nil
}

// Start ensures the device keys, connects the channel and runs the engine.
// Key problems degrade to plaintext sends and are not fatal.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	if _, err := s.Keys.EnsureKeyPair(ctx); err != nil {
		if errors.Is(err, shelfmate_errors.ErrKeyUnavailable) {
			s.logger.Warn("device key unavailable, messages will be sent unencrypted", zap.Error(err))
		} else {
			s.logger.Warn("public key not published yet, messages will be sent unencrypted", zap.Error(err))
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	s.Channel.Start(runCtx)
	go func() {
		defer close(s.done)
		if err := s.Engine.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("engine stopped", zap.Error(err))
		}
	}()

	if err := s.Conversations.Refresh(ctx); err != nil {
		s.logger.Warn("initial conversation list failed", zap.Error(err))
	}
	return nil
}

// Open switches the active conversation and remembers it for next time.
func (s *Session) Open(ctx context.Context, peerID string) (convsync.View, error) {
	v, err := s.Engine.Open(ctx, peerID)
	if err != nil {
		return v, err
	}
	if err := s.Keys.SetLastPeer(ctx, peerID); err != nil {
		s.logger.Debug("last peer not saved", zap.Error(err))
	}
	return v, nil
}

// Resume reopens the conversation that was active when the session last ran.
func (s *Session) Resume(ctx context.Context) (convsync.View, bool, error) {
	peer, err := s.Keys.LastPeer(ctx)
	if err != nil || peer == "" {
		return convsync.View{}, false, err
	}
	v, err := s.Open(ctx, peer)
	return v, err == nil, err
}

// Close tears the session down. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	s.Engine.Close()
	err := s.Channel.Close()
	if cancel != nil {
		cancel()
		<-done
	}
	return err
}
