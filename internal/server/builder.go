package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sourced/internal/config"
	"sourced/internal/fingerprint"
	"sourced/internal/keys"
	"sourced/internal/logging"
	"sourced/internal/peer"
	"sourced/internal/store"
)

// Builder construction errors.
var (
	ErrMissingConnection = errors.New("missing connection settings")
	ErrMissingBrokerInfo = errors.New("missing broker info")
	ErrMissingCrypto     = errors.New("missing crypto material")
)

// Builder assembles a fully configured Server. Connection settings,
// broker info, and key material must all be supplied before Build.
type Builder struct {
	roots      []string
	connection *config.ConnectionConfig
	broker     *config.BrokerConfig
	db         string
	rnd        keys.Random
	sourceKey  *keys.Keys
	peer       peer.Peer
	log        *slog.Logger
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Settings applies the backup scope, connection, and broker sections
// of a loaded configuration.
func (b *Builder) Settings(cfg *config.Config) *Builder {
	return b.Roots(cfg.Backup.Roots).
		Connection(cfg.Connection).
		Broker(cfg.Broker).
		DB(cfg.Backup.DB())
}

// Roots sets the directories the pass scans.
func (b *Builder) Roots(roots []string) *Builder {
	b.roots = roots
	return b
}

// Connection sets this source's identity and credentials.
func (b *Builder) Connection(conn config.ConnectionConfig) *Builder {
	b.connection = &conn
	return b
}

// Broker sets the broker endpoint.
func (b *Builder) Broker(broker config.BrokerConfig) *Builder {
	b.broker = &broker
	return b
}

// DB sets the metadata database path.
func (b *Builder) DB(path string) *Builder {
	b.db = path
	return b
}

// Crypto sets the random source and the source's key set.
func (b *Builder) Crypto(rnd keys.Random, sourceKey *keys.Keys) *Builder {
	b.rnd = rnd
	b.sourceKey = sourceKey
	return b
}

// Peer overrides the brokered transport with a ready-made peer. When
// set, Build skips dialing and the connection and broker settings
// become optional.
func (b *Builder) Peer(p peer.Peer) *Builder {
	b.peer = p
	return b
}

// Logger sets the server's logger.
func (b *Builder) Logger(log *slog.Logger) *Builder {
	b.log = log
	return b
}

// Build wires the server: dials the peer, opens the metadata store,
// and sets up the fingerprinter. Each missing requirement yields its
// distinct error before any I/O happens.
func (b *Builder) Build(ctx context.Context) (*Server, error) {
	if b.rnd == nil || b.sourceKey == nil {
		return nil, ErrMissingCrypto
	}

	p := b.peer
	if p == nil {
		if b.connection == nil {
			return nil, ErrMissingConnection
		}
		if b.broker == nil {
			return nil, ErrMissingBrokerInfo
		}
		var err error
		p, err = peer.Dial(ctx, peer.Settings{
			URL:      b.broker.URL,
			Token:    b.connection.Token,
			SourceID: b.connection.SourceID,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to broker: %w", err)
		}
	}

	fp, err := fingerprint.New(1)
	if err != nil {
		return nil, fmt.Errorf("invalid fingerprinter: %w", err)
	}

	st, err := store.Open(b.db, b.rnd)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	log := b.log
	if log == nil {
		log = logging.Default("server")
	}

	return &Server{
		roots:     b.roots,
		peer:      p,
		fp:        fp,
		store:     st,
		sourceKey: b.sourceKey,
		log:       log,
	}, nil
}
