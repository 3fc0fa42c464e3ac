package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
	"go.uber.org/zap"
)

const (
	defaultMongoDatabase          = "genieacs"
	defaultServerSelectionTimeout = 5 * time.Second
)

// mongoDeps isolates the driver calls so tests can run without a server.
type mongoDeps struct {
	connect    func(context.Context, *options.ClientOptions) (*mongo.Client, error)
	ping       func(context.Context, *mongo.Client) error
	disconnect func(context.Context, *mongo.Client) error
}

func defaultMongoDeps() mongoDeps {
	return mongoDeps{
		connect: func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
			return mongo.Connect(ctx, opts)
		},
		ping: func(ctx context.Context, c *mongo.Client) error {
			return c.Ping(ctx, nil)
		},
		disconnect: func(ctx context.Context, c *mongo.Client) error {
			return c.Disconnect(ctx)
		},
	}
}

// MongoStore is the UI database handle, member "db" of the connection set.
type MongoStore struct {
	uri      string
	database string
	timeout  time.Duration
	logger   *zap.Logger
	deps     mongoDeps

	mu     sync.RWMutex
	client *mongo.Client
}

// NewMongoStore parses uri and prepares a store; the database name comes from
// the URI path and falls back to "genieacs".
func NewMongoStore(uri string, logger *zap.Logger) (*MongoStore, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, fmt.Errorf("mongo uri: %w", err)
	}

	database := cs.Database
	if database == "" {
		database = defaultMongoDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MongoStore{
		uri:      uri,
		database: database,
		timeout:  defaultServerSelectionTimeout,
		logger:   logger,
		deps:     defaultMongoDeps(),
	}, nil
}

func (m *MongoStore) Name() string { return "db" }

// DatabaseName returns the database resolved from the URI.
func (m *MongoStore) DatabaseName() string { return m.database }

// Connect opens the client and pings it. A client that fails the ping is
// disconnected again before returning.
func (m *MongoStore) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		return nil
	}

	opts := options.Client().ApplyURI(m.uri).SetServerSelectionTimeout(m.timeout)
	client, err := m.deps.connect(ctx, opts)
	if err != nil {
		return fmt.Errorf("mongo connect: %w", err)
	}

	if err := m.deps.ping(ctx, client); err != nil {
		if derr := m.deps.disconnect(ctx, client); derr != nil {
			m.logger.Warn("mongo disconnect after failed ping", zap.Error(derr))
		}
		return fmt.Errorf("mongo ping: %w", err)
	}

	m.client = client
	m.logger.Info("connected to mongo", zap.String("database", m.database))
	return nil
}

// Disconnect releases the client. The store is marked closed even when the
// driver reports an error.
func (m *MongoStore) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil
	}
	err := m.deps.disconnect(ctx, m.client)
	m.client = nil
	if err != nil {
		return fmt.Errorf("mongo disconnect: %w", err)
	}
	return nil
}

func (m *MongoStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()

	if client == nil {
		return ErrNotConnected
	}
	return m.deps.ping(ctx, client)
}
