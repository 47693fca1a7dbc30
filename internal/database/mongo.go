package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names
const (
	CollectionWidgetLayouts = "widget_layouts"
	CollectionJobArchive    = "job_archive"
)

// MongoDB wraps the client and the dashboard database
type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// ConnectOptions configures Connect
type ConnectOptions struct {
	URI         string
	Database    string
	Timeout     time.Duration
	MaxPoolSize uint64
}

// Connect opens a pooled connection and verifies it with a ping.
// Nested report documents decode as maps so they can be queried like
// decoded JSON.
func Connect(ctx context.Context, opts ConnectOptions) (*MongoDB, error) {
	slog.Info("Connecting to MongoDB", "database", opts.Database)

	if opts.MaxPoolSize == 0 {
		opts.MaxPoolSize = 50
	}

	connectCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(opts.URI).
		SetAppName("dcm").
		SetMaxPoolSize(opts.MaxPoolSize).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(opts.Timeout).
		SetRetryWrites(true).
		SetRetryReads(true).
		SetCompressors([]string{"snappy"}).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	slog.Info("Successfully connected to MongoDB")

	return &MongoDB{
		Client:   client,
		Database: client.Database(opts.Database),
	}, nil
}

// Ping checks that the server is reachable
func (m *MongoDB) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return m.Client.Ping(pingCtx, nil)
}

// Disconnect closes the connection
func (m *MongoDB) Disconnect(ctx context.Context) error {
	slog.Info("Disconnecting from MongoDB")

	disconnectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := m.Client.Disconnect(disconnectCtx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	return nil
}

// GetCollection returns a collection by name
func (m *MongoDB) GetCollection(name string) *mongo.Collection {
	return m.Database.Collection(name)
}
