package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CreateIndexes creates the indexes of every collection
func CreateIndexes(ctx context.Context, db *MongoDB) error {
	slog.Info("Creating MongoDB indexes")

	collections := map[string][]mongo.IndexModel{
		CollectionWidgetLayouts: {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("idx_user_id_unique"),
			},
		},
		CollectionJobArchive: {
			{
				Keys:    bson.D{{Key: "token", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("idx_token_unique"),
			},
			{
				Keys:    bson.D{{Key: "archived_at", Value: -1}},
				Options: options.Index().SetName("idx_archived_at"),
			},
			{
				Keys: bson.D{
					{Key: "job_config_id", Value: 1},
					{Key: "archived_at", Value: -1},
				},
				Options: options.Index().SetName("idx_job_config_id_archived_at"),
			},
		},
	}

	for name, indexes := range collections {
		if err := createIndexes(ctx, db, name, indexes); err != nil {
			return err
		}
	}

	slog.Info("Successfully created all MongoDB indexes")
	return nil
}

func createIndexes(ctx context.Context, db *MongoDB, name string, indexes []mongo.IndexModel) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := db.GetCollection(name).Indexes().CreateMany(ctxTimeout, indexes); err != nil {
		return fmt.Errorf("failed to create %s indexes: %w", name, err)
	}

	slog.Info("Created indexes", "collection", name)
	return nil
}
