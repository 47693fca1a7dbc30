package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dandantas/dcm/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// LayoutRepository stores widget layouts per user
type LayoutRepository struct {
	collection *mongo.Collection
}

// NewLayoutRepository creates a new layout repository
func NewLayoutRepository(db *MongoDB) *LayoutRepository {
	return &LayoutRepository{
		collection: db.GetCollection(CollectionWidgetLayouts),
	}
}

// Get returns the stored layout of a user
func (r *LayoutRepository) Get(ctx context.Context, userID string) (*model.StoredLayout, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var stored model.StoredLayout
	err := r.collection.FindOne(ctxTimeout, bson.M{"user_id": userID}).Decode(&stored)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("layout of user '%s': %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get layout: %w", err)
	}
	if stored.Widgets == nil {
		stored.Widgets = model.Layout{}
	}

	return &stored, nil
}

// Put overwrites the layout of a user
func (r *LayoutRepository) Put(ctx context.Context, userID string, layout model.Layout) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if layout == nil {
		layout = model.Layout{}
	}
	update := bson.M{
		"$set": bson.M{
			"widgets":    layout,
			"updated_at": time.Now().UTC(),
		},
	}

	_, err := r.collection.UpdateOne(ctxTimeout, bson.M{"user_id": userID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save layout: %w", err)
	}

	return nil
}
