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

// JobArchiveRepository keeps the final job info of finished jobs
type JobArchiveRepository struct {
	collection *mongo.Collection
}

// NewJobArchiveRepository creates a new job archive repository
func NewJobArchiveRepository(db *MongoDB) *JobArchiveRepository {
	return &JobArchiveRepository{
		collection: db.GetCollection(CollectionJobArchive),
	}
}

// Save stores a job info, replacing an earlier copy with the same token
func (r *JobArchiveRepository) Save(ctx context.Context, info *model.JobInfo) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	doc := model.ArchivedJob{JobInfo: *info, ArchivedAt: time.Now().UTC()}
	opts := options.Replace().SetUpsert(true)

	if _, err := r.collection.ReplaceOne(ctxTimeout, bson.M{"token": info.Token}, doc, opts); err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}

	return nil
}

// Get returns an archived job by token
func (r *JobArchiveRepository) Get(ctx context.Context, token string) (*model.ArchivedJob, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var job model.ArchivedJob
	err := r.collection.FindOne(ctxTimeout, bson.M{"token": token}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("archived job '%s': %w", token, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get archived job: %w", err)
	}

	return &job, nil
}

// List returns archived jobs, newest first, optionally filtered by job config
func (r *JobArchiveRepository) List(ctx context.Context, jobConfigID string, page, limit int) ([]model.ArchivedJob, int64, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{}
	if jobConfigID != "" {
		filter["job_config_id"] = jobConfigID
	}

	total, err := r.collection.CountDocuments(ctxTimeout, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count archived jobs: %w", err)
	}

	skip := (page - 1) * limit
	opts := options.Find().
		SetSkip(int64(skip)).
		SetLimit(int64(limit)).
		SetSort(bson.D{{Key: "archived_at", Value: -1}}).
		SetProjection(bson.M{"report": 0})

	cursor, err := r.collection.Find(ctxTimeout, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list archived jobs: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	jobs := make([]model.ArchivedJob, 0)
	if err := cursor.All(ctxTimeout, &jobs); err != nil {
		return nil, 0, fmt.Errorf("failed to decode archived jobs: %w", err)
	}

	return jobs, total, nil
}
