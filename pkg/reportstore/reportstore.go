// Package reportstore keeps execution reports in MongoDB, one document per run.
package reportstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andrej220/rdeploy/pkg/report"
)

var (
	ErrExists   = errors.New("report already exists")
	ErrNotFound = errors.New("report not found")
)

const opTimeout = 30 * time.Second

type SaveOptions struct {
	Overwrite bool
}

// Store reads and writes reports in one collection. _id is the run id.
type Store struct {
	coll *mongo.Collection
}

func New(coll *mongo.Collection) *Store {
	return &Store{coll: coll}
}

// Save upserts rep. Without Overwrite an existing report for the run is an error.
func (s *Store) Save(ctx context.Context, rep *report.Report, opts ...SaveOptions) error {
	if rep == nil {
		return errors.New("reportstore: nil report")
	}
	opt := SaveOptions{Overwrite: true}
	if len(opts) > 0 {
		opt = opts[0]
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if !opt.Overwrite {
		_, err := s.coll.InsertOne(ctx, rep)
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrExists, rep.RunID)
		}
		if err != nil {
			return fmt.Errorf("reportstore: insert %s: %w", rep.RunID, err)
		}
		return nil
	}

	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": rep.RunID}, rep, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("reportstore: save %s: %w", rep.RunID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, runID uuid.UUID) (*report.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var rep report.Report
	err := s.coll.FindOne(ctx, bson.M{"_id": runID}).Decode(&rep)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("reportstore: get %s: %w", runID, err)
	}
	return &rep, nil
}

// ListByPlan returns the newest reports of a plan first.
func (s *Store) ListByPlan(ctx context.Context, plan string, limit int64) ([]report.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := s.coll.Find(ctx, bson.M{"plan": plan}, opts)
	if err != nil {
		return nil, fmt.Errorf("reportstore: list %s: %w", plan, err)
	}
	var out []report.Report
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("reportstore: decode %s: %w", plan, err)
	}
	return out, nil
}
