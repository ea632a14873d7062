// Package mongo implements session.Store on top of MongoDB, for multi-
// process deployments where the Review Graph Engine runs across more than
// one worker and sessions must be readable by any of them.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/legalflow/clausereview/apperr"
	"github.com/legalflow/clausereview/domain"
	"github.com/legalflow/clausereview/session"
)

const defaultCollection = "review_sessions"
const defaultOpTimeout = 5 * time.Second

// sessionDoc is the Mongo wire shape for domain.SessionRecord; field names
// are deliberately snake_case to match the rest of the system's wire
// contracts.
type sessionDoc struct {
	TaskID       string    `bson:"task_id"`
	UserID       string    `bson:"user_id"`
	DomainID     string    `bson:"domain_id"`
	Status       string    `bson:"status"`
	IsComplete   bool      `bson:"is_complete"`
	Error        string    `bson:"error,omitempty"`
	GraphState   []byte    `bson:"graph_state"`
	Compressed   bool      `bson:"compressed"`
	LastAccessTS time.Time `bson:"last_access_ts"`
	Revision     int64     `bson:"revision"`
}

// Store implements session.Store backed by a Mongo collection. Writes are
// conditional on revision: SaveSession requires the stored revision to
// equal rec.Revision-1 (or the document to not exist yet, for rec.Revision
// == 0), returning session.ErrRevisionConflict otherwise.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// Options configures a Store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// NewStore builds a Store and ensures its unique index on task_id.
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ictx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "task_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return &Store{coll: coll, timeout: timeout}, nil
}

func (s *Store) SaveSession(ctx context.Context, rec domain.SessionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc := toDoc(rec)
	doc.LastAccessTS = time.Now()

	var filter bson.D
	if rec.Revision == 0 {
		filter = bson.D{{Key: "task_id", Value: rec.TaskID}, {Key: "revision", Value: bson.D{{Key: "$exists", Value: false}}}}
	} else {
		filter = bson.D{{Key: "task_id", Value: rec.TaskID}, {Key: "revision", Value: rec.Revision - 1}}
	}

	res, err := s.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(rec.Revision == 0))
	if err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			// A revision-0 upsert against an existing document collides
			// with the unique task_id index.
			return session.ErrRevisionConflict
		}
		return err
	}
	if res.MatchedCount == 0 && res.UpsertedCount == 0 {
		return session.ErrRevisionConflict
	}
	return nil
}

func (s *Store) LoadSession(ctx context.Context, taskID string) (domain.SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc sessionDoc
	err := s.coll.FindOne(ctx, bson.D{{Key: "task_id", Value: taskID}}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return domain.SessionRecord{}, apperr.ErrSessionNotFound
	}
	if err != nil {
		return domain.SessionRecord{}, err
	}
	return fromDoc(doc), nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "task_id", Value: taskID}},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "status", Value: string(status)}, {Key: "last_access_ts", Value: time.Now()}}},
			{Key: "$inc", Value: bson.D{{Key: "revision", Value: int64(1)}}},
		})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return apperr.ErrSessionNotFound
	}
	return nil
}

func toDoc(rec domain.SessionRecord) sessionDoc {
	return sessionDoc{
		TaskID:       rec.TaskID,
		UserID:       rec.UserID,
		DomainID:     rec.DomainID,
		Status:       string(rec.Status),
		IsComplete:   rec.IsComplete,
		Error:        rec.Error,
		GraphState:   rec.GraphState,
		Compressed:   rec.Compressed,
		LastAccessTS: rec.LastAccessTS,
		Revision:     rec.Revision,
	}
}

func fromDoc(doc sessionDoc) domain.SessionRecord {
	return domain.SessionRecord{
		TaskID:       doc.TaskID,
		UserID:       doc.UserID,
		DomainID:     doc.DomainID,
		Status:       domain.TaskStatus(doc.Status),
		IsComplete:   doc.IsComplete,
		Error:        doc.Error,
		GraphState:   doc.GraphState,
		Compressed:   doc.Compressed,
		LastAccessTS: doc.LastAccessTS,
		Revision:     doc.Revision,
	}
}
