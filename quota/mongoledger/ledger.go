// Package mongoledger implements quota.Ledger on top of MongoDB: one
// balance document per user plus one charge document per (user, task) pair,
// so a retried Deduct for a task that already charged is a no-op rather than
// a double charge.
package mongoledger

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	defaultBalanceCollection = "quota_balances"
	defaultChargeCollection  = "quota_charges"
	defaultOpTimeout         = 5 * time.Second
)

type balanceDoc struct {
	UserID  string `bson:"user_id"`
	Balance int64  `bson:"balance"`
}

type chargeDoc struct {
	UserID string `bson:"user_id"`
	TaskID string `bson:"task_id"`
	Amount int64  `bson:"amount"`
}

// Ledger is a Mongo-backed quota.Ledger.
type Ledger struct {
	balances *mongodriver.Collection
	charges  *mongodriver.Collection
	timeout  time.Duration
}

// Options configures a Ledger.
type Options struct {
	Client            *mongodriver.Client
	Database          string
	BalanceCollection string
	ChargeCollection  string
	Timeout           time.Duration
}

// NewLedger builds a Ledger and ensures the unique index that makes charges
// idempotent per (user_id, task_id).
func NewLedger(ctx context.Context, opts Options) (*Ledger, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	balanceColl := opts.BalanceCollection
	if balanceColl == "" {
		balanceColl = defaultBalanceCollection
	}
	chargeColl := opts.ChargeCollection
	if chargeColl == "" {
		chargeColl = defaultChargeCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	charges := db.Collection(chargeColl)

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := charges.Indexes().CreateOne(ictx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "task_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}

	return &Ledger{
		balances: db.Collection(balanceColl),
		charges:  charges,
		timeout:  timeout,
	}, nil
}

// Balance returns userID's current balance, treating an absent balance
// document as zero rather than an error.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var doc balanceDoc
	err := l.balances.FindOne(ctx, bson.D{{Key: "user_id", Value: userID}}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Balance, nil
}

// Grant adds amount credits to userID's balance, creating the balance
// document if it doesn't exist yet. Used by billing/top-up flows external
// to the review graph itself.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	_, err := l.balances.UpdateOne(ctx,
		bson.D{{Key: "user_id", Value: userID}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "balance", Value: amount}}}},
		options.Update().SetUpsert(true),
	)
	return err
}

// Deduct charges amount credits against userID for taskID. The charge
// record is inserted first: if it already exists (a retried deduction for a
// task already charged), the unique index rejects the insert and Deduct
// returns nil without touching the balance a second time.
func (l *Ledger) Deduct(ctx context.Context, userID, taskID string, amount int64) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	_, err := l.charges.InsertOne(ctx, chargeDoc{UserID: userID, TaskID: taskID, Amount: amount})
	if mongodriver.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = l.balances.UpdateOne(ctx,
		bson.D{{Key: "user_id", Value: userID}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "balance", Value: -amount}}}},
		options.Update().SetUpsert(true),
	)
	return err
}
