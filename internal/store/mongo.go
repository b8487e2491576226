package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kitabu/kitabu-gobackend/internal/models"
)

const (
	paymentsCollection = "payments"
	usersCollection    = "user"
)

// MongoStore keeps transactions in the "payments" collection and users in
// "user". Mongo deployments without replica sets have no multi-document
// transactions, so MongoStore does not implement AtomicCompleter.
type MongoStore struct {
	db *mongo.Database
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

func (s *MongoStore) payments() *mongo.Collection { return s.db.Collection(paymentsCollection) }
func (s *MongoStore) users() *mongo.Collection    { return s.db.Collection(usersCollection) }

// EnsureIndexes creates the correlation-id uniqueness constraints and the
// listing indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	paymentIndexes := []mongo.IndexModel{
		{Keys: bson.M{"checkout_request_id": 1}, Options: options.Index().SetUnique(true)},
		{Keys: bson.M{"merchant_request_id": 1}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_ref", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
	}
	if _, err := s.payments().Indexes().CreateMany(ctx, paymentIndexes); err != nil {
		return fmt.Errorf("failed to create payment indexes: %w", err)
	}

	userIndexes := []mongo.IndexModel{
		{Keys: bson.M{"email": 1}, Options: options.Index().SetUnique(true)},
		{Keys: bson.M{"username": 1}, Options: options.Index().SetUnique(true)},
	}
	if _, err := s.users().Indexes().CreateMany(ctx, userIndexes); err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

func (s *MongoStore) Create(ctx context.Context, txn *models.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.payments().InsertOne(ctx, txn); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var txn models.Transaction
	if err := s.payments().FindOne(ctx, filter).Decode(&txn); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch payment: %w", err)
	}
	return &txn, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*models.Transaction, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoStore) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error) {
	return s.findOne(ctx, bson.M{"checkout_request_id": checkoutRequestID})
}

func (s *MongoStore) ListByUser(ctx context.Context, userRef string) ([]models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cur, err := s.payments().Find(ctx, bson.M{"user_ref": userRef}, options.Find().SetSort(bson.M{"created_at": -1}))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payments: %w", err)
	}
	defer cur.Close(ctx)

	payments := []models.Transaction{}
	if err := cur.All(ctx, &payments); err != nil {
		return nil, fmt.Errorf("failed to decode payments: %w", err)
	}
	return payments, nil
}

// Transition uses FindOneAndUpdate with the allowed statuses in the filter, so
// the check and the write are a single server-side operation.
func (s *MongoStore) Transition(ctx context.Context, checkoutRequestID string, t models.Transition) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	set := bson.M{
		"status":      t.Status,
		"result_code": t.ResultCode,
		"result_desc": t.ResultDesc,
		"updated_at":  t.At,
	}
	if t.RawPayload != nil {
		set["raw_callback_payload"] = t.RawPayload
	}
	if t.Status == models.StatusCompleted {
		set["gateway_receipt_ref"] = t.ReceiptRef
		set["settled_at"] = t.SettledAt
	}

	filter := bson.M{"checkout_request_id": checkoutRequestID, "status": bson.M{"$in": t.From()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var txn models.Transaction
	err := s.payments().FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&txn)
	if err == nil {
		return &txn, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to update payment status: %w", err)
	}

	n, err := s.payments().CountDocuments(ctx, bson.M{"checkout_request_id": checkoutRequestID})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return nil, ErrNotPending
}

func (s *MongoStore) RecordCallback(ctx context.Context, checkoutRequestID string, raw []byte, at time.Time) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	update := bson.M{"$set": bson.M{"raw_callback_payload": raw, "updated_at": at}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var txn models.Transaction
	err := s.payments().FindOneAndUpdate(ctx, bson.M{"checkout_request_id": checkoutRequestID}, update, opts).Decode(&txn)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to store callback payload: %w", err)
	}
	return &txn, nil
}

func (s *MongoStore) MarkEntitlementGranted(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.payments().UpdateOne(ctx,
		bson.M{"_id": id, "entitlement_granted_at": nil},
		bson.M{"$set": bson.M{"entitlement_granted_at": at}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark entitlement: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoStore) ListUngranted(ctx context.Context, limit int) ([]models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.M{"created_at": 1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	filter := bson.M{"status": models.StatusCompleted, "entitlement_granted_at": nil}
	cur, err := s.payments().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ungranted payments: %w", err)
	}
	defer cur.Close(ctx)

	payments := []models.Transaction{}
	if err := cur.All(ctx, &payments); err != nil {
		return nil, fmt.Errorf("failed to decode payments: %w", err)
	}
	return payments, nil
}

func (s *MongoStore) ExpirePending(ctx context.Context, createdBefore, at time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := s.payments().UpdateMany(ctx,
		bson.M{"status": models.StatusPending, "created_at": bson.M{"$lt": createdBefore}},
		bson.M{"$set": bson.M{"status": models.StatusCancelled, "updated_at": at}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire pending payments: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) CreateUser(ctx context.Context, user *models.User) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.users().InsertOne(ctx, user); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *MongoStore) findUser(ctx context.Context, filter bson.M) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var user models.User
	if err := s.users().FindOne(ctx, filter).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	return &user, nil
}

func (s *MongoStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *MongoStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"email": email})
}

func (s *MongoStore) ActivatePremium(ctx context.Context, userID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.users().UpdateOne(ctx,
		bson.M{"_id": userID, "is_premium": bson.M{"$ne": true}},
		bson.M{"$set": bson.M{"is_premium": true, "premium_activated_at": at}},
	)
	if err != nil {
		return fmt.Errorf("failed to activate premium: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetUser(ctx, userID); err != nil {
			return err
		}
		slog.Debug("Premium already active", "user_id", userID)
	}
	return nil
}
