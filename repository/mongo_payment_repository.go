package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ossobv/osso-djuty-sub000/models"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoPaymentRepository stores payments in the `payments` collection.
type MongoPaymentRepository struct {
	collection *mongo.Collection
}

// NewMongoPaymentRepository creates a MongoDB-backed PaymentRepository.
func NewMongoPaymentRepository(db *mongo.Database) *MongoPaymentRepository {
	return &MongoPaymentRepository{collection: db.Collection("payments")}
}

type mongoPayment struct {
	ID                string     `bson:"_id"`
	Created           time.Time  `bson:"created"`
	Realm             string     `bson:"realm"`
	PayingUserID      *string    `bson:"paying_user_id,omitempty"`
	Provider          string     `bson:"provider"`
	Description       string     `bson:"description"`
	Amount            string     `bson:"amount"`
	Currency          string     `bson:"currency"`
	TransferInitiated *time.Time `bson:"transfer_initiated"`
	TransferAllowed   *time.Time `bson:"transfer_allowed"`
	TransferFinalized *time.Time `bson:"transfer_finalized"`
	TransferRevoked   *time.Time `bson:"transfer_revoked"`
	IsSuccess         *bool      `bson:"is_success"`
	UniqueKey         string     `bson:"unique_key"`
	Blob              string     `bson:"blob"`
}

// EnsureIndexes creates the unique_key lookup index.
func (r *MongoPaymentRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "unique_key", Value: 1}},
		Options: options.Index().SetName("unique_key_idx"),
	})
	return err
}

func (r *MongoPaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	if payment.Created.IsZero() {
		payment.Created = time.Now().UTC()
	}
	doc := mongoPayment{
		ID:                payment.ID.String(),
		Created:           payment.Created,
		Realm:             payment.Realm,
		Provider:          payment.Provider,
		Description:       payment.Description,
		Amount:            payment.Amount.String(),
		Currency:          payment.Currency,
		TransferInitiated: payment.TransferInitiated,
		TransferAllowed:   payment.TransferAllowed,
		TransferFinalized: payment.TransferFinalized,
		TransferRevoked:   payment.TransferRevoked,
		IsSuccess:         payment.IsSuccess,
		UniqueKey:         payment.UniqueKey,
		Blob:              payment.Blob,
	}
	if payment.PayingUserID != nil {
		s := payment.PayingUserID.String()
		doc.PayingUserID = &s
	}
	_, err := r.collection.InsertOne(ctx, doc)
	return err
}

func (r *MongoPaymentRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return r.findOne(ctx, bson.M{"_id": id.String()})
}

func (r *MongoPaymentRepository) FindByUniqueKey(ctx context.Context, uniqueKey string) (*models.Payment, error) {
	return r.findOne(ctx, bson.M{"unique_key": uniqueKey})
}

func (r *MongoPaymentRepository) findOne(ctx context.Context, filter bson.M) (*models.Payment, error) {
	var doc mongoPayment
	if err := r.collection.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return fromMongo(doc)
}

// Each decodes every stored payment in batches and calls fn for it. It stops
// at the first error fn returns.
func (r *MongoPaymentRepository) Each(ctx context.Context, batchSize int32, fn func(*models.Payment) error) error {
	cur, err := r.collection.Find(ctx, bson.M{}, options.Find().SetBatchSize(batchSize))
	if err != nil {
		return fmt.Errorf("mongo find: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc mongoPayment
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("decode payment: %w", err)
		}
		p, err := fromMongo(doc)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return cur.Err()
}

func fromMongo(doc mongoPayment) (*models.Payment, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid _id %q: %w", doc.ID, err)
	}
	amount, err := decimal.NewFromString(doc.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", doc.Amount, err)
	}
	p := &models.Payment{
		ID:                id,
		Created:           doc.Created,
		Realm:             doc.Realm,
		Provider:          doc.Provider,
		Description:       doc.Description,
		Amount:            amount,
		Currency:          doc.Currency,
		TransferInitiated: doc.TransferInitiated,
		TransferAllowed:   doc.TransferAllowed,
		TransferFinalized: doc.TransferFinalized,
		TransferRevoked:   doc.TransferRevoked,
		IsSuccess:         doc.IsSuccess,
		UniqueKey:         doc.UniqueKey,
		Blob:              doc.Blob,
	}
	if doc.PayingUserID != nil {
		if u, err := uuid.Parse(*doc.PayingUserID); err == nil {
			p.PayingUserID = &u
		}
	}
	return p, nil
}

// AtomicUpdate uses a filtered UpdateOne; the document-level write lock makes
// the filter and the update one atomic step. MatchedCount is used rather than
// ModifiedCount so an update writing identical values still reports success.
func (r *MongoPaymentRepository) AtomicUpdate(ctx context.Context, id uuid.UUID, preconditions, updates models.Fields) (bool, error) {
	if err := preconditions.Validate(); err != nil {
		return false, err
	}
	if err := updates.Validate(); err != nil {
		return false, err
	}
	if len(updates) == 0 {
		return false, fmt.Errorf("atomic update without updates")
	}
	res, err := r.collection.UpdateOne(ctx, BuildMongoFilter(id, preconditions), BuildMongoUpdate(updates))
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

func (r *MongoPaymentRepository) UpdateFields(ctx context.Context, id uuid.UUID, updates models.Fields) error {
	ok, err := r.AtomicUpdate(ctx, id, nil, updates)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPaymentNotFound
	}
	return nil
}

// BuildMongoFilter matches the payment by id plus every precondition. A nil
// precondition matches a null or missing field.
func BuildMongoFilter(id uuid.UUID, preconditions models.Fields) bson.M {
	filter := bson.M{"_id": id.String()}
	for k, v := range preconditions {
		switch {
		case v == nil && isStringField(k):
			filter[string(k)] = bson.M{"$in": bson.A{nil, ""}}
		case v == nil:
			filter[string(k)] = nil
		default:
			filter[string(k)] = mongoValue(v)
		}
	}
	return filter
}

// BuildMongoUpdate renders updates as a $set document.
func BuildMongoUpdate(updates models.Fields) bson.M {
	set := bson.M{}
	for k, v := range updates {
		if v == nil && isStringField(k) {
			set[string(k)] = ""
			continue
		}
		set[string(k)] = mongoValue(v)
	}
	return bson.M{"$set": set}
}

// BSON datetimes carry millisecond precision.
func mongoValue(v interface{}) interface{} {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Truncate(time.Millisecond)
	}
	return v
}
