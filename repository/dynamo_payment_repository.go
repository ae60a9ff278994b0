package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/ossobv/osso-djuty-sub000/models"
	"github.com/shopspring/decimal"
)

// DynamoAPI is the subset of the DynamoDB client used by the repository.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoPaymentRepository stores payments in a table keyed by `payment_id`
// with a global secondary index on `unique_key`. Conditional updates map to
// UpdateItem with a ConditionExpression.
type DynamoPaymentRepository struct {
	client         DynamoAPI
	table          string
	uniqueKeyIndex string
}

// NewDynamoPaymentRepository creates a DynamoDB-backed PaymentRepository.
func NewDynamoPaymentRepository(client DynamoAPI, table, uniqueKeyIndex string) *DynamoPaymentRepository {
	if uniqueKeyIndex == "" {
		uniqueKeyIndex = "unique_key-index"
	}
	return &DynamoPaymentRepository{client: client, table: table, uniqueKeyIndex: uniqueKeyIndex}
}

type ddbPayment struct {
	PaymentID         string  `dynamodbav:"payment_id"`
	Created           string  `dynamodbav:"created"`
	Realm             string  `dynamodbav:"realm"`
	PayingUserID      *string `dynamodbav:"paying_user_id,omitempty"`
	Provider          string  `dynamodbav:"provider"`
	Description       string  `dynamodbav:"description"`
	Amount            string  `dynamodbav:"amount"`
	Currency          string  `dynamodbav:"currency"`
	TransferInitiated *string `dynamodbav:"transfer_initiated,omitempty"`
	TransferAllowed   *string `dynamodbav:"transfer_allowed,omitempty"`
	TransferFinalized *string `dynamodbav:"transfer_finalized,omitempty"`
	TransferRevoked   *string `dynamodbav:"transfer_revoked,omitempty"`
	IsSuccess         *bool   `dynamodbav:"is_success,omitempty"`
	UniqueKey         string  `dynamodbav:"unique_key,omitempty"`
	Blob              string  `dynamodbav:"blob,omitempty"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func parseTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}

func toDDB(p *models.Payment) ddbPayment {
	dp := ddbPayment{
		PaymentID:         p.ID.String(),
		Created:           p.Created.UTC().Format(time.RFC3339Nano),
		Realm:             p.Realm,
		Provider:          p.Provider,
		Description:       p.Description,
		Amount:            p.Amount.String(),
		Currency:          p.Currency,
		TransferInitiated: formatTime(p.TransferInitiated),
		TransferAllowed:   formatTime(p.TransferAllowed),
		TransferFinalized: formatTime(p.TransferFinalized),
		TransferRevoked:   formatTime(p.TransferRevoked),
		IsSuccess:         p.IsSuccess,
		UniqueKey:         p.UniqueKey,
		Blob:              p.Blob,
	}
	if p.PayingUserID != nil {
		s := p.PayingUserID.String()
		dp.PayingUserID = &s
	}
	return dp
}

func fromDDB(dp ddbPayment) (*models.Payment, error) {
	id, err := uuid.Parse(dp.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("invalid payment_id %q: %w", dp.PaymentID, err)
	}
	amount, err := decimal.NewFromString(dp.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", dp.Amount, err)
	}
	p := &models.Payment{
		ID:                id,
		Realm:             dp.Realm,
		Provider:          dp.Provider,
		Description:       dp.Description,
		Amount:            amount,
		Currency:          dp.Currency,
		TransferInitiated: parseTime(dp.TransferInitiated),
		TransferAllowed:   parseTime(dp.TransferAllowed),
		TransferFinalized: parseTime(dp.TransferFinalized),
		TransferRevoked:   parseTime(dp.TransferRevoked),
		IsSuccess:         dp.IsSuccess,
		UniqueKey:         dp.UniqueKey,
		Blob:              dp.Blob,
	}
	if t := parseTime(&dp.Created); t != nil {
		p.Created = *t
	}
	if dp.PayingUserID != nil {
		if u, err := uuid.Parse(*dp.PayingUserID); err == nil {
			p.PayingUserID = &u
		}
	}
	return p, nil
}

func (d *DynamoPaymentRepository) key(id uuid.UUID) (map[string]types.AttributeValue, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"payment_id": id.String()})
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return key, nil
}

func (d *DynamoPaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	if payment.Created.IsZero() {
		payment.Created = time.Now().UTC()
	}
	item, err := attributevalue.MarshalMap(toDDB(payment))
	if err != nil {
		return fmt.Errorf("marshal payment: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &d.table,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(payment_id)"),
	})
	if err != nil {
		return fmt.Errorf("dynamodb PutItem failed: %w", err)
	}
	return nil
}

func (d *DynamoPaymentRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	key, err := d.key(id)
	if err != nil {
		return nil, err
	}
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &d.table,
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb GetItem failed: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrPaymentNotFound
	}
	var dp ddbPayment
	if err := attributevalue.UnmarshalMap(out.Item, &dp); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return fromDDB(dp)
}

func (d *DynamoPaymentRepository) FindByUniqueKey(ctx context.Context, uniqueKey string) (*models.Payment, error) {
	values, err := attributevalue.MarshalMap(map[string]string{":k": uniqueKey})
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 &d.table,
		IndexName:                 &d.uniqueKeyIndex,
		KeyConditionExpression:    aws.String("unique_key = :k"),
		ExpressionAttributeValues: values,
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb Query failed: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, ErrPaymentNotFound
	}
	var dp ddbPayment
	if err := attributevalue.UnmarshalMap(out.Items[0], &dp); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return fromDDB(dp)
}

func (d *DynamoPaymentRepository) AtomicUpdate(ctx context.Context, id uuid.UUID, preconditions, updates models.Fields) (bool, error) {
	if err := preconditions.Validate(); err != nil {
		return false, err
	}
	if err := updates.Validate(); err != nil {
		return false, err
	}
	expr, err := BuildConditionalUpdate(preconditions, updates)
	if err != nil {
		return false, err
	}
	key, err := d.key(id)
	if err != nil {
		return false, err
	}

	_, err = d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 &d.table,
		Key:                       key,
		UpdateExpression:          aws.String(expr.Update),
		ConditionExpression:       aws.String(expr.Condition),
		ExpressionAttributeNames:  expr.Names,
		ExpressionAttributeValues: expr.Values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("dynamodb UpdateItem failed: %w", err)
	}
	return true, nil
}

func (d *DynamoPaymentRepository) UpdateFields(ctx context.Context, id uuid.UUID, updates models.Fields) error {
	ok, err := d.AtomicUpdate(ctx, id, nil, updates)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPaymentNotFound
	}
	return nil
}

// ConditionalUpdate is a DynamoDB update/condition expression pair.
type ConditionalUpdate struct {
	Update    string
	Condition string
	Names     map[string]string
	Values    map[string]types.AttributeValue
}

// BuildConditionalUpdate renders preconditions and updates as DynamoDB
// expressions. The record must exist; a nil precondition becomes
// attribute_not_exists and a nil update becomes REMOVE.
func BuildConditionalUpdate(preconditions, updates models.Fields) (*ConditionalUpdate, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("atomic update without updates")
	}
	cu := &ConditionalUpdate{
		Names:  map[string]string{"#pk": "payment_id"},
		Values: map[string]types.AttributeValue{},
	}

	conds := []string{"attribute_exists(#pk)"}
	for i, k := range preconditions.Keys() {
		name := fmt.Sprintf("#c%d", i)
		cu.Names[name] = string(k)
		v := preconditions[k]
		if v == nil {
			conds = append(conds, fmt.Sprintf("attribute_not_exists(%s)", name))
			continue
		}
		av, err := marshalFieldValue(v)
		if err != nil {
			return nil, err
		}
		placeholder := fmt.Sprintf(":c%d", i)
		cu.Values[placeholder] = av
		conds = append(conds, fmt.Sprintf("%s = %s", name, placeholder))
	}

	var sets, removes []string
	for i, k := range updates.Keys() {
		name := fmt.Sprintf("#u%d", i)
		cu.Names[name] = string(k)
		v := updates[k]
		if v == nil {
			removes = append(removes, name)
			continue
		}
		av, err := marshalFieldValue(v)
		if err != nil {
			return nil, err
		}
		placeholder := fmt.Sprintf(":u%d", i)
		cu.Values[placeholder] = av
		sets = append(sets, fmt.Sprintf("%s = %s", name, placeholder))
	}

	var parts []string
	if len(sets) > 0 {
		parts = append(parts, "SET "+strings.Join(sets, ", "))
	}
	if len(removes) > 0 {
		parts = append(parts, "REMOVE "+strings.Join(removes, ", "))
	}
	cu.Update = strings.Join(parts, " ")
	cu.Condition = strings.Join(conds, " AND ")
	if len(cu.Values) == 0 {
		cu.Values = nil
	}
	return cu, nil
}

func marshalFieldValue(v interface{}) (types.AttributeValue, error) {
	if t, ok := v.(time.Time); ok {
		v = t.UTC().Format(time.RFC3339Nano)
	}
	av, err := attributevalue.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return av, nil
}
