package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/ossobv/osso-djuty-sub000/models"
	"github.com/ossobv/osso-djuty-sub000/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	lastUpdate *dynamodb.UpdateItemInput
	lastPut    *dynamodb.PutItemInput
	updateErr  error
	item       map[string]types.AttributeValue
}

func (f *fakeDynamo) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.item}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPut = in
	f.item = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdate = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, _ *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return &dynamodb.QueryOutput{}, nil
}

func TestBuildConditionalUpdate(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	expr, err := repository.BuildConditionalUpdate(
		models.Fields{models.FieldIsSuccess: false, models.FieldTransferRevoked: nil},
		models.Fields{models.FieldTransferFinalized: nil, models.FieldIsSuccess: nil, models.FieldTransferAllowed: now},
	)
	require.NoError(t, err)

	assert.Equal(t, "attribute_exists(#pk) AND #c0 = :c0 AND attribute_not_exists(#c1)", expr.Condition)
	assert.Equal(t, "SET #u1 = :u1 REMOVE #u0, #u2", expr.Update)
	assert.Equal(t, "is_success", expr.Names["#c0"])
	assert.Equal(t, "transfer_revoked", expr.Names["#c1"])
	assert.Equal(t, "is_success", expr.Names["#u0"])
	assert.Equal(t, "transfer_allowed", expr.Names["#u1"])
	assert.Equal(t, "transfer_finalized", expr.Names["#u2"])

	var at string
	require.NoError(t, attributevalue.Unmarshal(expr.Values[":u1"], &at))
	assert.Equal(t, "2024-03-01T10:00:00Z", at)
}

func TestBuildConditionalUpdate_RequiresUpdates(t *testing.T) {
	_, err := repository.BuildConditionalUpdate(models.Fields{models.FieldIsSuccess: nil}, nil)
	assert.Error(t, err)
}

func TestDynamoAtomicUpdate_ConditionFailedIsFalse(t *testing.T) {
	client := &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{}}
	repo := repository.NewDynamoPaymentRepository(client, "payments", "")

	ok, err := repo.AtomicUpdate(context.Background(), uuid.New(),
		models.Fields{models.FieldTransferInitiated: nil, models.FieldIsSuccess: nil},
		models.Fields{models.FieldTransferInitiated: time.Now()},
	)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "payments", *client.lastUpdate.TableName)
}

func TestDynamoAtomicUpdate_Applied(t *testing.T) {
	client := &fakeDynamo{}
	repo := repository.NewDynamoPaymentRepository(client, "payments", "")

	ok, err := repo.AtomicUpdate(context.Background(), uuid.New(), nil, models.Fields{models.FieldBlob: "raw"})
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "attribute_exists(#pk)", *client.lastUpdate.ConditionExpression)
}

func TestDynamoCreateThenFind_RoundTrip(t *testing.T) {
	client := &fakeDynamo{}
	repo := repository.NewDynamoPaymentRepository(client, "payments", "")
	initiated := time.Date(2024, 3, 1, 10, 0, 0, 123, time.UTC)
	yes := true
	p := &models.Payment{
		Realm:             "https://shop.example.com",
		Provider:          "targetpay",
		Amount:            decimal.RequireFromString("4.95"),
		Currency:          "EUR",
		TransferInitiated: &initiated,
		IsSuccess:         &yes,
	}
	require.NoError(t, repo.Create(context.Background(), p))
	assert.Equal(t, "attribute_not_exists(payment_id)", *client.lastPut.ConditionExpression)

	got, err := repo.FindByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.True(t, initiated.Equal(*got.TransferInitiated))
	assert.True(t, got.Amount.Equal(p.Amount))
	assert.Equal(t, models.StatusSuccess, got.Status())
	assert.Nil(t, got.TransferAllowed)
}
