package session

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DynamoAPI is the part of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore keeps the record as an item of a table whose partition key is the string attribute "slot".
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	logger    log.Logger
}

// NewDynamoStore ...
func NewDynamoStore(client DynamoAPI, tableName string, logger log.Logger) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func (s *DynamoStore) itemKey() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"slot": &types.AttributeValueMemberS{Value: SlotKey},
	}
}

// Load ...
func (s *DynamoStore) Load(ctx context.Context, target Target) (*Session, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.itemKey(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get session item: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var r record
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		s.logger.Warnf("Discarding stored upload session: %s", err)
		discard(ctx, s.Clear, s.logger)
		return nil, nil
	}

	return resolveRecord(ctx, r, target, s.Clear, s.logger), nil
}

// Save ...
func (s *DynamoStore) Save(ctx context.Context, target Target, session Session) error {
	item, err := attributevalue.MarshalMap(newRecord(target, session))
	if err != nil {
		return fmt.Errorf("marshal session item: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put session item: %w", err)
	}
	return nil
}

// Clear ...
func (s *DynamoStore) Clear(ctx context.Context) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.itemKey(),
	})
	if err != nil {
		return fmt.Errorf("delete session item: %w", err)
	}
	return nil
}
