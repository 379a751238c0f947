package store

import (
	"context"
	"fmt"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type DynamoDbSessionStoreImpl struct {
	client            *dynamodb.Client
	tableName         string
	variantsTableName string
}

func NewDynamoDbSessionStoreImpl(client *dynamodb.Client, tableName string, variantsTableName string) *DynamoDbSessionStoreImpl {
	return &DynamoDbSessionStoreImpl{
		client:            client,
		tableName:         tableName,
		variantsTableName: variantsTableName,
	}
}

func (s *DynamoDbSessionStoreImpl) IsReady(ctx context.Context) error {
	return describeTable(ctx, s.client, s.tableName)
}

func (s *DynamoDbSessionStoreImpl) Name() string {
	return "UploadsStore[sessions]"
}

func (s *DynamoDbSessionStoreImpl) CreateSession(ctx context.Context, session *models.UploadSession) error {
	item, err := attributevalue.MarshalMap(session)
	if err != nil {
		return err
	}

	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(upload_id)"),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	if isConditionalCheckFailed(err) {
		return fmt.Errorf("%w: session %s already exists", apperror.ErrConflict, session.UploadId)
	}
	return err
}

func (s *DynamoDbSessionStoreImpl) GetSession(ctx context.Context, uploadId string) (*models.UploadSession, error) {
	var session models.UploadSession

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"upload_id": stringAttr(uploadId),
				},
				ConsistentRead: aws.Bool(true),
			})
			if err != nil {
				return err
			}

			if out.Item == nil {
				return apperror.ErrSessionNotFound
			}

			return attributevalue.UnmarshalMap(out.Item, &session)
		},
		retries.IsRetriableDbError,
	)

	if err != nil {
		return nil, err
	}

	return &session, nil
}

func (s *DynamoDbSessionStoreImpl) UpdateSession(ctx context.Context, session *models.UploadSession) error {
	expected := session.Version

	next := session.Clone()
	next.Version = expected + 1
	item, err := attributevalue.MarshalMap(next)
	if err != nil {
		return err
	}

	versionAttr, err := attributevalue.Marshal(expected)
	if err != nil {
		return err
	}

	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_exists(upload_id) AND version = :v"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":v": versionAttr,
				},
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	if isConditionalCheckFailed(err) {
		return fmt.Errorf("%w: session %s at version %d", apperror.ErrConflict, session.UploadId, expected)
	}
	if err != nil {
		return err
	}

	session.Version = next.Version
	return nil
}

func (s *DynamoDbSessionStoreImpl) DeleteSession(ctx context.Context, uploadId string) error {
	keys, err := variantKeys(ctx, s.client, s.variantsTableName, uploadId)
	if err != nil {
		return err
	}
	if len(keys)+1 > maxTransactItems {
		return fmt.Errorf("session %s has %d variants, more than one transaction can hold", uploadId, len(keys))
	}

	items := make([]types.TransactWriteItem, 0, len(keys)+1)
	items = append(items, types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				"upload_id": stringAttr(uploadId),
			},
		},
	})
	for _, key := range keys {
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(s.variantsTableName),
				Key:       key,
			},
		})
	}

	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
				TransactItems: items,
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}
