package store

import (
	"context"
	"fmt"

	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Owner attributes are written only by AttachSession.
const putVariantExpression = "SET #path = :path, #format = :format, width = :width, height = :height, " +
	"#size = :size, checksum = :checksum, updated_at = :updated_at"

type DynamoDbVariantStoreImpl struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoDbVariantStoreImpl(client *dynamodb.Client, tableName string) *DynamoDbVariantStoreImpl {
	return &DynamoDbVariantStoreImpl{
		client:    client,
		tableName: tableName,
	}
}

func (s *DynamoDbVariantStoreImpl) IsReady(ctx context.Context) error {
	return describeTable(ctx, s.client, s.tableName)
}

func (s *DynamoDbVariantStoreImpl) Name() string {
	return "VariantStore[image_variants]"
}

func (s *DynamoDbVariantStoreImpl) PutVariants(ctx context.Context, variants []models.ImageVariant) error {
	if len(variants) == 0 {
		return nil
	}
	if len(variants) > maxTransactItems {
		return fmt.Errorf("cannot write %d variants in one transaction", len(variants))
	}

	items := make([]types.TransactWriteItem, 0, len(variants))
	for _, v := range variants {
		values, err := variantValues(v)
		if err != nil {
			return err
		}
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"session_id": stringAttr(v.SessionId),
					"label":      stringAttr(string(v.Label)),
				},
				UpdateExpression: aws.String(putVariantExpression),
				ExpressionAttributeNames: map[string]string{
					"#path":   "path",
					"#format": "format",
					"#size":   "size",
				},
				ExpressionAttributeValues: values,
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

func (s *DynamoDbVariantStoreImpl) ListVariants(ctx context.Context, sessionId string) ([]models.ImageVariant, error) {
	var variants []models.ImageVariant

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			variants = variants[:0]
			paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
				TableName:              aws.String(s.tableName),
				KeyConditionExpression: aws.String("session_id = :s"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":s": stringAttr(sessionId),
				},
				ConsistentRead: aws.Bool(true),
			})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return err
				}
				var batch []models.ImageVariant
				if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
					return err
				}
				variants = append(variants, batch...)
			}
			return nil
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return nil, err
	}

	return variants, nil
}

func variantValues(v models.ImageVariant) (map[string]types.AttributeValue, error) {
	fields := map[string]any{
		":path":       v.Path,
		":format":     v.Format,
		":width":      v.Width,
		":height":     v.Height,
		":size":       v.Size,
		":checksum":   v.Checksum,
		":updated_at": v.UpdatedAt,
	}

	values := make(map[string]types.AttributeValue, len(fields))
	for name, field := range fields {
		av, err := attributevalue.Marshal(field)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", name, err)
		}
		values[name] = av
	}
	return values, nil
}
