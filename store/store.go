package store

import (
	"context"
	"errors"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/health"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB limits a transaction to 100 items.
const maxTransactItems = 100

type SessionStore interface {
	CreateSession(ctx context.Context, session *models.UploadSession) error
	GetSession(ctx context.Context, uploadId string) (*models.UploadSession, error)
	// UpdateSession persists session if the stored version still equals
	// session.Version and bumps the version on success.
	UpdateSession(ctx context.Context, session *models.UploadSession) error
	// DeleteSession removes the session and all of its variant rows at once.
	DeleteSession(ctx context.Context, uploadId string) error

	health.ReadinessCheck
}

type VariantStore interface {
	// PutVariants upserts by (session, label) and never touches owner fields.
	PutVariants(ctx context.Context, variants []models.ImageVariant) error
	ListVariants(ctx context.Context, sessionId string) ([]models.ImageVariant, error)

	health.ReadinessCheck
}

type CatalogStore interface {
	GetItem(ctx context.Context, sku string) (*models.CatalogItem, error)
	PutItem(ctx context.Context, item models.CatalogItem) error
	// AttachSession moves ownership of sku's images to sessionId in one
	// transaction and points the primary image at the session's original.
	// Any other item whose primary image was sessionId loses it.
	AttachSession(ctx context.Context, sku string, sessionId string) error

	health.ReadinessCheck
}

func describeTable(ctx context.Context, client *dynamodb.Client, tableName string) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(tableName),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

func stringAttr(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

// variantKeys lists the (session_id, label) keys of every variant row of a
// session using a consistent read.
func variantKeys(ctx context.Context, client *dynamodb.Client, tableName, sessionId string) ([]map[string]types.AttributeValue, error) {
	paginator := dynamodb.NewQueryPaginator(client, &dynamodb.QueryInput{
		TableName:              aws.String(tableName),
		KeyConditionExpression: aws.String("session_id = :s"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": stringAttr(sessionId),
		},
		ProjectionExpression: aws.String("session_id, #l"),
		ExpressionAttributeNames: map[string]string{
			"#l": "label",
		},
		ConsistentRead: aws.Bool(true),
	})

	var keys []map[string]types.AttributeValue
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		keys = append(keys, page.Items...)
	}
	return keys, nil
}
