package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type DynamoDbCatalogStoreImpl struct {
	client            *dynamodb.Client
	tableName         string
	variantsTableName string
}

func NewDynamoDbCatalogStoreImpl(client *dynamodb.Client, tableName string, variantsTableName string) *DynamoDbCatalogStoreImpl {
	return &DynamoDbCatalogStoreImpl{
		client:            client,
		tableName:         tableName,
		variantsTableName: variantsTableName,
	}
}

func (s *DynamoDbCatalogStoreImpl) IsReady(ctx context.Context) error {
	return describeTable(ctx, s.client, s.tableName)
}

func (s *DynamoDbCatalogStoreImpl) Name() string {
	return "CatalogStore[catalog_items]"
}

func (s *DynamoDbCatalogStoreImpl) GetItem(ctx context.Context, sku string) (*models.CatalogItem, error) {
	var item models.CatalogItem

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"sku": stringAttr(models.NormalizeSku(sku)),
				},
				ConsistentRead: aws.Bool(true),
			})
			if err != nil {
				return err
			}

			if out.Item == nil {
				return apperror.ErrCatalogItemNotFound
			}

			return attributevalue.UnmarshalMap(out.Item, &item)
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return nil, err
	}

	return &item, nil
}

func (s *DynamoDbCatalogStoreImpl) PutItem(ctx context.Context, item models.CatalogItem) error {
	item.Sku = models.NormalizeSku(item.Sku)
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return err
	}

	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName: aws.String(s.tableName),
				Item:      av,
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

// AttachSession reads the item's current primary image to find the session
// that owns its images, so no index lookup is involved. Rows of sessionId
// still owned by another item take that item's primary image with them.
func (s *DynamoDbCatalogStoreImpl) AttachSession(ctx context.Context, sku string, sessionId string) error {
	sku = models.NormalizeSku(sku)

	item, err := s.GetItem(ctx, sku)
	if err != nil {
		return err
	}

	rows, err := s.variantRows(ctx, sessionId)
	if err != nil {
		return err
	}
	hasOriginal := false
	for _, v := range rows {
		if v.Label == models.VariantOriginal {
			hasOriginal = true
		}
	}
	if !hasOriginal {
		return fmt.Errorf("%w: session %s has no original variant", apperror.ErrUploadNotReady, sessionId)
	}

	var previous []models.ImageVariant
	if item.PrimaryImage != nil && item.PrimaryImage.SessionId != sessionId {
		previous, err = s.variantRows(ctx, item.PrimaryImage.SessionId)
		if err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	nowAttr, err := attributevalue.Marshal(now)
	if err != nil {
		return err
	}
	ref, err := attributevalue.Marshal(models.VariantRef{SessionId: sessionId, Label: models.VariantOriginal})
	if err != nil {
		return err
	}

	items := make([]types.TransactWriteItem, 0, len(previous)+len(rows)+2)

	for _, v := range previous {
		if !v.OwnedBy(models.OwnerCatalogItem, sku) {
			continue
		}
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName:           aws.String(s.variantsTableName),
				Key:                 variantKey(v),
				UpdateExpression:    aws.String("REMOVE owner_kind, owner_id SET updated_at = :now"),
				ConditionExpression: aws.String("owner_id = :sku"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":sku": stringAttr(sku),
					":now": nowAttr,
				},
			},
		})
	}

	staleOwners := map[string]struct{}{}
	for _, v := range rows {
		if v.OwnerKind == models.OwnerCatalogItem && v.OwnerId != "" && v.OwnerId != sku {
			staleOwners[v.OwnerId] = struct{}{}
		}
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName:           aws.String(s.variantsTableName),
				Key:                 variantKey(v),
				UpdateExpression:    aws.String("SET owner_kind = :kind, owner_id = :sku, updated_at = :now"),
				ConditionExpression: aws.String("attribute_exists(session_id)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":kind": stringAttr(string(models.OwnerCatalogItem)),
					":sku":  stringAttr(sku),
					":now":  nowAttr,
				},
			},
		})
	}

	for owner := range staleOwners {
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"sku": stringAttr(owner),
				},
				UpdateExpression:    aws.String("REMOVE primary_image SET updated_at = :now"),
				ConditionExpression: aws.String("primary_image.session_id = :sid"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":sid": stringAttr(sessionId),
					":now": nowAttr,
				},
			},
		})
	}

	// The primary image must still be the one read above, otherwise the
	// detach list is stale.
	itemCondition := "attribute_exists(sku) AND attribute_not_exists(primary_image)"
	itemValues := map[string]types.AttributeValue{
		":ref": ref,
		":now": nowAttr,
	}
	if item.PrimaryImage != nil {
		itemCondition = "attribute_exists(sku) AND primary_image.session_id = :prev"
		itemValues[":prev"] = stringAttr(item.PrimaryImage.SessionId)
	}
	items = append(items, types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				"sku": stringAttr(sku),
			},
			UpdateExpression:          aws.String("SET primary_image = :ref, updated_at = :now"),
			ConditionExpression:       aws.String(itemCondition),
			ExpressionAttributeValues: itemValues,
		},
	})

	if len(items) > maxTransactItems {
		return fmt.Errorf("attaching %s to %s needs %d writes, more than one transaction can hold", sessionId, sku, len(items))
	}

	err = retries.Retry(
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
	if isConditionalCheckFailed(err) {
		return fmt.Errorf("%w: attach %s to %s", apperror.ErrConflict, sessionId, sku)
	}
	return err
}

// variantRows reads the key and owner of every variant row of a session with
// a consistent query.
func (s *DynamoDbCatalogStoreImpl) variantRows(ctx context.Context, sessionId string) ([]models.ImageVariant, error) {
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.variantsTableName),
		KeyConditionExpression: aws.String("session_id = :s"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": stringAttr(sessionId),
		},
		ProjectionExpression: aws.String("session_id, #l, owner_kind, owner_id"),
		ExpressionAttributeNames: map[string]string{
			"#l": "label",
		},
		ConsistentRead: aws.Bool(true),
	})

	var variants []models.ImageVariant
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var batch []models.ImageVariant
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, err
		}
		variants = append(variants, batch...)
	}
	return variants, nil
}

func variantKey(v models.ImageVariant) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"session_id": stringAttr(v.SessionId),
		"label":      stringAttr(string(v.Label)),
	}
}
