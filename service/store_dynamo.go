package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the part of *dynamodb.Client the update store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// dynamoUpdate is one history record. Items are keyed by asset_id (partition) and
// sk = fence#<id>#v#<version>, so a second writer of the same version fails the
// put condition.
type dynamoUpdate struct {
	AssetID    string `dynamodbav:"asset_id"`
	SortKey    string `dynamodbav:"sk"`
	GeofenceID int64  `dynamodbav:"geofence_id"`
	Status     string `dynamodbav:"status"`
	Version    int64  `dynamodbav:"version"`
	UpdatedAt  int64  `dynamodbav:"updated_at"` // unix microseconds
}

func dynamoSortKey(fenceID, version int64) string {
	return fmt.Sprintf("fence#%020d#v#%020d", fenceID, version)
}

// DynamoUpdateStore keeps the update history in a DynamoDB table.
type DynamoUpdateStore struct {
	Client    DynamoAPI
	TableName string
	now       func() time.Time
}

func NewDynamoUpdateStore(client DynamoAPI, tableName string) (*DynamoUpdateStore, error) {
	if tableName == "" {
		return nil, errors.New("dynamodb updates table name is not set")
	}
	if client == nil {
		return nil, errors.New("dynamodb client is not initialized")
	}
	return &DynamoUpdateStore{Client: client, TableName: tableName, now: time.Now}, nil
}

func (s *DynamoUpdateStore) Latest(ctx context.Context, assetID string) (map[int64]Update, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.TableName),
		KeyConditionExpression: aws.String("asset_id = :asset_id"),
		ConsistentRead:         aws.Bool(true),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":asset_id": &types.AttributeValueMemberS{Value: assetID},
		},
	}

	out := make(map[int64]Update)
	pager := dynamodb.NewQueryPaginator(s.Client, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query geofence updates: %w", err)
		}
		var items []dynamoUpdate
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal geofence updates: %w", err)
		}
		for _, it := range items {
			if cur, ok := out[it.GeofenceID]; ok && cur.Version >= it.Version {
				continue
			}
			out[it.GeofenceID] = Update{
				GeoFenceID: it.GeofenceID,
				AssetID:    it.AssetID,
				Status:     NotificationStatus(it.Status),
				Version:    it.Version,
				UpdatedAt:  time.UnixMicro(it.UpdatedAt).UTC(),
			}
		}
	}
	return out, nil
}

func (s *DynamoUpdateStore) Append(ctx context.Context, prev *Update, next Update) (Update, error) {
	rec := nextVersion(prev, next, s.now())

	item, err := attributevalue.MarshalMap(dynamoUpdate{
		AssetID:    rec.AssetID,
		SortKey:    dynamoSortKey(rec.GeoFenceID, rec.Version),
		GeofenceID: rec.GeoFenceID,
		Status:     string(rec.Status),
		Version:    rec.Version,
		UpdatedAt:  rec.UpdatedAt.UnixMicro(),
	})
	if err != nil {
		return Update{}, fmt.Errorf("failed to marshal geofence update: %w", err)
	}

	_, err = s.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.TableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(sk)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return Update{}, ErrVersionConflict
		}
		return Update{}, fmt.Errorf("failed to store geofence update in dynamodb: %w", err)
	}
	return rec, nil
}
