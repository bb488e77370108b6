// Package telemetry records per-message counters to an analytics sink.
package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jarrod-lowe/mail-relay-service/internal/dynamo"
)

// DefaultRetentionDays is how long data points live before DynamoDB expires them.
const DefaultRetentionDays = 90

// DataPoint is one analytics record: string labels, numeric values and the
// index used to sample or group the point.
type DataPoint struct {
	Labels  []string
	Values  []float64
	Indexes []string
}

// Sink persists data points.
type Sink interface {
	WriteDataPoint(ctx context.Context, dataset string, point DataPoint) error
}

// DynamoDBClient defines the DynamoDB operations used by DynamoSink.
type DynamoDBClient interface {
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoSink writes data points to a DynamoDB table, one item per point.
type DynamoSink struct {
	client        DynamoDBClient
	tableName     string
	retentionDays int
	now           func() time.Time
	newID         func() string
}

// NewDynamoSink creates a new DynamoSink.
func NewDynamoSink(client DynamoDBClient, tableName string, retentionDays int) *DynamoSink {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &DynamoSink{
		client:        client,
		tableName:     tableName,
		retentionDays: retentionDays,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// WriteDataPoint stores point under the dataset partition, sorted by write time.
func (s *DynamoSink) WriteDataPoint(ctx context.Context, dataset string, point DataPoint) error {
	now := s.now().UTC()
	ttl := now.Add(time.Duration(s.retentionDays) * 24 * time.Hour).Unix()

	item := map[string]types.AttributeValue{
		dynamo.AttrPK:        &types.AttributeValueMemberS{Value: dynamo.DatasetPK(dataset)},
		dynamo.AttrSK:        &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano) + "#" + s.newID()},
		dynamo.AttrTimestamp: &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		dynamo.AttrTTL:       &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
	if len(point.Labels) > 0 {
		item[dynamo.AttrLabels] = stringList(point.Labels)
	}
	if len(point.Indexes) > 0 {
		item[dynamo.AttrIndexes] = stringList(point.Indexes)
	}
	if len(point.Values) > 0 {
		values := make([]types.AttributeValue, len(point.Values))
		for i, v := range point.Values {
			values[i] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(v, 'f', -1, 64)}
		}
		item[dynamo.AttrValues] = &types.AttributeValueMemberL{Value: values}
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to write %s data point: %w", dataset, err)
	}
	return nil
}

func stringList(ss []string) *types.AttributeValueMemberL {
	out := make([]types.AttributeValue, len(ss))
	for i, s := range ss {
		out[i] = &types.AttributeValueMemberS{Value: s}
	}
	return &types.AttributeValueMemberL{Value: out}
}
