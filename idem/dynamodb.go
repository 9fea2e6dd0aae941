package idem

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/ceyewan/sagaguard/xerrors"
)

// DynamoDBAPI 驱动用到的 DynamoDB 操作子集，*dynamodb.Client 满足该接口
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// 表结构：分区键 idempotency_key (S)，时间字段为 UnixNano (N)
const (
	dynamoKeyAttr = "idempotency_key"

	dynamoCondNotExists   = "attribute_not_exists(#k)"
	dynamoCondProcessing  = "#s = :processing"
	dynamoCondExpired     = "expires_at < :now"
	dynamoUpdateFinish    = "SET #s = :status, response_payload = :resp, error_message = :err, completed_at = :now, updated_at = :now"
	dynamoUpdateRetry     = "SET retry_count = retry_count + :one, updated_at = :now"
	dynamoFilterExpired   = "expires_at < :now"
	dynamoFilterStuck     = "#s = :processing AND created_at < :cutoff"
	dynamoProjectionKey   = "#k"
	dynamoConditionFailed = "ConditionalCheckFailedException"
)

type dynamoItem struct {
	Key                string `dynamodbav:"idempotency_key"`
	OperationType      string `dynamodbav:"operation_type"`
	Status             string `dynamodbav:"status"`
	RequestPayload     []byte `dynamodbav:"request_payload,omitempty"`
	ResponsePayload    []byte `dynamodbav:"response_payload,omitempty"`
	ErrorMessage       string `dynamodbav:"error_message,omitempty"`
	CreatedAt          int64  `dynamodbav:"created_at"`
	UpdatedAt          int64  `dynamodbav:"updated_at"`
	CompletedAt        int64  `dynamodbav:"completed_at,omitempty"`
	ExpiresAt          int64  `dynamodbav:"expires_at"`
	WorkflowInstanceID string `dynamodbav:"workflow_instance_id,omitempty"`
	RetryCount         int    `dynamodbav:"retry_count"`
}

func toDynamoItem(r *Record) dynamoItem {
	it := dynamoItem{
		Key:                r.Key,
		OperationType:      r.OperationType,
		Status:             string(r.Status),
		RequestPayload:     r.RequestPayload,
		ResponsePayload:    r.ResponsePayload,
		ErrorMessage:       r.ErrorMessage,
		CreatedAt:          r.CreatedAt.UnixNano(),
		UpdatedAt:          r.UpdatedAt.UnixNano(),
		ExpiresAt:          r.ExpiresAt.UnixNano(),
		WorkflowInstanceID: r.WorkflowInstanceID,
		RetryCount:         r.RetryCount,
	}
	if r.CompletedAt != nil {
		it.CompletedAt = r.CompletedAt.UnixNano()
	}
	return it
}

func (it *dynamoItem) toRecord() *Record {
	rec := &Record{
		Key:                it.Key,
		OperationType:      it.OperationType,
		Status:             Status(it.Status),
		RequestPayload:     it.RequestPayload,
		ResponsePayload:    it.ResponsePayload,
		ErrorMessage:       it.ErrorMessage,
		CreatedAt:          time.Unix(0, it.CreatedAt).UTC(),
		UpdatedAt:          time.Unix(0, it.UpdatedAt).UTC(),
		ExpiresAt:          time.Unix(0, it.ExpiresAt).UTC(),
		WorkflowInstanceID: it.WorkflowInstanceID,
		RetryCount:         it.RetryCount,
	}
	if it.CompletedAt != 0 {
		t := time.Unix(0, it.CompletedAt).UTC()
		rec.CompletedAt = &t
	}
	return rec
}

type dynamoStore struct {
	client   DynamoDBAPI
	table    string
	pageSize int32
}

func newDynamoStore(client DynamoDBAPI, table string, pageSize int) *dynamoStore {
	return &dynamoStore{client: client, table: table, pageSize: int32(pageSize)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == dynamoConditionFailed
}

func nanoAttr(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixNano(), 10)}
}

func (s *dynamoStore) keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{dynamoKeyAttr: &types.AttributeValueMemberS{Value: key}}
}

func (s *dynamoStore) Create(ctx context.Context, rec *Record) (bool, error) {
	item, err := attributevalue.MarshalMap(toDynamoItem(rec))
	if err != nil {
		return false, xerrors.Wrap(err, "marshal dynamodb item")
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     item,
		ConditionExpression:      aws.String(dynamoCondNotExists),
		ExpressionAttributeNames: map[string]string{"#k": dynamoKeyAttr},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, xerrors.Wrap(err, "dynamodb put item")
	}
	return true, nil
}

func (s *dynamoStore) Get(ctx context.Context, key string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "dynamodb get item")
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return decodeDynamoItem(out.Item)
}

func decodeDynamoItem(av map[string]types.AttributeValue) (*Record, error) {
	var it dynamoItem
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		return nil, xerrors.Wrap(err, "unmarshal dynamodb item")
	}
	return it.toRecord(), nil
}

func (s *dynamoStore) Finish(ctx context.Context, key string, to Status, response []byte, errorMessage string, now time.Time) (*Record, error) {
	resp, err := attributevalue.Marshal(response)
	if err != nil {
		return nil, xerrors.Wrap(err, "marshal response payload")
	}
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.table),
		Key:                      s.keyOf(key),
		UpdateExpression:         aws.String(dynamoUpdateFinish),
		ConditionExpression:      aws.String(dynamoCondProcessing),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":processing": &types.AttributeValueMemberS{Value: string(StatusProcessing)},
			":status":     &types.AttributeValueMemberS{Value: string(to)},
			":resp":       resp,
			":err":        &types.AttributeValueMemberS{Value: errorMessage},
			":now":        nanoAttr(now),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, nil
		}
		return nil, xerrors.Wrap(err, "dynamodb update item")
	}
	return decodeDynamoItem(out.Attributes)
}

func (s *dynamoStore) IncrementRetry(ctx context.Context, key string, now time.Time) (*Record, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.table),
		Key:                      s.keyOf(key),
		UpdateExpression:         aws.String(dynamoUpdateRetry),
		ConditionExpression:      aws.String(dynamoCondProcessing),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":processing": &types.AttributeValueMemberS{Value: string(StatusProcessing)},
			":one":        &types.AttributeValueMemberN{Value: "1"},
			":now":        nanoAttr(now),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, nil
		}
		return nil, xerrors.Wrap(err, "dynamodb update item")
	}
	return decodeDynamoItem(out.Attributes)
}

// DeleteExpired 分页扫描过期键，再逐条条件删除；条件失败说明已被其他实例删除
func (s *dynamoStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		FilterExpression:          aws.String(dynamoFilterExpired),
		ProjectionExpression:      aws.String(dynamoProjectionKey),
		ExpressionAttributeNames:  map[string]string{"#k": dynamoKeyAttr},
		ExpressionAttributeValues: map[string]types.AttributeValue{":now": nanoAttr(now)},
		Limit:                     aws.Int32(s.pageSize),
	})

	var deleted int64
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return deleted, xerrors.Wrap(err, "dynamodb scan expired")
		}
		for _, item := range page.Items {
			keyAttr, ok := item[dynamoKeyAttr].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:                 aws.String(s.table),
				Key:                       s.keyOf(keyAttr.Value),
				ConditionExpression:       aws.String(dynamoCondExpired),
				ExpressionAttributeValues: map[string]types.AttributeValue{":now": nanoAttr(now)},
			})
			if err != nil {
				if isConditionFailed(err) {
					continue
				}
				return deleted, xerrors.Wrap(err, "dynamodb delete item")
			}
			deleted++
		}
	}
	return deleted, nil
}

func (s *dynamoStore) ListProcessingBefore(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                aws.String(s.table),
		FilterExpression:         aws.String(dynamoFilterStuck),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":processing": &types.AttributeValueMemberS{Value: string(StatusProcessing)},
			":cutoff":     nanoAttr(cutoff),
		},
		Limit: aws.Int32(s.pageSize),
	})

	var out []*Record
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "dynamodb scan processing")
		}
		for _, item := range page.Items {
			rec, err := decodeDynamoItem(item)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}
	sortByCreated(out)
	return out, nil
}
