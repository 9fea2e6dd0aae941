package idem

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/sagaguard/xerrors"
)

// fakeDynamo 内存版 DynamoDB，只理解驱动实际使用的表达式
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	scans int
	fail  error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func copyItem(in map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func attrS(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func attrN(item map[string]types.AttributeValue, name string) int64 {
	if v, ok := item[name].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func keyValue(key map[string]types.AttributeValue) string {
	return attrS(key, dynamoKeyAttr)
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	k := keyValue(in.Item)
	if aws.ToString(in.ConditionExpression) == dynamoCondNotExists {
		if _, ok := f.items[k]; ok {
			return nil, conditionFailed()
		}
	}
	f.items[k] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	item, ok := f.items[keyValue(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	item, ok := f.items[keyValue(in.Key)]
	vals := in.ExpressionAttributeValues
	if aws.ToString(in.ConditionExpression) == dynamoCondProcessing {
		if !ok || attrS(item, "status") != attrS(vals, ":processing") {
			return nil, conditionFailed()
		}
	}
	if !ok {
		return nil, errors.New("fake dynamodb: upsert not supported")
	}

	item = copyItem(item)
	switch aws.ToString(in.UpdateExpression) {
	case dynamoUpdateFinish:
		item["status"] = vals[":status"]
		item["response_payload"] = vals[":resp"]
		item["error_message"] = vals[":err"]
		item["completed_at"] = vals[":now"]
		item["updated_at"] = vals[":now"]
	case dynamoUpdateRetry:
		n := attrN(item, "retry_count") + attrN(vals, ":one")
		item["retry_count"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
		item["updated_at"] = vals[":now"]
	default:
		return nil, errors.New("fake dynamodb: unknown update expression")
	}
	f.items[keyValue(in.Key)] = item
	return &dynamodb.UpdateItemOutput{Attributes: copyItem(item)}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	k := keyValue(in.Key)
	item, ok := f.items[k]
	if aws.ToString(in.ConditionExpression) == dynamoCondExpired {
		if !ok || attrN(item, "expires_at") >= attrN(in.ExpressionAttributeValues, ":now") {
			return nil, conditionFailed()
		}
	}
	delete(f.items, k)
	return &dynamodb.DeleteItemOutput{}, nil
}

// Scan 与真实服务一致：Limit 限制的是过滤前读取的条目数
func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.scans++

	keys := make([]string, 0, len(f.items))
	for k := range f.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if in.ExclusiveStartKey != nil {
		after := keyValue(in.ExclusiveStartKey)
		start = sort.SearchStrings(keys, after)
		if start < len(keys) && keys[start] == after {
			start++
		}
	}
	end := len(keys)
	if in.Limit != nil && start+int(*in.Limit) < end {
		end = start + int(*in.Limit)
	}

	vals := in.ExpressionAttributeValues
	out := &dynamodb.ScanOutput{}
	for _, k := range keys[start:end] {
		item := f.items[k]
		switch aws.ToString(in.FilterExpression) {
		case dynamoFilterExpired:
			if attrN(item, "expires_at") >= attrN(vals, ":now") {
				continue
			}
		case dynamoFilterStuck:
			if attrS(item, "status") != attrS(vals, ":processing") ||
				attrN(item, "created_at") >= attrN(vals, ":cutoff") {
				continue
			}
		}
		if aws.ToString(in.ProjectionExpression) == dynamoProjectionKey {
			out.Items = append(out.Items, map[string]types.AttributeValue{dynamoKeyAttr: item[dynamoKeyAttr]})
			continue
		}
		out.Items = append(out.Items, copyItem(item))
	}
	if end < len(keys) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			dynamoKeyAttr: &types.AttributeValueMemberS{Value: keys[end-1]},
		}
	}
	return out, nil
}

func TestDynamoDBCoordinator(t *testing.T) {
	runCoordinatorContract(t, func(t *testing.T, clock *fakeClock) Coordinator {
		coord, err := New(&Config{Driver: DriverDynamoDB, ScanPageSize: 2},
			WithDynamoDBClient(newFakeDynamo(), "sg_idempotency"), WithNowFunc(clock.Now))
		require.NoError(t, err)
		return coord
	})
}

func TestDynamoDBStore_ScanPaging(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	fake := newFakeDynamo()
	coord, err := New(&Config{Driver: DriverDynamoDB, ScanPageSize: 2},
		WithDynamoDBClient(fake, "sg_idempotency"), WithNowFunc(clock.Now))
	require.NoError(t, err)

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		_, err := coord.Begin(ctx, "POL-"+k, "POLICY_RENEWAL", nil, WithTTL(time.Minute))
		require.NoError(t, err)
	}

	n, err := coord.CleanupExpired(ctx, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	assert.GreaterOrEqual(t, fake.scans, 3, "five items with page size two need three pages")
}

func TestDynamoDBStore_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("requires client", func(t *testing.T) {
		_, err := New(&Config{Driver: DriverDynamoDB})
		assert.True(t, xerrors.Is(err, ErrConnectorNil))
	})

	t.Run("service error is surfaced", func(t *testing.T) {
		fake := newFakeDynamo()
		fake.fail = errors.New("ProvisionedThroughputExceededException")
		coord, err := New(&Config{Driver: DriverDynamoDB}, WithDynamoDBClient(fake, "t"))
		require.NoError(t, err)

		_, err = coord.Begin(ctx, "k", "OP", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ProvisionedThroughputExceededException")
	})

	t.Run("condition failure detection", func(t *testing.T) {
		assert.True(t, isConditionFailed(conditionFailed()))
		assert.True(t, isConditionFailed(xerrors.Wrap(conditionFailed(), "wrapped")))
		assert.False(t, isConditionFailed(errors.New("boom")))
	})
}
