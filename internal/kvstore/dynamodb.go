package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/rzpsarthak13/hive/internal/core"
)

// DynamoDB allows at most this many items in one TransactWriteItems call.
const dynamoMaxTransactItems = 100

// DynamoDBConfig holds the connection settings of the DynamoDB store. The
// table must have a string partition key "pk" and a string sort key "sk".
type DynamoDBConfig struct {
	Region          string
	TableName       string
	Endpoint        string // optional, for LocalStack
	AccessKeyID     string // optional, IAM role otherwise
	SecretAccessKey string
}

const (
	dynamoValueSK  = "#"
	dynamoMemberSK = "m:"
)

type valueItem struct {
	PK    string `dynamodbav:"pk"`
	SK    string `dynamodbav:"sk"`
	Value []byte `dynamodbav:"v"`
}

type memberItem struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
}

type counterItem struct {
	PK      string `dynamodbav:"pk"`
	SK      string `dynamodbav:"sk"`
	Node    int64  `dynamodbav:"node"`
	Count   int64  `dynamodbav:"cnt"`
	Updated int64  `dynamodbav:"updated"`
}

func (c counterItem) row() counterRow {
	return counterRow{NodeID: core.NodeID(c.Node), Count: c.Count, Updated: time.Unix(0, c.Updated).UTC()}
}

// NewDynamoDBStore creates a store backed by one DynamoDB table. Commits are
// TransactWriteItems calls conditioned on the semaphore item, so a single
// commit may touch at most 100 items.
func NewDynamoDBStore(cfg DynamoDBConfig, opts ...Option) (*Store, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}
	if cfg.TableName == "" {
		return nil, fmt.Errorf("table name is required")
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	var clientOptions []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		clientOptions = append(clientOptions, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	client := dynamodb.NewFromConfig(awsCfg, clientOptions...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(cfg.TableName)}); err != nil {
		return nil, fmt.Errorf("%w: failed to reach DynamoDB table %s: %w", core.ErrConnectionFailure, cfg.TableName, err)
	}

	return newStore("dynamodb", &dynamoBackend{client: client, table: cfg.TableName}, opts...), nil
}

type dynamoBackend struct {
	client *dynamodb.Client
	table  string
}

func dynamoError(op, key string, err error) error {
	return fmt.Errorf("%w: dynamodb %s %s: %w", core.ErrConnectionFailure, op, key, err)
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func (b *dynamoBackend) getItem(ctx context.Context, key string) (map[string]types.AttributeValue, error) {
	out, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.table),
		Key:            itemKey(key, dynamoValueSK),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, dynamoError("GetItem", key, err)
	}
	return out.Item, nil
}

func (b *dynamoBackend) get(ctx context.Context, key string) ([]byte, bool, error) {
	item, err := b.getItem(ctx, key)
	if err != nil || item == nil {
		return nil, false, err
	}
	var v valueItem
	if err := attributevalue.UnmarshalMap(item, &v); err != nil {
		return nil, false, fmt.Errorf("failed to decode item %s: %w", key, err)
	}
	return v.Value, true, nil
}

func (b *dynamoBackend) members(ctx context.Context, key string) ([]string, error) {
	paginator := dynamodb.NewQueryPaginator(b.client, &dynamodb.QueryInput{
		TableName:              aws.String(b.table),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :m)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: key},
			":m":  &types.AttributeValueMemberS{Value: dynamoMemberSK},
		},
		ConsistentRead: aws.Bool(true),
	})

	var out []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, dynamoError("Query", key, err)
		}
		var items []memberItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to decode members of %s: %w", key, err)
		}
		for _, it := range items {
			out = append(out, it.SK[len(dynamoMemberSK):])
		}
	}
	return out, nil
}

func (b *dynamoBackend) counter(ctx context.Context, key string) (counterRow, bool, error) {
	item, err := b.getItem(ctx, key)
	if err != nil || item == nil {
		return counterRow{}, false, err
	}
	var c counterItem
	if err := attributevalue.UnmarshalMap(item, &c); err != nil {
		return counterRow{}, false, fmt.Errorf("failed to decode statistics %s: %w", key, err)
	}
	return c.row(), true, nil
}

func (b *dynamoBackend) multiGet(ctx context.Context, keys ...string) ([][]byte, error) {
	gets := make([]types.TransactGetItem, len(keys))
	for i, k := range keys {
		gets[i] = types.TransactGetItem{Get: &types.Get{
			TableName: aws.String(b.table),
			Key:       itemKey(k, dynamoValueSK),
		}}
	}
	out, err := b.client.TransactGetItems(ctx, &dynamodb.TransactGetItemsInput{TransactItems: gets})
	if err != nil {
		return nil, dynamoError("TransactGetItems", fmt.Sprint(keys), err)
	}

	values := make([][]byte, len(keys))
	for i, resp := range out.Responses {
		if resp.Item == nil {
			continue
		}
		var v valueItem
		if err := attributevalue.UnmarshalMap(resp.Item, &v); err != nil {
			return nil, fmt.Errorf("failed to decode item %s: %w", keys[i], err)
		}
		values[i] = v.Value
		if values[i] == nil {
			values[i] = []byte{}
		}
	}
	return values, nil
}

func (b *dynamoBackend) update(ctx context.Context, guard string, fn func(tx *txn) error) error {
	old, guardFound, err := b.get(ctx, guard)
	if err != nil {
		return err
	}

	tx := newTxn(b)
	if err := fn(tx); err != nil {
		return err
	}
	if n := tx.itemCount(); n+1 > dynamoMaxTransactItems {
		return fmt.Errorf("%w: commit touches %d items, DynamoDB allows %d", core.ErrValidation, n, dynamoMaxTransactItems)
	}

	guardCondition, guardValues := "attribute_not_exists(pk)", map[string]types.AttributeValue(nil)
	if guardFound {
		guardCondition = "v = :old"
		guardValues = map[string]types.AttributeValue{":old": &types.AttributeValueMemberB{Value: old}}
	}

	items := make([]types.TransactWriteItem, 0, tx.itemCount()+1)
	guardWritten := false
	for k, v := range tx.values {
		if v == nil {
			items = append(items, types.TransactWriteItem{Delete: &types.Delete{
				TableName: aws.String(b.table),
				Key:       itemKey(k, dynamoValueSK),
			}})
			continue
		}
		av, err := attributevalue.MarshalMap(valueItem{PK: k, SK: dynamoValueSK, Value: v})
		if err != nil {
			return fmt.Errorf("failed to encode item %s: %w", k, err)
		}
		put := &types.Put{TableName: aws.String(b.table), Item: av}
		if k == guard {
			guardWritten = true
			put.ConditionExpression = aws.String(guardCondition)
			put.ExpressionAttributeValues = guardValues
		}
		items = append(items, types.TransactWriteItem{Put: put})
	}
	if !guardWritten {
		items = append(items, types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
			TableName:                 aws.String(b.table),
			Key:                       itemKey(guard, dynamoValueSK),
			ConditionExpression:       aws.String(guardCondition),
			ExpressionAttributeValues: guardValues,
		}})
	}

	for k, delta := range tx.sets {
		for member, add := range delta {
			sk := dynamoMemberSK + member
			if add {
				av, err := attributevalue.MarshalMap(memberItem{PK: k, SK: sk})
				if err != nil {
					return fmt.Errorf("failed to encode member of %s: %w", k, err)
				}
				items = append(items, types.TransactWriteItem{Put: &types.Put{TableName: aws.String(b.table), Item: av}})
			} else {
				items = append(items, types.TransactWriteItem{Delete: &types.Delete{
					TableName: aws.String(b.table),
					Key:       itemKey(k, sk),
				}})
			}
		}
	}

	for k, ch := range tx.counters {
		switch ch.op {
		case counterCreate:
			av, err := attributevalue.MarshalMap(counterItem{PK: k, SK: dynamoValueSK, Node: int64(ch.node), Updated: ch.now.UnixNano()})
			if err != nil {
				return fmt.Errorf("failed to encode statistics %s: %w", k, err)
			}
			items = append(items, types.TransactWriteItem{Put: &types.Put{TableName: aws.String(b.table), Item: av}})
		case counterRepoint:
			items = append(items, types.TransactWriteItem{Update: &types.Update{
				TableName:        aws.String(b.table),
				Key:              itemKey(k, dynamoValueSK),
				UpdateExpression: aws.String("SET node = :n"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":n": &types.AttributeValueMemberN{Value: strconv.FormatInt(int64(ch.node), 10)},
				},
			}})
		case counterDelete:
			items = append(items, types.TransactWriteItem{Delete: &types.Delete{
				TableName: aws.String(b.table),
				Key:       itemKey(k, dynamoValueSK),
			}})
		}
	}

	_, err = b.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	var canceled *types.TransactionCanceledException
	switch {
	case err == nil:
		return nil
	case errors.As(err, &canceled):
		for _, reason := range canceled.CancellationReasons {
			code := aws.ToString(reason.Code)
			if code == "ConditionalCheckFailed" || code == "TransactionConflict" {
				return fmt.Errorf("%w: %s changed concurrently", core.ErrStaleMetadata, guard)
			}
		}
		return dynamoError("TransactWriteItems", guard, err)
	default:
		return dynamoError("TransactWriteItems", guard, err)
	}
}

// adjust adds delta with one conditional ADD. A decrement that would go
// below zero instead sets the count to zero, conditioned on the count it
// read, so a concurrent increment is never overwritten.
func (b *dynamoBackend) adjust(ctx context.Context, key string, delta int64, now time.Time) (counterRow, error) {
	for {
		row, ok, err := b.add(ctx, key, delta, now)
		if err != nil || ok {
			return row, err
		}

		current, exists, err := b.counter(ctx, key)
		if err != nil {
			return counterRow{}, err
		}
		if !exists {
			return counterRow{}, fmt.Errorf("%w: statistics row", core.ErrNotFound)
		}
		if current.Count+delta >= 0 {
			continue
		}
		row, ok, err = b.floorCounter(ctx, key, current.Count, now)
		if err != nil || ok {
			return row, err
		}
		if err := ctx.Err(); err != nil {
			return counterRow{}, err
		}
	}
}

// add applies delta when the row exists and the result stays at or above
// zero. ok is false when that condition failed.
func (b *dynamoBackend) add(ctx context.Context, key string, delta int64, now time.Time) (counterRow, bool, error) {
	values := map[string]types.AttributeValue{
		":d":   &types.AttributeValueMemberN{Value: strconv.FormatInt(delta, 10)},
		":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixNano(), 10)},
	}
	condition := "attribute_exists(pk)"
	if delta < 0 {
		condition += " AND cnt >= :floor"
		values[":floor"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(-delta, 10)}
	}

	out, err := b.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(b.table),
		Key:                       itemKey(key, dynamoValueSK),
		UpdateExpression:          aws.String("SET updated = :now ADD cnt :d"),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	return b.counterResult(key, out, err)
}

// floorCounter sets the count to zero if it still equals seen.
func (b *dynamoBackend) floorCounter(ctx context.Context, key string, seen int64, now time.Time) (counterRow, bool, error) {
	out, err := b.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(b.table),
		Key:                 itemKey(key, dynamoValueSK),
		UpdateExpression:    aws.String("SET cnt = :zero, updated = :now"),
		ConditionExpression: aws.String("attribute_exists(pk) AND cnt = :seen"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":seen": &types.AttributeValueMemberN{Value: strconv.FormatInt(seen, 10)},
			":now":  &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixNano(), 10)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	return b.counterResult(key, out, err)
}

func (b *dynamoBackend) counterResult(key string, out *dynamodb.UpdateItemOutput, err error) (counterRow, bool, error) {
	var failed *types.ConditionalCheckFailedException
	if errors.As(err, &failed) {
		return counterRow{}, false, nil
	}
	if err != nil {
		return counterRow{}, false, dynamoError("UpdateItem", key, err)
	}
	var c counterItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &c); err != nil {
		return counterRow{}, false, fmt.Errorf("failed to decode statistics %s: %w", key, err)
	}
	return c.row(), true, nil
}

func (b *dynamoBackend) close() error {
	return nil
}
