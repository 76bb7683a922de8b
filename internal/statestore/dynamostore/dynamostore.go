// Package dynamostore is the production statestore.Store backend, backed by
// a single DynamoDB table with a PK/SK composite key: GetItem/PutItem/Query
// against string-keyed items, with a conditional write carrying the claim
// protocol.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/ajmccauley/syncrelay/internal/logging"
	"github.com/ajmccauley/syncrelay/internal/statestore"
)

// Store implements statestore.Store against a DynamoDB table using the
// single-table PK/SK layout documented on statestore.RoutePK.
type Store struct {
	client *dynamodb.Client
	table  string
	log    zerolog.Logger
}

// New wraps an already-configured DynamoDB client for the given table.
func New(client *dynamodb.Client, table string) *Store {
	return &Store{
		client: client,
		table:  table,
		log:    logging.WithComponent("dynamostore"),
	}
}

func s(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }
func n(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"PK": s(pk), "SK": s(sk)}
}

func uidSK(uidValidity, uid uint32) string {
	return fmt.Sprintf("UID#%d#%d", uidValidity, uid)
}

func failSK(uidValidity, uid uint32) string {
	return fmt.Sprintf("FAIL#%d#%d", uidValidity, uid)
}

func getN(item map[string]types.AttributeValue, attr string) (int64, bool) {
	v, ok := item[attr]
	if !ok {
		return 0, false
	}
	nv, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	i, err := strconv.ParseInt(nv.Value, 10, 64)
	if err != nil {
		return 0, false
	}
	return i, true
}

func getS(item map[string]types.AttributeValue, attr string) (string, bool) {
	v, ok := item[attr]
	if !ok {
		return "", false
	}
	sv, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return sv.Value, true
}

// AssertAvailable is the fail-safe gate: it must succeed before any mailbox
// I/O is attempted.
func (st *Store) AssertAvailable(ctx context.Context) error {
	out, err := st.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(st.table)})
	if err != nil {
		return fmt.Errorf("dynamodb unavailable for table %s: %w", st.table, err)
	}
	if out.Table == nil || out.Table.TableStatus == "" {
		return fmt.Errorf("dynamodb describe_table returned no status for %s", st.table)
	}
	return nil
}

func (st *Store) GetWatermark(ctx context.Context, pk string) (statestore.Watermark, error) {
	out, err := st.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(st.table),
		Key:            key(pk, "WATERMARK"),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return statestore.Watermark{}, fmt.Errorf("get watermark: %w", err)
	}
	if len(out.Item) == 0 {
		return statestore.Watermark{}, nil
	}
	uidValidity, hasValidity := getN(out.Item, "uidvalidity")
	lastUID, _ := getN(out.Item, "last_uid")
	return statestore.Watermark{
		UIDValidity: uint32(uidValidity),
		LastUID:     uint32(lastUID),
		HasRun:      hasValidity,
	}, nil
}

func (st *Store) SetWatermark(ctx context.Context, pk string, uidValidity uint32, lastUID uint32) error {
	item := key(pk, "WATERMARK")
	item["uidvalidity"] = n(int64(uidValidity))
	item["last_uid"] = n(int64(lastUID))
	item["updated_at"] = n(time.Now().Unix())
	_, err := st.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(st.table), Item: item})
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

func (st *Store) ClaimUID(ctx context.Context, pk string, uidValidity uint32, uid uint32) (bool, error) {
	now := time.Now().Unix()
	item := key(pk, uidSK(uidValidity, uid))
	item["status"] = s("PENDING")
	item["created_at"] = n(now)
	item["updated_at"] = n(now)
	_, err := st.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(st.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return false, nil
		}
		return false, fmt.Errorf("claim uid: %w", err)
	}
	return true, nil
}

func (st *Store) FinalizeUID(ctx context.Context, pk string, uidValidity uint32, uid uint32, messageID string, contentHash string, ttlDays int) error {
	now := time.Now().Unix()
	ttl := now + int64(ttlDays)*86400
	item := key(pk, uidSK(uidValidity, uid))
	item["status"] = s("DONE")
	item["copied_at"] = n(now)
	item["updated_at"] = n(now)
	item["rfc822_sha256"] = s(contentHash)
	item["ttl"] = n(ttl)
	if messageID != "" {
		item["message_id_header"] = s(messageID)
	}
	_, err := st.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(st.table), Item: item})
	if err != nil {
		return fmt.Errorf("finalize uid: %w", err)
	}
	return nil
}

func (st *Store) AbandonPending(ctx context.Context, pk string, uidValidity uint32, uid uint32) error {
	_, err := st.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(st.table),
		Key:       key(pk, uidSK(uidValidity, uid)),
	})
	if err != nil {
		return fmt.Errorf("abandon pending uid: %w", err)
	}
	return nil
}

func (st *Store) UIDRecordExists(ctx context.Context, pk string, uidValidity uint32, uid uint32) (bool, error) {
	out, err := st.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(st.table),
		Key:            key(pk, uidSK(uidValidity, uid)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("check uid record: %w", err)
	}
	return len(out.Item) > 0, nil
}

func (st *Store) RecordFailure(ctx context.Context, pk string, uidValidity uint32, uid uint32, errMsg string, ttlDays int) error {
	sk := failSK(uidValidity, uid)
	existing, err := st.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(st.table),
		Key:            key(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	retryCount := int64(0)
	if existing.Item != nil {
		if v, ok := getN(existing.Item, "retry_count"); ok {
			retryCount = v
		}
	}
	retryCount++

	truncated := errMsg
	if len(truncated) > 1024 {
		truncated = truncated[:1024]
	}
	now := time.Now().Unix()
	item := key(pk, sk)
	item["last_error"] = s(truncated)
	item["retry_count"] = n(retryCount)
	item["updated_at"] = n(now)
	item["ttl"] = n(now + int64(ttlDays)*86400)
	_, err = st.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(st.table), Item: item})
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

func (st *Store) PayloadAlreadyCopied(ctx context.Context, pk string, messageID string, contentHash string) (bool, error) {
	var lastKey map[string]types.AttributeValue
	for {
		out, err := st.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(st.table),
			KeyConditionExpression:    aws.String("#pk = :pk AND begins_with(#sk, :prefix)"),
			ExpressionAttributeNames:  map[string]string{"#pk": "PK", "#sk": "SK"},
			ExpressionAttributeValues: map[string]types.AttributeValue{":pk": s(pk), ":prefix": s("UID#")},
			ConsistentRead:            aws.Bool(true),
			ExclusiveStartKey:         lastKey,
		})
		if err != nil {
			return false, fmt.Errorf("query uid items: %w", err)
		}
		for _, item := range out.Items {
			status, _ := getS(item, "status")
			if status != "DONE" {
				continue
			}
			if hash, ok := getS(item, "rfc822_sha256"); ok && hash == contentHash {
				return true, nil
			}
			if messageID != "" {
				if mid, ok := getS(item, "message_id_header"); ok && mid == messageID {
					return true, nil
				}
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return false, nil
		}
		lastKey = out.LastEvaluatedKey
	}
}
