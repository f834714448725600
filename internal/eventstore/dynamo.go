package eventstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"git.home.luguber.info/inful/eventpipe/internal/event"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoStore implements Store on a DynamoDB table with partition key eventId and sort key
// timestamp. Expiry is left to the table's TTL setting on the ttl attribute.
type DynamoStore struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

// NewDynamoStore wraps client for table.
func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table, now: time.Now}
}

type dynamoItem struct {
	EventID             string `dynamodbav:"eventId"`
	Timestamp           string `dynamodbav:"timestamp"`
	EventType           string `dynamodbav:"eventType"`
	Source              string `dynamodbav:"source"`
	Status              string `dynamodbav:"status"`
	ProcessedAt         string `dynamodbav:"processedAt,omitempty"`
	LastError           string `dynamodbav:"lastError,omitempty"`
	FinalStatus         string `dynamodbav:"finalStatus,omitempty"`
	ConfirmedAt         string `dynamodbav:"confirmedAt,omitempty"`
	ConfirmationSource  string `dynamodbav:"confirmationSource,omitempty"`
	ConfirmationDetails string `dynamodbav:"confirmationDetails,omitempty"`
	Data                string `dynamodbav:"data"`
	TTL                 int64  `dynamodbav:"ttl,omitempty"`
}

func toItem(rec event.Record) (dynamoItem, error) {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return dynamoItem{}, fmt.Errorf("marshal payload: %w", err)
	}
	return dynamoItem{
		EventID:             rec.EventID,
		Timestamp:           rec.Timestamp,
		EventType:           string(rec.EventType),
		Source:              string(rec.Source),
		Status:              string(rec.Status),
		ProcessedAt:         rec.ProcessedAt,
		LastError:           rec.LastError,
		FinalStatus:         string(rec.FinalStatus),
		ConfirmedAt:         rec.ConfirmedAt,
		ConfirmationSource:  string(rec.ConfirmationSource),
		ConfirmationDetails: string(rec.ConfirmationDetails),
		Data:                string(data),
		TTL:                 rec.TTL,
	}, nil
}

func (it dynamoItem) record() (event.Record, error) {
	r := event.Record{
		EventID:            it.EventID,
		Timestamp:          it.Timestamp,
		EventType:          event.Type(it.EventType),
		Source:             event.Source(it.Source),
		Status:             event.Status(it.Status),
		ProcessedAt:        it.ProcessedAt,
		LastError:          it.LastError,
		FinalStatus:        event.Status(it.FinalStatus),
		ConfirmedAt:        it.ConfirmedAt,
		ConfirmationSource: event.Source(it.ConfirmationSource),
		TTL:                it.TTL,
	}
	if it.ConfirmationDetails != "" {
		r.ConfirmationDetails = json.RawMessage(it.ConfirmationDetails)
	}
	var err error
	if r.Data, err = event.DecodePayload(r.EventType, json.RawMessage(it.Data)); err != nil {
		return event.Record{}, err
	}
	return r, nil
}

func keyAttrs(k event.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"eventId":   &types.AttributeValueMemberS{Value: k.EventID},
		"timestamp": &types.AttributeValueMemberS{Value: k.Timestamp},
	}
}

// Put creates the item unless the key is taken.
func (s *DynamoStore) Put(ctx context.Context, rec event.Record) error {
	it, err := toItem(rec)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return storeErr("marshal item", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(eventId)"),
	})
	var ccf *types.ConditionalCheckFailedException
	if stderrors.As(err, &ccf) {
		return fmt.Errorf("%w: %s@%s", ErrAlreadyExists, rec.EventID, rec.Timestamp)
	}
	if err != nil {
		return storeErr("put item", err)
	}
	return nil
}

// Get reads one item with strong consistency.
func (s *DynamoStore) Get(ctx context.Context, k event.Key) (event.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyAttrs(k),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return event.Record{}, storeErr("get item", err)
	}
	recs, err := s.decode([]map[string]types.AttributeValue{out.Item})
	if err != nil {
		return event.Record{}, err
	}
	if len(recs) == 0 {
		return event.Record{}, fmt.Errorf("%w: %s@%s", ErrNotFound, k.EventID, k.Timestamp)
	}
	return recs[0], nil
}

// ListRecent scans one page of at most limit items and orders it newest first. DynamoDB
// keeps no global order across partitions, so this is a sample of recent activity.
func (s *DynamoStore) ListRecent(ctx context.Context, limit int) ([]event.Record, error) {
	out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName: aws.String(s.table),
		Limit:     aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, storeErr("scan items", err)
	}
	recs, err := s.decode(out.Items)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp > recs[j].Timestamp })
	return recs, nil
}

// ListByEventID queries the partition of one event id.
func (s *DynamoStore) ListByEventID(ctx context.Context, eventID string) ([]event.Record, error) {
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    aws.String("eventId = :id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":id": &types.AttributeValueMemberS{Value: eventID}},
	}
	var items []map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, storeErr("query items", err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return s.decode(items)
}

// ListStale scans for items in one of statuses created before olderThan.
func (s *DynamoStore) ListStale(ctx context.Context, olderThan time.Time, statuses []event.Status, limit int) ([]event.Record, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	in, values := statusIn(":s", statuses)
	values[":before"] = &types.AttributeValueMemberS{Value: event.FormatTimestamp(olderThan)}
	scan := &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		FilterExpression:          aws.String("#status IN " + in + " AND #ts < :before"),
		ExpressionAttributeNames:  map[string]string{"#status": "status", "#ts": "timestamp"},
		ExpressionAttributeValues: values,
	}
	var items []map[string]types.AttributeValue
	for len(items) < limit {
		out, err := s.client.Scan(ctx, scan)
		if err != nil {
			return nil, storeErr("scan stale items", err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		scan.ExclusiveStartKey = out.LastEvaluatedKey
	}
	if len(items) > limit {
		items = items[:limit]
	}
	recs, err := s.decode(items)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp < recs[j].Timestamp })
	return recs, nil
}

// MarkProcessed issues one conditional UpdateItem.
func (s *DynamoStore) MarkProcessed(ctx context.Context, k event.Key, u ProcessedUpdate) error {
	in, values := statusIn(":allowed", event.AllowedFrom(u.Status))
	values[":status"] = &types.AttributeValueMemberS{Value: string(u.Status)}
	values[":processedAt"] = &types.AttributeValueMemberS{Value: u.ProcessedAt}
	values[":source"] = &types.AttributeValueMemberS{Value: string(u.Source)}
	values[":lastError"] = &types.AttributeValueMemberS{Value: u.LastError}

	return s.conditionalUpdate(ctx, k, u.Status, "status", &dynamodb.UpdateItemInput{
		UpdateExpression:          aws.String("SET #status = :status, processedAt = :processedAt, #source = :source, lastError = :lastError"),
		ConditionExpression:       aws.String("attribute_exists(eventId) AND #status IN " + in),
		ExpressionAttributeNames:  map[string]string{"#status": "status", "#source": "source"},
		ExpressionAttributeValues: values,
	})
}

// ApplyConfirmation issues one conditional UpdateItem on the confirmation attributes.
func (s *DynamoStore) ApplyConfirmation(ctx context.Context, k event.Key, u ConfirmationUpdate) error {
	in, values := statusIn(":allowed", event.AllowedFrom(u.FinalStatus))
	values[":finalStatus"] = &types.AttributeValueMemberS{Value: string(u.FinalStatus)}
	values[":confirmedAt"] = &types.AttributeValueMemberS{Value: u.ConfirmedAt}
	values[":confirmationSource"] = &types.AttributeValueMemberS{Value: string(u.Source)}
	details := string(u.Details)
	if details == "" {
		details = "{}"
	}
	values[":confirmationDetails"] = &types.AttributeValueMemberS{Value: details}

	return s.conditionalUpdate(ctx, k, u.FinalStatus, "finalStatus", &dynamodb.UpdateItemInput{
		UpdateExpression: aws.String("SET finalStatus = :finalStatus, confirmedAt = :confirmedAt, " +
			"confirmationSource = :confirmationSource, confirmationDetails = :confirmationDetails"),
		ConditionExpression:       aws.String("attribute_exists(eventId) AND (attribute_not_exists(finalStatus) OR finalStatus IN " + in + ")"),
		ExpressionAttributeValues: values,
	})
}

func (s *DynamoStore) conditionalUpdate(ctx context.Context, k event.Key, next event.Status, attr string, in *dynamodb.UpdateItemInput) error {
	if !next.Valid() {
		return rejected(k, "", next)
	}
	in.TableName = aws.String(s.table)
	in.Key = keyAttrs(k)
	in.ReturnValuesOnConditionCheckFailure = types.ReturnValuesOnConditionCheckFailureAllOld

	_, err := s.client.UpdateItem(ctx, in)
	if err == nil {
		return nil
	}
	var ccf *types.ConditionalCheckFailedException
	if !stderrors.As(err, &ccf) {
		return storeErr("update item", err)
	}
	if len(ccf.Item) == 0 {
		return fmt.Errorf("%w: %s@%s", ErrNotFound, k.EventID, k.Timestamp)
	}
	var current string
	if v, ok := ccf.Item[attr].(*types.AttributeValueMemberS); ok {
		current = v.Value
	}
	return rejected(k, event.Status(current), next)
}

// decode converts items, dropping empty results and items past their ttl that DynamoDB has
// not deleted yet.
func (s *DynamoStore) decode(items []map[string]types.AttributeValue) ([]event.Record, error) {
	now := s.now().Unix()
	recs := make([]event.Record, 0, len(items))
	for _, av := range items {
		if len(av) == 0 {
			continue
		}
		var it dynamoItem
		if err := attributevalue.UnmarshalMap(av, &it); err != nil {
			return nil, storeErr("unmarshal item", err)
		}
		if it.TTL > 0 && it.TTL <= now {
			continue
		}
		r, err := it.record()
		if err != nil {
			return nil, storeErr("unmarshal payload", err)
		}
		recs = append(recs, r)
	}
	return recs, nil
}

// statusIn renders "(:p0, :p1, ...)" and the matching value map.
func statusIn(prefix string, statuses []event.Status) (string, map[string]types.AttributeValue) {
	values := make(map[string]types.AttributeValue, len(statuses)+4)
	names := make([]string, len(statuses))
	for i, st := range statuses {
		name := prefix + strconv.Itoa(i)
		names[i] = name
		values[name] = &types.AttributeValueMemberS{Value: string(st)}
	}
	return "(" + strings.Join(names, ", ") + ")", values
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *DynamoStore) Close() error { return nil }

var _ Store = (*DynamoStore)(nil)
