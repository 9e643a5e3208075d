package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"telegram-chatbot/internal/domain"
)

const (
	skPrefixModel = "MODEL#"
	skOffset      = "last_update_id"
	skPrefixDedup = "update#"

	// Partition key reserved for bookkeeping records (offset, dedup).
	// Real user ids from the transport are always positive.
	bookkeepingPK = 0

	modelIndex  = "model-index"
	activeIndex = "active-index"

	dedupTTL = 30 * 24 * time.Hour
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table for session state.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// SessionSK builds the sort key for a session.
func SessionSK(modelName, sessionID string) string {
	return skPrefixModel + modelName + "#SESSION#" + sessionID
}

func pkAttr(userID int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(userID, 10)}
}

func sessionKey(userID int64, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": pkAttr(userID),
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

// PutSession writes the full session record, replacing any prior version.
// Single writer per request; last write wins on concurrent updates.
func (c *Client) PutSession(ctx context.Context, s domain.Session) error {
	if s.SK == "" {
		return errors.New("repository: PutSession: SK is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      sessionItem(s),
	})
	if err != nil {
		return fmt.Errorf("repository: PutSession: %w", err)
	}
	return nil
}

// GetSession fetches one session; nil without error when absent.
func (c *Client) GetSession(ctx context.Context, userID int64, sk string) (*domain.Session, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            sessionKey(userID, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetSession: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	s, err := itemToSession(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: GetSession unmarshal: %w", err)
	}
	return &s, nil
}

// QueryByUser returns all session records for a user, bookkeeping rows
// excluded, ordered by sort key.
func (c *Client) QueryByUser(ctx context.Context, userID int64) ([]domain.Session, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     pkAttr(userID),
			":prefix": &types.AttributeValueMemberS{Value: skPrefixModel},
		},
	}
	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: QueryByUser: %w", err)
	}
	return itemsToSessions(out.Items, "QueryByUser")
}

// QueryByModel returns all sessions referencing a model, across users.
// Served by the model-index GSI.
func (c *Client) QueryByModel(ctx context.Context, modelName string) ([]domain.Session, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(modelIndex),
		KeyConditionExpression: aws.String("model_name = :model"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":model": &types.AttributeValueMemberS{Value: modelName},
		},
	}
	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: QueryByModel: %w", err)
	}
	return itemsToSessions(out.Items, "QueryByModel")
}

// QueryByActiveFlag returns all sessions with the given active flag, across
// users. Served by the active-index GSI.
func (c *Client) QueryByActiveFlag(ctx context.Context, active bool) ([]domain.Session, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(activeIndex),
		KeyConditionExpression: aws.String("is_active = :flag"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":flag": boolFlagAttr(active),
		},
	}
	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: QueryByActiveFlag: %w", err)
	}
	return itemsToSessions(out.Items, "QueryByActiveFlag")
}

// DeleteSession removes a session record. Deleting an absent key is not an
// error, which keeps archive retries idempotent.
func (c *Client) DeleteSession(ctx context.Context, userID int64, sk string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       sessionKey(userID, sk),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteSession: %w", err)
	}
	return nil
}

// Deactivate clears the active flag on one session.
func (c *Client) Deactivate(ctx context.Context, userID int64, sk string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              sessionKey(userID, sk),
		UpdateExpression: aws.String("SET is_active = :val"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":val": boolFlagAttr(false),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Deactivate: %w", err)
	}
	return nil
}

// SwitchActive flips the active flag from one session to another in a single
// transaction so the one-active-per-user invariant cannot be observed broken
// between the two writes.
func (c *Client) SwitchActive(ctx context.Context, userID int64, deactivateSK, activateSK string) error {
	if deactivateSK == "" || activateSK == "" {
		return errors.New("repository: SwitchActive: both sort keys are required")
	}
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:        aws.String(c.tableName),
					Key:              sessionKey(userID, deactivateSK),
					UpdateExpression: aws.String("SET is_active = :val"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":val": boolFlagAttr(false),
					},
				},
			},
			{
				Update: &types.Update{
					TableName:        aws.String(c.tableName),
					Key:              sessionKey(userID, activateSK),
					UpdateExpression: aws.String("SET is_active = :val"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":val": boolFlagAttr(true),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SwitchActive: %w", err)
	}
	return nil
}

// GetLastOffset fetches the last acknowledged transport update id, 0 if none.
func (c *Client) GetLastOffset(ctx context.Context) (int64, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"pk": pkAttr(bookkeepingPK),
			"sk": &types.AttributeValueMemberS{Value: skOffset},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("repository: GetLastOffset: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}
	offset, err := intAttr(out.Item, "last_offset")
	if err != nil {
		return 0, fmt.Errorf("repository: GetLastOffset decode: %w", err)
	}
	return offset, nil
}

// SaveOffset stores the next transport update id to poll from.
func (c *Client) SaveOffset(ctx context.Context, offset int64) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"pk":              pkAttr(bookkeepingPK),
			"sk":              &types.AttributeValueMemberS{Value: skOffset},
			"last_offset":     &types.AttributeValueMemberN{Value: strconv.FormatInt(offset, 10)},
			"last_updated_ts": &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveOffset: %w", err)
	}
	return nil
}

// MarkUpdateSeen records an update id and reports whether it had already been
// processed. Dedup rows carry a TTL so the store clears them on its own.
func (c *Client) MarkUpdateSeen(ctx context.Context, updateID int64) (bool, error) {
	sk := skPrefixDedup + strconv.FormatInt(updateID, 10)
	key := map[string]types.AttributeValue{
		"pk": pkAttr(bookkeepingPK),
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("repository: MarkUpdateSeen get: %w", err)
	}
	if out != nil && len(out.Item) > 0 {
		return true, nil
	}
	now := time.Now()
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"pk":  pkAttr(bookkeepingPK),
			"sk":  &types.AttributeValueMemberS{Value: sk},
			"ts":  &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			"ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(dedupTTL).Unix(), 10)},
		},
	})
	if err != nil {
		return false, fmt.Errorf("repository: MarkUpdateSeen put: %w", err)
	}
	return false, nil
}

// boolFlagAttr stores the active flag as 0/1 to stay queryable as a GSI key.
func boolFlagAttr(b bool) types.AttributeValue {
	v := "0"
	if b {
		v = "1"
	}
	return &types.AttributeValueMemberN{Value: v}
}

func sessionItem(s domain.Session) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"pk":              pkAttr(s.UserID),
		"sk":              &types.AttributeValueMemberS{Value: s.SK},
		"user_id":         pkAttr(s.UserID),
		"model_name":      &types.AttributeValueMemberS{Value: s.ModelName},
		"session_id":      &types.AttributeValueMemberS{Value: s.SessionID},
		"is_active":       boolFlagAttr(s.IsActive),
		"last_message_ts": &types.AttributeValueMemberN{Value: strconv.FormatInt(s.LastMessageTS, 10)},
		"pending_since":   &types.AttributeValueMemberN{Value: strconv.FormatInt(s.PendingSince, 10)},
		"conversation":    conversationAttr(s.Conversation),
	}
	if s.TTL > 0 {
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.TTL, 10)}
	}
	return item
}

func conversationAttr(records []domain.ChatRecord) types.AttributeValue {
	list := make([]types.AttributeValue, 0, len(records))
	for _, r := range records {
		list = append(list, &types.AttributeValueMemberM{
			Value: map[string]types.AttributeValue{
				"role":    &types.AttributeValueMemberS{Value: r.Role},
				"content": &types.AttributeValueMemberS{Value: r.Content},
				"ts":      &types.AttributeValueMemberN{Value: strconv.FormatInt(r.TS, 10)},
			},
		})
	}
	return &types.AttributeValueMemberL{Value: list}
}

func itemsToSessions(items []map[string]types.AttributeValue, op string) ([]domain.Session, error) {
	sessions := make([]domain.Session, 0, len(items))
	for _, item := range items {
		s, err := itemToSession(item)
		if err != nil {
			return nil, fmt.Errorf("repository: %s unmarshal: %w", op, err)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	userID, err := intAttr(item, "pk")
	if err != nil {
		return domain.Session{}, err
	}
	sk, err := strAttr(item, "sk")
	if err != nil {
		return domain.Session{}, err
	}
	modelName, err := strAttr(item, "model_name")
	if err != nil {
		return domain.Session{}, err
	}
	sessionID, err := strAttr(item, "session_id")
	if err != nil {
		return domain.Session{}, err
	}
	active, err := intAttr(item, "is_active")
	if err != nil {
		return domain.Session{}, err
	}
	lastTS, _ := intAttr(item, "last_message_ts") // allow missing
	pending, _ := intAttr(item, "pending_since")  // allow missing
	ttl, _ := intAttr(item, "ttl")                // optional

	conv, err := attrToConversation(item["conversation"])
	if err != nil {
		return domain.Session{}, err
	}

	return domain.Session{
		UserID:        userID,
		SK:            sk,
		ModelName:     modelName,
		SessionID:     sessionID,
		Conversation:  conv,
		IsActive:      active == 1,
		LastMessageTS: lastTS,
		PendingSince:  pending,
		TTL:           ttl,
	}, nil
}

func attrToConversation(v types.AttributeValue) ([]domain.ChatRecord, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, errors.New("repository: conversation is not a list")
	}
	records := make([]domain.ChatRecord, 0, len(list.Value))
	for _, entry := range list.Value {
		m, ok := entry.(*types.AttributeValueMemberM)
		if !ok {
			return nil, errors.New("repository: conversation entry is not a map")
		}
		role, err := strAttr(m.Value, "role")
		if err != nil {
			return nil, err
		}
		content, err := strAttr(m.Value, "content")
		if err != nil {
			return nil, err
		}
		ts, _ := intAttr(m.Value, "ts") // allow missing
		records = append(records, domain.ChatRecord{Role: role, Content: content, TS: ts})
	}
	return records, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
