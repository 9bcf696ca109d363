package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// NewDynamoClient builds a DynamoDB client. Region and credentials fall
// back to the default AWS resolution chain when not provided.
func NewDynamoClient(ctx context.Context, region, accessKeyID, secretAccessKey string) (*dynamodb.Client, error) {
	var configOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		configOpts = append(configOpts, awsconfig.WithRegion(region))
	}
	if accessKeyID != "" && secretAccessKey != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

// DynamoAPI is the subset of the DynamoDB client used by
// DynamoSessionStore. Narrowed to an interface so tests can inject a mock.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Compile-time check that DynamoSessionStore implements SessionStore.
var _ SessionStore = (*DynamoSessionStore)(nil)

// sessionItem is the DynamoDB representation of a Session. The assembly
// guard is persisted so a re-read mid-assembly still sees it set.
type sessionItem struct {
	UploadID       string    `dynamodbav:"upload_id"`
	Filename       string    `dynamodbav:"filename"`
	Key            string    `dynamodbav:"object_key"`
	TotalSize      int64     `dynamodbav:"total_size"`
	TotalChunks    int       `dynamodbav:"total_chunks"`
	UploadedChunks []int     `dynamodbav:"uploaded_chunks"`
	StoreRef       string    `dynamodbav:"store_ref"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	ExpiresAt      time.Time `dynamodbav:"expires_at"`
	Assembling     bool      `dynamodbav:"assembling"`
}

// DynamoSessionStore is a DynamoDB-backed implementation of SessionStore.
// Sessions survive process restarts, which lets a client resume an upload
// against a fresh instance without re-sending accepted chunks.
type DynamoSessionStore struct {
	client    DynamoAPI
	tableName string
}

// NewDynamoSessionStore creates a session store backed by the given
// DynamoDB table. The table's partition key must be upload_id (string).
func NewDynamoSessionStore(client DynamoAPI, tableName string) *DynamoSessionStore {
	return &DynamoSessionStore{
		client:    client,
		tableName: tableName,
	}
}

// Save persists a session, overwriting any existing item.
func (r *DynamoSessionStore) Save(ctx context.Context, s *Session) error {
	item, err := attributevalue.MarshalMap(toItem(s))
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put session %s: %w", s.ID, err)
	}
	return nil
}

// FindByID retrieves a session by its ID.
// Returns ErrSessionNotFound if no item exists.
func (r *DynamoSessionStore) FindByID(ctx context.Context, id string) (*Session, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"upload_id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if out.Item == nil {
		return nil, ErrSessionNotFound
	}

	var item sessionItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return fromItem(item), nil
}

// List returns all sessions in the table. The sweeper runs this on an
// interval, so a full scan is acceptable for the expected session counts.
func (r *DynamoSessionStore) List(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	var startKey map[string]types.AttributeValue

	for {
		out, err := r.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(r.tableName),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan sessions: %w", err)
		}

		var items []sessionItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal sessions: %w", err)
		}
		for _, item := range items {
			sessions = append(sessions, fromItem(item))
		}

		if out.LastEvaluatedKey == nil {
			return sessions, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// Delete removes a session. Returns ErrSessionNotFound if no item existed.
func (r *DynamoSessionStore) Delete(ctx context.Context, id string) error {
	out, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"upload_id": &types.AttributeValueMemberS{Value: id},
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if out.Attributes == nil {
		return ErrSessionNotFound
	}
	return nil
}

func toItem(s *Session) sessionItem {
	return sessionItem{
		UploadID:       s.ID,
		Filename:       s.Filename,
		Key:            s.Key,
		TotalSize:      s.TotalSize,
		TotalChunks:    s.TotalChunks,
		UploadedChunks: s.UploadedChunks,
		StoreRef:       s.StoreRef,
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
		Assembling:     s.assembling,
	}
}

func fromItem(item sessionItem) *Session {
	chunks := item.UploadedChunks
	if chunks == nil {
		chunks = []int{}
	}
	return &Session{
		ID:             item.UploadID,
		Filename:       item.Filename,
		Key:            item.Key,
		TotalSize:      item.TotalSize,
		TotalChunks:    item.TotalChunks,
		UploadedChunks: chunks,
		StoreRef:       item.StoreRef,
		CreatedAt:      item.CreatedAt,
		ExpiresAt:      item.ExpiresAt,
		assembling:     item.Assembling,
	}
}
