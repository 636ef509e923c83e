// Package dynamolog mirrors every appended event into a DynamoDB table, purely as
// a durable secondary log (e.g. for downstream analytics export) — it never serves
// reads back to the CDP; AppendEvent's return value still comes from the primary
// store.
package dynamolog

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/store"
)

// Store decorates a store.Store, mirroring every AppendEvent call into a DynamoDB
// table in addition to delegating to the backing store. Mirror failures are passed
// to the onMirrorError callback given to New, never surfaced as the operation's own
// error, since the primary store write already succeeded.
type Store struct {
	store.Store
	client        *dynamodb.Client
	tableName     string
	onMirrorError func(error)
}

// Config configures the DynamoDB event mirror.
type Config struct {
	TableName string
	Region    string
}

// New loads the default AWS config (environment/shared config/IMDS) and returns a
// Store that mirrors into cfg.TableName.
func New(ctx context.Context, cfg Config, backing store.Store, onMirrorError func(error)) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, err
	}
	if onMirrorError == nil {
		onMirrorError = func(error) {}
	}
	return &Store{
		Store:         backing,
		client:        dynamodb.NewFromConfig(awsCfg),
		tableName:     cfg.TableName,
		onMirrorError: onMirrorError,
	}, nil
}

// AppendEvent writes through to the backing store first; the DynamoDB mirror write
// happens afterward and never changes the returned id or error.
func (s *Store) AppendEvent(ctx context.Context, ev model.Event) (int64, error) {
	id, err := s.Store.AppendEvent(ctx, ev)
	if err != nil {
		return id, err
	}
	ev.ID = id

	item := map[string]types.AttributeValue{
		"event_id": &types.AttributeValueMemberN{Value: strconv.FormatInt(id, 10)},
		"user_id":  &types.AttributeValueMemberS{Value: ev.UserID},
		"name":     &types.AttributeValueMemberS{Value: ev.Name},
		"ts":       &types.AttributeValueMemberS{Value: ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z")},
	}
	if len(ev.Props) > 0 {
		item["props"] = &types.AttributeValueMemberS{Value: string(ev.Props)}
	}

	_, putErr := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if putErr != nil {
		s.onMirrorError(putErr)
	}
	return id, nil
}

var _ store.Store = (*Store)(nil)
