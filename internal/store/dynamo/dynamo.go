// Package dynamo stores leases and the last-access timestamp in DynamoDB.
//
// Lease table: partition key workflow_job_id (S), ttl (N, epoch seconds,
// doubles as the table's TTL attribute), job_completed, job_failed and
// tokens_recovered (BOOL).  Last-access table: partition key id (N, always
// 0) and last_access_at (S, ISO-8601 UTC with milliseconds).
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/terrpan/gpuwarden/internal/store"
)

const (
	attrJobID           = "workflow_job_id"
	attrTTL             = "ttl"
	attrCompleted       = "job_completed"
	attrFailed          = "job_failed"
	attrTokensRecovered = "tokens_recovered"

	attrID           = "id"
	attrLastAccessAt = "last_access_at"

	// lastAccessRowID is the only row of the last-access table.
	lastAccessRowID = "0"

	isoMillis = "2006-01-02T15:04:05.000Z07:00"
)

// Config holds DynamoDB settings.
type Config struct {
	Region          string
	LeaseTable      string
	LastAccessTable string
}

// dynamoAPI is the subset of *dynamodb.Client the store uses.
type dynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Store implements store.LeaseStore.  LastAccess returns the companion
// store.LastAccess over the same client.
type Store struct {
	client dynamoAPI
	cfg    Config
	logger *slog.Logger
}

var (
	_ store.LeaseStore = (*Store)(nil)
	_ store.LastAccess = (*lastAccess)(nil)
)

// New creates a Store from the default AWS configuration chain.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	logger.Info("dynamodb store initialized",
		slog.String("lease_table", cfg.LeaseTable),
		slog.String("last_access_table", cfg.LastAccessTable),
	)
	return newStore(dynamodb.NewFromConfig(awsCfg), cfg, logger), nil
}

func newStore(client dynamoAPI, cfg Config, logger *slog.Logger) *Store {
	return &Store{client: client, cfg: cfg, logger: logger}
}

func (s *Store) leaseKey(jobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrJobID: &types.AttributeValueMemberS{Value: jobID},
	}
}

// Get reads a lease with a strongly consistent read.
func (s *Store) Get(ctx context.Context, jobID string) (*store.Lease, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.cfg.LeaseTable),
		Key:            s.leaseKey(jobID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get lease %s: %w", jobID, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return decodeLease(jobID, out.Item)
}

// Put writes the full lease.
func (s *Store) Put(ctx context.Context, lease store.Lease) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.LeaseTable),
		Item: map[string]types.AttributeValue{
			attrJobID:           &types.AttributeValueMemberS{Value: lease.JobID},
			attrTTL:             &types.AttributeValueMemberN{Value: strconv.FormatInt(lease.Deadline.Unix(), 10)},
			attrCompleted:       &types.AttributeValueMemberBOOL{Value: lease.Completed},
			attrFailed:          &types.AttributeValueMemberBOOL{Value: lease.Failed},
			attrTokensRecovered: &types.AttributeValueMemberBOOL{Value: lease.TokensRecovered},
		},
	})
	if err != nil {
		return fmt.Errorf("put lease %s: %w", lease.JobID, err)
	}
	return nil
}

// MarkCompleted sets job_completed.
func (s *Store) MarkCompleted(ctx context.Context, jobID string) error {
	return s.setFlag(ctx, jobID, attrCompleted)
}

// MarkFailed sets job_failed.
func (s *Store) MarkFailed(ctx context.Context, jobID string) error {
	return s.setFlag(ctx, jobID, attrFailed)
}

func (s *Store) setFlag(ctx context.Context, jobID, attr string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.cfg.LeaseTable),
		Key:              s.leaseKey(jobID),
		UpdateExpression: aws.String("SET #flag = :true"),
		ExpressionAttributeNames: map[string]string{
			"#flag": attr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	if err != nil {
		return fmt.Errorf("set %s on lease %s: %w", attr, jobID, err)
	}
	return nil
}

// MarkTokensRecovered sets tokens_recovered unless it is already true.
func (s *Store) MarkTokensRecovered(ctx context.Context, jobID string) (bool, error) {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.cfg.LeaseTable),
		Key:                 s.leaseKey(jobID),
		UpdateExpression:    aws.String("SET tokens_recovered = :true"),
		ConditionExpression: aws.String("attribute_not_exists(tokens_recovered) OR tokens_recovered = :false"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true":  &types.AttributeValueMemberBOOL{Value: true},
			":false": &types.AttributeValueMemberBOOL{Value: false},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			s.logger.Info("tokens already recovered", slog.String("job_id", jobID))
			return false, nil
		}
		return false, fmt.Errorf("mark tokens recovered on lease %s: %w", jobID, err)
	}
	return true, nil
}

// LastAccess returns the last-access record over the same client.
func (s *Store) LastAccess() store.LastAccess {
	return &lastAccess{client: s.client, table: s.cfg.LastAccessTable}
}

type lastAccess struct {
	client dynamoAPI
	table  string
}

func (l *lastAccess) key() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrID: &types.AttributeValueMemberN{Value: lastAccessRowID},
	}
}

func (l *lastAccess) Get(ctx context.Context) (time.Time, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(l.table),
		Key:                  l.key(),
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String(attrLastAccessAt),
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("get last access: %w", err)
	}
	v, ok := out.Item[attrLastAccessAt].(*types.AttributeValueMemberS)
	if !ok || v.Value == "" {
		return time.Time{}, store.ErrNoLastAccess
	}
	t, err := time.Parse(time.RFC3339Nano, v.Value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last access %q: %w", v.Value, err)
	}
	return t, nil
}

func (l *lastAccess) Touch(ctx context.Context, at time.Time) error {
	_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item: map[string]types.AttributeValue{
			attrID:           &types.AttributeValueMemberN{Value: lastAccessRowID},
			attrLastAccessAt: &types.AttributeValueMemberS{Value: at.UTC().Format(isoMillis)},
		},
	})
	if err != nil {
		return fmt.Errorf("touch last access: %w", err)
	}
	return nil
}

func decodeLease(jobID string, item map[string]types.AttributeValue) (*store.Lease, error) {
	lease := &store.Lease{JobID: jobID}
	// A lease without ttl has deadline 0 and is never valid.
	if n, ok := item[attrTTL].(*types.AttributeValueMemberN); ok {
		secs, err := strconv.ParseInt(n.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("lease %s: bad ttl %q: %w", jobID, n.Value, err)
		}
		lease.Deadline = time.Unix(secs, 0).UTC()
	} else {
		lease.Deadline = time.Unix(0, 0).UTC()
	}
	lease.Completed = boolAttr(item, attrCompleted)
	lease.Failed = boolAttr(item, attrFailed)
	lease.TokensRecovered = boolAttr(item, attrTokensRecovered)
	return lease, nil
}

func boolAttr(item map[string]types.AttributeValue, name string) bool {
	b, ok := item[name].(*types.AttributeValueMemberBOOL)
	return ok && b.Value
}
