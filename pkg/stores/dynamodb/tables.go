package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// CreateTables provisions the three backing tables, skipping any that
// already exist, and waits for them to become active.
func (s *Store) CreateTables(ctx context.Context, rcus, wcus int64) error {
	if err := s.createWalletsTable(ctx, rcus, wcus); err != nil {
		return fmt.Errorf("wallets table: %w", err)
	}
	if err := s.createTransactionsTable(ctx, rcus, wcus); err != nil {
		return fmt.Errorf("transactions table: %w", err)
	}
	if err := s.createSubscriptionsTable(ctx, rcus, wcus); err != nil {
		return fmt.Errorf("subscriptions table: %w", err)
	}
	return nil
}

func (s *Store) createWalletsTable(ctx context.Context, rcus, wcus int64) error {
	input := &dynamodb.CreateTableInput{
		TableName: aws.String(s.cfg.WalletsTable),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("UserID"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("UserID"),
				KeyType:       types.KeyTypeHash,
			},
		},
		ProvisionedThroughput: &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(rcus),
			WriteCapacityUnits: aws.Int64(wcus),
		},
	}
	return s.createTable(ctx, input)
}

func (s *Store) createTransactionsTable(ctx context.Context, rcus, wcus int64) error {
	throughput := &types.ProvisionedThroughput{
		ReadCapacityUnits:  aws.Int64(rcus),
		WriteCapacityUnits: aws.Int64(wcus),
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(s.cfg.TransactionsTable),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("UserID"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("ID"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("Reference"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("CreatedAt"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("UserID"),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String("ID"),
				KeyType:       types.KeyTypeRange,
			},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(ReferenceIndex),
				KeySchema: []types.KeySchemaElement{
					{
						AttributeName: aws.String("Reference"),
						KeyType:       types.KeyTypeHash,
					},
				},
				Projection: &types.Projection{
					ProjectionType: types.ProjectionTypeAll,
				},
				ProvisionedThroughput: throughput,
			},
			{
				IndexName: aws.String(CreatedAtIndex),
				KeySchema: []types.KeySchemaElement{
					{
						AttributeName: aws.String("UserID"),
						KeyType:       types.KeyTypeHash,
					},
					{
						AttributeName: aws.String("CreatedAt"),
						KeyType:       types.KeyTypeRange,
					},
				},
				Projection: &types.Projection{
					ProjectionType: types.ProjectionTypeAll,
				},
				ProvisionedThroughput: throughput,
			},
		},
		ProvisionedThroughput: throughput,
	}
	return s.createTable(ctx, input)
}

func (s *Store) createSubscriptionsTable(ctx context.Context, rcus, wcus int64) error {
	input := &dynamodb.CreateTableInput{
		TableName: aws.String(s.cfg.SubscriptionsTable),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("UserID"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("ID"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("UserID"),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String("ID"),
				KeyType:       types.KeyTypeRange,
			},
		},
		ProvisionedThroughput: &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(rcus),
			WriteCapacityUnits: aws.Int64(wcus),
		},
	}
	return s.createTable(ctx, input)
}

func (s *Store) createTable(ctx context.Context, input *dynamodb.CreateTableInput) error {
	_, err := s.client.CreateTable(ctx, input)
	if err != nil {
		var alreadyExistsErr *types.ResourceInUseException
		if errors.As(err, &alreadyExistsErr) {
			// Table already exists, which is fine
			return nil
		}
		return err
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	err = waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: input.TableName,
	}, 5*time.Minute)
	if err != nil {
		return fmt.Errorf("failed to wait for table creation: %w", err)
	}
	return nil
}
