// tablesetup provisions the platform's backing stores: the DynamoDB
// wallet, transaction and subscription tables, and the Timestream
// database and table that receive transaction metrics. Safe to rerun;
// existing resources are left alone.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite/types"
	dynamostores "github.com/iadigital/vtu-platform/pkg/stores/dynamodb"
)

func main() {
	region := getEnv("AWS_REGION", "us-east-1")

	ctx := context.Background()

	if err := setupDynamoDB(ctx, region); err != nil {
		log.Fatalf("DynamoDB setup failed: %v", err)
	}

	if getEnv("SKIP_TIMESTREAM", "") == "" {
		if err := setupTimestream(ctx, region); err != nil {
			log.Fatalf("Timestream setup failed: %v", err)
		}
	}

	log.Println("Store setup completed successfully")
}

// setupDynamoDB creates the wallet, transaction and subscription tables.
func setupDynamoDB(ctx context.Context, region string) error {
	cfg := map[string]interface{}{
		"region": region,
	}
	if table := os.Getenv("WALLETS_TABLE"); table != "" {
		cfg["walletsTable"] = table
	}
	if table := os.Getenv("TRANSACTIONS_TABLE"); table != "" {
		cfg["transactionsTable"] = table
	}
	if table := os.Getenv("SUBSCRIPTIONS_TABLE"); table != "" {
		cfg["subscriptionsTable"] = table
	}
	if endpoint := os.Getenv("DYNAMODB_ENDPOINT"); endpoint != "" {
		log.Printf("Using custom DynamoDB endpoint: %s", endpoint)
		cfg["endpoint"] = endpoint
	}

	st, err := dynamostores.NewFactory().CreateStores(cfg)
	if err != nil {
		return fmt.Errorf("failed to create stores: %w", err)
	}
	defer st.Close()

	store, ok := st.(*dynamostores.Store)
	if !ok {
		return fmt.Errorf("unexpected store type %T", st)
	}

	rcus := envInt64("DYNAMODB_RCUS", 5)
	wcus := envInt64("DYNAMODB_WCUS", 5)

	log.Printf("Creating DynamoDB tables (RCUs=%d, WCUs=%d)", rcus, wcus)
	if err := store.CreateTables(ctx, rcus, wcus); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// setupTimestream creates the metrics database and table.
func setupTimestream(ctx context.Context, region string) error {
	endpoint := getEnv("TIMESTREAM_ENDPOINT", "")
	databaseName := getEnv("METRICS_DATABASE", "VTUMetrics")
	tableName := getEnv("METRICS_TABLE", "Transactions")

	log.Printf("Setting up Timestream database: %s, table: %s", databaseName, tableName)

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return fmt.Errorf("unable to load SDK config: %w", err)
	}

	if endpoint != "" {
		log.Printf("Using custom Timestream endpoint: %s", endpoint)
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:           endpoint,
				SigningRegion: region,
			}, nil
		})
		cfg.EndpointResolverWithOptions = customResolver
	}

	writeSvc := timestreamwrite.NewFromConfig(cfg)

	if err := createDatabaseIfNotExists(ctx, writeSvc, databaseName); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	if err := createTableIfNotExists(ctx, writeSvc, databaseName, tableName); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

func createDatabaseIfNotExists(ctx context.Context, client *timestreamwrite.Client, databaseName string) error {
	_, err := client.DescribeDatabase(ctx, &timestreamwrite.DescribeDatabaseInput{
		DatabaseName: aws.String(databaseName),
	})
	if err != nil {
		if isResourceNotFound(err) {
			log.Printf("Database %s does not exist, creating...", databaseName)
			_, err = client.CreateDatabase(ctx, &timestreamwrite.CreateDatabaseInput{
				DatabaseName: aws.String(databaseName),
			})
			if err != nil {
				return fmt.Errorf("failed to create database: %w", err)
			}
			log.Printf("Database %s created successfully", databaseName)
			return nil
		}
		return fmt.Errorf("error checking database existence: %w", err)
	}

	log.Printf("Database %s already exists", databaseName)
	return nil
}

func createTableIfNotExists(ctx context.Context, client *timestreamwrite.Client, databaseName, tableName string) error {
	_, err := client.DescribeTable(ctx, &timestreamwrite.DescribeTableInput{
		DatabaseName: aws.String(databaseName),
		TableName:    aws.String(tableName),
	})
	if err != nil {
		if isResourceNotFound(err) {
			log.Printf("Table %s does not exist in database %s, creating...", tableName, databaseName)
			_, err = client.CreateTable(ctx, &timestreamwrite.CreateTableInput{
				DatabaseName: aws.String(databaseName),
				TableName:    aws.String(tableName),
				RetentionProperties: &types.RetentionProperties{
					MagneticStoreRetentionPeriodInDays: aws.Int64(30),
					MemoryStoreRetentionPeriodInHours:  aws.Int64(24),
				},
			})
			if err != nil {
				return fmt.Errorf("failed to create table: %w", err)
			}
			log.Printf("Table %s created successfully", tableName)
			return nil
		}
		return fmt.Errorf("error checking table existence: %w", err)
	}

	log.Printf("Table %s already exists in database %s", tableName, databaseName)
	return nil
}

// isResourceNotFound checks if an error is a ResourceNotFoundException.
func isResourceNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "ResourceNotFoundException")
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func envInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
