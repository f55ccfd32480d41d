package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/iadigital/vtu-platform/pkg/stores"
	"github.com/iadigital/vtu-platform/pkg/stores/models"
)

// ReferenceIndex is the GSI used to resolve transactions by reference.
const ReferenceIndex = "ReferenceIndex"

// CreatedAtIndex is the GSI used for time-ordered transaction listings.
const CreatedAtIndex = "CreatedAtIndex"

// DefaultOpeningBalance is the balance a wallet is provisioned with on
// first access when the deployment does not configure one.
const DefaultOpeningBalance float64 = 0

// Config holds the configuration for the DynamoDB store bundle.
type Config struct {
	Region             string
	WalletsTable       string
	TransactionsTable  string
	SubscriptionsTable string
	Endpoint           string
	OpeningBalance     float64
}

// Factory creates DynamoDB store bundles.
type Factory struct{}

// NewFactory creates a new DynamoDB store factory.
func NewFactory() *Factory {
	return &Factory{}
}

// CreateStores implements the stores.Factory interface.
func (f *Factory) CreateStores(config map[string]interface{}) (stores.Stores, error) {
	cfg := Config{
		Region:             "us-east-1", // Default region
		WalletsTable:       "Wallets",
		TransactionsTable:  "Transactions",
		SubscriptionsTable: "WebhookSubscriptions",
		OpeningBalance:     DefaultOpeningBalance,
	}

	if region, ok := config["region"].(string); ok {
		cfg.Region = region
	}
	if table, ok := config["walletsTable"].(string); ok {
		cfg.WalletsTable = table
	}
	if table, ok := config["transactionsTable"].(string); ok {
		cfg.TransactionsTable = table
	}
	if table, ok := config["subscriptionsTable"].(string); ok {
		cfg.SubscriptionsTable = table
	}
	if endpoint, ok := config["endpoint"].(string); ok {
		cfg.Endpoint = endpoint
	}
	if balance, ok := config["openingBalance"].(float64); ok {
		cfg.OpeningBalance = balance
	}

	return New(cfg)
}

// Store is the DynamoDB-backed implementation of the store bundle.
type Store struct {
	client *dynamodb.Client
	cfg    Config
}

// New creates a new DynamoDB store bundle.
func New(cfg Config) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	if cfg.Endpoint != "" {
		// Use a custom endpoint (e.g., for local DynamoDB)
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:           cfg.Endpoint,
				SigningRegion: cfg.Region,
			}, nil
		})
		awsCfg.EndpointResolverWithOptions = customResolver
	}

	return &Store{
		client: dynamodb.NewFromConfig(awsCfg),
		cfg:    cfg,
	}, nil
}

// Wallets implements the stores.Stores interface.
func (s *Store) Wallets() stores.WalletStore { return (*walletStore)(s) }

// Transactions implements the stores.Stores interface.
func (s *Store) Transactions() stores.TransactionStore { return (*transactionStore)(s) }

// Subscriptions implements the stores.Stores interface.
func (s *Store) Subscriptions() stores.SubscriptionStore { return (*subscriptionStore)(s) }

// Close implements the stores.Stores interface.
func (s *Store) Close() error {
	// DynamoDB doesn't require explicit connection closing
	return nil
}

type walletStore Store

// GetBalance reads the wallet balance, provisioning the wallet with the
// configured opening balance on first access. Provisioning and read are a
// single UpdateItem so two concurrent first reads cannot disagree.
func (w *walletStore) GetBalance(ctx context.Context, userID string) (float64, error) {
	out, err := w.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(w.cfg.WalletsTable),
		Key: map[string]types.AttributeValue{
			"UserID": &types.AttributeValueMemberS{Value: userID},
		},
		UpdateExpression: aws.String("SET Balance = if_not_exists(Balance, :opening)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":opening": numberValue(w.cfg.OpeningBalance),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return 0, fmt.Errorf("UpdateItem operation failed: %w", err)
	}

	var wallet models.Wallet
	if err := attributevalue.UnmarshalMap(out.Attributes, &wallet); err != nil {
		return 0, fmt.Errorf("failed to unmarshal wallet: %w", err)
	}
	return wallet.Balance, nil
}

// Deduct decreases the balance by amount as a single conditional update.
// The condition requires the current balance to cover the amount, so the
// balance can never be observed negative regardless of concurrent callers.
func (w *walletStore) Deduct(ctx context.Context, userID string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("invalid deduction amount: %f", amount)
	}

	_, err := w.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(w.cfg.WalletsTable),
		Key: map[string]types.AttributeValue{
			"UserID": &types.AttributeValueMemberS{Value: userID},
		},
		UpdateExpression:    aws.String("SET Balance = Balance - :amount"),
		ConditionExpression: aws.String("Balance >= :amount"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":amount": numberValue(amount),
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return stores.ErrInsufficientFunds
		}
		return fmt.Errorf("UpdateItem operation failed: %w", err)
	}
	return nil
}

// Add increases the balance by amount. ADD creates the wallet item when it
// does not exist yet, so refunds to unprovisioned wallets still land.
func (w *walletStore) Add(ctx context.Context, userID string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("invalid credit amount: %f", amount)
	}

	_, err := w.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(w.cfg.WalletsTable),
		Key: map[string]types.AttributeValue{
			"UserID": &types.AttributeValueMemberS{Value: userID},
		},
		UpdateExpression: aws.String("ADD Balance :amount"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":amount": numberValue(amount),
		},
	})
	if err != nil {
		return fmt.Errorf("UpdateItem operation failed: %w", err)
	}
	return nil
}

type transactionStore Store

// Insert stores a new transaction, rejecting primary-key collisions.
func (t *transactionStore) Insert(ctx context.Context, tx *models.Transaction) error {
	if tx == nil {
		return errors.New("transaction cannot be nil")
	}

	item, err := attributevalue.MarshalMap(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}

	_, err = t.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(t.cfg.TransactionsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(ID)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return stores.ErrDuplicate
		}
		return fmt.Errorf("PutItem operation failed: %w", err)
	}
	return nil
}

// Finalize attempts the processing -> status transition as a conditional
// update on the Status attribute. The condition is the arbiter between the
// synchronous fulfillment path and the inbound webhook path when both
// report a result for the same transaction: only one caller can win it.
// Losing callers still get their metadata appended.
func (t *transactionStore) Finalize(ctx context.Context, userID, txID string, status models.TransactionStatus, extra map[string]interface{}) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finalize requires a terminal status, got %q", status)
	}

	key := map[string]types.AttributeValue{
		"UserID": &types.AttributeValueMemberS{Value: userID},
		"ID":     &types.AttributeValueMemberS{Value: txID},
	}

	expr, names, values, err := finalizeExpression(status, extra)
	if err != nil {
		return false, err
	}

	_, err = t.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(t.cfg.TransactionsTable),
		Key:                       key,
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("#st = :processing"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err == nil {
		return true, nil
	}

	var condErr *types.ConditionalCheckFailedException
	if !errors.As(err, &condErr) {
		return false, fmt.Errorf("UpdateItem operation failed: %w", err)
	}

	// Already terminal: append the metadata without touching the status.
	if err := t.appendMetadata(ctx, key, extra); err != nil {
		return false, err
	}
	return false, nil
}

// AppendMetadata merges extra into a transaction's metadata map in any
// state.
func (t *transactionStore) AppendMetadata(ctx context.Context, userID, txID string, extra map[string]interface{}) error {
	return t.appendMetadata(ctx, map[string]types.AttributeValue{
		"UserID": &types.AttributeValueMemberS{Value: userID},
		"ID":     &types.AttributeValueMemberS{Value: txID},
	}, extra)
}

// finalizeExpression builds the update expression that sets the terminal
// status and merges extra into the metadata map.
func finalizeExpression(status models.TransactionStatus, extra map[string]interface{}) (string, map[string]string, map[string]types.AttributeValue, error) {
	expr := "SET #st = :status, UpdatedAt = :now"
	names := map[string]string{"#st": "Status"}
	values := map[string]types.AttributeValue{
		":status":     &types.AttributeValueMemberS{Value: string(status)},
		":processing": &types.AttributeValueMemberS{Value: string(models.StatusProcessing)},
		":now":        &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
	}

	i := 0
	for k, v := range extra {
		nameKey := fmt.Sprintf("#mk%d", i)
		valueKey := fmt.Sprintf(":mv%d", i)
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to marshal metadata value %q: %w", k, err)
		}
		expr += fmt.Sprintf(", Metadata.%s = %s", nameKey, valueKey)
		names[nameKey] = k
		values[valueKey] = av
		i++
	}
	return expr, names, values, nil
}

// appendMetadata merges extra into the metadata map of a transaction
// without any condition on its state.
func (t *transactionStore) appendMetadata(ctx context.Context, key map[string]types.AttributeValue, extra map[string]interface{}) error {
	if len(extra) == 0 {
		return nil
	}

	expr := "SET UpdatedAt = :now"
	names := map[string]string{}
	values := map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
	}

	i := 0
	for k, v := range extra {
		nameKey := fmt.Sprintf("#mk%d", i)
		valueKey := fmt.Sprintf(":mv%d", i)
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata value %q: %w", k, err)
		}
		expr += fmt.Sprintf(", Metadata.%s = %s", nameKey, valueKey)
		names[nameKey] = k
		values[valueKey] = av
		i++
	}

	_, err := t.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(t.cfg.TransactionsTable),
		Key:                       key,
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(ID)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return stores.ErrNotFound
		}
		return fmt.Errorf("UpdateItem operation failed: %w", err)
	}
	return nil
}

// GetByReference resolves a transaction through the reference GSI.
func (t *transactionStore) GetByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	result, err := t.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(t.cfg.TransactionsTable),
		IndexName:              aws.String(ReferenceIndex),
		KeyConditionExpression: aws.String("#ref = :reference"),
		ExpressionAttributeNames: map[string]string{
			"#ref": "Reference",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":reference": &types.AttributeValueMemberS{Value: reference},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("Query operation failed: %w", err)
	}

	if len(result.Items) == 0 {
		return nil, stores.ErrNotFound
	}

	var tx models.Transaction
	if err := attributevalue.UnmarshalMap(result.Items[0], &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return &tx, nil
}

// ListByUser returns the user's transactions, newest first.
func (t *transactionStore) ListByUser(ctx context.Context, userID string, options *stores.QueryOptions) ([]*models.Transaction, error) {
	if options == nil {
		options = &stores.QueryOptions{Limit: 100}
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(t.cfg.TransactionsTable),
		IndexName:              aws.String(CreatedAtIndex),
		KeyConditionExpression: aws.String("UserID = :userId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":userId": &types.AttributeValueMemberS{Value: userID},
		},
		ScanIndexForward: aws.Bool(options.ScanIndexForward),
	}
	if options.Limit > 0 {
		input.Limit = aws.Int32(int32(options.Limit))
	}

	result, err := t.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("Query operation failed: %w", err)
	}
	return unmarshalTransactions(result.Items)
}

// ListByTimeRange returns the user's transactions created inside the range.
func (t *transactionStore) ListByTimeRange(ctx context.Context, userID string, startTime, endTime time.Time, options *stores.QueryOptions) ([]*models.Transaction, error) {
	if options == nil {
		options = &stores.QueryOptions{Limit: 100}
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(t.cfg.TransactionsTable),
		IndexName:              aws.String(CreatedAtIndex),
		KeyConditionExpression: aws.String("UserID = :userId AND CreatedAt BETWEEN :startTime AND :endTime"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":userId":    &types.AttributeValueMemberS{Value: userID},
			":startTime": &types.AttributeValueMemberS{Value: startTime.UTC().Format(time.RFC3339Nano)},
			":endTime":   &types.AttributeValueMemberS{Value: endTime.UTC().Format(time.RFC3339Nano)},
		},
		ScanIndexForward: aws.Bool(options.ScanIndexForward),
	}
	if options.Limit > 0 {
		input.Limit = aws.Int32(int32(options.Limit))
	}

	result, err := t.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("Query operation failed: %w", err)
	}
	return unmarshalTransactions(result.Items)
}

func unmarshalTransactions(items []map[string]types.AttributeValue) ([]*models.Transaction, error) {
	transactions := make([]*models.Transaction, 0, len(items))
	for _, item := range items {
		var tx models.Transaction
		if err := attributevalue.UnmarshalMap(item, &tx); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
		}
		transactions = append(transactions, &tx)
	}
	return transactions, nil
}

type subscriptionStore Store

// ListActive returns the user's active subscriptions for the given event.
// Activity and event filtering happen client-side; per-user subscription
// counts are small enough that a filter expression buys nothing.
func (s *subscriptionStore) ListActive(ctx context.Context, userID, event string) ([]*models.WebhookSubscription, error) {
	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.SubscriptionsTable),
		KeyConditionExpression: aws.String("UserID = :userId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":userId": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("Query operation failed: %w", err)
	}

	subs := make([]*models.WebhookSubscription, 0, len(result.Items))
	for _, item := range result.Items {
		var sub models.WebhookSubscription
		if err := attributevalue.UnmarshalMap(item, &sub); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		if sub.Wants(event) {
			subs = append(subs, &sub)
		}
	}
	return subs, nil
}

func numberValue(v float64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: formatAmount(v)}
}

// formatAmount renders a currency amount for DynamoDB number attributes
// without float artifacts beyond two decimal places.
func formatAmount(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
