package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/iadigital/vtu-platform/internal/audit"
	"github.com/iadigital/vtu-platform/internal/dispatch"
	"github.com/iadigital/vtu-platform/internal/metrics"
	"github.com/iadigital/vtu-platform/internal/provider"
	"github.com/iadigital/vtu-platform/internal/vtu"
	"github.com/iadigital/vtu-platform/internal/webhooks"
	dynamostores "github.com/iadigital/vtu-platform/pkg/stores/dynamodb"
	"github.com/iadigital/vtu-platform/pkg/stores/models"
	"go.uber.org/zap"
)

// purchaseBody is the JSON body of a purchase request. Which descriptor
// fields are populated depends on the product type.
type purchaseBody struct {
	Type        string                 `json:"type"`
	Network     string                 `json:"network"`
	PhoneNumber string                 `json:"phoneNumber"`
	PlanName    string                 `json:"planName"`
	PlanType    string                 `json:"planType"`
	Amount      float64                `json:"amount"`
	Details     map[string]interface{} `json:"details"`
}

// purchaseResponse is the success payload returned to the client.
type purchaseResponse struct {
	Success     bool                `json:"success"`
	Transaction *models.Transaction `json:"transaction"`
	Reference   string              `json:"reference"`
	Status      string              `json:"status"`
	Message     string              `json:"message"`
}

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Headers": "authorization, x-client-info, apikey, content-type",
	"Content-Type":                 "application/json",
}

// flushGrace bounds how long a request waits for queued webhook, audit and
// metrics tasks before the execution environment is frozen.
const flushGrace = 2 * time.Second

var (
	svc        vtu.Service
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
)

func init() {
	var err error
	logger, err = zap.NewProduction()
	if err != nil {
		fmt.Printf("Error creating logger: %v\n", err)
		os.Exit(1)
	}

	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}

	config := map[string]interface{}{
		"region": region,
	}
	if table := os.Getenv("WALLETS_TABLE"); table != "" {
		config["walletsTable"] = table
	}
	if table := os.Getenv("TRANSACTIONS_TABLE"); table != "" {
		config["transactionsTable"] = table
	}
	if table := os.Getenv("SUBSCRIPTIONS_TABLE"); table != "" {
		config["subscriptionsTable"] = table
	}
	if endpoint := os.Getenv("DYNAMODB_ENDPOINT"); endpoint != "" {
		config["endpoint"] = endpoint
	}
	if opening := os.Getenv("WALLET_OPENING_BALANCE"); opening != "" {
		if balance, err := strconv.ParseFloat(opening, 64); err == nil {
			config["openingBalance"] = balance
		}
	}

	factory := dynamostores.NewFactory()
	st, err := factory.CreateStores(config)
	if err != nil {
		logger.Fatal("error creating stores", zap.Error(err))
	}

	dispatcher = dispatch.New(8, 128, logger)
	notifier := webhooks.NewNotifier(st.Subscriptions(), dispatcher, nil, logger)

	prov := &provider.Stub{}
	if delay := os.Getenv("PROVIDER_DELAY_MS"); delay != "" {
		if ms, err := strconv.Atoi(delay); err == nil {
			prov.Delay = time.Duration(ms) * time.Millisecond
		}
	}

	opts := vtu.Options{}
	if timeout := os.Getenv("PROVIDER_TIMEOUT_MS"); timeout != "" {
		if ms, err := strconv.Atoi(timeout); err == nil {
			opts.ProviderTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if addr := os.Getenv("AUDIT_IMMUDB_ADDR"); addr != "" {
		port := 3322
		if p, err := strconv.Atoi(os.Getenv("AUDIT_IMMUDB_PORT")); err == nil {
			port = p
		}
		opts.Audit = audit.NewImmuTrail(audit.Config{
			Address:  addr,
			Port:     port,
			Username: os.Getenv("AUDIT_IMMUDB_USER"),
			Password: os.Getenv("AUDIT_IMMUDB_PASSWORD"),
			Database: os.Getenv("AUDIT_IMMUDB_DATABASE"),
		})
	}
	if database := os.Getenv("METRICS_DATABASE"); database != "" {
		recorder, err := metrics.NewRecorder(metrics.Config{
			Region:       region,
			DatabaseName: database,
			TableName:    os.Getenv("METRICS_TABLE"),
			Endpoint:     os.Getenv("TIMESTREAM_ENDPOINT"),
		})
		if err != nil {
			logger.Warn("metrics recorder disabled", zap.Error(err))
		} else {
			opts.Metrics = recorder
		}
	}

	svc = vtu.NewService(st, prov, notifier, dispatcher, logger, opts)
}

func handleRequest(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if request.HTTPMethod == "OPTIONS" {
		return events.APIGatewayProxyResponse{StatusCode: 200, Headers: corsHeaders}, nil
	}

	userID := callerID(request)
	if userID == "" {
		return errorResponse("Unauthorized"), nil
	}

	if request.HTTPMethod == "GET" {
		return handleWalletRead(ctx, userID), nil
	}

	var body purchaseBody
	if err := json.Unmarshal([]byte(request.Body), &body); err != nil {
		return errorResponse("invalid request body"), nil
	}

	productType := models.TransactionType(body.Type)
	if body.Type == "" {
		productType = models.Data
	}

	tx, err := svc.Submit(ctx, userID, vtu.PurchaseRequest{
		Type:        productType,
		Amount:      body.Amount,
		PhoneNumber: body.PhoneNumber,
		Network:     body.Network,
		PlanName:    body.PlanName,
		PlanType:    body.PlanType,
		Details:     body.Details,
	})
	dispatcher.Flush(flushGrace)
	if err != nil {
		logger.Warn("purchase rejected", zap.String("userID", userID), zap.Error(err))
		return errorResponse(err.Error()), nil
	}

	message := "Purchase successful"
	if result, ok := tx.Metadata["provider_response"].(*provider.Result); ok && result.Message != "" {
		message = result.Message
	}

	return jsonResponse(200, purchaseResponse{
		Success:     true,
		Transaction: tx,
		Reference:   tx.Reference,
		Status:      string(tx.Status),
		Message:     message,
	}), nil
}

// handleWalletRead serves the wallet view: current balance plus recent
// transactions, newest first. Reading the balance provisions the wallet
// on a user's first visit.
func handleWalletRead(ctx context.Context, userID string) events.APIGatewayProxyResponse {
	balance, err := svc.Balance(ctx, userID)
	if err != nil {
		logger.Warn("balance read failed", zap.String("userID", userID), zap.Error(err))
		return errorResponse(err.Error())
	}

	history, err := svc.History(ctx, userID, 50)
	if err != nil {
		logger.Warn("history read failed", zap.String("userID", userID), zap.Error(err))
		return errorResponse(err.Error())
	}

	return jsonResponse(200, map[string]interface{}{
		"success":      true,
		"balance":      balance,
		"transactions": history,
	})
}

// callerID resolves the authenticated user from the gateway authorizer
// claims. An empty result means the request carries no usable identity.
func callerID(request events.APIGatewayProxyRequest) string {
	authorizer := request.RequestContext.Authorizer
	if authorizer == nil {
		return ""
	}
	if claims, ok := authorizer["claims"].(map[string]interface{}); ok {
		if sub, ok := claims["sub"].(string); ok {
			return sub
		}
	}
	if sub, ok := authorizer["sub"].(string); ok {
		return sub
	}
	return ""
}

func jsonResponse(status int, payload interface{}) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		return events.APIGatewayProxyResponse{
			StatusCode: 500,
			Headers:    corsHeaders,
			Body:       `{"error":"internal error"}`,
		}
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    corsHeaders,
		Body:       string(body),
	}
}

func errorResponse(message string) events.APIGatewayProxyResponse {
	return jsonResponse(400, map[string]string{"error": message})
}

func main() {
	lambda.Start(handleRequest)
}
