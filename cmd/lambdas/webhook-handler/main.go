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
	"github.com/iadigital/vtu-platform/internal/provider"
	"github.com/iadigital/vtu-platform/internal/vtu"
	"github.com/iadigital/vtu-platform/internal/webhooks"
	dynamostores "github.com/iadigital/vtu-platform/pkg/stores/dynamodb"
	"github.com/iadigital/vtu-platform/pkg/stores/models"
	"go.uber.org/zap"
)

// webhookPayload is the JSON body an upstream provider posts to report a
// transaction's externally-observed status.
type webhookPayload struct {
	Event     string `json:"event"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// eventTransactionUpdate is the only inbound event this handler acts on.
const eventTransactionUpdate = "transaction.update"

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Headers": "authorization, x-client-info, apikey, content-type, x-webhook-signature",
	"Content-Type":                 "application/json",
}

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

	factory := dynamostores.NewFactory()
	st, err := factory.CreateStores(config)
	if err != nil {
		logger.Fatal("error creating stores", zap.Error(err))
	}

	dispatcher = dispatch.New(8, 128, logger)
	notifier := webhooks.NewNotifier(st.Subscriptions(), dispatcher, nil, logger)

	opts := vtu.Options{}
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

	// The provider is never invoked on this path; the stub satisfies the
	// service's wiring.
	svc = vtu.NewService(st, &provider.Stub{}, notifier, dispatcher, logger, opts)
}

func handleRequest(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if request.HTTPMethod == "OPTIONS" {
		return events.APIGatewayProxyResponse{StatusCode: 200, Headers: corsHeaders}, nil
	}

	// TODO: verify x-webhook-signature once the VTU provider publishes
	// its signing key.
	signature := request.Headers["x-webhook-signature"]
	if signature == "" {
		signature = request.Headers["X-Webhook-Signature"]
	}
	_ = signature

	var payload webhookPayload
	if err := json.Unmarshal([]byte(request.Body), &payload); err != nil {
		return errorResponse("invalid request body"), nil
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(request.Body), &raw); err != nil {
		raw = nil
	}

	logger.Info("received webhook",
		zap.String("event", payload.Event),
		zap.String("reference", payload.Reference))

	if payload.Event != eventTransactionUpdate {
		// Unknown events are acknowledged without action.
		return jsonResponse(200, map[string]interface{}{
			"success": true,
			"message": "Webhook processed",
		}), nil
	}

	tx, err := svc.ApplyUpdate(ctx, vtu.StatusUpdate{
		Reference: payload.Reference,
		Status:    models.TransactionStatus(payload.Status),
		Message:   payload.Message,
		Raw:       raw,
	})
	dispatcher.Flush(flushGrace)
	if err != nil {
		logger.Warn("webhook rejected",
			zap.String("reference", payload.Reference),
			zap.Error(err))
		return errorResponse(err.Error()), nil
	}

	logger.Info("transaction updated",
		zap.String("reference", tx.Reference),
		zap.String("status", string(tx.Status)))

	return jsonResponse(200, map[string]interface{}{
		"success": true,
		"message": "Webhook processed",
	}), nil
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
