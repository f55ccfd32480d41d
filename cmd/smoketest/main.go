// smoketest drives purchase requests through a deployed (or locally
// emulated) process-purchase function and optionally replays provider
// webhooks against the webhook-handler, then tabulates the outcomes.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/olekukonko/tablewriter"
)

// invocationPath is the Lambda runtime interface emulator invocation path.
const invocationPath = "/2015-03-31/functions/function/invocations"

// purchaseResult captures one round trip through the purchase function.
type purchaseResult struct {
	Type       string    `json:"type"`
	Reference  string    `json:"reference"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"httpStatus"`
	Error      string    `json:"error,omitempty"`
	DurationMs float64   `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

// Command line flags
var (
	purchaseEndpoint = flag.String("purchase-endpoint", "", "process-purchase function endpoint URL")
	webhookEndpoint  = flag.String("webhook-endpoint", "", "webhook-handler function endpoint URL (optional)")
	userID           = flag.String("user", "smoke-test-user", "caller identity to stamp on requests")
	productTypes     = flag.String("types", "data,airtime", "Comma-separated list of product types to purchase")
	count            = flag.Int("count", 5, "Number of purchases per product type")
	amount           = flag.Float64("amount", 100, "Purchase amount")
	phoneNumber      = flag.String("phone", "08031234567", "Phone number to purchase for")
	network          = flag.String("network", "mtn", "Network for data/airtime purchases")
	webhookStatus    = flag.String("webhook-status", "failed", "Status to replay through the webhook handler")
	outputDir        = flag.String("output", "", "Directory to store result files")
	verbose          = flag.Bool("verbose", false, "Enable verbose output")
)

func main() {
	flag.Parse()

	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ldate | log.Ltime)

	if *purchaseEndpoint == "" {
		*purchaseEndpoint = os.Getenv("PURCHASE_FUNCTION_URL")
		if *purchaseEndpoint == "" {
			log.Fatal("Purchase endpoint not specified. Use --purchase-endpoint or PURCHASE_FUNCTION_URL")
		}
	}
	if *webhookEndpoint == "" {
		*webhookEndpoint = os.Getenv("WEBHOOK_FUNCTION_URL")
	}

	if *outputDir == "" {
		*outputDir = os.Getenv("RESULTS_DIR")
		if *outputDir == "" {
			*outputDir = "./results"
		}
	}
	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	var results []purchaseResult
	for _, productType := range strings.Split(*productTypes, ",") {
		productType = strings.TrimSpace(productType)
		for i := 0; i < *count; i++ {
			result := runPurchase(productType)
			results = append(results, result)

			if *webhookEndpoint != "" && result.Reference != "" {
				replayWebhook(result.Reference)
			}
		}
	}

	fetchWallet()
	saveResults(results)
	printSummary(results)
}

// fetchWallet reads the wallet view back so the run ends with the
// authoritative balance and transaction count.
func fetchWallet() {
	event := events.APIGatewayProxyRequest{
		HTTPMethod: "GET",
		RequestContext: events.APIGatewayProxyRequestContext{
			Authorizer: map[string]interface{}{
				"claims": map[string]interface{}{"sub": *userID},
			},
		},
	}

	response, err := invoke(*purchaseEndpoint, event)
	if err != nil {
		log.Printf("Wallet read failed: %v", err)
		return
	}

	var payload struct {
		Balance      float64           `json:"balance"`
		Transactions []json.RawMessage `json:"transactions"`
	}
	if err := json.Unmarshal([]byte(response.Body), &payload); err != nil {
		log.Printf("Failed to parse wallet response: %v", err)
		return
	}

	log.Printf("Wallet balance: %.2f (%d transactions on record)", payload.Balance, len(payload.Transactions))
}

// runPurchase invokes the purchase function once and records the outcome.
func runPurchase(productType string) purchaseResult {
	result := purchaseResult{
		Type:      productType,
		Timestamp: time.Now(),
	}

	body, err := json.Marshal(map[string]interface{}{
		"type":        productType,
		"network":     *network,
		"phoneNumber": *phoneNumber,
		"planName":    "1GB MONTHLY",
		"planType":    "SME",
		"amount":      *amount,
	})
	if err != nil {
		result.Error = err.Error()
		return result
	}

	event := events.APIGatewayProxyRequest{
		HTTPMethod: "POST",
		Body:       string(body),
		RequestContext: events.APIGatewayProxyRequestContext{
			Authorizer: map[string]interface{}{
				"claims": map[string]interface{}{"sub": *userID},
			},
		},
	}

	start := time.Now()
	response, err := invoke(*purchaseEndpoint, event)
	result.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.HTTPStatus = response.StatusCode

	var payload struct {
		Success   bool   `json:"success"`
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Message   string `json:"message"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal([]byte(response.Body), &payload); err != nil {
		result.Error = fmt.Sprintf("failed to parse response body: %v", err)
		return result
	}

	result.Reference = payload.Reference
	result.Status = payload.Status
	result.Message = payload.Message
	result.Error = payload.Error
	return result
}

// replayWebhook posts a transaction.update event for the reference, the
// way an upstream provider would.
func replayWebhook(reference string) {
	body, err := json.Marshal(map[string]string{
		"event":     "transaction.update",
		"reference": reference,
		"status":    *webhookStatus,
		"message":   "smoke test webhook replay",
	})
	if err != nil {
		log.Printf("Failed to marshal webhook payload: %v", err)
		return
	}

	event := events.APIGatewayProxyRequest{
		HTTPMethod: "POST",
		Body:       string(body),
	}

	response, err := invoke(*webhookEndpoint, event)
	if err != nil {
		log.Printf("Webhook replay failed for %s: %v", reference, err)
		return
	}
	if *verbose {
		log.Printf("Webhook replay for %s: %d %s", reference, response.StatusCode, response.Body)
	}
}

// invoke posts an API Gateway event to a function endpoint and decodes the
// proxied response.
func invoke(endpoint string, event events.APIGatewayProxyRequest) (*events.APIGatewayProxyResponse, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	if *verbose {
		log.Printf("Request payload: %s", string(payload))
	}

	resp, err := http.Post(endpoint+invocationPath, "application/json", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to invoke function: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if *verbose {
		log.Printf("Response: %s", string(body))
	}

	var response events.APIGatewayProxyResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &response, nil
}

func saveResults(results []purchaseResult) {
	timestamp := time.Now().Format("20060102-150405")
	filename := fmt.Sprintf("smoketest-%s.json", timestamp)
	path := filepath.Join(*outputDir, filename)

	jsonData, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		log.Printf("Failed to marshal results to JSON: %v", err)
		return
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		log.Printf("Failed to write results to file: %v", err)
		return
	}

	log.Printf("Results saved to %s", path)
}

func printSummary(results []purchaseResult) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Type", "Reference", "Status", "HTTP", "Latency (ms)", "Error"})

	succeeded := 0
	for _, r := range results {
		errMsg := r.Error
		if errMsg == "" {
			succeeded++
		}
		table.Append([]string{
			r.Type,
			r.Reference,
			r.Status,
			fmt.Sprintf("%d", r.HTTPStatus),
			fmt.Sprintf("%.2f", r.DurationMs),
			errMsg,
		})
	}
	table.Render()

	log.Printf("%d/%d purchases succeeded", succeeded, len(results))
}
