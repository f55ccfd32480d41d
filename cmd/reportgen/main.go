// reportgen queries the transaction measurements recorded in Timestream
// and renders volume reports: a console table, a markdown summary and a
// PNG bar chart of daily purchase volume per product type.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/timestreamquery"
	"github.com/olekukonko/tablewriter"
	"github.com/wcharczuk/go-chart/v2"
)

// Command line flags
var (
	databaseName = flag.String("database", "VTUMetrics", "Timestream database name")
	tableName    = flag.String("table", "Transactions", "Timestream table name")
	region       = flag.String("region", "us-east-1", "AWS region")
	endpoint     = flag.String("endpoint", "", "Custom Timestream endpoint (for local testing)")
	days         = flag.Int("days", 7, "Number of days to report on")
	outputDir    = flag.String("output", "./reports", "Directory to store generated reports")
	verbose      = flag.Bool("verbose", false, "Enable verbose output")
)

// volumeRow is one aggregated slice of transaction volume.
type volumeRow struct {
	Day         time.Time
	Type        string
	Count       int64
	TotalAmount float64
}

func main() {
	flag.Parse()

	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ldate | log.Ltime)

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	ctx := context.Background()
	client, err := newQueryClient(ctx)
	if err != nil {
		log.Fatalf("Failed to create Timestream client: %v", err)
	}

	rows, err := queryVolume(ctx, client)
	if err != nil {
		log.Fatalf("Failed to query transaction volume: %v", err)
	}
	if len(rows) == 0 {
		log.Println("No transactions recorded in the selected window")
		return
	}

	printTable(rows)

	if err := writeMarkdown(rows); err != nil {
		log.Printf("Failed to write markdown report: %v", err)
	}
	if err := renderChart(rows); err != nil {
		log.Printf("Failed to render volume chart: %v", err)
	}
}

func newQueryClient(ctx context.Context) (*timestreamquery.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(*region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	if *endpoint != "" {
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:           *endpoint,
				SigningRegion: region,
			}, nil
		})
		awsCfg.EndpointResolverWithOptions = customResolver
	}

	return timestreamquery.NewFromConfig(awsCfg), nil
}

// queryVolume aggregates completed and failed purchases per day and
// product type over the reporting window.
func queryVolume(ctx context.Context, client *timestreamquery.Client) ([]volumeRow, error) {
	query := fmt.Sprintf(`
		SELECT bin(time, 1d) AS day,
			transaction_type,
			COUNT(*) AS tx_count,
			SUM(measure_value::double) AS total_amount
		FROM "%s"."%s"
		WHERE measure_name = 'amount'
			AND time > ago(%dd)
		GROUP BY bin(time, 1d), transaction_type
		ORDER BY day ASC, transaction_type ASC
	`, *databaseName, *tableName, *days)

	if *verbose {
		log.Printf("Query: %s", query)
	}

	result, err := client.Query(ctx, &timestreamquery.QueryInput{
		QueryString: aws.String(query),
	})
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	rows := make([]volumeRow, 0, len(result.Rows))
	for _, row := range result.Rows {
		if len(row.Data) < 4 {
			continue
		}

		day, err := parseTimestreamTime(*row.Data[0].ScalarValue)
		if err != nil {
			continue
		}
		count, err := strconv.ParseInt(*row.Data[2].ScalarValue, 10, 64)
		if err != nil {
			continue
		}
		total, err := strconv.ParseFloat(*row.Data[3].ScalarValue, 64)
		if err != nil {
			continue
		}

		rows = append(rows, volumeRow{
			Day:         day,
			Type:        *row.Data[1].ScalarValue,
			Count:       count,
			TotalAmount: total,
		})
	}
	return rows, nil
}

// parseTimestreamTime handles Timestream's timestamp format.
func parseTimestreamTime(value string) (time.Time, error) {
	formats := []string{
		"2006-01-02 15:04:05.000000000",
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
	}
	for _, format := range formats {
		if t, err := time.Parse(format, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp: %s", value)
}

func printTable(rows []volumeRow) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Day", "Type", "Transactions", "Total Amount"})

	for _, r := range rows {
		table.Append([]string{
			r.Day.Format("2006-01-02"),
			r.Type,
			fmt.Sprintf("%d", r.Count),
			fmt.Sprintf("%.2f", r.TotalAmount),
		})
	}
	table.Render()
}

func writeMarkdown(rows []volumeRow) error {
	path := filepath.Join(*outputDir, "volume_report.md")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "# Transaction Volume Report\n\n")
	fmt.Fprintf(f, "Generated: %s\n\n", time.Now().Format(time.RFC1123))
	fmt.Fprintf(f, "Window: last %d days\n\n", *days)

	table := tablewriter.NewWriter(f)
	table.SetHeader([]string{"Day", "Type", "Transactions", "Total Amount"})
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")

	for _, r := range rows {
		table.Append([]string{
			r.Day.Format("2006-01-02"),
			r.Type,
			fmt.Sprintf("%d", r.Count),
			fmt.Sprintf("%.2f", r.TotalAmount),
		})
	}
	table.Render()

	log.Printf("Markdown report saved to %s", path)
	return nil
}

// renderChart draws total purchase volume per product type across the
// whole window.
func renderChart(rows []volumeRow) error {
	totals := make(map[string]float64)
	for _, r := range rows {
		totals[r.Type] += r.TotalAmount
	}

	types := make([]string, 0, len(totals))
	for t := range totals {
		types = append(types, t)
	}
	sort.Strings(types)

	bars := make([]chart.Value, 0, len(types))
	for _, t := range types {
		bars = append(bars, chart.Value{
			Label: strings.ToUpper(t),
			Value: totals[t],
		})
	}

	barChart := chart.BarChart{
		Title: fmt.Sprintf("Purchase Volume by Product Type (last %d days)", *days),
		Background: chart.Style{
			Padding: chart.Box{
				Top:    40,
				Left:   20,
				Right:  20,
				Bottom: 20,
			},
		},
		Width:    800,
		Height:   400,
		BarWidth: 60,
		Bars:     bars,
		YAxis: chart.YAxis{
			ValueFormatter: func(v interface{}) string {
				if f, ok := v.(float64); ok {
					return fmt.Sprintf("%.0f", f)
				}
				return ""
			},
		},
	}

	path := filepath.Join(*outputDir, "volume_by_type.png")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create chart file: %w", err)
	}
	defer f.Close()

	if err := barChart.Render(chart.PNG, f); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}

	log.Printf("Volume chart saved to %s", path)
	return nil
}
