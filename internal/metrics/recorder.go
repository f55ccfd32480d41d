// Package metrics emits per-transaction measurements to AWS Timestream
// for the volume and latency reports rendered by cmd/reportgen. Emission
// is best-effort through the background dispatcher; a write failure never
// surfaces to the request that produced the measurement.
package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite/types"
	"github.com/iadigital/vtu-platform/pkg/stores/models"
)

// Config holds the Timestream settings for the recorder.
type Config struct {
	Region       string
	DatabaseName string
	TableName    string
	Endpoint     string
}

// Recorder writes transaction measurements to Timestream.
type Recorder struct {
	writeClient  *timestreamwrite.Client
	databaseName string
	tableName    string
}

// NewRecorder creates a Recorder from the given configuration.
func NewRecorder(cfg Config) (*Recorder, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DatabaseName == "" {
		cfg.DatabaseName = "VTUMetrics"
	}
	if cfg.TableName == "" {
		cfg.TableName = "Transactions"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	if cfg.Endpoint != "" {
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:           cfg.Endpoint,
				SigningRegion: cfg.Region,
			}, nil
		})
		awsCfg.EndpointResolverWithOptions = customResolver
	}

	return &Recorder{
		writeClient:  timestreamwrite.NewFromConfig(awsCfg),
		databaseName: cfg.DatabaseName,
		tableName:    cfg.TableName,
	}, nil
}

// RecordTransaction writes the amount and processing duration of one
// finalized transaction.
func (r *Recorder) RecordTransaction(ctx context.Context, tx *models.Transaction, duration time.Duration) error {
	dimensions := []types.Dimension{
		{
			Name:  aws.String("transaction_type"),
			Value: aws.String(string(tx.Type)),
		},
		{
			Name:  aws.String("status"),
			Value: aws.String(string(tx.Status)),
		},
		{
			Name:  aws.String("reference"),
			Value: aws.String(tx.Reference),
		},
	}
	if tx.Network != "" {
		dimensions = append(dimensions, types.Dimension{
			Name:  aws.String("network"),
			Value: aws.String(tx.Network),
		})
	}

	now := strconv.FormatInt(time.Now().UnixNano(), 10)

	records := []types.Record{
		{
			Dimensions:       dimensions,
			MeasureName:      aws.String("amount"),
			MeasureValue:     aws.String(fmt.Sprintf("%f", tx.Amount)),
			MeasureValueType: types.MeasureValueTypeDouble,
			Time:             aws.String(now),
			TimeUnit:         types.TimeUnitNanoseconds,
		},
		{
			Dimensions:       dimensions,
			MeasureName:      aws.String("duration_ms"),
			MeasureValue:     aws.String(fmt.Sprintf("%f", float64(duration.Microseconds())/1000.0)),
			MeasureValueType: types.MeasureValueTypeDouble,
			Time:             aws.String(now),
			TimeUnit:         types.TimeUnitNanoseconds,
		},
	}

	_, err := r.writeClient.WriteRecords(ctx, &timestreamwrite.WriteRecordsInput{
		DatabaseName: aws.String(r.databaseName),
		TableName:    aws.String(r.tableName),
		Records:      records,
	})
	if err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}
	return nil
}
