// Package archive stores a resolved market's trade log in S3-compatible
// object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/domino14/skyodds/pkg/ledger"
)

type ClientConfig struct {
	// Endpoint overrides the AWS endpoint for S3-compatible stores.
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// Uploader is the part of manager.Uploader the archiver needs.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type S3Archiver struct {
	up     Uploader
	bucket string
	prefix string
}

// New builds an archiver from static credentials, or the default AWS
// credential chain when no access key is configured.
func New(ctx context.Context, cfg ClientConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive: region is required")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return NewWithUploader(manager.NewUploader(client), cfg.Bucket, cfg.Prefix), nil
}

func NewWithUploader(up Uploader, bucket, prefix string) *S3Archiver {
	return &S3Archiver{up: up, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (a *S3Archiver) key(marketID, name string) string {
	k := "markets/" + marketID + "/" + name
	if a.prefix != "" {
		k = a.prefix + "/" + k
	}
	return k
}

// Summary is the closing state written next to the trade log.
type Summary struct {
	Market     *ledger.Market `json:"market"`
	Trades     int            `json:"trades"`
	Prices     []float64      `json:"final_prices"`
	ArchivedAt time.Time      `json:"archived_at"`
}

// EncodeTrades renders records as JSON lines.
func EncodeTrades(trades []ledger.TradeRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range trades {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode trade %d: %w", rec.Sequence, err)
		}
	}
	return buf.Bytes(), nil
}

// Archive writes markets/<id>/trades.jsonl and markets/<id>/summary.json.
func (a *S3Archiver) Archive(ctx context.Context, m *ledger.Market, trades []ledger.TradeRecord) error {
	lines, err := EncodeTrades(trades)
	if err != nil {
		return err
	}
	prices, err := m.Prices()
	if err != nil {
		return err
	}
	summary, err := json.MarshalIndent(Summary{
		Market:     m,
		Trades:     len(trades),
		Prices:     prices,
		ArchivedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	for _, obj := range []struct {
		name, contentType string
		body              []byte
	}{
		{"trades.jsonl", "application/x-ndjson", lines},
		{"summary.json", "application/json", summary},
	} {
		key := a.key(m.ID, obj.name)
		_, err := a.up.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(obj.body),
			ContentType: aws.String(obj.contentType),
		})
		if err != nil {
			return fmt.Errorf("archive: upload %s: %w", key, err)
		}
	}
	log.Info().Str("marketID", m.ID).Int("trades", len(trades)).Str("bucket", a.bucket).Msg("market-archived")
	return nil
}
