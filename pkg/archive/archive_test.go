package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/matryer/is"

	"github.com/domino14/skyodds/pkg/ledger"
)

type memUploader struct {
	objects map[string][]byte
	types   map[string]string
}

func (u *memUploader) Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	bts, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	u.objects[key] = bts
	u.types[key] = aws.ToString(in.ContentType)
	return &manager.UploadOutput{}, nil
}

func TestArchiveWritesTradesAndSummary(t *testing.T) {
	is := is.New(t)
	dep := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	m, err := ledger.NewMarket("0xfeed", ledger.Flight{Number: "UA1", Origin: "SFO", Destination: "JFK", Airline: "UA"},
		ledger.FlightOutcomes, 100, dep, dep.Add(-time.Hour))
	is.NoErr(err)
	trades := []ledger.TradeRecord{
		{ID: "a", MarketID: m.ID, Sequence: 1, Quantities: []float64{10, 0, 0, 0}, Kind: ledger.Buy},
		{ID: "b", MarketID: m.ID, Sequence: 2, Quantities: []float64{5, 0, 0, 0}, Kind: ledger.Sell},
	}
	up := &memUploader{objects: map[string][]byte{}, types: map[string]string{}}
	a := NewWithUploader(up, "bucket", "/archive/")
	is.NoErr(a.Archive(context.Background(), m, trades))

	lines := up.objects["bucket/archive/markets/0xfeed/trades.jsonl"]
	is.Equal(up.types["bucket/archive/markets/0xfeed/trades.jsonl"], "application/x-ndjson")
	sc := bufio.NewScanner(bytes.NewReader(lines))
	var seqs []uint64
	for sc.Scan() {
		var rec ledger.TradeRecord
		is.NoErr(json.Unmarshal(sc.Bytes(), &rec))
		seqs = append(seqs, rec.Sequence)
	}
	is.Equal(seqs, []uint64{1, 2})

	var s Summary
	is.NoErr(json.Unmarshal(up.objects["bucket/archive/markets/0xfeed/summary.json"], &s))
	is.Equal(s.Trades, 2)
	is.Equal(s.Market.ID, "0xfeed")
	is.Equal(len(s.Prices), 4)
}

func TestNewRequiresBucketAndRegion(t *testing.T) {
	is := is.New(t)
	_, err := New(context.Background(), ClientConfig{Region: "us-east-1"})
	is.True(err != nil)
	_, err = New(context.Background(), ClientConfig{Bucket: "b"})
	is.True(err != nil)
}
