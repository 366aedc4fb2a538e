// Package events fans committed trade records out to subscribers: Redis
// pub/sub, a Kafka topic and websocket clients of the live price chart.
// Records of one market carry increasing sequence numbers; consumers that
// need order sort on them.
package events

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/domino14/skyodds/pkg/ledger"
)

// Encode serializes a trade record as a protobuf Struct.
func Encode(rec ledger.TradeRecord) ([]byte, error) {
	quantities := make([]any, len(rec.Quantities))
	for i, q := range rec.Quantities {
		quantities[i] = q
	}
	s, err := structpb.NewStruct(map[string]any{
		"id":         rec.ID,
		"market_id":  rec.MarketID,
		"sequence":   float64(rec.Sequence),
		"quantities": quantities,
		"timestamp":  rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"holder":     rec.Holder.Hex(),
		"outcome":    float64(rec.Outcome),
		"side":       rec.Side.String(),
		"kind":       string(rec.Kind),
		"shares":     rec.Shares,
		"amount":     rec.Amount,
	})
	if err != nil {
		return nil, fmt.Errorf("build trade struct: %w", err)
	}
	return proto.Marshal(s)
}

// Decode is the inverse of Encode.
func Decode(bts []byte) (ledger.TradeRecord, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(bts, s); err != nil {
		return ledger.TradeRecord{}, fmt.Errorf("unmarshal trade: %w", err)
	}
	f := s.GetFields()
	rec := ledger.TradeRecord{
		ID:       f["id"].GetStringValue(),
		MarketID: f["market_id"].GetStringValue(),
		Sequence: uint64(f["sequence"].GetNumberValue()),
		Holder:   common.HexToAddress(f["holder"].GetStringValue()),
		Outcome:  int(f["outcome"].GetNumberValue()),
		Kind:     ledger.TradeKind(f["kind"].GetStringValue()),
		Shares:   f["shares"].GetNumberValue(),
		Amount:   f["amount"].GetNumberValue(),
	}
	if err := rec.Side.UnmarshalText([]byte(f["side"].GetStringValue())); err != nil {
		return ledger.TradeRecord{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, f["timestamp"].GetStringValue())
	if err != nil {
		return ledger.TradeRecord{}, fmt.Errorf("trade timestamp: %w", err)
	}
	rec.Timestamp = ts
	for _, v := range f["quantities"].GetListValue().GetValues() {
		rec.Quantities = append(rec.Quantities, v.GetNumberValue())
	}
	return rec, nil
}
