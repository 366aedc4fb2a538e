// Command ammctl inspects flight markets offline: it derives market ids and
// reads prices and price history from a server's sqlite database or its
// Kafka trade topic.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/domino14/skyodds/pkg/amm"
	"github.com/domino14/skyodds/pkg/events"
	"github.com/domino14/skyodds/pkg/ledger"
	"github.com/domino14/skyodds/pkg/marketapi"
)

const usage = `usage: ammctl <command> [flags]

commands:
  id       derive a market id from flight details
  markets  list markets in a database
  prices   show a market's current prices
  history  replay a market's trade log into a price history
  tail     follow the Kafka trade topic
`

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "id":
		err = cmdID(os.Stdout, os.Args[2:])
	case "markets":
		err = cmdMarkets(ctx, os.Stdout, os.Args[2:])
	case "prices":
		err = cmdPrices(ctx, os.Stdout, os.Args[2:])
	case "history":
		err = cmdHistory(ctx, os.Stdout, os.Args[2:])
	case "tail":
		err = cmdTail(ctx, os.Stdout, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "ammctl:", err)
		os.Exit(1)
	}
}

func cmdID(out io.Writer, args []string) error {
	fs := flag.NewFlagSet("id", flag.ContinueOnError)
	flight := fs.String("flight", "", "flight number, e.g. UA123")
	origin := fs.String("origin", "", "origin IATA code")
	dest := fs.String("dest", "", "destination IATA code")
	dep := fs.String("departure", "", "scheduled departure, RFC 3339")
	if err := fs.Parse(args); err != nil {
		return err
	}
	t, err := time.Parse(time.RFC3339, *dep)
	if err != nil {
		return fmt.Errorf("departure: %w", err)
	}
	id, err := ledger.MarketID(strings.ToUpper(*flight), strings.ToUpper(*origin), strings.ToUpper(*dest), t)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, id)
	return nil
}

// loadEngine builds a read-only engine over the database at path.
func loadEngine(ctx context.Context, path string) (*amm.Engine, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	store, err := marketapi.NewSqliteStore(path)
	if err != nil {
		return nil, err
	}
	e, err := amm.New(amm.Options{Store: store})
	if err != nil {
		return nil, err
	}
	return e, e.Load(ctx)
}

func cmdMarkets(ctx context.Context, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("markets", flag.ContinueOnError)
	db := fs.String("db", "skyodds.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := loadEngine(ctx, *db)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(out)
	table.Header("Market", "Flight", "Route", "Departure", "Status", "Pool", "Trades")
	for _, m := range e.ListMarkets(ctx) {
		status := m.Status.String()
		if m.Status == ledger.Resolved {
			status += ": " + m.Outcomes[m.ResolvedOutcome]
		}
		if m.Halted {
			status += " (halted)"
		}
		table.Append(
			m.ID,
			m.Flight.Airline+" "+m.Flight.Number,
			m.Flight.Origin+"-"+m.Flight.Destination,
			m.DepartureTime.Format(time.RFC3339),
			status,
			fmt.Sprintf("%.2f", m.TotalPool),
			fmt.Sprintf("%d", m.Sequence),
		)
	}
	return table.Render()
}

func cmdPrices(ctx context.Context, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("prices", flag.ContinueOnError)
	db := fs.String("db", "skyodds.db", "sqlite database path")
	market := fs.String("market", "", "market id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := loadEngine(ctx, *db)
	if err != nil {
		return err
	}
	pv, err := e.GetPrices(ctx, *market)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(out)
	table.Header("#", "Outcome", "Shares", "Price", "Probability")
	for i, label := range pv.Outcomes {
		table.Append(
			fmt.Sprintf("%d", i+1),
			label,
			fmt.Sprintf("%.4f", pv.Quantities[i]),
			fmt.Sprintf("%.6f", pv.Prices[i]),
			fmt.Sprintf("%.2f%%", pv.Prices[i]*100),
		)
	}
	return table.Render()
}

func cmdHistory(ctx context.Context, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	db := fs.String("db", "skyodds.db", "sqlite database path")
	market := fs.String("market", "", "market id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := loadEngine(ctx, *db)
	if err != nil {
		return err
	}
	m, err := e.GetMarket(ctx, *market)
	if err != nil {
		return err
	}
	hist, err := e.History(ctx, *market)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(out)
	header := []any{"Seq", "Time"}
	for _, label := range m.Outcomes[1:] {
		header = append(header, label)
	}
	table.Header(header...)
	for _, pt := range hist {
		row := []any{fmt.Sprintf("%d", pt.Sequence), pt.Timestamp.Format(time.RFC3339)}
		for _, p := range pt.Prices {
			row = append(row, fmt.Sprintf("%.4f", p))
		}
		table.Append(row...)
	}
	return table.Render()
}

func cmdTail(ctx context.Context, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	brokers := fs.String("brokers", "localhost:9092", "comma separated Kafka brokers")
	topic := fs.String("topic", "skyodds.trades", "trade topic")
	group := fs.String("group", "ammctl", "consumer group")
	market := fs.String("market", "", "only show this market")
	if err := fs.Parse(args); err != nil {
		return err
	}
	r := events.NewKafkaReader(strings.Split(*brokers, ","), *topic, *group)
	defer r.Close()
	want := ledger.NormalizeID(*market)
	return events.Consume(ctx, r, func(rec ledger.TradeRecord) error {
		if want != "" && rec.MarketID != want {
			return nil
		}
		_, err := fmt.Fprintf(out, "%s seq=%d %s %s outcome=%d shares=%.4f amount=%.4f holder=%s\n",
			rec.MarketID, rec.Sequence, rec.Kind, rec.Side, rec.Outcome, rec.Shares, rec.Amount, rec.Holder.Hex())
		return err
	})
}
