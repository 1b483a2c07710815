package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tickerwatch/internal/alerting"
	"tickerwatch/internal/market"
)

// Simulate 通过 CSV 行情回放完整的评估流程,告警仅输出到日志。
// CSV 列为 symbol,price[,timestamp],时间戳使用 RFC3339,缺省为当前时间。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.CSVPath == "" {
		return errors.New("--csv is required")
	}

	ticks, err := readTicksCSV(opts.CSVPath)
	if err != nil {
		return err
	}
	if len(ticks) == 0 {
		return errors.New("no ticks found in csv")
	}

	store := a.newHistoryStore()
	eng := a.newEngine(store)
	notifier := alerting.NewLogNotifier(a.Logger)

	in := make(chan market.Tick, len(ticks))
	for _, tick := range ticks {
		in <- tick
	}
	close(in)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for alert := range eng.Alerts() {
			if err := notifier.Notify(ctx, alert); err != nil {
				a.Logger.Error().Err(err).Msg("simulated alert delivery failed")
			}
		}
	}()

	runErr := eng.Run(ctx, in)
	wg.Wait()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	a.Logger.Info().Int("ticks", len(ticks)).Msg("simulation finished")
	return nil
}

func readTicksCSV(path string) ([]market.Tick, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	var ticks []market.Tick
	line := 0
	for {
		record, readErr := reader.Read()
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, readErr
		}
		line++

		if len(record) < 2 {
			return nil, fmt.Errorf("line %d: expected symbol,price[,timestamp]", line)
		}
		if line == 1 && strings.EqualFold(record[0], "symbol") {
			continue
		}

		price, parseErr := decimal.NewFromString(strings.TrimSpace(record[1]))
		if parseErr != nil {
			return nil, fmt.Errorf("line %d: invalid price: %w", line, parseErr)
		}

		ts := time.Now().UTC()
		if len(record) > 2 && strings.TrimSpace(record[2]) != "" {
			ts, parseErr = time.Parse(time.RFC3339, strings.TrimSpace(record[2]))
			if parseErr != nil {
				return nil, fmt.Errorf("line %d: invalid timestamp: %w", line, parseErr)
			}
		}

		ticks = append(ticks, market.Tick{
			Symbol: strings.ToUpper(strings.TrimSpace(record[0])),
			Price:  price,
			Time:   ts,
		})
	}

	return ticks, nil
}
