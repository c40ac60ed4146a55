package main

import (
	"context"
	"fmt"
	"net/http"

	"cryptostream/config"
	"cryptostream/exchange"
	"cryptostream/exchange/binance"
	"cryptostream/exchange/bybit"
	"cryptostream/exchange/kucoin"
	"cryptostream/exchange/okx"
	"cryptostream/logger"
	"cryptostream/models"
	"cryptostream/recorder"
	"cryptostream/stream"
)

// marketLoader is implemented by adapters that can fetch instrument metadata.
type marketLoader interface {
	LoadMarkets(ctx context.Context, symbols []string) error
}

// buildAdapter creates the adapter of one configured exchange.
func buildAdapter(name string, ex config.ExchangeConfig, httpClient *http.Client) (stream.Adapter, error) {
	switch name {
	case okx.Name:
		return okx.New(okx.Options{PublicURL: ex.PublicURL, PrivateURL: ex.PrivateURL}), nil
	case bybit.Name:
		return bybit.New(bybit.Options{
			PublicURL:  ex.PublicURL,
			PrivateURL: ex.PrivateURL,
			RESTURL:    ex.RESTURL,
			HTTPClient: httpClient,
			BookDepth:  ex.BookDepth,
		}), nil
	case binance.Name:
		return binance.New(binance.Options{
			PublicURL:  ex.PublicURL,
			PrivateURL: ex.PrivateURL,
			RESTURL:    ex.RESTURL,
			HTTPClient: httpClient,
		}), nil
	case kucoin.Name:
		return kucoin.New(kucoin.Options{RESTURL: ex.RESTURL, HTTPClient: httpClient}), nil
	}
	return nil, fmt.Errorf("unsupported exchange %q", name)
}

// watchSymbols lists every symbol referenced by the watches.
func watchSymbols(watches []config.WatchConfig) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range watches {
		for _, s := range w.Symbols {
			if _, ok := seen[s]; ok || s == "" {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// newStream builds the stream of one exchange and registers its watches.
// Connecting is left to the caller.
func newStream(ctx context.Context, cfg *config.Config, name string, rec *recorder.Recorder) (*stream.Stream, error) {
	ex := cfg.Exchanges[name]
	log := logger.GetLogger().WithComponent("streamer").WithExchange(name)

	httpClient := exchange.NewHTTPClient(cfg.ToHTTPConfig(name))
	adapter, err := buildAdapter(name, ex, httpClient)
	if err != nil {
		return nil, err
	}

	if loader, ok := adapter.(marketLoader); ok && ex.LoadMarkets {
		if err := loader.LoadMarkets(ctx, watchSymbols(ex.Watches)); err != nil {
			return nil, fmt.Errorf("%s: load markets: %w", name, err)
		}
	}

	sc := cfg.ToStreamConfig(name)
	sc.ErrorHandler = func(err error) {
		log.WithError(err).Warn("stream error")
	}
	sc.OnStateChange = func(private bool, from, to stream.State) {
		log.WithFields(logger.Fields{"private": private, "from": from.String(), "to": to.String()}).Info("connection state changed")
	}

	s := stream.New(adapter, sc, cfg.Credentials(name))
	for _, w := range ex.Watches {
		if err := addWatch(s, w, rec, log); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// addWatch subscribes one configured watch for each of its symbols.
func addWatch(s *stream.Stream, w config.WatchConfig, rec *recorder.Recorder, log *logger.Entry) error {
	ch, err := config.ParseChannel(w.Channel)
	if err != nil {
		return err
	}
	record := rec != nil && w.Record
	symbols := w.Symbols
	if len(symbols) == 0 {
		symbols = []string{""}
	}

	failed := func(sym string) func(err error) {
		return func(err error) {
			log.WithError(err).WithFields(logger.Fields{"channel": string(ch), "symbol": sym}).Warn("watch error")
		}
	}

	if ch == stream.ChannelBalance {
		report := failed("")
		return s.WatchBalance(func(b models.Balance, err error) {
			if err != nil {
				report(err)
				return
			}
			log.WithFields(logger.Fields{"assets": len(b.Assets)}).Debug("balance")
		})
	}

	for _, sym := range symbols {
		report := failed(sym)
		var err error
		switch ch {
		case stream.ChannelTicker:
			err = s.WatchTicker(sym, func(t models.Ticker, err error) {
				if err != nil {
					report(err)
					return
				}
				log.WithFields(logger.Fields{"symbol": t.Symbol, "bid": t.Bid.String(), "ask": t.Ask.String()}).Debug("ticker")
			})
		case stream.ChannelOrderBook:
			err = s.WatchOrderBook(sym, w.Depth, func(b models.OrderBook, err error) {
				if err != nil {
					report(err)
					return
				}
				if record {
					rec.RecordBook(b)
				}
			})
		case stream.ChannelTrades:
			err = s.WatchTrades(sym, func(t models.Trade, err error) {
				if err != nil {
					report(err)
					return
				}
				if record {
					rec.RecordTrade(t)
				}
			})
		case stream.ChannelOHLCV:
			err = s.WatchOHLCV(sym, w.Timeframe, func(c models.OHLCV, err error) {
				if err != nil {
					report(err)
					return
				}
				log.WithFields(logger.Fields{"symbol": c.Symbol, "timeframe": c.Timeframe, "close": c.Close.String()}).Debug("candle")
			})
		case stream.ChannelLiquidations:
			err = s.WatchLiquidations(sym, func(l models.Liquidation, err error) {
				if err != nil {
					report(err)
					return
				}
				log.WithFields(logger.Fields{"symbol": l.Symbol, "side": string(l.Side), "amount": l.Amount.String()}).Info("liquidation")
			})
		case stream.ChannelOrders:
			err = s.WatchOrders(sym, func(o models.Order, err error) {
				if err != nil {
					report(err)
					return
				}
				log.WithFields(logger.Fields{"symbol": o.Symbol, "order_id": o.ID, "status": o.Status}).Info("order")
			})
		case stream.ChannelMyTrades:
			err = s.WatchMyTrades(sym, func(t models.Trade, err error) {
				if err != nil {
					report(err)
					return
				}
				log.WithFields(logger.Fields{"symbol": t.Symbol, "order_id": t.OrderID, "amount": t.Amount.String()}).Info("own trade")
			})
		case stream.ChannelPositions:
			err = s.WatchPositions(sym, func(p models.Position, err error) {
				if err != nil {
					report(err)
					return
				}
				log.WithFields(logger.Fields{"symbol": p.Symbol, "side": p.Side, "contracts": p.Contracts.String()}).Info("position")
			})
		}
		if err != nil {
			return fmt.Errorf("watch %s %s: %w", ch, sym, err)
		}
	}
	return nil
}
