package recorder

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/google/uuid"

	"cryptostream/logger"
	"cryptostream/models"
)

const (
	kindBook  = "book"
	kindTrade = "trade"
)

// Uploader stores one encoded object.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte) error
}

// Options tunes buffering and object layout.
type Options struct {
	Prefix        string
	FlushInterval time.Duration
	// MaxRows flushes a buffer early once it holds that many rows.
	MaxRows int
	// BookDepth limits the levels archived per side and state.
	BookDepth int
}

// Recorder archives emitted book states and trades. Rows are buffered per
// kind, exchange and symbol and written as one parquet object per flush.
type Recorder struct {
	opts     Options
	uploader Uploader
	now      func() time.Time

	mu      sync.Mutex
	buffers map[string][]interface{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	running bool
	log     *logger.Entry
}

// New returns a recorder writing through uploader.
func New(opts Options, uploader Uploader) *Recorder {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Minute
	}
	if opts.BookDepth <= 0 {
		opts.BookDepth = 20
	}
	return &Recorder{
		opts:     opts,
		uploader: uploader,
		now:      time.Now,
		buffers:  make(map[string][]interface{}),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger().WithComponent("recorder"),
	}
}

// Start launches the flush loop.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("recorder already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.wg.Add(1)
	go r.flushLoop()

	r.log.WithFields(logger.Fields{"flush_interval": r.opts.FlushInterval.String()}).Info("recorder started")
	return nil
}

// Stop ends the flush loop and writes what is still buffered.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	r.Flush()
	r.log.Info("recorder stopped")
}

// RecordBook buffers the top levels of one consistent book state.
func (r *Recorder) RecordBook(book models.OrderBook) {
	received := r.now().UnixMilli()
	event := book.Timestamp.UnixMilli()
	if book.Timestamp.IsZero() {
		event = received
	}
	rows := make([]interface{}, 0, 2*r.opts.BookDepth)
	add := func(side string, levels []models.PriceLevel) {
		for i, lv := range levels {
			if i >= r.opts.BookDepth {
				break
			}
			rows = append(rows, bookRecord{
				Exchange:     book.Exchange,
				Symbol:       book.Symbol,
				Sequence:     book.Sequence,
				EventTime:    event,
				Side:         side,
				Level:        int32(i),
				Price:        lv.Price.InexactFloat64(),
				Quantity:     lv.Quantity.InexactFloat64(),
				ReceivedTime: received,
			})
		}
	}
	add("bid", book.Bids)
	add("ask", book.Asks)
	r.add(bufferKey(kindBook, book.Exchange, book.Symbol), rows)
}

// RecordTrade buffers one trade.
func (r *Recorder) RecordTrade(t models.Trade) {
	received := r.now().UnixMilli()
	event := t.Timestamp.UnixMilli()
	if t.Timestamp.IsZero() {
		event = received
	}
	r.add(bufferKey(kindTrade, t.Exchange, t.Symbol), []interface{}{tradeRecord{
		Exchange:     t.Exchange,
		Symbol:       t.Symbol,
		TradeID:      t.ID,
		Side:         string(t.Side),
		Price:        t.Price.InexactFloat64(),
		Amount:       t.Amount.InexactFloat64(),
		EventTime:    event,
		ReceivedTime: received,
	}})
}

func (r *Recorder) add(key string, rows []interface{}) {
	if len(rows) == 0 {
		return
	}
	r.mu.Lock()
	r.buffers[key] = append(r.buffers[key], rows...)
	size := len(r.buffers[key])
	r.mu.Unlock()

	if r.opts.MaxRows > 0 && size >= r.opts.MaxRows {
		r.flushKey(key)
	}
}

func (r *Recorder) flushKey(key string) {
	r.mu.Lock()
	rows, ok := r.buffers[key]
	if !ok || len(rows) == 0 {
		r.mu.Unlock()
		return
	}
	delete(r.buffers, key)
	r.mu.Unlock()

	r.write(key, rows)
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Flush()
		}
	}
}

// Flush writes every buffer.
func (r *Recorder) Flush() {
	r.mu.Lock()
	buffers := r.buffers
	r.buffers = make(map[string][]interface{})
	r.mu.Unlock()

	for key, rows := range buffers {
		if len(rows) == 0 {
			continue
		}
		r.write(key, rows)
	}
}

func (r *Recorder) write(key string, rows []interface{}) {
	start := time.Now()
	kind, exchange, symbol := splitKey(key)

	var schema interface{} = new(bookRecord)
	if kind == kindTrade {
		schema = new(tradeRecord)
	}
	data, err := encode(schema, rows)
	if err != nil {
		r.log.WithError(err).WithFields(logger.Fields{"buffer": key}).Error("create parquet failed")
		return
	}

	objectKey := r.objectKey(kind, exchange, symbol, r.now())
	ctx := context.Background()
	if r.ctx != nil {
		ctx = context.WithoutCancel(r.ctx)
	}
	if err := r.uploader.Upload(ctx, objectKey, data); err != nil {
		r.log.WithError(err).WithFields(logger.Fields{"s3_key": objectKey}).Error("upload failed")
		return
	}

	duration := time.Since(start)
	ms := float64(duration.Nanoseconds()) / 1e6
	fields := logger.Fields{
		"s3_key":      objectKey,
		"records":     len(rows),
		"bytes":       len(data),
		"duration_ms": ms,
	}
	if duration > 0 {
		fields["throughput_bytes_per_sec"] = float64(len(data)) / duration.Seconds()
	}
	r.log.WithFields(fields).Info("batch uploaded")
	logger.RecordS3Write(int64(len(data)))
	r.log.WithExchange(exchange).LogMetric("ArchiveUploadMillis", ms, cwtypes.StandardUnitMilliseconds, logger.Fields{"kind": kind})
}

// objectKey lays out objects as
// prefix/kind=K/exchange=E/symbol=S/year=Y/month=M/day=D/hour=H/<kind>_<uuid>.parquet.
func (r *Recorder) objectKey(kind, exchange, symbol string, ts time.Time) string {
	ts = ts.UTC()
	parts := []string{
		fmt.Sprintf("kind=%s", kind),
		fmt.Sprintf("exchange=%s", exchange),
		fmt.Sprintf("symbol=%s", strings.ReplaceAll(symbol, "/", "-")),
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", int(ts.Month())),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		fmt.Sprintf("%s_%s.parquet", kind, uuid.NewString()),
	}
	if r.opts.Prefix != "" {
		parts = append([]string{strings.Trim(r.opts.Prefix, "/")}, parts...)
	}
	return path.Join(parts...)
}

func bufferKey(kind, exchange, symbol string) string {
	return kind + "|" + exchange + "|" + symbol
}

func splitKey(key string) (kind, exchange, symbol string) {
	parts := strings.SplitN(key, "|", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return parts[0], parts[1], parts[2]
}
