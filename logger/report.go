package logger

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	warnCounts  sync.Map // component -> *int64
	errorCounts sync.Map // component -> *int64
	events      sync.Map // "exchange|event" -> *int64
	channels    sync.Map // map[string]*channelStat
	s3Writes    int64
	s3Bytes     int64
)

func counter(m *sync.Map, key string) *int64 {
	v, _ := m.LoadOrStore(key, new(int64))
	return v.(*int64)
}

func recordWarn(component string) {
	atomic.AddInt64(counter(&warnCounts, component), 1)
}

func recordError(component string) {
	atomic.AddInt64(counter(&errorCounts, component), 1)
}

// RecordStreamEvent counts a connection level event such as a reconnect,
// a resync or an authentication failure.
func RecordStreamEvent(exchange, event string) {
	atomic.AddInt64(counter(&events, exchange+"|"+event), 1)
}

// StreamEventCount returns how often event happened on exchange.
func StreamEventCount(exchange, event string) int64 {
	v, ok := events.Load(exchange + "|" + event)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v.(*int64))
}

// RecordS3Write counts one archived object.
func RecordS3Write(size int64) {
	atomic.AddInt64(&s3Writes, 1)
	atomic.AddInt64(&s3Bytes, size)
	recordChannel("s3_write", int(size))
}

// RecordChannelMessage counts one inbound frame of size bytes under name.
func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func snapshotCounters(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// StartReport begins periodic logging of process, stream and channel
// statistics, mirrored to CloudWatch when it is configured.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memUsed := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsed = float64(vm.Used) / 1024 / 1024
	}

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})
	streamEvents := snapshotCounters(&events)

	fields := Fields{
		"warns":       snapshotCounters(&warnCounts),
		"errors":      snapshotCounters(&errorCounts),
		"events":      streamEvents,
		"channels":    channelData,
		"s3_writes":   atomic.LoadInt64(&s3Writes),
		"s3_bytes":    atomic.LoadInt64(&s3Bytes),
		"goroutines":  runtime.NumGoroutine(),
		"cpu_percent": cpuPct,
		"memory_mb":   int64(memUsed),
	}
	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memUsed)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		{MetricName: aws.String("S3Writes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&s3Writes)))},
	}

	keys := make([]string, 0, len(streamEvents))
	for k := range streamEvents {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		exchange, event := splitEventKey(k)
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("StreamEvents"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String("Exchange"), Value: aws.String(exchange)},
				{Name: aws.String("Event"), Value: aws.String(event)},
			},
			Value: aws.Float64(float64(streamEvents[k])),
		})
	}

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}

func splitEventKey(k string) (string, string) {
	exchange, event, _ := strings.Cut(k, "|")
	return exchange, event
}
