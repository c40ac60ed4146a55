package logger

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// PutMetricData accepts at most this many datums per call.
const maxDatumsPerCall = 1000

// streamEventNames are charted on the stream health dashboard.
var streamEventNames = []string{"reconnect", "resync", "gap", "auth_failure", "dropped_frame"}

type metricSink struct {
	mu        sync.RWMutex
	client    *cloudwatch.Client
	namespace string
	dashboard string
}

var sink = &metricSink{namespace: "CryptoStream", dashboard: "CryptoStream"}

func (s *metricSink) get() (*cloudwatch.Client, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client, s.namespace
}

// InitCloudWatch enables metric publishing. An empty region falls back to
// AWS_REGION. Failures only disable publishing.
func InitCloudWatch(region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	ctx := context.Background()
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	sink.mu.Lock()
	sink.client = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		sink.namespace = namespace
	}
	if dashboard != "" {
		sink.dashboard = dashboard
	}
	ns, name := sink.namespace, sink.dashboard
	sink.mu.Unlock()

	log.WithFields(Fields{"region": region, "namespace": ns}).Info("initialized CloudWatch client")
	putDashboard(ctx, name, ns)
}

// publishMetrics is a no-op until InitCloudWatch succeeded.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	client, ns := sink.get()
	if client == nil || len(data) == 0 {
		return
	}
	for start := 0; start < len(data); start += maxDatumsPerCall {
		end := start + maxDatumsPerCall
		if end > len(data) {
			end = len(data)
		}
		if _, err := client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(ns),
			MetricData: data[start:end],
		}); err != nil {
			GetLogger().WithComponent("cloudwatch").WithError(err).Debug("failed to publish CloudWatch metrics")
			return
		}
	}
}

type dashboardWidget struct {
	Type       string              `json:"type"`
	Width      int                 `json:"width"`
	Height     int                 `json:"height"`
	Properties dashboardProperties `json:"properties"`
}

type dashboardProperties struct {
	Metrics [][]string `json:"metrics"`
	Period  int        `json:"period"`
	Stat    string     `json:"stat"`
	Title   string     `json:"title"`
	Region  string     `json:"region,omitempty"`
}

func dashboardBody(namespace string) ([]byte, error) {
	metric := func(parts ...string) []string { return append([]string{namespace}, parts...) }

	health := make([][]string, 0, len(streamEventNames))
	for _, ev := range streamEventNames {
		health = append(health, metric("StreamEvents", "Event", ev))
	}
	widgets := []dashboardWidget{
		{Type: "metric", Width: 24, Height: 6, Properties: dashboardProperties{
			Metrics: [][]string{metric("CPUPercent"), metric("MemoryMB"), metric("Goroutines")},
			Period:  60, Stat: "Average", Title: "Streamer Process",
		}},
		{Type: "metric", Width: 24, Height: 6, Properties: dashboardProperties{
			Metrics: health,
			Period:  60, Stat: "Maximum", Title: "Stream Health",
		}},
		{Type: "metric", Width: 24, Height: 6, Properties: dashboardProperties{
			Metrics: [][]string{metric("S3Writes"), metric("ArchiveUploadMillis")},
			Period:  300, Stat: "Sum", Title: "Archive",
		}},
	}
	return json.Marshal(map[string]interface{}{"widgets": widgets})
}

func putDashboard(ctx context.Context, name, namespace string) {
	client, _ := sink.get()
	if client == nil {
		return
	}
	log := GetLogger().WithComponent("cloudwatch")
	body, err := dashboardBody(namespace)
	if err != nil {
		log.WithError(err).Warn("failed to build CloudWatch dashboard")
		return
	}
	if _, err := client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(name),
		DashboardBody: aws.String(string(body)),
	}); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
