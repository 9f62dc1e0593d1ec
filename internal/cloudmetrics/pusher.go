package cloudmetrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/creditmeter/internal/config"
	obstracing "github.com/smallbiznis/creditmeter/internal/observability/tracing"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

const (
	ExporterRemoteWrite = "prometheus_remote_write"
	ExporterPushgateway = "prometheus_pushgateway"

	// pushJob is the Pushgateway job every process reports under; role and
	// instance labels keep their snapshots apart.
	pushJob            = "creditmeter_settlement"
	metricPrefix       = "creditmeter_"
	defaultPushTimeout = 5 * time.Second
)

// Role tells apart the processes that share a push target.
type Role string

const (
	RoleAPI    Role = "api"
	RoleWorker Role = "worker"
)

// Identity is attached to every pushed series.
type Identity struct {
	Role        Role
	Environment string
	InstanceID  int64
}

func (id Identity) labels() map[string]string {
	out := map[string]string{"instance": strconv.FormatInt(id.InstanceID, 10)}
	if id.Role != "" {
		out["role"] = string(id.Role)
	}
	if env := strings.TrimSpace(id.Environment); env != "" {
		out["environment"] = env
	}
	return out
}

// Pusher ships one snapshot of the creditmeter_ metric families.
type Pusher interface {
	Push(ctx context.Context, registry prometheus.Gatherer) error
}

// NewPusher builds the configured pusher. Misconfiguration is logged and yields
// nil so settlement never depends on metrics export.
func NewPusher(cfg config.Config, role Role, log *zap.Logger) Pusher {
	if log == nil {
		log = zap.NewNop()
	}
	m := cfg.Cloud.Metrics
	if !m.Enabled {
		return nil
	}
	id := Identity{Role: role, Environment: cfg.Environment, InstanceID: cfg.InstanceID}

	endpoint := strings.TrimSpace(m.Endpoint)
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		log.Warn("cloud metrics disabled", zap.String("endpoint", endpoint), zap.Error(err))
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(m.Exporter)) {
	case ExporterRemoteWrite:
		return NewRemoteWritePusher(endpoint, m.AuthToken, id)
	case ExporterPushgateway:
		return NewPushgatewayPusher(endpoint, id)
	default:
		log.Warn("cloud metrics disabled", zap.String("exporter", m.Exporter))
		return nil
	}
}

// settlementFamilies narrows a gatherer to the engine's own metric families.
func settlementFamilies(g prometheus.Gatherer) prometheus.Gatherer {
	return prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
		families, err := g.Gather()
		out := families[:0]
		for _, f := range families {
			if strings.HasPrefix(f.GetName(), metricPrefix) {
				out = append(out, f)
			}
		}
		return out, err
	})
}

// RemoteWritePusher posts snappy-compressed WriteRequests.
type RemoteWritePusher struct {
	endpoint  string
	authToken string
	identity  Identity
	client    *http.Client
	now       func() time.Time
}

func NewRemoteWritePusher(endpoint, authToken string, id Identity) *RemoteWritePusher {
	return &RemoteWritePusher{
		endpoint:  endpoint,
		authToken: strings.TrimSpace(authToken),
		identity:  id,
		client:    obstracing.WrapHTTPClient(&http.Client{Timeout: defaultPushTimeout}),
		now:       time.Now,
	}
}

func (p *RemoteWritePusher) Push(ctx context.Context, registry prometheus.Gatherer) error {
	families, err := settlementFamilies(registry).Gather()
	if err != nil {
		return err
	}
	series := buildRemoteWriteSeries(families, p.identity.labels(), p.now().UnixMilli())
	if len(series) == 0 {
		return nil
	}

	payload, err := proto.Marshal(protoadapt.MessageV2Of(&prompb.WriteRequest{Timeseries: series}))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(snappy.Encode(nil, payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("remote write returned %s", resp.Status)
	}
	return nil
}

// PushgatewayPusher replaces this process's group under the settlement job.
type PushgatewayPusher struct {
	endpoint string
	identity Identity
}

func NewPushgatewayPusher(endpoint string, id Identity) *PushgatewayPusher {
	return &PushgatewayPusher{endpoint: endpoint, identity: id}
}

func (p *PushgatewayPusher) Push(ctx context.Context, registry prometheus.Gatherer) error {
	pusher := push.New(p.endpoint, pushJob).Gatherer(settlementFamilies(registry))
	for name, value := range p.identity.labels() {
		pusher = pusher.Grouping(name, value)
	}
	return pusher.PushContext(ctx)
}

// buildRemoteWriteSeries flattens counters and gauges into one series each and
// histograms into their _count and _sum series. Identity labels never
// override a label the metric already carries.
func buildRemoteWriteSeries(families []*dto.MetricFamily, identity map[string]string, timestampMs int64) []prompb.TimeSeries {
	var series []prompb.TimeSeries
	add := func(name string, metric *dto.Metric, value float64) {
		labels := make([]prompb.Label, 0, len(metric.GetLabel())+len(identity)+1)
		labels = append(labels, prompb.Label{Name: "__name__", Value: name})
		seen := make(map[string]struct{}, len(metric.GetLabel()))
		for _, l := range metric.GetLabel() {
			labels = append(labels, prompb.Label{Name: l.GetName(), Value: l.GetValue()})
			seen[l.GetName()] = struct{}{}
		}
		for k, v := range identity {
			if _, ok := seen[k]; !ok {
				labels = append(labels, prompb.Label{Name: k, Value: v})
			}
		}
		sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
		series = append(series, prompb.TimeSeries{
			Labels:  labels,
			Samples: []prompb.Sample{{Value: value, Timestamp: timestampMs}},
		})
	}

	for _, family := range families {
		name := family.GetName()
		for _, metric := range family.GetMetric() {
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				add(name, metric, metric.GetCounter().GetValue())
			case dto.MetricType_GAUGE:
				add(name, metric, metric.GetGauge().GetValue())
			case dto.MetricType_HISTOGRAM:
				h := metric.GetHistogram()
				add(name+"_count", metric, float64(h.GetSampleCount()))
				add(name+"_sum", metric, h.GetSampleSum())
			}
		}
	}
	return series
}
