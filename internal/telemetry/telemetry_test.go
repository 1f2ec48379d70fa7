package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	c := Noop()
	require.NotNil(t, c)
	c.IncCheckout("hit")
	c.IncDropped("full")
	c.SetIdle("tls", 3)
	c.IncHandshake("ok", "h2")
}

func TestPrometheusCollectorRegistersAndReuses(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	c.IncCheckout("hit")
	c.IncCheckout("hit")
	c.IncCheckout("miss")
	c.SetIdle("tls", 2)
	c.SetIdle("plain", 5)
	c.IncHandshake("ok", "")

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, c.checkouts, again.checkouts)
	again.IncCheckout("hit")

	families := gather(t, reg)
	require.Equal(t, 3.0, counterValue(t, families["connect_pool_checkouts_total"], "result", "hit"))
	require.Equal(t, 1.0, counterValue(t, families["connect_pool_checkouts_total"], "result", "miss"))
	require.Equal(t, 1.0, counterValue(t, families["connect_tls_handshakes_total"], "proto", "none"))

	idle := families["connect_pool_idle_connections"]
	require.Equal(t, 2.0, gaugeValue(t, idle, "pool", "tls"))
	require.Equal(t, 5.0, gaugeValue(t, idle, "pool", "plain"))
}

func TestNilPrometheusCollector(t *testing.T) {
	var c *PrometheusCollector
	require.NotPanics(t, func() {
		c.IncCheckout("hit")
		c.SetIdle("tls", 1)
	})
}

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func counterValue(t *testing.T, mf *dto.MetricFamily, label, value string) float64 {
	t.Helper()
	return sample(t, mf, label, value).GetCounter().GetValue()
}

func gaugeValue(t *testing.T, mf *dto.MetricFamily, label, value string) float64 {
	t.Helper()
	return sample(t, mf, label, value).GetGauge().GetValue()
}

func sample(t *testing.T, mf *dto.MetricFamily, label, value string) *dto.Metric {
	t.Helper()
	require.NotNil(t, mf)
	for _, m := range mf.Metric {
		for _, lp := range m.Label {
			if lp.GetName() == label && lp.GetValue() == value {
				return m
			}
		}
	}
	t.Fatalf("no %s=%s sample in %s", label, value, mf.GetName())
	return nil
}
