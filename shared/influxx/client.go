package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"predictive-maintenance-core/shared/config"
)

const MeasurementDamage = "asset_damage"

type Client struct {
	client influxdb2.Client
	org    string
	bucket string
}

func New(cfg config.Config) (*Client, error) {
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	opts := influxdb2.DefaultOptions().SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS))
	return &Client{
		client: influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts),
		org:    cfg.InfluxOrg,
		bucket: cfg.InfluxBucket,
	}, nil
}

func (c *Client) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return c.client.WriteAPIBlocking(c.org, c.bucket).WritePoint(ctx, influxdb2.NewPoint(measurement, tags, fields, ts))
}

// DamageQuery returns the flux query for one asset's damage series.
func DamageQuery(bucket string, tenantID string, assetID string, window time.Duration) string {
	return `from(bucket: "` + bucket + `")
  |> range(start: -` + window.String() + `)
  |> filter(fn: (r) => r._measurement == "` + MeasurementDamage + `" and r.tenant_id == "` + tenantID + `" and r.asset_id == "` + assetID + `")`
}

func (c *Client) Query(ctx context.Context, flux string) (*api.QueryTableResult, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("influx client not initialized")
	}
	return c.client.QueryAPI(c.org).Query(ctx, flux)
}

// DamagePoint is one field of one damage window.
type DamagePoint struct {
	Time   time.Time `json:"time"`
	Field  string    `json:"field"`
	Value  float64   `json:"value"`
	Regime string    `json:"regime,omitempty"`
}

// DamageHistory reads the damage series of one asset over window.
func (c *Client) DamageHistory(ctx context.Context, tenantID string, assetID string, window time.Duration) ([]DamagePoint, error) {
	result, err := c.Query(ctx, DamageQuery(c.bucket, tenantID, assetID, window))
	if err != nil {
		return nil, err
	}
	defer result.Close()
	points := make([]DamagePoint, 0)
	for result.Next() {
		rec := result.Record()
		v, ok := rec.Value().(float64)
		if !ok {
			continue
		}
		regime, _ := rec.ValueByKey("regime").(string)
		points = append(points, DamagePoint{Time: rec.Time(), Field: rec.Field(), Value: v, Regime: regime})
	}
	return points, result.Err()
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}
