package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-tagnet/logging"
)

// PlotType selects how the sidecar renders a plot.
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
)

// learningRateTag is recorded per step by the trainer's reporter.
const learningRateTag = "learning_rate"

// PlotData is the payload accepted by the sidecar's /api/plot endpoint.
type PlotData struct {
	PlotType  PlotType               `json:"plot_type"`
	Title     string                 `json:"title"`
	Timestamp time.Time              `json:"timestamp"`
	ModelName string                 `json:"model_name"`
	Series    []SeriesData           `json:"series"`
	Config    PlotConfig             `json:"config"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData is one named curve.
type SeriesData struct {
	Name string      `json:"name"`
	Type string      `json:"type"` // "line", "scatter"
	Data []DataPoint `json:"data"`
}

// DataPoint is one (x, y) pair of a series.
type DataPoint struct {
	X interface{} `json:"x"`
	Y interface{} `json:"y"`
}

// PlotConfig holds axis and layout options.
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"`
	YAxisScale  string `json:"y_axis_scale"`
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

// PlotResponse is the sidecar's reply.
type PlotResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	PlotURL      string `json:"plot_url,omitempty"`
	ViewURL      string `json:"view_url,omitempty"`
	PlotID       string `json:"plot_id,omitempty"`
	DashboardURL string `json:"dashboard_url,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// SidecarConfig configures the plotting sidecar client.
type SidecarConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultSidecarConfig returns the default sidecar settings.
func DefaultSidecarConfig() SidecarConfig {
	return SidecarConfig{
		BaseURL: "http://localhost:8080",
		Timeout: 30 * time.Second,
	}
}

// Sidecar talks to an external plotting service.
type Sidecar struct {
	baseURL    string
	httpClient *http.Client
}

// NewSidecar creates a sidecar client.
func NewSidecar(config SidecarConfig) *Sidecar {
	if config.Timeout <= 0 {
		config.Timeout = DefaultSidecarConfig().Timeout
	}
	return &Sidecar{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// SendPlot posts plot to {base}/api/plot.
func (s *Sidecar) SendPlot(ctx context.Context, plot PlotData) (*PlotResponse, error) {
	body, err := json.Marshal(plot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plot data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/plot", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-tagnet-training")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	var plotResp PlotResponse
	if err := json.Unmarshal(respBody, &plotResp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &plotResp, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, plotResp.Message)
	}
	return &plotResp, nil
}

// CheckHealth reports whether the sidecar answers on /health.
func (s *Sidecar) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// SidecarWriter accumulates curves and pushes them to the sidecar on every
// flush: one training-curves plot and, when recorded, a learning-rate plot.
// Plotting is best-effort. A failed push is logged and the curves are sent
// again in full on the next flush.
type SidecarWriter struct {
	sidecar *Sidecar
	model   string
	series  map[string][]DataPoint
	now     func() time.Time
	logger  *logging.Logger
	failed  int
}

// NewSidecarWriter creates a sink that plots model's curves. A nil logger
// discards push failures.
func NewSidecarWriter(sidecar *Sidecar, model string, logger *logging.Logger) *SidecarWriter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &SidecarWriter{
		sidecar: sidecar,
		model:   model,
		series:  make(map[string][]DataPoint),
		now:     time.Now,
		logger:  logger,
	}
}

// AddScalar appends a point to tag's curve.
func (w *SidecarWriter) AddScalar(tag string, value float64, step int64) error {
	w.series[tag] = append(w.series[tag], DataPoint{X: step, Y: value})
	return nil
}

// Flush sends the full curves recorded so far. It never fails.
func (w *SidecarWriter) Flush() error {
	ctx := context.Background()
	for _, plot := range w.plots() {
		if _, err := w.sidecar.SendPlot(ctx, plot); err != nil {
			w.failed++
			w.logger.Warn("failed to send %s plot: %v", plot.PlotType, err)
		}
	}
	return nil
}

// Failed returns the number of plots the sidecar did not accept.
func (w *SidecarWriter) Failed() int {
	return w.failed
}

func (w *SidecarWriter) plots() []PlotData {
	tags := make([]string, 0, len(w.series))
	for tag := range w.series {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	curves := w.plot(TrainingCurves, "Training Curves", "Metric")
	lr := w.plot(LearningRateSchedule, "Learning Rate Schedule", "Learning Rate")
	for _, tag := range tags {
		s := SeriesData{Name: tag, Type: "line", Data: w.series[tag]}
		if tag == learningRateTag {
			lr.Series = append(lr.Series, s)
		} else {
			curves.Series = append(curves.Series, s)
		}
	}

	var out []PlotData
	for _, p := range []PlotData{curves, lr} {
		if len(p.Series) > 0 {
			out = append(out, p)
		}
	}
	return out
}

func (w *SidecarWriter) plot(kind PlotType, title, yLabel string) PlotData {
	return PlotData{
		PlotType:  kind,
		Title:     title,
		Timestamp: w.now(),
		ModelName: w.model,
		Config: PlotConfig{
			XAxisLabel:  "Step",
			YAxisLabel:  yLabel,
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      600,
			Interactive: true,
		},
	}
}
