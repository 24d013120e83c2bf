package telemetry

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Plotter accumulates samples for a run and renders them as PNG charts:
// commanded vs. encoder angles, and target distance.
type Plotter struct {
	mu        sync.Mutex
	enabled   bool
	outputDir string
	deviceID  string

	// MaxSamples bounds memory for long runs. Once reached, every other
	// stored sample is discarded and the stride doubles.
	MaxSamples int

	samples   []Sample
	stride    int
	seen      int
	startTime time.Time
}

// NewPlotter creates a plotter for the given device.
func NewPlotter(deviceID string) *Plotter {
	return &Plotter{deviceID: deviceID, MaxSamples: 20000, stride: 1}
}

// Start initializes the plotter for a new run writing into outputDir.
func (p *Plotter) Start(outputDir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	p.outputDir = outputDir
	p.enabled = true
	p.samples = nil
	p.stride = 1
	p.seen = 0
	p.startTime = time.Time{}
	return nil
}

// Stop disables sampling. Call GeneratePlots to produce output files.
func (p *Plotter) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
}

// IsEnabled returns true if the plotter is currently recording.
func (p *Plotter) IsEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Sample records s if the plotter is enabled.
func (p *Plotter) Sample(s Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return
	}
	if p.startTime.IsZero() {
		p.startTime = s.Timestamp
	}
	p.seen++
	if p.seen%p.stride != 0 {
		return
	}
	p.samples = append(p.samples, s)
	if p.MaxSamples > 0 && len(p.samples) >= p.MaxSamples {
		kept := p.samples[:0]
		for i := 0; i < len(p.samples); i += 2 {
			kept = append(kept, p.samples[i])
		}
		p.samples = kept
		p.stride *= 2
	}
}

// Len returns the number of stored samples.
func (p *Plotter) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.samples)
}

// GeneratePlots writes angles.png and distance.png into the output dir.
func (p *Plotter) GeneratePlots() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.outputDir == "" {
		return fmt.Errorf("no output directory set")
	}
	if len(p.samples) == 0 {
		return nil
	}

	pan := make(plotter.XYs, 0, len(p.samples))
	tilt := make(plotter.XYs, 0, len(p.samples))
	encPan := make(plotter.XYs, 0, len(p.samples))
	encTilt := make(plotter.XYs, 0, len(p.samples))
	dist := make(plotter.XYs, 0, len(p.samples))
	for _, s := range p.samples {
		x := s.Timestamp.Sub(p.startTime).Seconds()
		pan = append(pan, plotter.XY{X: x, Y: s.PanDeg})
		tilt = append(tilt, plotter.XY{X: x, Y: s.TiltDeg})
		if s.EncoderOK {
			encPan = append(encPan, plotter.XY{X: x, Y: s.EncoderPanDeg})
			encTilt = append(encTilt, plotter.XY{X: x, Y: s.EncoderTiltDeg})
		}
		dist = append(dist, plotter.XY{X: x, Y: s.DistanceM})
	}

	pAngles := plot.New()
	pAngles.Title.Text = fmt.Sprintf("%s - Mirror Angles", p.deviceID)
	pAngles.X.Label.Text = "Time (s)"
	pAngles.Y.Label.Text = "Angle (deg)"

	series := []struct {
		name  string
		pts   plotter.XYs
		color color.Color
		dash  bool
	}{
		{"pan commanded", pan, color.RGBA{R: 200, G: 40, B: 40, A: 255}, false},
		{"pan encoder", encPan, color.RGBA{R: 200, G: 40, B: 40, A: 255}, true},
		{"tilt commanded", tilt, color.RGBA{R: 40, G: 80, B: 200, A: 255}, false},
		{"tilt encoder", encTilt, color.RGBA{R: 40, G: 80, B: 200, A: 255}, true},
	}
	for _, sr := range series {
		if len(sr.pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(sr.pts)
		if err != nil {
			return fmt.Errorf("create %s line: %w", sr.name, err)
		}
		line.Color = sr.color
		line.Width = vg.Points(1)
		if sr.dash {
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		}
		pAngles.Add(line)
		pAngles.Legend.Add(sr.name, line)
	}
	pAngles.Legend.Top = true
	pAngles.Legend.Left = false
	pAngles.Legend.XOffs = -10
	pAngles.Legend.YOffs = -10

	pDist := plot.New()
	pDist.Title.Text = fmt.Sprintf("%s - Target Distance", p.deviceID)
	pDist.X.Label.Text = "Time (s)"
	pDist.Y.Label.Text = "Distance (m)"
	distLine, err := plotter.NewLine(dist)
	if err != nil {
		return fmt.Errorf("create distance line: %w", err)
	}
	distLine.Width = vg.Points(1)
	pDist.Add(distLine)

	anglesFile := filepath.Join(p.outputDir, "angles.png")
	if err := pAngles.Save(14*vg.Inch, 6*vg.Inch, anglesFile); err != nil {
		return fmt.Errorf("save angles plot: %w", err)
	}
	distFile := filepath.Join(p.outputDir, "distance.png")
	if err := pDist.Save(14*vg.Inch, 6*vg.Inch, distFile); err != nil {
		return fmt.Errorf("save distance plot: %w", err)
	}
	return nil
}
