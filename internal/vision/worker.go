// Package vision runs the camera loop that confirms a recyclable material.
//
// Each tick captures a frame, classifies it, and feeds the winning detection into the
// session state machine. A material is confirmed once it has been the winner of every
// frame for the confirmation threshold.
package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"golang.org/x/time/rate"

	"github.com/rewired-gh/recyclekiosk/internal/bus"
	"github.com/rewired-gh/recyclekiosk/internal/logger"
	"github.com/rewired-gh/recyclekiosk/internal/models"
	"github.com/rewired-gh/recyclekiosk/internal/session"
)

// Announcer tells downstream equipment which material was confirmed.
type Announcer interface {
	AnnounceMaterial(m models.MaterialKind) error
}

// Config controls the vision loop.
type Config struct {
	Interval           time.Duration
	ConfirmThreshold   time.Duration
	MinConfidence      float64
	FrameRate          float64 // camera_frame notifications per second
	JPEGQuality        int
	MaxCaptureFailures int
}

// Worker is the vision confirmation loop.
type Worker struct {
	cfg        Config
	camera     Camera
	classifier Classifier
	announcer  Announcer
	catalog    models.Catalog
	session    *session.Session
	pub        bus.Publisher
	limiter    *rate.Limiter
	latency    LatencyStats
	now        func() time.Time

	failures  int
	lastFrame time.Time
	fps       float64
}

// NewWorker creates a vision worker. announcer may be nil.
func NewWorker(cfg Config, camera Camera, classifier Classifier, catalog models.Catalog,
	sess *session.Session, pub bus.Publisher, announcer Announcer) *Worker {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 10
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 80
	}
	if cfg.MaxCaptureFailures <= 0 {
		cfg.MaxCaptureFailures = 10
	}
	return &Worker{
		cfg:        cfg,
		camera:     camera,
		classifier: classifier,
		announcer:  announcer,
		catalog:    catalog,
		session:    sess,
		pub:        pub,
		limiter:    rate.NewLimiter(rate.Limit(cfg.FrameRate), 1),
		now:        time.Now,
	}
}

// Latency returns classifier latency statistics.
func (w *Worker) Latency() LatencySummary {
	return w.latency.Summary()
}

// Run drives the loop until ctx is cancelled. A camera that cannot be opened, or that
// fails too many captures in a row, disables the worker; Run then returns nil and the
// rest of the kiosk keeps running.
func (w *Worker) Run(ctx context.Context) error {
	defer w.camera.Close()

	if err := w.camera.Open(ctx); err != nil {
		logger.Error("[vision] %v", err)
		w.disable(err.Error())
		return nil
	}
	w.session.SetCameraActive(true)
	w.pub.Publish(bus.TopicWorkerStatus, bus.WorkerStatus{Worker: "vision", Active: true})
	logger.Info("[vision] camera open, confirming after %v", w.cfg.ConfirmThreshold)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.session.SetCameraActive(false)
			logger.Info("[vision] stopped")
			return nil
		case <-ticker.C:
			if err := w.Step(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				w.failures++
				logger.Warn("[vision] capture failed (%d/%d): %v", w.failures, w.cfg.MaxCaptureFailures, err)
				if w.failures >= w.cfg.MaxCaptureFailures {
					w.disable(fmt.Sprintf("%d consecutive capture failures", w.failures))
					return nil
				}
				continue
			}
			w.failures = 0
		}
	}
}

func (w *Worker) disable(reason string) {
	w.session.SetCameraActive(false)
	w.pub.Publish(bus.TopicWorkerStatus, bus.WorkerStatus{Worker: "vision", Active: false, Reason: reason})
	logger.Error("[vision] worker disabled: %s", reason)
}

// Step processes a single frame. It only returns an error when the frame could not be
// captured; classifier failures count as "nothing seen".
func (w *Worker) Step(ctx context.Context) error {
	frame, err := w.camera.Capture(ctx)
	if err != nil {
		return err
	}
	w.tickFPS()

	start := w.now()
	detections, err := w.classifier.Classify(ctx, frame)
	w.latency.Add(w.now().Sub(start))
	if err != nil {
		logger.Warn("[vision] classification failed: %v", err)
		detections = nil
	}

	m, best, found := w.catalog.SelectWinner(detections, w.cfg.MinConfidence)
	now := w.now()

	var (
		tr        session.Transition
		pending   models.MaterialKind
		candidate *models.MaterialKind
		progress  float64
	)
	_ = w.session.WithLock(func(st *session.State) error {
		tr = st.Observe(m, found, now, w.cfg.ConfirmThreshold)
		if st.Pending != nil {
			pending = *st.Pending
		}
		if st.Candidate != nil {
			c := *st.Candidate
			candidate = &c
		}
		progress = st.Progress
		if st.Status.CameraActive {
			st.Status.FPS = w.fps
		}
		return nil
	})

	switch tr {
	case session.Suspended:
		w.pub.Publish(bus.TopicAwaitingIdentity, bus.MaterialNotice{
			Material: pending,
			Points:   w.catalog.PointsFor(pending),
		})
	case session.Confirmed:
		logger.Info("[vision] material confirmed: %s (%.2f)", m, best.Confidence)
		w.pub.Publish(bus.TopicMaterialConfirmed, bus.MaterialNotice{
			Material:   m,
			Points:     w.catalog.PointsFor(m),
			Confidence: best.Confidence,
		})
		if w.announcer != nil {
			if err := w.announcer.AnnounceMaterial(m); err != nil {
				logger.Warn("[vision] failed to announce %s: %v", m, err)
			}
		}
	case session.Started:
		logger.Debug("[vision] new candidate: %s", m)
	}

	w.publishFrame(frame, detections, best, candidate, progress, now)
	return nil
}

func (w *Worker) tickFPS() {
	now := w.now()
	if !w.lastFrame.IsZero() {
		if dt := now.Sub(w.lastFrame).Seconds(); dt > 0 {
			inst := 1 / dt
			if w.fps == 0 {
				w.fps = inst
			} else {
				w.fps = 0.9*w.fps + 0.1*inst
			}
		}
	}
	w.lastFrame = now
}

func (w *Worker) publishFrame(frame Frame, detections []models.Detection, winner *models.Detection,
	candidate *models.MaterialKind, progress float64, now time.Time) {
	if !w.pub.HasSubscribers(bus.TopicCameraFrame) || !w.limiter.Allow() {
		return
	}

	img, _, err := image.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		logger.Debug("[vision] skipping frame notification: %v", err)
		return
	}
	url, err := EncodeDataURL(Annotate(img, detections, winner), w.cfg.JPEGQuality)
	if err != nil {
		logger.Debug("[vision] skipping frame notification: %v", err)
		return
	}

	w.pub.Publish(bus.TopicCameraFrame, bus.FrameNotice{
		Frame:      url,
		FPS:        w.fps,
		Candidate:  candidate,
		Progress:   progress,
		Detections: detections,
		Timestamp:  now,
	})
}
