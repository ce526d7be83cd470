// Package metrics records upload observations off the request path.
package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultBuffer = 1024

// knownExtensions bounds the extension label; anything else is reported as "other".
var knownExtensions = map[string]struct{}{
	"7z": {}, "avi": {}, "bmp": {}, "csv": {}, "doc": {}, "docx": {}, "epub": {},
	"exe": {}, "gif": {}, "gz": {}, "heic": {}, "htm": {}, "html": {}, "iso": {},
	"jpeg": {}, "jpg": {}, "json": {}, "key": {}, "log": {}, "md": {}, "mkv": {},
	"mov": {}, "mp3": {}, "mp4": {}, "odt": {}, "pdf": {}, "png": {}, "ppt": {},
	"pptx": {}, "rar": {}, "rtf": {}, "svg": {}, "tar": {}, "tgz": {}, "tif": {},
	"tiff": {}, "txt": {}, "wav": {}, "webm": {}, "webp": {}, "xls": {}, "xlsx": {},
	"xml": {}, "yaml": {}, "yml": {}, "zip": {},
}

// extensionLabel maps a client supplied extension onto a bounded label set.
func extensionLabel(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" {
		return "none"
	}
	if _, ok := knownExtensions[ext]; ok {
		return ext
	}
	return "other"
}

type upload struct {
	size      int64
	extension string
	expiry    time.Duration
}

// Notifier queues upload observations and records them from Run.
// RecordUpload never blocks; observations are dropped when the queue is full.
type Notifier struct {
	events chan upload
	errs   chan error

	fileSize *prometheus.HistogramVec
	expiry   prometheus.Histogram
	dropped  prometheus.Counter
}

// NewNotifier registers the upload metrics on reg. buffer <= 0 selects a default size.
func NewNotifier(reg prometheus.Registerer, buffer int) *Notifier {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	f := promauto.With(reg)
	return &Notifier{
		events: make(chan upload, buffer),
		errs:   make(chan error, 16),
		fileSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tempshare_upload_file_size_bytes",
			Help:    "Size of uploaded files in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"extension"}),
		expiry: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tempshare_upload_expiry_hours",
			Help:    "Requested share lifetime in hours.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 12, 24},
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "tempshare_upload_metrics_dropped_total",
			Help: "Upload observations dropped because the queue was full.",
		}),
	}
}

// RecordUpload queues one observation.
func (n *Notifier) RecordUpload(size int64, extension string, expiry time.Duration) {
	select {
	case n.events <- upload{size: size, extension: extensionLabel(extension), expiry: expiry}:
	default:
		n.dropped.Inc()
	}
}

// Errors delivers failures from Run. Errors are dropped if nobody reads them.
func (n *Notifier) Errors() <-chan error {
	return n.errs
}

// Run records queued observations until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.events:
			n.record(ev)
		}
	}
}

func (n *Notifier) record(ev upload) {
	defer func() {
		if r := recover(); r != nil {
			n.report(fmt.Errorf("record upload metrics: %v", r))
		}
	}()
	n.fileSize.WithLabelValues(ev.extension).Observe(float64(ev.size))
	n.expiry.Observe(ev.expiry.Hours())
}

func (n *Notifier) report(err error) {
	select {
	case n.errs <- err:
	default:
	}
}
