package metrics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_RecordsUploads(t *testing.T) {
	reg := prometheus.NewRegistry()
	n := NewNotifier(reg, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.RecordUpload(2048, "pdf", 2*time.Hour)
	n.RecordUpload(10, "", 30*time.Minute)

	require.Eventually(t, func() bool {
		return testutil.CollectAndCount(n.fileSize) == 2 && histogramCount(t, reg, "tempshare_upload_expiry_hours") == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotifier_ExtensionLabelIsBounded(t *testing.T) {
	reg := prometheus.NewRegistry()
	n := NewNotifier(reg, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	const distinct = 500
	for i := range distinct {
		n.RecordUpload(1, fmt.Sprintf("x%d", i), time.Hour)
	}
	n.RecordUpload(1, "PDF", time.Hour)
	n.RecordUpload(1, "", time.Hour)

	require.Eventually(t, func() bool {
		return histogramCount(t, reg, "tempshare_upload_file_size_bytes") == distinct+2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, testutil.CollectAndCount(n.fileSize))
}

func TestExtensionLabel(t *testing.T) {
	tests := map[string]string{
		"":                 "none",
		"pdf":              "pdf",
		".JPG":             "jpg",
		"tar.gz":           "other",
		"aVeryLongSuffix1": "other",
		"zzz":              "other",
	}
	for in, want := range tests {
		assert.Equal(t, want, extensionLabel(in), in)
	}
}

func TestNotifier_DropsWhenFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	n := NewNotifier(reg, 1)

	n.RecordUpload(1, "txt", time.Hour)
	n.RecordUpload(1, "txt", time.Hour)
	n.RecordUpload(1, "txt", time.Hour)

	assert.Equal(t, float64(2), testutil.ToFloat64(n.dropped))
}

func TestNotifier_ErrorsChannel(t *testing.T) {
	n := NewNotifier(prometheus.NewRegistry(), 1)
	n.report(assert.AnError)

	select {
	case err := <-n.Errors():
		assert.ErrorIs(t, err, assert.AnError)
	default:
		t.Fatal("expected error")
	}
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var total uint64
		for _, m := range f.GetMetric() {
			total += m.GetHistogram().GetSampleCount()
		}
		return total
	}
	return 0
}
