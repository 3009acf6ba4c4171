package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var tarballExtractDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "distrocache",
		Subsystem: "fetch",
		Name:      "tarball_extract_seconds",
		Help:      "Time spent streaming and extracting a repository tarball, by backend and outcome.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"backend", "result"},
)

var lfsDownloadDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "distrocache",
		Subsystem: "fetch",
		Name:      "lfs_download_seconds",
		Help:      "Time spent downloading a single Git LFS object, by outcome.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(tarballExtractDuration, lfsDownloadDuration)
}
