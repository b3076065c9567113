package blobstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	savesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_blob_saves_total",
			Help: "Blob saves by outcome: written or deduplicated",
		},
		[]string{"result"},
	)

	bytesWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docstore_blob_bytes_written_total",
			Help: "Bytes written to the blob store",
		},
	)

	deletesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docstore_blob_deletes_total",
			Help: "Blobs removed from the blob store",
		},
	)
)

const (
	resultWritten      = "written"
	resultDeduplicated = "deduplicated"
)
