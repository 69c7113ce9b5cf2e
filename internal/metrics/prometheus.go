package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// Operation metrics
	OpsTotal      *prometheus.CounterVec // labels: op, outcome
	OpDuration    prometheus.Histogram
	MutationBytes prometheus.Histogram

	// Hash table metrics
	CurrItems        prometheus.Gauge
	CurrTempItems    prometheus.Gauge
	CurrTombstones   prometheus.Gauge
	NonResidentItems prometheus.Gauge
	MemUsedBytes     prometheus.Gauge

	// Checkpoint metrics
	CheckpointItemsQueued prometheus.Counter
	PersistenceQueueDepth prometheus.Gauge
	CheckpointCount       prometheus.Gauge
	FlusherBatchesTotal   prometheus.Counter
	FlusherBatchDuration  prometheus.Histogram
	FlusherItemsPersisted prometheus.Counter

	// Durability metrics
	SyncWritesInFlight  prometheus.Gauge
	SyncWritesCommitted prometheus.Counter
	SyncWritesAborted   prometheus.Counter
	SeqnoAcksTotal      prometheus.Counter

	// Background fetch metrics
	BGFetchesTotal   prometheus.Counter
	BGFetchDuration  prometheus.Histogram
	BGFetchesPending prometheus.Gauge

	// Bloom filter metrics
	BloomSkipsTotal    prometheus.Counter
	BloomFilterKeys    prometheus.Gauge
	BloomRebuildsTotal prometheus.Counter

	// Expiry metrics
	ExpirationsTotal *prometheus.CounterVec // label: source

	// Cluster metrics
	GossipMembersTotal   prometheus.Gauge
	GossipMembersHealthy prometheus.Gauge

	// System metrics
	DiskUsedBytes      prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	HeapAllocBytes     prometheus.Gauge
	Goroutines         prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		OpsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kestrel",
			Subsystem:   "engine",
			Name:        "ops_total",
			Help:        "Document operations by type and outcome",
			ConstLabels: labels,
		}, []string{"op", "outcome"}),
		OpDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "kestrel",
			Subsystem:   "engine",
			Name:        "op_duration_seconds",
			Help:        "Histogram of document operation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		MutationBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "kestrel",
			Subsystem:   "engine",
			Name:        "mutation_bytes",
			Help:        "Histogram of mutation value sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(64, 4, 10),
		}),

		CurrItems: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel", Subsystem: "hashtable", Name: "curr_items",
			Help: "Stored values across all partitions", ConstLabels: labels,
		}),
		CurrTempItems: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel", Subsystem: "hashtable", Name: "curr_temp_items",
			Help: "Temporary placeholders for in-flight background fetches", ConstLabels: labels,
		}),
		CurrTombstones: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel", Subsystem: "hashtable", Name: "curr_tombstones",
			Help: "Deleted values retained for replication", ConstLabels: labels,
		}),
		NonResidentItems: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel", Subsystem: "hashtable", Name: "non_resident_items",
			Help: "Stored values whose value bytes are evicted", ConstLabels: labels,
		}),
		MemUsedBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel", Subsystem: "hashtable", Name: "mem_used_bytes",
			Help: "Tracked hash table memory", ConstLabels: labels,
		}),

		CheckpointItemsQueued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel", Subsystem: "checkpoint", Name: "items_queued_total",
			Help: "Mutations queued into checkpoints", ConstLabels: labels,
		}),
		PersistenceQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel", Subsystem: "checkpoint", Name: "persistence_queue_depth",
			Help: "Items awaiting the persistence cursor", ConstLabels: labels,
		}),
		CheckpointCount: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel", Subsystem: "checkpoint", Name: "checkpoints",
			Help: "Retained checkpoints across all partitions", ConstLabels: labels,
		}),
		FlusherBatchesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel", Subsystem: "flusher", Name: "batches_total",
			Help: "Flusher batches written", ConstLabels: labels,
		}),
		FlusherBatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kestrel", Subsystem: "flusher", Name: "batch_duration_seconds",
			Help: "Histogram of flusher batch durations", ConstLabels: labels,
			Buckets: prometheus.DefBuckets,
		}),
		FlusherItemsPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel", Subsystem: "flusher", Name: "items_persisted_total",
			Help: "Items written through the persistence cursor", ConstLabels: labels,
		}),

		SyncWritesInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel", Subsystem: "durability", Name: "sync_writes_in_flight",
			Help: "Tracked sync writes awaiting resolution", ConstLabels: labels,
		}),
		SyncWritesCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel", Subsystem: "durability", Name: "sync_writes_committed_total",
			Help: "Sync writes resolved as committed", ConstLabels: labels,
		}),
		SyncWritesAborted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel", Subsystem: "durability", Name: "sync_writes_aborted_total",
			Help: "Sync writes aborted by timeout", ConstLabels: labels,
		}),
		SeqnoAcksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel", Subsystem: "durability", Name: "seqno_acks_total",
			Help: "Replica seqno acknowledgements received", ConstLabels: labels,
		}),

		BGFetchesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel", Subsystem: "bgfetch", Name: "fetches_total",
			Help: "Background fetches issued", ConstLabels: labels,
		}),
		BGFetchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kestrel", Subsystem: "bgfetch", Name: "fetch_duration_seconds",
			Help: "Histogram of background fetch durations", ConstLabels: labels,
			Buckets: prometheus.DefBuckets,
		}),
		BGFetchesPending: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel", Subsystem: "bgfetch", Name: "fetches_pending",
			Help: "Background fetches awaiting completion", ConstLabels: labels,
		}),

		BloomSkipsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel", Subsystem: "bloom", Name: "skips_total",
			Help: "Disk lookups skipped by a definite-absent bloom answer", ConstLabels: labels,
		}),
		BloomFilterKeys: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel", Subsystem: "bloom", Name: "filter_keys",
			Help: "Keys recorded in main bloom filters", ConstLabels: labels,
		}),
		BloomRebuildsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel", Subsystem: "bloom", Name: "rebuilds_total",
			Help: "Bloom filter rebuilds completed by compaction", ConstLabels: labels,
		}),

		ExpirationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel", Subsystem: "engine", Name: "expirations_total",
			Help: "Documents lazily expired, by trigger", ConstLabels: labels,
		}, []string{"source"}),

		GossipMembersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel", Subsystem: "cluster", Name: "gossip_members",
			Help: "Nodes in the gossip membership view", ConstLabels: labels,
		}),
		GossipMembersHealthy: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel", Subsystem: "cluster", Name: "gossip_members_healthy",
			Help: "Gossip members currently reporting healthy", ConstLabels: labels,
		}),

		DiskUsedBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel", Subsystem: "system", Name: "disk_used_bytes",
			Help: "Bytes used on the data directory filesystem", ConstLabels: labels,
		}),
		DiskAvailableBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel", Subsystem: "system", Name: "disk_available_bytes",
			Help: "Bytes available on the data directory filesystem", ConstLabels: labels,
		}),
		HeapAllocBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel", Subsystem: "system", Name: "heap_alloc_bytes",
			Help: "Bytes of allocated heap objects", ConstLabels: labels,
		}),
		Goroutines: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel", Subsystem: "system", Name: "goroutines",
			Help: "Number of live goroutines", ConstLabels: labels,
		}),
	}
}

// UpdateSystemStats records process and filesystem level gauges.
func (m *Metrics) UpdateSystemStats(diskUsed, diskAvailable, heapAlloc int64, goroutines int) {
	m.DiskUsedBytes.Set(float64(diskUsed))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	m.HeapAllocBytes.Set(float64(heapAlloc))
	m.Goroutines.Set(float64(goroutines))
}

// RecordOp counts one operation with its outcome label.
func (m *Metrics) RecordOp(op, outcome string, seconds float64) {
	m.OpsTotal.WithLabelValues(op, outcome).Inc()
	m.OpDuration.Observe(seconds)
}

// RecordExpiry counts one lazy expiry by trigger source.
func (m *Metrics) RecordExpiry(source string) {
	m.ExpirationsTotal.WithLabelValues(source).Inc()
}
