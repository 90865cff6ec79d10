package networking

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultBandwidthBytesPerSecond caps per-peer unreliable throughput.
	DefaultBandwidthBytesPerSecond = 64 * 1024
	// LowBandwidthFactor scales the budget of peers flagged as low bandwidth.
	LowBandwidthFactor = 0.25
)

// BandwidthUsage captures the throttling state for a single peer.
type BandwidthUsage struct {
	Key             string
	AvailableBytes  float64
	LimitBytes      float64
	BytesPerSecond  float64
	ObservedSeconds float64
	Denied          int64
	LastUpdated     time.Time
}

type bandwidthBucket struct {
	tokens float64
	rate   float64
	last   time.Time
	window time.Time
	sent   int64
	denied int64
}

// BandwidthRegulator enforces a token-bucket budget per peer id. It satisfies
// the connection layer's outbound throttle.
type BandwidthRegulator struct {
	mu      sync.Mutex
	buckets map[string]*bandwidthBucket
	rate    float64
	now     func() time.Time
}

// NewBandwidthRegulator constructs a regulator enforcing the supplied byte rate.
func NewBandwidthRegulator(bytesPerSecond float64, clock func() time.Time) *BandwidthRegulator {
	//1.- Normalise the configuration so downstream logic operates with sane defaults.
	if bytesPerSecond <= 0 {
		bytesPerSecond = DefaultBandwidthBytesPerSecond
	}
	if clock == nil {
		clock = time.Now
	}
	return &BandwidthRegulator{
		buckets: make(map[string]*bandwidthBucket),
		rate:    bytesPerSecond,
		now:     clock,
	}
}

func (b *bandwidthBucket) replenish(now time.Time) {
	//1.- Skip negative intervals to protect against clock skew.
	if now.Before(b.last) {
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	if elapsed <= 0 {
		return
	}
	//2.- The bucket holds at most one second of budget.
	b.tokens = math.Min(b.tokens+elapsed*b.rate, b.rate)
}

func (r *BandwidthRegulator) bucketLocked(key string, now time.Time) *bandwidthBucket {
	bucket := r.buckets[key]
	if bucket == nil {
		//1.- Seed new peers with a full bucket so they can burst immediately.
		bucket = &bandwidthBucket{tokens: r.rate, rate: r.rate, last: now, window: now}
		r.buckets[key] = bucket
	}
	return bucket
}

// Allow charges the requested payload size against the peer's budget.
func (r *BandwidthRegulator) Allow(key string, payloadBytes int) bool {
	if r == nil || key == "" || payloadBytes <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	bucket := r.bucketLocked(key, now)
	bucket.replenish(now)

	request := float64(payloadBytes)
	if request > bucket.tokens {
		bucket.denied++
		return false
	}
	bucket.tokens -= request
	bucket.sent += int64(payloadBytes)
	return true
}

// SetLowBandwidth scales the peer's budget down, or restores the default rate.
func (r *BandwidthRegulator) SetLowBandwidth(key string, low bool) {
	if r == nil || key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	bucket := r.bucketLocked(key, now)
	bucket.replenish(now)
	bucket.rate = r.rate
	if low {
		bucket.rate = r.rate * LowBandwidthFactor
	}
	bucket.tokens = math.Min(bucket.tokens, bucket.rate)
}

// Forget removes the token bucket for a disconnected peer.
func (r *BandwidthRegulator) Forget(key string) {
	if r == nil || key == "" {
		return
	}
	r.mu.Lock()
	delete(r.buckets, key)
	r.mu.Unlock()
}

// SnapshotUsage reports the most recent throttling statistics per peer.
func (r *BandwidthRegulator) SnapshotUsage() map[string]BandwidthUsage {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buckets) == 0 {
		return nil
	}

	now := r.now()
	usage := make(map[string]BandwidthUsage, len(r.buckets))
	for key, bucket := range r.buckets {
		bucket.replenish(now)
		//1.- Derive the sustained throughput over the bucket's lifetime.
		observed := math.Max(now.Sub(bucket.window).Seconds(), 0)
		rate := 0.0
		if observed > 0 {
			rate = float64(bucket.sent) / observed
		}
		usage[key] = BandwidthUsage{
			Key:             key,
			AvailableBytes:  math.Max(bucket.tokens, 0),
			LimitBytes:      bucket.rate,
			BytesPerSecond:  rate,
			ObservedSeconds: observed,
			Denied:          bucket.denied,
			LastUpdated:     bucket.last,
		}
	}
	return usage
}
