package ratelimit

import (
	"context"
	"testing"
)

// BenchmarkLimiterAllow benchmarks the Allow method (non-blocking check)
func BenchmarkLimiterAllow(b *testing.B) {
	limiter := NewLimiter(1000.0, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = limiter.Allow()
	}
}

// BenchmarkLimiterAllowParallel benchmarks concurrent Allow calls
func BenchmarkLimiterAllowParallel(b *testing.B) {
	limiter := NewLimiter(10000.0, 1000)

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = limiter.Allow()
		}
	})
}

// BenchmarkLimiterWait benchmarks the Wait method with available tokens
func BenchmarkLimiterWait(b *testing.B) {
	limiter := NewLimiter(1e9, 1e9)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = limiter.Wait(ctx)
	}
}
