package registry

import (
	"context"
	"testing"
	"time"

	"ragpilot/internal/domain"

	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	models map[string][]string
	err    map[string]error
}

func (f fakeProber) Tags(_ context.Context, url string) ([]string, error) {
	if err, ok := f.err[url]; ok {
		return nil, err
	}
	return f.models[url], nil
}

func TestPickFailsWhenEmpty(t *testing.T) {
	r := New(Config{PickWait: 10 * time.Millisecond}, fakeProber{})
	_, err := r.Pick("llama3.1", domain.StrategyLeastLatency, "")
	require.Error(t, err)
}

func TestRegisterStartsDegraded(t *testing.T) {
	r := New(Config{}, fakeProber{})
	r.Register("a", "http://a", []string{"llama3.1"})
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, domain.HealthDegraded, snap[0].State)
}

func TestPickPrefersHealthyOverDegraded(t *testing.T) {
	r := New(Config{PickWait: 10 * time.Millisecond}, fakeProber{})
	r.Register("a", "http://a", []string{"llama3.1"})
	r.Register("b", "http://b", []string{"llama3.1"})
	r.RecordOutcome("a", time.Millisecond, true)
	r.RecordOutcome("a", time.Millisecond, true)

	inst, err := r.Pick("llama3.1", domain.StrategyLeastLatency, "")
	require.NoError(t, err)
	require.Equal(t, "a", inst.Name)
}

func TestRecordOutcomeDemotesAfterThreshold(t *testing.T) {
	r := New(Config{FailureThreshold: 2, PickWait: 10 * time.Millisecond}, fakeProber{})
	r.Register("a", "http://a", []string{"llama3.1"})
	r.RecordOutcome("a", time.Millisecond, true) // promote to Healthy
	r.RecordOutcome("a", time.Millisecond, false)
	r.RecordOutcome("a", time.Millisecond, false)

	_, err := r.Pick("llama3.1", domain.StrategyLeastLatency, "")
	require.Error(t, err)
}

func TestLeastLoadedStrategy(t *testing.T) {
	r := New(Config{PickWait: 10 * time.Millisecond}, fakeProber{})
	r.Register("a", "http://a", []string{"m"})
	r.Register("b", "http://b", []string{"m"})
	r.RecordOutcome("a", time.Millisecond, true)
	r.RecordOutcome("b", time.Millisecond, true)
	r.Acquire("a")
	r.Acquire("a")

	inst, err := r.Pick("m", domain.StrategyLeastLoaded, "")
	require.NoError(t, err)
	require.Equal(t, "b", inst.Name)
}

func TestStickyByConversationFallsThroughToLeastLatency(t *testing.T) {
	r := New(Config{PickWait: 10 * time.Millisecond}, fakeProber{})
	r.Register("a", "http://a", []string{"m"})
	inst, err := r.Pick("m", domain.StrategyStickyByConv, "")
	require.NoError(t, err)
	require.Equal(t, "a", inst.Name)

	r.RecordOutcome("a", time.Millisecond, true)
	inst, err = r.Pick("m", domain.StrategyStickyByConv, "conv-1")
	require.NoError(t, err)
	require.Equal(t, "a", inst.Name)
}

func TestSnapshotSortedByName(t *testing.T) {
	r := New(Config{}, fakeProber{})
	r.Register("z", "http://z", nil)
	r.Register("a", "http://a", nil)
	snap := r.Snapshot()
	require.Equal(t, "a", snap[0].Name)
	require.Equal(t, "z", snap[1].Name)
}
