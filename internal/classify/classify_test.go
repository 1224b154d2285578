package classify

import (
	"context"
	"testing"
	"time"

	"ragpilot/internal/registry"

	"github.com/stretchr/testify/require"
)

func TestClassifyOrderCodeWins(t *testing.T) {
	require.Equal(t, CategoryCode, Classify("please write a function that solves 2+2", false))
}

func TestClassifyMathNeedsDigitAndKeyword(t *testing.T) {
	require.Equal(t, CategoryMath, Classify("solve 2+2", false))
	require.Equal(t, CategoryChat, Classify("solve this please", false))
}

func TestClassifyCreative(t *testing.T) {
	require.Equal(t, CategoryCreative, Classify("write a short poem about autumn", false))
}

func TestClassifyTechnicalViaRetrievalGrounding(t *testing.T) {
	require.Equal(t, CategoryTechnical, Classify("what does this do", true))
}

func TestClassifyFallsBackToChat(t *testing.T) {
	require.Equal(t, CategoryChat, Classify("how is your day going", false))
}

type fakeProber struct{}

func (fakeProber) Tags(_ context.Context, _ string) ([]string, error) { return nil, nil }

func TestRouteFallsBackToGeneralChat(t *testing.T) {
	r := registry.New(registry.Config{PickWait: 10 * time.Millisecond}, fakeProber{})
	r.Register("a", "http://a", []string{"general-chat"})
	r.RecordOutcome("a", time.Millisecond, true)

	router := NewRouter(r, ModelsByCategory{CategoryCode: "code-specialist"}, "general-chat")
	model, inst, category, err := router.Route("write a function", "", false, "")
	require.NoError(t, err)
	require.Equal(t, CategoryCode, category)
	require.Equal(t, "general-chat", model)
	require.Equal(t, "a", inst.Name)
}

func TestRouteFailsWhenNoInstances(t *testing.T) {
	r := registry.New(registry.Config{PickWait: 10 * time.Millisecond}, fakeProber{})
	router := NewRouter(r, ModelsByCategory{}, "general-chat")
	_, _, _, err := router.Route("hi", "", false, "")
	require.Error(t, err)
}

func TestRouteExplicitModelOverride(t *testing.T) {
	r := registry.New(registry.Config{PickWait: 10 * time.Millisecond}, fakeProber{})
	r.Register("a", "http://a", []string{"custom-model"})
	r.RecordOutcome("a", time.Millisecond, true)

	router := NewRouter(r, ModelsByCategory{}, "general-chat")
	model, inst, _, err := router.Route("hi", "custom-model", false, "")
	require.NoError(t, err)
	require.Equal(t, "custom-model", model)
	require.Equal(t, "a", inst.Name)
}
