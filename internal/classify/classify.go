// Package classify maps a query to a reasoning category and, via the
// instance registry, to a concrete model and instance to answer it.
package classify

import (
	"regexp"
	"strings"

	"ragpilot/internal/apperr"
	"ragpilot/internal/domain"
	"ragpilot/internal/registry"
)

// Category is a query's reasoning category.
type Category string

const (
	CategoryCode      Category = "code"
	CategoryMath      Category = "math"
	CategoryCreative  Category = "creative"
	CategoryTechnical Category = "technical"
	CategoryChat      Category = "chat"
)

var (
	codeKeywords     = []string{"code", "function", "script", "debug", "implement", "class", "api"}
	creativeKeywords = []string{"write", "story", "poem", "creative", "imagine", "brainstorm"}
	technicalKeywords = []string{"install", "configure", "troubleshoot", "specification", "version", "protocol"}

	fencedCodeBlock = regexp.MustCompile("```")
	mathKeywords    = regexp.MustCompile(`(?i)\b(arithmetic|equation|solve)\b`)
	numericCompare  = regexp.MustCompile(`[0-9]\s*(=|<|>|\+|-|\*|/)\s*[0-9]`)
	hasDigit        = regexp.MustCompile(`[0-9]`)
)

// Classify decides a query's category. First match wins, in the fixed order
// code, math, creative, technical, chat. It never fails.
func Classify(query string, retrievalGrounded bool) Category {
	lower := strings.ToLower(query)

	if containsAny(lower, codeKeywords) || fencedCodeBlock.MatchString(query) {
		return CategoryCode
	}
	if hasDigit.MatchString(query) && (mathKeywords.MatchString(query) || numericCompare.MatchString(query)) {
		return CategoryMath
	}
	if containsAny(lower, creativeKeywords) {
		return CategoryCreative
	}
	if containsAny(lower, technicalKeywords) || retrievalGrounded {
		return CategoryTechnical
	}
	return CategoryChat
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// ModelsByCategory maps a Category to its preferred model role identifier.
type ModelsByCategory map[Category]string

// Router chooses a model and instance for a classified query.
type Router struct {
	registry    *registry.Registry
	models      ModelsByCategory
	generalChat string
}

// NewRouter builds a Router. generalChat names the general-chat model id,
// used both for its own category and as the first fallback tier.
func NewRouter(reg *registry.Registry, models ModelsByCategory, generalChat string) *Router {
	return &Router{registry: reg, models: models, generalChat: generalChat}
}

// Route picks a model id and an instance for query. explicitModel, if
// non-empty, overrides the classifier's category-derived model. Routing is
// idempotent: it has no side effects beyond reading registry state.
func (router *Router) Route(query string, explicitModel string, retrievalGrounded bool, conversationID string) (string, domain.Instance, Category, error) {
	category := Classify(query, retrievalGrounded)

	preferred := explicitModel
	if preferred == "" {
		preferred = router.models[category]
	}
	if preferred == "" {
		preferred = router.generalChat
	}

	if inst, err := router.registry.Pick(preferred, domain.StrategyLeastLatency, conversationID); err == nil {
		return preferred, inst, category, nil
	}

	if preferred != router.generalChat && router.generalChat != "" {
		if inst, err := router.registry.Pick(router.generalChat, domain.StrategyLeastLatency, conversationID); err == nil {
			return router.generalChat, inst, category, nil
		}
	}

	if inst, err := router.registry.PickAny(domain.StrategyLeastLatency); err == nil {
		return preferred, inst, category, nil
	}

	return "", domain.Instance{}, category, apperr.New(apperr.KindUpstreamUnavailable, apperr.CodeNoAvailableInstance,
		"no instance available for query category "+string(category))
}
