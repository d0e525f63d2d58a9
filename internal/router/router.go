// Package router selects which service(s) a classified task should run
// against, grounded directly on the original core/router.py: route()
// looks up a RoutingRule by category, falls back to the classifier's
// recommendations when no rule exists, and walks primary-then-fallbacks
// in order, skipping any service the availability gate reports down.
package router

import (
	"time"

	"github.com/yayoboy/oxide-mesh/internal/errs"
	"github.com/yayoboy/oxide-mesh/internal/shared"
)

// AvailabilityChecker reports whether a configured service is currently
// reachable. The router treats a nil checker (no health_checker wired,
// matching the original's optional health_checker) as "always available"
// — availability is then enforced downstream by the adapter call itself.
type AvailabilityChecker interface {
	Available(serviceID string) bool
}

// Router picks a RouterDecision for a classified task.
type Router struct {
	services map[string]*shared.ServiceDescriptor
	rules    map[shared.Category]*shared.RoutingRule
	checker  AvailabilityChecker
	defaultTimeout time.Duration
}

// New constructs a Router. checker may be nil.
func New(services map[string]*shared.ServiceDescriptor, rules map[shared.Category]*shared.RoutingRule, checker AvailabilityChecker, defaultTimeout time.Duration) *Router {
	return &Router{services: services, rules: rules, checker: checker, defaultTimeout: defaultTimeout}
}

// Route decides a RouterDecision for info. A broadcastAll request wins
// outright; otherwise an explicit preferred-service override comes first (matching the original's
// preferences.get("preferred_service") short circuit), then the
// per-category routing rule, then falling back to the classifier's
// recommended-services list when no rule is configured for this category.
func (r *Router) Route(info shared.TaskInfo, preferredService string, broadcastAll bool) (shared.RouterDecision, error) {
	if broadcastAll {
		return r.routeBroadcastAll(), nil
	}

	if preferredService != "" {
		if _, ok := r.services[preferredService]; ok && r.isAvailable(preferredService) {
			return shared.RouterDecision{
				Primary: preferredService,
				Mode:    shared.ModeSingle,
				Timeout: r.timeoutFor(info.Category),
			}, nil
		}
	}

	primary, fallbacks := r.candidatesFor(info)

	selected, remaining, err := r.selectAvailable(primary, fallbacks)
	if err != nil {
		return shared.RouterDecision{}, err
	}

	mode := shared.ModeSingle
	if info.UseParallel && len(remaining) > 0 {
		mode = shared.ModeParallel
	}

	return shared.RouterDecision{
		Primary:   selected,
		Fallbacks: remaining,
		Mode:      mode,
		Timeout:   r.timeoutFor(info.Category),
	}, nil
}

// candidatesFor returns (primary, fallbacks) from the configured routing
// rule for info.Category, or — when no rule exists — treats the
// classifier's RecommendedServices as an implicit rule: first entry is
// primary, the rest are fallbacks, matching _route_from_recommendations.
func (r *Router) candidatesFor(info shared.TaskInfo) (string, []string) {
	if rule, ok := r.rules[info.Category]; ok {
		return rule.Primary, rule.Fallbacks
	}
	if len(info.RecommendedServices) == 0 {
		return "", nil
	}
	return info.RecommendedServices[0], info.RecommendedServices[1:]
}

// selectAvailable walks primary then fallbacks in order, returning the
// first available service id and the remaining (untried) fallbacks after
// it, matching _select_available_service's ordered-first-match semantics.
func (r *Router) selectAvailable(primary string, fallbacks []string) (string, []string, error) {
	candidates := append([]string{primary}, fallbacks...)
	for i, svc := range candidates {
		if svc == "" {
			continue
		}
		if r.isAvailable(svc) {
			return svc, candidates[i+1:], nil
		}
	}
	return "", nil, errs.New(errs.NoServiceAvailable, "no configured service is currently available for this task")
}

// isAvailable mirrors _is_service_available: the service must exist in
// the config and be enabled, and — if an AvailabilityChecker is wired —
// must report healthy.
func (r *Router) isAvailable(serviceID string) bool {
	svc, ok := r.services[serviceID]
	if !ok || !svc.Enabled {
		return false
	}
	if r.checker == nil {
		return true
	}
	return r.checker.Available(serviceID)
}

func (r *Router) timeoutFor(cat shared.Category) time.Duration {
	if rule, ok := r.rules[cat]; ok && rule.TimeoutSeconds > 0 {
		return time.Duration(rule.TimeoutSeconds) * time.Second
	}
	return r.defaultTimeout
}

// routeBroadcastAll targets every enabled, available service at once —
// the explicit broadcast-all execution mode from §5.
func (r *Router) routeBroadcastAll() shared.RouterDecision {
	var services []string
	for id, svc := range r.services {
		if svc.Enabled && r.isAvailable(id) {
			services = append(services, id)
		}
	}
	return shared.RouterDecision{
		Mode:     shared.ModeBroadcastAll,
		Services: services,
		Timeout:  r.defaultTimeout,
	}
}

// Summary describes the active routing rules, grounded on
// get_routing_rules_summary.
func (r *Router) Summary() map[shared.Category]shared.RoutingRule {
	out := make(map[shared.Category]shared.RoutingRule, len(r.rules))
	for k, v := range r.rules {
		out[k] = *v
	}
	return out
}
