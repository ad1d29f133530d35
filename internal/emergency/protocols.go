package emergency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"corral/internal/model"
	"corral/internal/reasoning"
)

// Protocol is one intervention step. Run returns a human-readable detail on
// success and an error when the step could not take effect.
type Protocol struct {
	Name string
	Run  func(ctx context.Context, ev model.EmergencyEvent) (string, error)
}

// shedDuration is how long a load-reduction intervention stays in force.
const shedDuration = 2 * time.Minute

// DefaultProtocols wires the standard intervention set:
//
//	failure_rate:        reduce_load, activate_fallback, escalate
//	latency:             reduce_load, escalate
//	downtime:            restart_agent, activate_fallback, escalate
//	resource_exhaustion: reduce_load, restart_agent, escalate
//	rate_limit:          reduce_load, escalate
//
// Escalate always succeeds so every emergency ends with at least a recorded
// handoff.
func DefaultProtocols(shedder *LoadShedder, publish PublishFunc, reasoner *reasoning.Client) map[model.EmergencyType][]Protocol {
	reduceLoad := Protocol{
		Name: "reduce_load",
		Run: func(_ context.Context, ev model.EmergencyEvent) (string, error) {
			if shedder == nil {
				return "", fmt.Errorf("no load shedder configured")
			}
			shedder.Engage(shedDuration)
			return fmt.Sprintf("load shedding engaged for %s", shedDuration), nil
		},
	}
	activateFallback := Protocol{
		Name: "activate_fallback",
		Run: func(_ context.Context, ev model.EmergencyEvent) (string, error) {
			publish(model.TopicAgentCommand, map[string]any{
				"command":      "activate_fallback",
				"emergency_id": ev.ID,
				"agents":       ev.AffectedAgents,
			}, model.PriorityCritical)
			return "fallback activation commanded", nil
		},
	}
	restartAgent := Protocol{
		Name: "restart_agent",
		Run: func(_ context.Context, ev model.EmergencyEvent) (string, error) {
			if len(ev.AffectedAgents) == 0 {
				return "", fmt.Errorf("no affected agents to restart")
			}
			publish(model.TopicAgentCommand, map[string]any{
				"command":      "restart",
				"emergency_id": ev.ID,
				"agents":       ev.AffectedAgents,
			}, model.PriorityCritical)
			return fmt.Sprintf("restart commanded for %s", strings.Join(ev.AffectedAgents, ",")), nil
		},
	}
	escalate := Protocol{
		Name: "escalate",
		Run: func(ctx context.Context, ev model.EmergencyEvent) (string, error) {
			summary := cannedEscalation(ev)
			if reasoner.Enabled() {
				if advice, err := reasoner.Advise(ctx, ev, nil); err == nil {
					summary = advice.Summary
					if len(advice.Steps) > 0 {
						summary += ": " + strings.Join(advice.Steps, "; ")
					}
				}
			}
			publish(model.TopicAgentCommand, map[string]any{
				"command":      "escalate",
				"emergency_id": ev.ID,
				"summary":      summary,
			}, model.PriorityCritical)
			return summary, nil
		},
	}

	return map[model.EmergencyType][]Protocol{
		model.EmergencyFailureRate:        {reduceLoad, activateFallback, escalate},
		model.EmergencyLatency:            {reduceLoad, escalate},
		model.EmergencyDowntime:           {restartAgent, activateFallback, escalate},
		model.EmergencyResourceExhaustion: {reduceLoad, restartAgent, escalate},
		model.EmergencyRateLimit:          {reduceLoad, escalate},
	}
}

func cannedEscalation(ev model.EmergencyEvent) string {
	return fmt.Sprintf("operator attention required: %s on %s (value %.3f, threshold %.3f)",
		ev.Type, ev.Metric, ev.Value, ev.Threshold)
}
