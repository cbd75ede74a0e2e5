package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"distributor/pkg/directory"
)

// AgentAggregates holds the per-agent stats aggregated from Prometheus that
// feed performance-based routing.
type AgentAggregates struct {
	AgentID                    string  `json:"agent_id"`
	AverageResponseTimeMinutes float64 `json:"average_response_time_minutes"`
	CustomerSatisfaction       float64 `json:"customer_satisfaction"`
	ResolutionRate             float64 `json:"resolution_rate"`
	ConversationsHandled       int64   `json:"conversations_handled"`
}

// QueryService aggregates agent performance metrics from a Prometheus server.
// The external reporting pipeline feeds these series; the engine only reads.
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService creates a metrics query service against the given
// Prometheus base URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		queryAPI: v1.NewAPI(client),
	}, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("query %q failed: %w", query, err)
	}

	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}

// GetAgentAggregates retrieves the performance aggregates for one agent over
// the trailing window.
func (q *QueryService) GetAgentAggregates(ctx context.Context, agentID string, window time.Duration) (*AgentAggregates, error) {
	rangeStr := model.Duration(window).String()
	agg := &AgentAggregates{AgentID: agentID}

	responseSeconds, err := q.scalar(ctx, fmt.Sprintf(
		`avg(rate(agent_response_time_seconds_sum{agent_id=%q}[%s]) / rate(agent_response_time_seconds_count{agent_id=%q}[%s]))`,
		agentID, rangeStr, agentID, rangeStr))
	if err != nil {
		return nil, err
	}
	agg.AverageResponseTimeMinutes = responseSeconds / 60

	satisfaction, err := q.scalar(ctx, fmt.Sprintf(
		`avg(agent_customer_satisfaction{agent_id=%q})`, agentID))
	if err != nil {
		return nil, err
	}
	agg.CustomerSatisfaction = satisfaction

	resolved, err := q.scalar(ctx, fmt.Sprintf(
		`sum(increase(agent_conversations_resolved_total{agent_id=%q}[%s]))`, agentID, rangeStr))
	if err != nil {
		return nil, err
	}
	handled, err := q.scalar(ctx, fmt.Sprintf(
		`sum(increase(agent_conversations_handled_total{agent_id=%q}[%s]))`, agentID, rangeStr))
	if err != nil {
		return nil, err
	}
	if handled > 0 {
		agg.ResolutionRate = resolved / handled
	}
	agg.ConversationsHandled = int64(handled)

	return agg, nil
}

// RefreshDirectory updates the performance snapshot of every agent in a
// tenant from Prometheus aggregates. Agents with no series keep their
// previous stats.
func (q *QueryService) RefreshDirectory(ctx context.Context, dir *directory.Directory, tenantID string, window time.Duration) error {
	for _, agent := range dir.Snapshot(tenantID) {
		agg, err := q.GetAgentAggregates(ctx, agent.ID, window)
		if err != nil {
			return fmt.Errorf("refresh for agent %s: %w", agent.ID, err)
		}
		if agg.ConversationsHandled == 0 {
			continue
		}

		perf := directory.Performance{
			AverageResponseTimeMinutes: agg.AverageResponseTimeMinutes,
			CustomerSatisfaction:       agg.CustomerSatisfaction,
			ResolutionRate:             agg.ResolutionRate,
			TotalConversationsHandled:  agent.Performance.TotalConversationsHandled + agg.ConversationsHandled,
		}
		if err := dir.SetPerformance(tenantID, agent.ID, perf); err != nil {
			return err
		}
	}
	return nil
}
