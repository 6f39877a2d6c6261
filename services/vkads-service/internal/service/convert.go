package service

import (
	"github.com/grigta/vkads/pkg/logger"
	"github.com/grigta/vkads/services/vkads-service/internal/engine"
	"github.com/grigta/vkads/services/vkads-service/internal/models"
	"github.com/grigta/vkads/services/vkads-service/internal/rules"
)

func toConditions(in []models.Condition) []rules.Condition {
	out := make([]rules.Condition, 0, len(in))
	for _, c := range in {
		op := rules.ParseOperator(c.Operator)
		if op == rules.OpUnknown {
			logger.Warn("Unknown operator, condition will never match",
				logger.Field{Key: "metric", Value: c.Metric},
				logger.Field{Key: "operator", Value: c.Operator})
		}
		out = append(out, rules.Condition{Metric: c.Metric, Operator: op, Value: c.Value})
	}
	return out
}

// toRule converts a stored rule. Budget rules carry their action as Payload.
func toRule(r *models.Rule) rules.Rule {
	out := rules.Rule{
		ID:           r.ID.Hex(),
		Name:         r.Name,
		Priority:     r.Priority,
		LookbackDays: r.LookbackDays,
		Conditions:   toConditions(r.Conditions),
	}
	if r.Kind == models.RuleKindBudget {
		out.Payload = engine.BudgetAction{
			Percent:  r.ChangePercent,
			Increase: r.ChangeDirection == models.DirectionIncrease,
		}
	}
	return out
}

// rulesFor returns the rules linked to account in stored order.
func rulesFor(rs []*models.Rule, account *models.Account) []rules.Rule {
	var out []rules.Rule
	for _, r := range rs {
		if r.AppliesTo(account.ID) {
			out = append(out, toRule(r))
		}
	}
	return out
}

func scalingOptions(c *models.ScalingConfig) engine.ScalingOptions {
	return engine.ScalingOptions{
		ConfigID:          c.ID.Hex(),
		ConfigName:        c.Name,
		Conditions:        toConditions(c.Conditions),
		LookbackDays:      c.LookbackDays,
		ActivatePositive:  c.ActivatePositiveBanners,
		DuplicateNegative: c.DuplicateNegativeBanners,
		ActivateNegative:  c.ActivateNegativeBanners,
		ToNewCampaign:     c.DuplicateToNewCampaign,
		NewCampaignName:   c.NewCampaignName,
	}
}
