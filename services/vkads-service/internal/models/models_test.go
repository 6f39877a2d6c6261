package models

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{"disable ok", Rule{Name: "r", Kind: RuleKindDisable}, false},
		{"missing name", Rule{Kind: RuleKindDisable}, true},
		{"unknown kind", Rule{Name: "r", Kind: "pause"}, true},
		{"budget ok", Rule{Name: "r", Kind: RuleKindBudget, ChangePercent: 20, ChangeDirection: DirectionDecrease}, false},
		{"budget percent low", Rule{Name: "r", Kind: RuleKindBudget, ChangePercent: 0.5, ChangeDirection: DirectionIncrease}, true},
		{"budget percent high", Rule{Name: "r", Kind: RuleKindBudget, ChangePercent: 21, ChangeDirection: DirectionIncrease}, true},
		{"budget direction", Rule{Name: "r", Kind: RuleKindBudget, ChangePercent: 5}, true},
		{"empty metric", Rule{Name: "r", Kind: RuleKindDisable, Conditions: []Condition{{Operator: ">"}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidRule))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAppliesTo(t *testing.T) {
	a, b := primitive.NewObjectID(), primitive.NewObjectID()

	assert.True(t, (&Rule{}).AppliesTo(a))
	assert.True(t, (&Rule{AccountIDs: []primitive.ObjectID{a}}).AppliesTo(a))
	assert.False(t, (&Rule{AccountIDs: []primitive.ObjectID{a}}).AppliesTo(b))
	assert.False(t, (&ScalingConfig{AccountIDs: []primitive.ObjectID{b}}).AppliesTo(a))
}

func TestFinalStatus(t *testing.T) {
	assert.Equal(t, TaskCompleted, FinalStatus(0, 0))
	assert.Equal(t, TaskCompleted, FinalStatus(10, 1))
	assert.Equal(t, TaskFailed, FinalStatus(3, 0))
}

func TestParseRunKind(t *testing.T) {
	k, err := ParseRunKind("scaling")
	assert.NoError(t, err)
	assert.Equal(t, RunScaling, k)

	_, err = ParseRunKind("delete")
	assert.ErrorIs(t, err, ErrInvalidRunKind)
}

func TestAccount(t *testing.T) {
	acc := Account{Name: "a", APIToken: "t", Label: "lbl", LeadsTechEnabled: true}
	assert.NoError(t, acc.Validate())
	assert.True(t, acc.HasRevenueSource())
	assert.Empty(t, acc.Redacted().APIToken)
	assert.Equal(t, "t", acc.APIToken)

	acc.Label = ""
	assert.ErrorIs(t, acc.Validate(), ErrInvalidAccount)
	assert.False(t, acc.HasRevenueSource())
}

func TestTruncateError(t *testing.T) {
	assert.Equal(t, "short", TruncateError("short"))
	assert.Len(t, TruncateError(strings.Repeat("x", 900)), MaxErrorLength)

	cyrillic := TruncateError(strings.Repeat("x", 499) + "Ошибка")
	assert.True(t, utf8.ValidString(cyrillic))
	assert.Equal(t, strings.Repeat("x", 499), cyrillic)
}
