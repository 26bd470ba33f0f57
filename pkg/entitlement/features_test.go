package entitlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeaturesForPlan(t *testing.T) {
	free := FeaturesForPlan(PlanFree)
	assert.True(t, free.Has(FeatureTimeTracking))
	assert.True(t, free.Has(FeatureBasicReports))
	assert.False(t, free.Has(FeatureAISummaries))
	assert.False(t, free.IsPremium())

	pro := FeaturesForPlan(PlanPro)
	assert.True(t, pro.Has(FeatureJiraSync))
	assert.True(t, pro.Has(" AI_SUMMARIES "))
	assert.False(t, pro.Has(FeatureTeamWorkspaces))
	assert.True(t, pro.IsPremium())

	assert.Equal(t, pro, FeaturesForPlan(PlanProAnnual))
	assert.Equal(t, pro, FeaturesForPlan(PlanLifetime))
	assert.True(t, FeaturesForPlan(PlanTeam).Has(FeatureTeamWorkspaces))
	assert.Equal(t, free, FeaturesForPlan("enterprise-gold"))
	assert.False(t, pro.Has("does_not_exist"))
}

func TestFeaturesList(t *testing.T) {
	assert.Equal(t, []string{FeatureBasicReports, FeatureTimeTracking}, FeaturesForPlan(PlanFree).List())
	assert.Len(t, FeaturesForPlan(PlanTeam).List(), len(teamFeatures))
}

func TestRecomputeFeaturesAfterDowngrade(t *testing.T) {
	e := &Entitlement{PlanID: PlanTeam}
	e.RecomputeFeatures()
	assert.True(t, e.Features.TeamWorkspaces)

	e.PlanID = PlanFree
	e.RecomputeFeatures()
	assert.Equal(t, FeaturesForPlan(PlanFree), e.Features)
}

func TestParsePlan(t *testing.T) {
	tests := []struct {
		label   string
		premium bool
		want    Plan
	}{
		{"pro", true, PlanPro},
		{" Lifetime ", true, PlanLifetime},
		{"yearly", true, PlanProAnnual},
		{"business", true, PlanTeam},
		{"mystery", true, PlanPro},
		{"mystery", false, PlanFree},
		{"", false, PlanFree},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParsePlan(tt.label, tt.premium), "label %q", tt.label)
	}
}

func TestPlanMaxDevices(t *testing.T) {
	assert.Equal(t, DefaultMaxDevices, PlanMaxDevices(PlanPro))
	assert.Equal(t, 5, PlanMaxDevices(PlanTeam))
	assert.Equal(t, DefaultMaxDevices, PlanMaxDevices("unknown"))
}
