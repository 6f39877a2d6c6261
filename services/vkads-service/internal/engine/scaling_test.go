package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grigta/vkads/pkg/testutil"
)

// seedScaling builds plan 1 (stopped) with group 10 holding a positive
// banner 101 and a negative banner 102.
func seedScaling(server *testutil.MockVKAdsServer) {
	server.AddPlan(testutil.MockAdPlan{ID: 1, Name: "Spring", Status: "blocked", Objective: "traffic"})
	server.AddGroup(testutil.MockAdGroup{ID: 10, Name: "G10", Status: "active", AdPlanID: 1, BudgetLimitDay: 500,
		Extra: map[string]interface{}{"package_id": 960}})
	addBanner(server, 101, 10, "active", 10, 50)
	addBanner(server, 102, 10, "blocked", 0, 50)
}

func scalingRequest(t *testing.T, server *testutil.MockVKAdsServer, opts ScalingOptions) ScalingRequest {
	opts.ConfigID = "cfg-1"
	opts.ConfigName = "Scale winners"
	opts.Conditions = clicksAbove(5)
	opts.LookbackDays = 7
	return ScalingRequest{Target: newTarget(t, server), Options: opts, Now: testNow}
}

func TestScaling_DeletesNegativeCopies(t *testing.T) {
	server := testutil.NewMockVKAdsServer()
	defer server.Close()
	seedScaling(server)

	logs := &memLogs{}
	engine := NewScalingEngine(NewClassifier(0), logs)
	res, err := engine.Run(context.Background(), scalingRequest(t, server, ScalingOptions{ActivatePositive: true}))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Positive)
	assert.Equal(t, 1, res.Negative)
	assert.Equal(t, 1, res.GroupsDuplicated)
	assert.Equal(t, 1, res.BannersDuplicated)
	assert.Equal(t, 1, res.BannersDeleted)

	require.Len(t, server.CreatedGroups, 1)
	payload := server.CreatedGroups[0]
	assert.Equal(t, 1.0, payload["ad_plan_id"])
	assert.Equal(t, "active", payload["status"])
	assert.Equal(t, 960.0, payload["package_id"])
	banners, _ := payload["banners"].([]interface{})
	require.Len(t, banners, 2, "negative banners are sent and removed afterwards")
	first := banners[0].(map[string]interface{})
	second := banners[1].(map[string]interface{})
	assert.Equal(t, "Positive Banner", first["name"])
	assert.Equal(t, "active", first["status"])
	assert.Equal(t, "Negative Banner", second["name"])
	assert.Equal(t, "blocked", second["status"])
	assert.NotContains(t, first, "id")
	assert.NotContains(t, first, "ad_group_id")
	assert.Contains(t, first, "urls")

	require.Len(t, logs.scaling, 1)
	entry := logs.scaling[0]
	assert.True(t, entry.Success)
	assert.Equal(t, int64(10), entry.OriginalGroupID)
	require.Len(t, entry.DuplicatedBanners, 1)
	assert.Equal(t, int64(101), entry.DuplicatedBanners[0].OriginalID)
	require.Len(t, entry.DeletedBannerIDs, 1)
	assert.Equal(t, server.DeletedBanners(), entry.DeletedBannerIDs)
	assert.NotEqual(t, entry.DuplicatedBanners[0].NewID, entry.DeletedBannerIDs[0])

	plan, _ := server.Plan(1)
	assert.Equal(t, "active", plan.Status, "original campaign is reactivated")
}

func TestScaling_KeepsNegativeCopies(t *testing.T) {
	server := testutil.NewMockVKAdsServer()
	defer server.Close()
	seedScaling(server)

	logs := &memLogs{}
	_, err := NewScalingEngine(NewClassifier(0), logs).Run(context.Background(), scalingRequest(t, server, ScalingOptions{
		DuplicateNegative: true,
		ActivateNegative:  true,
	}))
	require.NoError(t, err)

	require.Len(t, logs.scaling, 1)
	entry := logs.scaling[0]
	assert.Len(t, entry.DuplicatedBanners, 2)
	assert.Empty(t, entry.DeletedBannerIDs)
	assert.Empty(t, server.DeletedBanners())
	assert.Equal(t, "active", entry.NewGroupStatus, "an active negative copy activates the group")

	for _, b := range entry.DuplicatedBanners {
		copied, ok := server.Banner(b.NewID)
		require.True(t, ok)
		if b.Positive {
			assert.Equal(t, "blocked", copied.Status)
		} else {
			assert.Equal(t, "active", copied.Status)
		}
	}
}

func TestScaling_GroupBlockedWithoutActiveBanners(t *testing.T) {
	server := testutil.NewMockVKAdsServer()
	defer server.Close()
	seedScaling(server)

	logs := &memLogs{}
	_, err := NewScalingEngine(NewClassifier(0), logs).Run(context.Background(), scalingRequest(t, server, ScalingOptions{}))
	require.NoError(t, err)

	require.Len(t, logs.scaling, 1)
	assert.Equal(t, "blocked", logs.scaling[0].NewGroupStatus)
	g, ok := server.Group(logs.scaling[0].NewGroupID)
	require.True(t, ok)
	assert.Equal(t, "blocked", g.Status)
}

func TestScaling_NewCampaignReusedPerOriginal(t *testing.T) {
	server := testutil.NewMockVKAdsServer()
	defer server.Close()
	seedScaling(server)
	server.AddGroup(testutil.MockAdGroup{ID: 11, Name: "G11", Status: "active", AdPlanID: 1, BudgetLimitDay: 500})
	addBanner(server, 111, 11, "active", 10, 50)
	server.AddPlan(testutil.MockAdPlan{ID: 2, Name: "Autumn", Status: "active"})
	server.AddGroup(testutil.MockAdGroup{ID: 20, Name: "G20", Status: "active", AdPlanID: 2, BudgetLimitDay: 500})
	addBanner(server, 201, 20, "active", 10, 50)

	req := scalingRequest(t, server, ScalingOptions{ActivatePositive: true, ToNewCampaign: true, NewCampaignName: "Scale"})
	req.State = NewRunState()

	res, err := NewScalingEngine(NewClassifier(0), &memLogs{}).Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 3, res.GroupsDuplicated)
	assert.Equal(t, 2, res.CampaignsCreated)
	require.Len(t, server.CreatedPlans, 2)
	assert.Equal(t, "Scale 1 05.03.2026", server.CreatedPlans[0]["name"])
	assert.Equal(t, "Scale 2 05.03.2026", server.CreatedPlans[1]["name"])

	// Group 11 joins the campaign created for group 10.
	first, ok := req.State.Campaign("acc-1", 1)
	require.True(t, ok)
	require.Len(t, server.CreatedGroups, 3)
	assert.Equal(t, float64(first), server.CreatedGroups[1]["ad_plan_id"])

	second, ok := req.State.Campaign("acc-1", 2)
	require.True(t, ok)
	assert.NotEqual(t, first, second)
}

func TestScaling_FailureIsolatedPerGroup(t *testing.T) {
	server := testutil.NewMockVKAdsServer()
	defer server.Close()
	seedScaling(server)
	// Group 11 points at a campaign that does not exist.
	server.AddGroup(testutil.MockAdGroup{ID: 11, Name: "G11", Status: "active", AdPlanID: 99, BudgetLimitDay: 500})
	addBanner(server, 111, 11, "active", 10, 50)

	logs := &memLogs{}
	progress := &recordedProgress{}
	req := scalingRequest(t, server, ScalingOptions{ActivatePositive: true})
	req.Progress = progress

	res, err := NewScalingEngine(NewClassifier(0), logs).Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 2, res.GroupsQualified)
	assert.Equal(t, 1, res.GroupsDuplicated)
	assert.Equal(t, 1, res.GroupsFailed)
	assert.Len(t, res.Errors, 1)
	require.Len(t, logs.scaling, 2)
	assert.True(t, logs.scaling[0].Success)
	assert.False(t, logs.scaling[1].Success)
	assert.NotEmpty(t, logs.scaling[1].Error)
	assert.Equal(t, 1, progress.successful())
}

func TestScaling_DryRun(t *testing.T) {
	server := testutil.NewMockVKAdsServer()
	defer server.Close()
	seedScaling(server)

	logs := &memLogs{}
	req := scalingRequest(t, server, ScalingOptions{ActivatePositive: true, ToNewCampaign: true})
	req.DryRun = true

	res, err := NewScalingEngine(NewClassifier(0), logs).Run(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.Empty(t, server.CreatedGroups)
	assert.Empty(t, server.CreatedPlans)
	plan, _ := server.Plan(1)
	assert.Equal(t, "blocked", plan.Status)

	require.Len(t, logs.scaling, 1)
	require.Len(t, logs.scaling[0].DuplicatedBanners, 1)
	assert.Zero(t, logs.scaling[0].DuplicatedBanners[0].NewID)
	assert.Equal(t, "Positive Banner", logs.scaling[0].DuplicatedBanners[0].Name)
}

func TestScaling_CancelStopsBeforeNextGroup(t *testing.T) {
	server := testutil.NewMockVKAdsServer()
	defer server.Close()
	seedScaling(server)
	server.AddGroup(testutil.MockAdGroup{ID: 11, Name: "G11", Status: "active", AdPlanID: 1, BudgetLimitDay: 500})
	addBanner(server, 111, 11, "active", 10, 50)

	// One poll for the classification buffer, one for the first group.
	cancel := &cancelAfter{after: 2}
	req := scalingRequest(t, server, ScalingOptions{ActivatePositive: true})
	req.Cancel = cancel.fn

	res, err := NewScalingEngine(NewClassifier(0), &memLogs{}).Run(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, 1, res.GroupsDuplicated)
	assert.Len(t, server.CreatedGroups, 1)
}

func TestRunState(t *testing.T) {
	s := NewRunState()

	var wg sync.WaitGroup
	seen := make(chan int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- s.NextSequence()
		}()
	}
	wg.Wait()
	close(seen)

	got := map[int]bool{}
	for n := range seen {
		got[n] = true
	}
	assert.Len(t, got, 10)
	assert.True(t, got[1])
	assert.True(t, got[10])

	_, ok := s.Campaign("a", 1)
	assert.False(t, ok)
	s.StoreCampaign("a", 1, 500)
	id, ok := s.Campaign("a", 1)
	assert.True(t, ok)
	assert.Equal(t, int64(500), id)
	_, ok = s.Campaign("b", 1)
	assert.False(t, ok)
}

func TestCampaignName(t *testing.T) {
	assert.Equal(t, "Base 3 05.03.2026", CampaignName("Base", 3, testNow))
}

func TestToInt64(t *testing.T) {
	assert.Equal(t, int64(5), toInt64(5.0))
	assert.Equal(t, int64(7), toInt64("7"))
	assert.Equal(t, int64(0), toInt64(nil))
}
