package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/grigta/vkads/pkg/logger"
	"github.com/grigta/vkads/services/vkads-service/internal/models"
	"github.com/grigta/vkads/services/vkads-service/internal/rules"
	"github.com/grigta/vkads/services/vkads-service/internal/stats"
	"github.com/grigta/vkads/services/vkads-service/internal/vkads"
)

const (
	PositivePrefix     = "Positive "
	NegativePrefix     = "Negative "
	campaignDateLayout = "02.01.2006"
)

var (
	groupCloneFields = []string{
		"name", "ad_plan_id", "package_id", "objective", "targetings", "budget_limit_day", "budget_limit",
		"autobidding_mode", "max_price", "date_start", "date_end", "age_restrictions", "utm", "enable_utm",
		"enable_offline_goals", "priced_goal", "pricelist_id", "social",
	}
	bannerCloneFields = []string{"id", "name", "status", "content", "textblocks", "urls", "call_to_action"}
	planCloneFields   = []string{
		"name", "objective", "budget_limit_day", "budget_limit", "date_start", "date_end",
		"autobidding_mode", "max_price", "priced_goal",
	}

	groupSkipFields  = fieldSet("id", "ad_plan_id", "status", "banners", "created", "updated", "delivery", "issues")
	bannerSkipFields = fieldSet("id", "status", "ad_group_id", "moderation_status", "moderation_reasons",
		"created", "updated", "delivery", "issues")
	planSkipFields = fieldSet("id", "status", "ad_groups", "created", "updated", "delivery", "issues")
)

func fieldSet(names ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

func cloneFields(src map[string]interface{}, skip map[string]struct{}) map[string]interface{} {
	out := make(map[string]interface{}, len(src))
	for k, v := range src {
		if _, ok := skip[k]; ok {
			continue
		}
		out[k] = v
	}
	return out
}

type ScalingOptions struct {
	ConfigID   string
	ConfigName string
	Conditions []rules.Condition

	LookbackDays      int
	ActivatePositive  bool
	DuplicateNegative bool
	ActivateNegative  bool
	ToNewCampaign     bool
	NewCampaignName   string
}

type ScalingRequest struct {
	Target   Target
	Options  ScalingOptions
	State    *RunState
	DryRun   bool
	Now      time.Time
	Cancel   CancelFunc
	Progress Progress
}

type ScalingResult struct {
	Positive          int      `json:"positive"`
	Negative          int      `json:"negative"`
	GroupsQualified   int      `json:"groups_qualified"`
	GroupsDuplicated  int      `json:"groups_duplicated"`
	GroupsFailed      int      `json:"groups_failed"`
	BannersDuplicated int      `json:"banners_duplicated"`
	BannersDeleted    int      `json:"banners_deleted"`
	CampaignsCreated  int      `json:"campaigns_created"`
	DryRun            bool     `json:"dry_run"`
	Cancelled         bool     `json:"cancelled"`
	Errors            []string `json:"errors,omitempty"`
}

type ScalingEngine struct {
	classifier *Classifier
	logs       LogSink
}

func NewScalingEngine(classifier *Classifier, logs LogSink) *ScalingEngine {
	return &ScalingEngine{classifier: classifier, logs: logs}
}

// Run classifies the account's banners and duplicates every ad group with at
// least one positive banner. A failing group is logged and skipped.
func (e *ScalingEngine) Run(ctx context.Context, req ScalingRequest) (ScalingResult, error) {
	res := ScalingResult{DryRun: req.DryRun}
	if req.State == nil {
		req.State = NewRunState()
	}
	opts := req.Options
	progress := progressOr(req.Progress)
	log := logger.FromContext(ctx)

	days := opts.LookbackDays
	if days <= 0 {
		days = models.DefaultLookbackDays
	}
	rng := stats.LookbackRange(days, nowOr(req.Now))

	progress.Report(ctx, models.TaskProgress{CurrentStep: fmt.Sprintf("%s: classifying banners", req.Target.AccountName)})
	class, err := e.classifier.Classify(ctx, req.Target, opts.Conditions, rng, req.Cancel)
	if err != nil {
		return res, fmt.Errorf("classify: %w", err)
	}
	res.Positive = len(class.Positive)
	res.Negative = len(class.Negative)
	if class.Cancelled {
		res.Cancelled = true
		return res, nil
	}

	groups := class.Qualifying()
	res.GroupsQualified = len(groups)
	log.Info("Ad groups qualify for duplication", logger.Field{Key: "groups", Value: len(groups)})

	for i, gid := range groups {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if cancelled(ctx, req.Cancel) {
			res.Cancelled = true
			break
		}
		progress.Report(ctx, models.TaskProgress{
			CurrentStep: fmt.Sprintf("%s: duplicating group %d/%d", req.Target.AccountName, i+1, len(groups)),
		})

		entry, created, err := e.duplicateGroup(ctx, req, class, gid)
		entry.CreatedAt = time.Now()
		p := models.TaskProgress{Completed: 1}
		if err != nil {
			entry.Success = false
			entry.Error = models.TruncateError(err.Error())
			res.GroupsFailed++
			res.Errors = appendError(res.Errors, fmt.Errorf("ad group %d: %w", gid, err))
			p.Failed = 1
			p.Errors = res.Errors[len(res.Errors)-1:]
			log.Error("Ad group duplication failed", logger.Field{Key: "ad_group_id", Value: gid}, logger.Err(err))
		} else {
			entry.Success = true
			res.GroupsDuplicated++
			res.BannersDuplicated += len(entry.DuplicatedBanners)
			res.BannersDeleted += len(entry.DeletedBannerIDs)
			if entry.Error != "" {
				res.Errors = append(res.Errors, entry.Error)
			}
			p.Successful = 1
			log.Info("Ad group duplicated",
				logger.Field{Key: "ad_group_id", Value: gid},
				logger.Field{Key: "new_group_id", Value: entry.NewGroupID},
				logger.Field{Key: "banners", Value: len(entry.DuplicatedBanners)},
				logger.Field{Key: "dry_run", Value: req.DryRun})
		}
		if created {
			res.CampaignsCreated++
		}
		if err := e.logs.InsertScalingLog(ctx, entry); err != nil {
			log.Error("Failed to write scaling log", logger.Err(err))
		}
		progress.Report(ctx, p)
	}
	return res, nil
}

type plannedBanner struct {
	originalID int64
	name       string
	status     string
	positive   bool
	keep       bool
}

// duplicateGroup clones one ad group with its banners. The returned flag is
// true when a new campaign was created for it.
func (e *ScalingEngine) duplicateGroup(ctx context.Context, req ScalingRequest, class *Classification, groupID int64) (models.ScalingLog, bool, error) {
	t := req.Target
	opts := req.Options
	entry := models.ScalingLog{
		UserID:            t.UserID,
		TaskID:            t.TaskID,
		ConfigID:          opts.ConfigID,
		ConfigName:        opts.ConfigName,
		AccountID:         t.AccountID,
		AccountName:       t.AccountName,
		OriginalGroupID:   groupID,
		DuplicatedBanners: []models.DuplicatedBanner{},
	}

	src, err := t.API.GetAdGroupFields(ctx, groupID, groupCloneFields)
	if err != nil {
		return entry, false, fmt.Errorf("read ad group: %w", err)
	}
	campaignID := toInt64(src["ad_plan_id"])
	entry.OriginalCampaignID = campaignID
	if campaignID == 0 {
		return entry, false, errors.New("ad group has no campaign")
	}

	planned, payloads, err := e.planBanners(ctx, t, opts, class, groupID)
	if err != nil {
		return entry, false, err
	}
	for _, pb := range planned {
		if pb.positive {
			entry.PositiveCount++
		} else {
			entry.NegativeCount++
		}
	}

	groupStatus := vkads.StatusBlocked
	for _, pb := range planned {
		if pb.keep && pb.status == vkads.StatusActive {
			groupStatus = vkads.StatusActive
			break
		}
	}
	entry.NewGroupStatus = groupStatus

	if req.DryRun {
		for _, pb := range planned {
			if pb.keep {
				entry.DuplicatedBanners = append(entry.DuplicatedBanners, models.DuplicatedBanner{
					OriginalID: pb.originalID, Name: pb.name, Status: pb.status, Positive: pb.positive,
				})
			}
		}
		return entry, false, nil
	}

	if err := e.ensureCampaignActive(ctx, t.API, campaignID); err != nil {
		return entry, false, err
	}

	groupPayload := cloneFields(src, groupSkipFields)
	groupPayload["status"] = groupStatus
	groupPayload["banners"] = payloads

	created, newCampaign, createdCampaign, err := e.create(ctx, req, campaignID, groupPayload)
	if err != nil {
		return entry, false, err
	}
	entry.NewGroupID = created.ID
	entry.NewCampaignID = newCampaign

	newIDs, err := e.createdBannerIDs(ctx, t.API, created, planned)
	if err != nil {
		return entry, createdCampaign, err
	}

	var deleteErrs []error
	for i, pb := range planned {
		newID := newIDs[i]
		if newID == 0 {
			deleteErrs = append(deleteErrs, fmt.Errorf("banner %d: copy not found", pb.originalID))
			continue
		}
		if !pb.keep {
			if err := t.API.DeleteBanner(ctx, newID); err != nil {
				deleteErrs = append(deleteErrs, fmt.Errorf("delete copy %d of banner %d: %w", newID, pb.originalID, err))
				continue
			}
			entry.DeletedBannerIDs = append(entry.DeletedBannerIDs, newID)
			continue
		}
		entry.DuplicatedBanners = append(entry.DuplicatedBanners, models.DuplicatedBanner{
			OriginalID: pb.originalID,
			NewID:      newID,
			Name:       pb.name,
			Status:     pb.status,
			Positive:   pb.positive,
		})
	}
	if len(deleteErrs) > 0 {
		entry.Error = models.TruncateError(errors.Join(deleteErrs...).Error())
	}
	return entry, createdCampaign, nil
}

// planBanners builds the banner payloads of the copy. Banners without a
// classification are treated as negative. Negative banners go into the
// payload even when they are not duplicated; their copies are deleted after
// creation.
func (e *ScalingEngine) planBanners(ctx context.Context, t Target, opts ScalingOptions, class *Classification, groupID int64) ([]plannedBanner, []interface{}, error) {
	var planned []plannedBanner
	var payloads []interface{}

	err := t.API.ListBannersRaw(ctx, vkads.BannerFilter{
		AdGroupID: groupID,
		Statuses:  []string{vkads.StatusActive, vkads.StatusBlocked},
		Fields:    bannerCloneFields,
	}, func(page []map[string]interface{}) error {
		for _, raw := range page {
			id := toInt64(raw["id"])
			original, _ := raw["name"].(string)
			pb := plannedBanner{originalID: id, positive: class.IsPositive(id), status: vkads.StatusBlocked}

			if pb.positive {
				pb.name = PositivePrefix + original
				pb.keep = true
				if opts.ActivatePositive {
					pb.status = vkads.StatusActive
				}
			} else {
				pb.name = NegativePrefix + original
				pb.keep = opts.DuplicateNegative
				if opts.DuplicateNegative && opts.ActivateNegative {
					pb.status = vkads.StatusActive
				}
			}

			payload := cloneFields(raw, bannerSkipFields)
			payload["name"] = pb.name
			payload["status"] = pb.status
			planned = append(planned, pb)
			payloads = append(payloads, payload)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list banners: %w", err)
	}
	if len(planned) == 0 {
		return nil, nil, errors.New("ad group has no banners to copy")
	}
	return planned, payloads, nil
}

// ensureCampaignActive reactivates a stopped original campaign; a copy in a
// blocked campaign would never deliver.
func (e *ScalingEngine) ensureCampaignActive(ctx context.Context, api AdsAPI, campaignID int64) error {
	plan, err := api.GetAdPlan(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("read campaign %d: %w", campaignID, err)
	}
	if plan.Status == vkads.StatusActive {
		return nil
	}
	if err := api.SetAdPlanStatus(ctx, campaignID, vkads.StatusActive); err != nil {
		return fmt.Errorf("activate campaign %d: %w", campaignID, err)
	}
	logger.FromContext(ctx).Info("Original campaign reactivated", logger.Field{Key: "ad_plan_id", Value: campaignID})
	return nil
}

// create places the copy either next to the original or in a new campaign.
// The first group of an original campaign creates the new campaign together
// with itself; later groups of that campaign reuse it through RunState.
func (e *ScalingEngine) create(ctx context.Context, req ScalingRequest, campaignID int64, groupPayload map[string]interface{}) (*vkads.CreatedAdGroup, int64, bool, error) {
	api := req.Target.API

	if !req.Options.ToNewCampaign {
		groupPayload["ad_plan_id"] = campaignID
		created, err := api.CreateAdGroup(ctx, groupPayload)
		if err != nil {
			return nil, 0, false, fmt.Errorf("create ad group: %w", err)
		}
		return created, campaignID, false, nil
	}

	if planID, ok := req.State.Campaign(req.Target.AccountID, campaignID); ok {
		groupPayload["ad_plan_id"] = planID
		created, err := api.CreateAdGroup(ctx, groupPayload)
		if err != nil {
			return nil, 0, false, fmt.Errorf("create ad group in campaign %d: %w", planID, err)
		}
		return created, planID, false, nil
	}

	src, err := api.GetAdPlanFields(ctx, campaignID, planCloneFields)
	if err != nil {
		return nil, 0, false, fmt.Errorf("read campaign %d: %w", campaignID, err)
	}
	base := req.Options.NewCampaignName
	if base == "" {
		base, _ = src["name"].(string)
	}

	planPayload := cloneFields(src, planSkipFields)
	planPayload["name"] = CampaignName(base, req.State.NextSequence(), nowOr(req.Now))
	planPayload["status"] = vkads.StatusActive
	planPayload["ad_groups"] = []interface{}{groupPayload}

	plan, err := api.CreateAdPlan(ctx, planPayload)
	if err != nil {
		return nil, 0, false, fmt.Errorf("create campaign: %w", err)
	}
	if len(plan.AdGroups) == 0 {
		return nil, 0, false, fmt.Errorf("campaign %d created without ad groups", plan.ID)
	}
	req.State.StoreCampaign(req.Target.AccountID, campaignID, plan.ID)
	logger.FromContext(ctx).Info("Campaign created",
		logger.Field{Key: "ad_plan_id", Value: plan.ID},
		logger.Field{Key: "name", Value: planPayload["name"]})
	return &plan.AdGroups[0], plan.ID, true, nil
}

// CampaignName formats "{base} {seq} {dd.mm.yyyy}".
func CampaignName(base string, seq int, now time.Time) string {
	return fmt.Sprintf("%s %d %s", base, seq, now.Format(campaignDateLayout))
}

// createdBannerIDs maps each planned banner to the id of its copy. The create
// response lists banners in payload order; when it does not, copies are
// matched by their prefixed names.
func (e *ScalingEngine) createdBannerIDs(ctx context.Context, api AdsAPI, created *vkads.CreatedAdGroup, planned []plannedBanner) ([]int64, error) {
	ids := make([]int64, len(planned))
	if len(created.Banners) == len(planned) {
		for i, b := range created.Banners {
			ids[i] = b.ID
		}
		return ids, nil
	}

	byName := map[string][]int64{}
	err := api.ListBanners(ctx, vkads.BannerFilter{AdGroupID: created.ID}, func(page []vkads.Banner) error {
		for _, b := range page {
			byName[b.Name] = append(byName[b.Name], b.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list banners of copy %d: %w", created.ID, err)
	}
	for i, pb := range planned {
		if queue := byName[pb.name]; len(queue) > 0 {
			ids[i] = queue[0]
			byName[pb.name] = queue[1:]
		}
	}
	return ids, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}
