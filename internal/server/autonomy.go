package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"pulseline/internal/app"
	"pulseline/internal/domain"
	"pulseline/internal/heartbeat"
	"pulseline/internal/ledger"
	"pulseline/internal/repo"
)

func registerAutonomy(api huma.API, a app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-autonomy",
		Method:      http.MethodGet,
		Path:        "/startups/{startup_id}/autonomy",
		Summary:     "Autonomy settings",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StartupID string `path:"startup_id"`
	}) (*struct {
		Body AutonomyResponse `json:"body"`
	}, error) {
		settings, err := a.Repo.GetAutonomySettings(ctx, input.StartupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AutonomyResponse `json:"body"`
		}{Body: autonomyResponse(settings)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-autonomy",
		Method:      http.MethodPut,
		Path:        "/startups/{startup_id}/autonomy",
		Summary:     "Update autonomy settings",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		StartupID string                `path:"startup_id"`
		Body      UpdateAutonomyRequest `json:"body"`
	}) (*struct {
		Body AutonomyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		settings, err := a.Repo.GetAutonomySettings(ctx, input.StartupID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Level != nil {
			switch *input.Body.Level {
			case "manual", "assisted", "autonomous":
			default:
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid autonomy level", nil)
			}
			settings.Level = *input.Body.Level
		}
		if input.Body.CategoryLevels != nil {
			settings.CategoryLevels = input.Body.CategoryLevels
		}
		settings.UpdatedAt = a.Now().UTC().Format(time.RFC3339)

		tx, err := a.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := a.Repo.UpsertAutonomySettings(ctx, tx, settings); err != nil {
			return nil, handleError(err)
		}
		if err := a.Ledger.Append(ctx, tx, "autonomy.updated", input.StartupID, "autonomy", input.StartupID, actorID, ledger.Payload{
			"level": settings.Level,
		}); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AutonomyResponse `json:"body"`
		}{Body: autonomyResponse(settings)}, nil
	})

	registerPauseResume(api, a, "pause-autonomy", "pause", true)
	registerPauseResume(api, a, "resume-autonomy", "resume", false)
}

// registerPauseResume wires the kill switch. The scheduler checks
// is_paused before every evaluation, so pausing takes effect on the
// next tick.
func registerPauseResume(api huma.API, a app.App, opID, verb string, paused bool) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/startups/{startup_id}/autonomy/" + verb,
		Summary:     "Autonomy " + verb,
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StartupID string `path:"startup_id"`
	}) (*struct {
		Body AutonomyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ts := a.Now().UTC().Format(time.RFC3339)
		tx, err := a.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := a.Repo.SetAutonomyPaused(ctx, tx, input.StartupID, paused, ts); err != nil {
			return nil, handleError(err)
		}
		if err := a.Ledger.Append(ctx, tx, "autonomy."+verb+"d", input.StartupID, "autonomy", input.StartupID, actorID, nil); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		settings, err := a.Repo.GetAutonomySettings(ctx, input.StartupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AutonomyResponse `json:"body"`
		}{Body: autonomyResponse(settings)}, nil
	})
}

func registerActions(api huma.API, a app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/startups/{startup_id}/autonomy/actions",
		Summary:     "List agent actions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		StartupID string `path:"startup_id"`
		Status    string `query:"status"`
		Category  string `query:"category"`
		Limit     int    `query:"limit" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []ActionResponse `json:"body"`
	}, error) {
		items, err := a.Repo.ListActions(ctx, input.StartupID, repo.ActionFilter{
			Status:   input.Status,
			Category: input.Category,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ActionResponse, 0, len(items))
		for _, item := range items {
			res = append(res, actionResponse(item))
		}
		return &struct {
			Body []ActionResponse `json:"body"`
		}{Body: res}, nil
	})

	registerActionDecision(api, a, "approve-action", "approve")
	registerActionDecision(api, a, "reject-action", "reject")
}

func registerActionDecision(api huma.API, a app.App, opID, verb string) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/startups/{startup_id}/autonomy/actions/{action_id}/" + verb,
		Summary:     "Action " + verb,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		StartupID string `path:"startup_id"`
		ActionID  string `path:"action_id"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var (
			action domain.Action
			err    error
		)
		if verb == "approve" {
			action, err = a.Actions.Approve(ctx, input.StartupID, input.ActionID, actorID)
		} else {
			action, err = a.Actions.Reject(ctx, input.StartupID, input.ActionID, actorID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(action)}, nil
	})
}

func registerRules(api huma.API, a app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/startups/{startup_id}/rules",
		Summary:       "Create trigger rule",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		StartupID string      `path:"startup_id"`
		Body      RuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := a.Repo.GetStartup(ctx, input.StartupID); err != nil {
			return nil, handleError(err)
		}
		rule, err := a.Evaluator.CreateRule(ctx, input.StartupID, actorID, ruleInput(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/startups/{startup_id}/rules",
		Summary:     "List trigger rules",
	}, func(ctx context.Context, input *struct {
		StartupID string `path:"startup_id"`
	}) (*struct {
		Body []RuleResponse `json:"body"`
	}, error) {
		items, err := a.Repo.ListRules(ctx, input.StartupID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]RuleResponse, 0, len(items))
		for _, r := range items {
			res = append(res, ruleResponse(r))
		}
		return &struct {
			Body []RuleResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPut,
		Path:        "/startups/{startup_id}/rules/{rule_id}",
		Summary:     "Update trigger rule",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		StartupID string      `path:"startup_id"`
		RuleID    string      `path:"rule_id"`
		Body      RuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rule, err := a.Evaluator.UpdateRule(ctx, input.StartupID, input.RuleID, actorID, ruleInput(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rule)}, nil
	})

	registerRulePauseResume(api, a, "pause-rule", "pause")
	registerRulePauseResume(api, a, "resume-rule", "resume")
}

func registerRulePauseResume(api huma.API, a app.App, opID, verb string) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/startups/{startup_id}/rules/{rule_id}/" + verb,
		Summary:     "Rule " + verb,
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StartupID string `path:"startup_id"`
		RuleID    string `path:"rule_id"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var err error
		if verb == "pause" {
			err = a.Evaluator.PauseRule(ctx, input.StartupID, input.RuleID, actorID)
		} else {
			err = a.Evaluator.ResumeRule(ctx, input.StartupID, input.RuleID, actorID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		rule, err := a.Repo.GetRule(ctx, input.StartupID, input.RuleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rule)}, nil
	})
}

func ruleInput(req RuleRequest) heartbeat.RuleInput {
	checklist := make([]domain.Check, 0, len(req.Checklist))
	for _, c := range req.Checklist {
		checklist = append(checklist, domain.Check{
			Name:      c.Name,
			Condition: c.Condition,
			Action:    c.Action,
			Escalate:  c.Escalate,
		})
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return heartbeat.RuleInput{
		Name:              req.Name,
		Kind:              req.Kind,
		Checklist:         checklist,
		QuietStart:        req.QuietStart,
		QuietEnd:          req.QuietEnd,
		Timezone:          req.Timezone,
		CooldownMinutes:   req.CooldownMinutes,
		MaxTriggersPerDay: req.MaxTriggersPerDay,
		Enabled:           enabled,
	}
}
