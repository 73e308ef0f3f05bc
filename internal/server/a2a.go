package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"pulseline/internal/app"
	"pulseline/internal/bus"
	"pulseline/internal/domain"
	"pulseline/internal/repo"
)

func registerMessages(api huma.API, a app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "publish-message",
		Method:        http.MethodPost,
		Path:          "/a2a/messages",
		Summary:       "Publish a message",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body PublishMessageRequest `json:"body"`
	}) (*struct {
		Body []MessageResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.StartupID == "" || input.Body.FromAgent == "" || input.Body.Topic == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "startup_id, from_agent and topic are required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		in := bus.PublishInput{
			StartupID:        input.Body.StartupID,
			FromAgent:        input.Body.FromAgent,
			Topic:            input.Body.Topic,
			Type:             input.Body.MessageType,
			Priority:         input.Body.Priority,
			Payload:          input.Body.Payload,
			ThreadID:         input.Body.ThreadID,
			ParentID:         input.Body.ParentID,
			RequiresResponse: input.Body.RequiresResponse,
		}
		if input.Body.ToAgent != nil {
			in.ToAgent = *input.Body.ToAgent
		}
		if input.Body.ResponseDeadlineMinutes != nil {
			deadline := a.Now().UTC().
				Add(time.Duration(*input.Body.ResponseDeadlineMinutes) * time.Minute).
				Format(time.RFC3339)
			in.ResponseDeadline = &deadline
			in.RequiresResponse = true
		}
		created, err := a.Bus.Publish(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MessageResponse `json:"body"`
		}{Body: mapMessages(created)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "inbox",
		Method:      http.MethodGet,
		Path:        "/a2a/messages/inbox/{agent_id}",
		Summary:     "Agent inbox",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgentID   string `path:"agent_id"`
		StartupID string `query:"startup_id"`
		Status    string `query:"status" enum:"PENDING,PROCESSED,"`
		Topic     string `query:"topic"`
		Limit     int    `query:"limit" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []MessageResponse `json:"body"`
	}, error) {
		if input.StartupID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "startup_id is required", nil)
		}
		items, err := a.Repo.Inbox(ctx, input.StartupID, repo.InboxFilter{
			Agent:  input.AgentID,
			Status: input.Status,
			Topic:  input.Topic,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MessageResponse `json:"body"`
		}{Body: mapMessages(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "thread",
		Method:      http.MethodGet,
		Path:        "/a2a/messages/thread/{thread_id}",
		Summary:     "All messages in a thread, oldest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ThreadID  string `path:"thread_id"`
		StartupID string `query:"startup_id"`
	}) (*struct {
		Body []MessageResponse `json:"body"`
	}, error) {
		if input.StartupID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "startup_id is required", nil)
		}
		items, err := a.Repo.Thread(ctx, input.StartupID, input.ThreadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MessageResponse `json:"body"`
		}{Body: mapMessages(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "respond-to-message",
		Method:        http.MethodPost,
		Path:          "/a2a/messages/{message_id}/respond",
		Summary:       "Reply to a message in its thread",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		MessageID string         `path:"message_id"`
		Body      RespondRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.StartupID == "" || input.Body.FromAgent == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "startup_id and from_agent are required", nil)
		}
		reply, err := a.Bus.RespondTo(ctx, input.Body.StartupID, input.MessageID, input.Body.FromAgent, input.Body.Payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: messageResponse(reply)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-message-processed",
		Method:      http.MethodPost,
		Path:        "/a2a/messages/{message_id}/processed",
		Summary:     "Mark a message processed",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		MessageID string `path:"message_id"`
		Body      struct {
			StartupID string `json:"startup_id"`
		} `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if input.Body.StartupID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "startup_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.Bus.MarkProcessed(ctx, input.Body.StartupID, input.MessageID, actorID); err != nil {
			return nil, handleError(err)
		}
		m, err := a.Repo.GetMessage(ctx, input.Body.StartupID, input.MessageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: messageResponse(m)}, nil
	})
}

func registerPulse(api huma.API, a app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "pulse",
		Method:      http.MethodGet,
		Path:        "/a2a/pulse/{startup_id}",
		Summary:     "Aggregated startup dashboard",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StartupID string `path:"startup_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		s, err := a.Repo.GetStartup(ctx, input.StartupID)
		if err != nil {
			return nil, handleError(err)
		}
		settings, err := a.Repo.GetAutonomySettings(ctx, s.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		heartbeats, err := a.Repo.ListHeartbeats(ctx, s.ID, 10)
		if err != nil {
			return nil, handleError(err)
		}
		pending, err := a.Repo.ListActions(ctx, s.ID, repo.ActionFilter{Status: domain.ActionPendingApproval})
		if err != nil {
			return nil, handleError(err)
		}
		overdue, err := a.Repo.UnansweredRequests(ctx, s.ID, a.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return nil, handleError(err)
		}
		hb := make([]HeartbeatResponse, 0, len(heartbeats))
		for _, h := range heartbeats {
			hb = append(hb, heartbeatResponse(h))
		}
		acts := make([]ActionResponse, 0, len(pending))
		for _, p := range pending {
			acts = append(acts, actionResponse(p))
		}
		msgs := make([]MessageResponse, 0, len(overdue))
		for _, m := range overdue {
			msgs = append(msgs, messageResponse(m))
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"startup":           startupResponse(s),
			"autonomy":          autonomyResponse(settings),
			"recent_heartbeats": hb,
			"pending_approvals": acts,
			"overdue_requests":  msgs,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "timeline",
		Method:      http.MethodGet,
		Path:        "/a2a/timeline/{startup_id}",
		Summary:     "Merged activity timeline, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StartupID string `path:"startup_id"`
		Limit     int    `query:"limit" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []LedgerEntryResponse `json:"body"`
	}, error) {
		if _, err := a.Repo.GetStartup(ctx, input.StartupID); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		entries, err := a.Repo.LatestLedger(ctx, limit, input.StartupID, "", "")
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]LedgerEntryResponse, 0, len(entries))
		for _, e := range entries {
			res = append(res, ledgerEntryResponse(e))
		}
		sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
		return &struct {
			Body []LedgerEntryResponse `json:"body"`
		}{Body: res}, nil
	})
}
