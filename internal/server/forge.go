package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"pulseline/internal/app"
	"pulseline/internal/domain"
	"pulseline/internal/repo"
	"pulseline/internal/workflow"
)

func registerWorkflows(api huma.API, a app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow",
		Method:        http.MethodPost,
		Path:          "/forge/workflows",
		Summary:       "Create workflow",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		StartupID string          `query:"startup_id" required:"true"`
		Body      WorkflowRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
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
		def, err := definitionInput(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		w, err := a.Workflows.Create(ctx, input.StartupID, actorID, def)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/forge/workflows",
		Summary:     "List workflows",
	}, func(ctx context.Context, input *struct {
		StartupID string `query:"startup_id" required:"true"`
	}) (*struct {
		Body []WorkflowResponse `json:"body"`
	}, error) {
		items, err := a.Repo.ListWorkflows(ctx, input.StartupID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]WorkflowResponse, 0, len(items))
		for _, w := range items {
			res = append(res, workflowResponse(w))
		}
		return &struct {
			Body []WorkflowResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/forge/workflows/{workflow_id}",
		Summary:     "Workflow detail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		StartupID  string `query:"startup_id" required:"true"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		w, err := a.Repo.GetWorkflow(ctx, input.StartupID, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-workflow",
		Method:      http.MethodPut,
		Path:        "/forge/workflows/{workflow_id}",
		Summary:     "Update workflow",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string          `path:"workflow_id"`
		StartupID  string          `query:"startup_id" required:"true"`
		Body       WorkflowRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		def, err := definitionInput(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		w, err := a.Workflows.Update(ctx, input.StartupID, input.WorkflowID, actorID, def)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})

	registerWorkflowTransition(api, a, "activate-workflow", "activate")
	registerWorkflowTransition(api, a, "archive-workflow", "archive")

	huma.Register(api, huma.Operation{
		OperationID:   "run-workflow",
		Method:        http.MethodPost,
		Path:          "/forge/workflows/{workflow_id}/run",
		Summary:       "Start a workflow run",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string     `path:"workflow_id"`
		StartupID  string     `query:"startup_id" required:"true"`
		Mode       string     `query:"mode" enum:"sync,async" default:"sync"`
		Body       RunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Mode == "async" {
			// The run is persisted before execution, so an async caller
			// can poll the run id it gets back.
			w, err := a.Repo.GetWorkflow(ctx, input.StartupID, input.WorkflowID)
			if err != nil {
				return nil, handleError(err)
			}
			if w.Status != domain.WorkflowActive {
				return nil, handleError(workflow.ErrWorkflowNotActive)
			}
			go func() {
				if _, err := a.Runner.Start(context.Background(), input.StartupID, input.WorkflowID, actorID, input.Body.Input); err != nil {
					log.Printf("workflow %s async run: %v", input.WorkflowID, err)
				}
			}()
			return &struct {
				Body RunResponse `json:"body"`
			}{Body: RunResponse{WorkflowID: input.WorkflowID, Status: domain.RunPending}}, nil
		}
		run, err := a.Runner.Start(ctx, input.StartupID, input.WorkflowID, actorID, input.Body.Input)
		if err != nil && run.ID == "" {
			return nil, handleError(err)
		}
		// A failed run is still a created run; the caller reads the
		// status and error from the body.
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/forge/runs",
		Summary:     "List workflow runs",
	}, func(ctx context.Context, input *struct {
		StartupID  string `query:"startup_id" required:"true"`
		WorkflowID string `query:"workflow_id"`
		Limit      int    `query:"limit" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		items, err := a.Repo.ListRuns(ctx, input.StartupID, input.WorkflowID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]RunResponse, 0, len(items))
		for _, r := range items {
			res = append(res, runResponse(r))
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/forge/runs/{run_id}",
		Summary:     "Run detail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID     string `path:"run_id"`
		StartupID string `query:"startup_id" required:"true"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := a.Repo.GetRun(ctx, input.StartupID, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-logs",
		Method:      http.MethodGet,
		Path:        "/forge/runs/{run_id}/logs",
		Summary:     "Run execution log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID     string `path:"run_id"`
		StartupID string `query:"startup_id" required:"true"`
	}) (*struct {
		Body []RunLogResponse `json:"body"`
	}, error) {
		if _, err := a.Repo.GetRun(ctx, input.StartupID, input.RunID); err != nil {
			return nil, handleError(err)
		}
		items, err := a.Repo.ListRunLogs(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]RunLogResponse, 0, len(items))
		for _, l := range items {
			res = append(res, runLogResponse(l))
		}
		return &struct {
			Body []RunLogResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-approvals",
		Method:      http.MethodGet,
		Path:        "/forge/runs/{run_id}/approvals",
		Summary:     "Run approval requests",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID     string `path:"run_id"`
		StartupID string `query:"startup_id" required:"true"`
	}) (*struct {
		Body []ApprovalResponse `json:"body"`
	}, error) {
		if _, err := a.Repo.GetRun(ctx, input.StartupID, input.RunID); err != nil {
			return nil, handleError(err)
		}
		items, err := a.Repo.ListRunApprovals(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ApprovalResponse, 0, len(items))
		for _, ap := range items {
			res = append(res, approvalResponse(ap))
		}
		return &struct {
			Body []ApprovalResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/forge/approvals/{approval_id}/decision",
		Summary:     "Decide a human approval gate",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ApprovalID string          `path:"approval_id"`
		Body       DecisionRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.StartupID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "startup_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := a.Runner.Decide(ctx, input.Body.StartupID, input.ApprovalID, actorID, input.Body.Approve)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodPost,
		Path:        "/forge/runs/{run_id}/cancel",
		Summary:     "Cancel a run",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RunID     string `path:"run_id"`
		StartupID string `query:"startup_id" required:"true"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := a.Runner.Cancel(ctx, input.StartupID, input.RunID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})
}

func registerWorkflowTransition(api huma.API, a app.App, opID, verb string) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/forge/workflows/{workflow_id}/" + verb,
		Summary:     "Workflow " + verb,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		StartupID  string `query:"startup_id" required:"true"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var (
			w   domain.Workflow
			err error
		)
		if verb == "activate" {
			w, err = a.Workflows.Activate(ctx, input.StartupID, input.WorkflowID, actorID)
		} else {
			w, err = a.Workflows.Archive(ctx, input.StartupID, input.WorkflowID, actorID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})
}

// registerHooks exposes the inbound webhook trigger. The path secret is
// the only credential; the auth middleware skips this prefix.
func registerHooks(api huma.API, a app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "trigger-webhook",
		Method:        http.MethodPost,
		Path:          "/hooks/{secret}",
		Summary:       "Trigger a workflow by webhook",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Secret string         `path:"secret"`
		Body   map[string]any `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := a.Runner.StartBySecret(ctx, input.Secret, input.Body)
		if err != nil && run.ID == "" {
			// A retired secret must look identical to an unknown one,
			// so a non-active workflow also answers 404.
			if errors.Is(err, repo.ErrNotFound) || errors.Is(err, workflow.ErrWorkflowNotActive) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "unknown webhook", nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})
}

func definitionInput(req WorkflowRequest) (workflow.DefinitionInput, error) {
	nodes, err := json.Marshal(req.Nodes)
	if err != nil {
		return workflow.DefinitionInput{}, err
	}
	edges, err := json.Marshal(req.Edges)
	if err != nil {
		return workflow.DefinitionInput{}, err
	}
	return workflow.DefinitionInput{
		Name:        req.Name,
		Description: req.Description,
		NodesJSON:   string(nodes),
		EdgesJSON:   string(edges),
	}, nil
}
