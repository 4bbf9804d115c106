package buildquote

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rotisserie/eris"

	"github.com/buildquote/quotecore/internal/model"
)

type createPipelineRequest struct {
	ProjectID string `json:"projectId"`
}

// messageResponse is what the engine returns for resume and cancel.
type messageResponse struct {
	Message string `json:"message"`
}

func (c *httpClient) CreatePipeline(ctx context.Context, projectID string) (*model.Pipeline, error) {
	var resp model.Pipeline
	if err := c.post(ctx, "/pipelines", createPipelineRequest{ProjectID: projectID}, &resp); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("buildquote: create pipeline for project %s", projectID))
	}
	return &resp, nil
}

func (c *httpClient) GetPipeline(ctx context.Context, id string) (*model.Pipeline, error) {
	var resp model.Pipeline
	if err := c.get(ctx, "/pipelines/"+url.PathEscape(id), &resp); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("buildquote: get pipeline %s", id))
	}
	return &resp, nil
}

func (c *httpClient) ListPipelines(ctx context.Context) ([]model.Pipeline, error) {
	var resp []model.Pipeline
	if err := c.get(ctx, "/pipelines", &resp); err != nil {
		return nil, eris.Wrap(err, "buildquote: list pipelines")
	}
	return resp, nil
}

func (c *httpClient) ListProjectPipelines(ctx context.Context, projectID string) ([]model.Pipeline, error) {
	var resp []model.Pipeline
	if err := c.get(ctx, "/pipelines/project/"+url.PathEscape(projectID), &resp); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("buildquote: list pipelines for project %s", projectID))
	}
	return resp, nil
}

func (c *httpClient) ResumePipeline(ctx context.Context, id string) (string, error) {
	var resp messageResponse
	if err := c.post(ctx, "/pipelines/"+url.PathEscape(id)+"/resume", nil, &resp); err != nil {
		return "", eris.Wrap(err, fmt.Sprintf("buildquote: resume pipeline %s", id))
	}
	return resp.Message, nil
}

func (c *httpClient) CancelPipeline(ctx context.Context, id string) (string, error) {
	var resp messageResponse
	if err := c.post(ctx, "/pipelines/"+url.PathEscape(id)+"/cancel", nil, &resp); err != nil {
		return "", eris.Wrap(err, fmt.Sprintf("buildquote: cancel pipeline %s", id))
	}
	return resp.Message, nil
}
