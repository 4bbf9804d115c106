package buildquote

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rotisserie/eris"

	"github.com/buildquote/quotecore/internal/model"
)

func (c *httpClient) SendRfq(ctx context.Context, req model.RfqRequest) (*model.Campaign, error) {
	if req.SupplierIDs == nil {
		req.SupplierIDs = []string{}
	}
	var resp model.Campaign
	if err := c.post(ctx, "/rfq/send", req, &resp); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("buildquote: send rfq %q", req.Title))
	}
	return &resp, nil
}

func (c *httpClient) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	var resp model.Campaign
	if err := c.get(ctx, "/campaigns/"+url.PathEscape(id), &resp); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("buildquote: get campaign %s", id))
	}
	return &resp, nil
}

func (c *httpClient) GetCampaignBidsWithAnalysis(ctx context.Context, campaignID string) ([]model.Bid, error) {
	var resp []model.Bid
	if err := c.get(ctx, "/rfq/"+url.PathEscape(campaignID)+"/bids", &resp); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("buildquote: bids for campaign %s", campaignID))
	}
	return resp, nil
}

func (c *httpClient) CompareBids(ctx context.Context, campaignID string) (*model.ComparisonResult, error) {
	var resp model.ComparisonResult
	if err := c.get(ctx, "/analysis/campaign/"+url.PathEscape(campaignID)+"/compare", &resp); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("buildquote: compare bids %s", campaignID))
	}
	return &resp, nil
}
