package buildquote

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/buildquote/quotecore/internal/model"
)

type parseRequest struct {
	Description string `json:"description"`
}

func (c *httpClient) ParseProject(ctx context.Context, description string) (*model.ParseResult, error) {
	var resp model.ParseResult
	if err := c.post(ctx, "/projects/parse", parseRequest{Description: description}, &resp); err != nil {
		return nil, eris.Wrap(err, "buildquote: parse project")
	}
	return &resp, nil
}

func (c *httpClient) ParseProjectFile(ctx context.Context, filename string, r io.Reader) (*model.ParseResult, error) {
	var resp model.ParseResult
	if err := c.postMultipart(ctx, "/projects/parse-file", "file", filename, r, &resp); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("buildquote: parse project file %s", filename))
	}
	return &resp, nil
}

func (c *httpClient) EstimatePrices(ctx context.Context, result model.ParseResult) (*model.ParseResult, error) {
	var resp model.ParseResult
	if err := c.post(ctx, "/projects/estimate", result, &resp); err != nil {
		return nil, eris.Wrap(err, "buildquote: estimate prices")
	}
	return &resp, nil
}

func (c *httpClient) GetPriceBreakdown(ctx context.Context, category model.Category, quantity float64, unit string) (*model.PriceBreakdown, error) {
	q := url.Values{}
	q.Set("category", string(category))
	q.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	q.Set("unit", unit)

	var resp model.PriceBreakdown
	if err := c.get(ctx, "/prices/breakdown?"+q.Encode(), &resp); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("buildquote: price breakdown %s", category))
	}
	return &resp, nil
}

func (c *httpClient) GetSupplierPrices(ctx context.Context, material, region string) ([]model.SupplierPrice, error) {
	path := fmt.Sprintf("/materials/%s/suppliers?region=%s", url.PathEscape(material), url.QueryEscape(region))

	var resp []model.SupplierPrice
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("buildquote: supplier prices %s", material))
	}
	return resp, nil
}
