// Package notion mirrors the review queue into a Notion database so
// reviewers can see pipeline state outside the chat channel. The mirror is
// best-effort: failures are logged by callers, never fatal to a job.
package notion

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Database property names the mirror writes.
const (
	propCompany  = "Company"
	propRecordID = "Record ID"
	propStatus   = "Status"
	propURL      = "Report URL"
)

// API is the slice of the Notion API the mirror uses.
type API interface {
	QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
	CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
	UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error)
}

// apiClient implements API on *notionapi.Client, throttled to Notion's
// 3 req/s limit.
type apiClient struct {
	inner   *notionapi.Client
	limiter *rate.Limiter
}

// NewAPI creates a throttled Notion API wrapper from an integration token.
func NewAPI(token string) API {
	return &apiClient{
		inner:   notionapi.NewClient(notionapi.Token(token)),
		limiter: rate.NewLimiter(3, 1),
	}
}

func (c *apiClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "notion: rate limit")
	}
	resp, err := c.inner.Database.Query(ctx, notionapi.DatabaseID(dbID), req)
	if err != nil {
		return nil, eris.Wrapf(err, "notion: query database %s", dbID)
	}
	return resp, nil
}

func (c *apiClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "notion: rate limit")
	}
	page, err := c.inner.Page.Create(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "notion: create page")
	}
	return page, nil
}

func (c *apiClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "notion: rate limit")
	}
	page, err := c.inner.Page.Update(ctx, notionapi.PageID(pageID), req)
	if err != nil {
		return nil, eris.Wrapf(err, "notion: update page %s", pageID)
	}
	return page, nil
}

// Mirror upserts review-queue rows keyed by record id.
type Mirror struct {
	api  API
	dbID string
}

// NewMirror creates a Mirror writing to the given database.
func NewMirror(api API, dbID string) *Mirror {
	return &Mirror{api: api, dbID: dbID}
}

// Entry is one review-queue row.
type Entry struct {
	RecordID string
	Company  string
	URL      string
	// Status is the review state, e.g. "Pending Review" or "Approved".
	Status string
}

// Upsert creates the row for the record or updates its status if it already
// exists. Safe to call again on job redelivery.
func (m *Mirror) Upsert(ctx context.Context, entry Entry) error {
	resp, err := m.api.QueryDatabase(ctx, m.dbID, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: propRecordID,
			RichText: &notionapi.TextFilterCondition{Equals: entry.RecordID},
		},
		PageSize: 1,
	})
	if err != nil {
		return err
	}

	if len(resp.Results) > 0 {
		_, err := m.api.UpdatePage(ctx, string(resp.Results[0].ID), &notionapi.PageUpdateRequest{
			Properties: notionapi.Properties{
				propStatus: statusProperty(entry.Status),
			},
		})
		return err
	}

	_, err = m.api.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(m.dbID),
		},
		Properties: notionapi.Properties{
			propCompany: notionapi.TitleProperty{
				Title: []notionapi.RichText{{Text: &notionapi.Text{Content: entry.Company}}},
			},
			propRecordID: notionapi.RichTextProperty{
				RichText: []notionapi.RichText{{Text: &notionapi.Text{Content: entry.RecordID}}},
			},
			propURL:    notionapi.URLProperty{URL: entry.URL},
			propStatus: statusProperty(entry.Status),
		},
	})
	return err
}

func statusProperty(status string) notionapi.SelectProperty {
	return notionapi.SelectProperty{
		Select: notionapi.Option{Name: status},
	}
}
