package warehouse

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/oauth2/google"
	bigquery "google.golang.org/api/bigquery/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	queryTimeoutMs = 60_000
	pageSize       = 50_000
)

// BigQuery runs standard SQL through the BigQuery REST API.
type BigQuery struct {
	svc      *bigquery.Service
	project  string
	location string
}

var _ Warehouse = (*BigQuery)(nil)

// NewBigQuery creates a BigQuery warehouse. Credentials are read from
// cfg.CredentialsJSON, then cfg.CredentialsFile, then Application Default
// Credentials. The billing project defaults to the one in the credentials.
func NewBigQuery(ctx context.Context, cfg Config, extra ...option.ClientOption) (*BigQuery, error) {
	data := cfg.CredentialsJSON
	if len(data) == 0 && cfg.CredentialsFile != "" {
		var err error
		if data, err = os.ReadFile(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("reading bigquery credentials: %w", err)
		}
	}

	var creds *google.Credentials
	var err error
	if len(data) > 0 {
		creds, err = google.CredentialsFromJSON(ctx, data, bigquery.BigqueryScope)
	} else {
		creds, err = google.FindDefaultCredentials(ctx, bigquery.BigqueryScope)
	}
	if err != nil {
		return nil, fmt.Errorf("loading bigquery credentials: %w", err)
	}

	project := cfg.Project
	if project == "" {
		project = creds.ProjectID
	}
	if project == "" {
		return nil, errors.New("bigquery: no project configured and none found in credentials")
	}

	opts := append([]option.ClientOption{option.WithCredentials(creds)}, extra...)
	return newBigQuery(ctx, project, cfg.Location, opts...)
}

func newBigQuery(ctx context.Context, project, location string, opts ...option.ClientOption) (*BigQuery, error) {
	svc, err := bigquery.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery service: %w", err)
	}
	return &BigQuery{svc: svc, project: project, location: location}, nil
}

// Dialect implements Warehouse.
func (b *BigQuery) Dialect() Dialect { return DialectBigQuery }

// Close implements Warehouse.
func (b *BigQuery) Close() error { return nil }

// Estimate submits a dry-run job, which is free and returns the bytes the
// query would scan.
func (b *BigQuery) Estimate(ctx context.Context, query string) (int64, error) {
	job := &bigquery.Job{
		JobReference: &bigquery.JobReference{ProjectId: b.project, Location: b.location},
		Configuration: &bigquery.JobConfiguration{
			DryRun: true,
			Query: &bigquery.JobConfigurationQuery{
				Query:         query,
				UseLegacySql:  googleapi.Bool(false),
				UseQueryCache: googleapi.Bool(false),
			},
		},
	}
	res, err := b.svc.Jobs.Insert(b.project, job).Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("bigquery dry run: %w", err)
	}
	if res.Statistics == nil {
		return 0, errors.New("bigquery dry run: no statistics returned")
	}
	return res.Statistics.TotalBytesProcessed, nil
}

// Query runs the query and pages through every result row.
func (b *BigQuery) Query(ctx context.Context, query string) (*ResultSet, error) {
	resp, err := b.svc.Jobs.Query(b.project, &bigquery.QueryRequest{
		Query:        query,
		UseLegacySql: googleapi.Bool(false),
		Location:     b.location,
		TimeoutMs:    queryTimeoutMs,
		MaxResults:   pageSize,
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("bigquery query: %w", err)
	}
	if resp.JobReference == nil {
		return nil, errors.New("bigquery query: no job reference returned")
	}
	jobID, location := resp.JobReference.JobId, resp.JobReference.Location

	rs := &ResultSet{BytesProcessed: resp.TotalBytesProcessed}
	complete, token := resp.JobComplete, resp.PageToken
	appendPage(rs, resp.Schema, resp.Rows)

	for !complete || token != "" {
		call := b.svc.Jobs.GetQueryResults(b.project, jobID).
			TimeoutMs(queryTimeoutMs).
			MaxResults(pageSize).
			Context(ctx)
		if location != "" {
			call = call.Location(location)
		}
		if token != "" {
			call = call.PageToken(token)
		}
		page, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("bigquery results: %w", err)
		}
		if !complete && page.JobComplete {
			rs.BytesProcessed = page.TotalBytesProcessed
		}
		complete, token = page.JobComplete, page.PageToken
		if complete {
			appendPage(rs, page.Schema, page.Rows)
		}
	}

	getJob := b.svc.Jobs.Get(b.project, jobID).Context(ctx)
	if location != "" {
		getJob = getJob.Location(location)
	}
	job, err := getJob.Do()
	if err != nil {
		return nil, fmt.Errorf("bigquery job stats: %w", err)
	}
	if job.Statistics != nil && job.Statistics.Query != nil {
		rs.BytesBilled = job.Statistics.Query.TotalBytesBilled
		if rs.BytesProcessed == 0 {
			rs.BytesProcessed = job.Statistics.Query.TotalBytesProcessed
		}
	}
	return rs, nil
}

func appendPage(rs *ResultSet, schema *bigquery.TableSchema, rows []*bigquery.TableRow) {
	if rs.Columns == nil && schema != nil {
		for _, f := range schema.Fields {
			rs.Columns = append(rs.Columns, f.Name)
		}
	}
	for _, row := range rows {
		values := make([]string, len(row.F))
		for i, cell := range row.F {
			if s, ok := cell.V.(string); ok {
				values[i] = s
			} else if cell.V != nil {
				values[i] = fmt.Sprint(cell.V)
			}
		}
		rs.Rows = append(rs.Rows, values)
	}
}
