package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"kbharvest/internal/model"
)

const defaultPageSize = 50

func init() {
	RegisterBuilder(model.ModeIssues, func(p Params) (Traverser, error) {
		return newIssueTraverser(p)
	})
}

// issueTraverser pulls issues matching a search query in fixed-size pages
// via startAt/maxResults offsets. Pagination stops once the reported total
// is reached, or after two consecutive empty pages in case the server
// overstates the total.
type issueTraverser struct {
	client   *Client
	baseURL  string
	jql      string
	pageSize int

	buffer     []*model.CrawlItem
	startAt    int
	fetched    int
	total      int
	pages      int
	emptyPages int
	skipped    int
	done       bool
}

type issueSearchPage struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []issue `json:"issues"`
}

type issue struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Status      struct {
			Name string `json:"name"`
		} `json:"status"`
		Priority struct {
			Name string `json:"name"`
		} `json:"priority"`
		Reporter struct {
			DisplayName string `json:"displayName"`
		} `json:"reporter"`
		Assignee struct {
			DisplayName string `json:"displayName"`
		} `json:"assignee"`
		Created        string `json:"created"`
		ResolutionDate string `json:"resolutiondate"`
		Attachment     []struct {
			Filename string `json:"filename"`
			MimeType string `json:"mimeType"`
			Content  string `json:"content"`
		} `json:"attachment"`
	} `json:"fields"`
}

func newIssueTraverser(p Params) (*issueTraverser, error) {
	if strings.TrimSpace(p.Query) == "" {
		return nil, errors.New("empty issue search query")
	}
	if p.BaseURL == "" {
		return nil, errors.New("issue base url is not configured")
	}
	if p.PageSize < 1 {
		p.PageSize = defaultPageSize
	}
	return &issueTraverser{
		client:   p.Client,
		baseURL:  strings.TrimRight(p.BaseURL, "/"),
		jql:      p.Query,
		pageSize: p.PageSize,
		total:    -1,
	}, nil
}

func (t *issueTraverser) Skipped() int { return t.skipped }

func (t *issueTraverser) Next(ctx context.Context) (*model.CrawlItem, error) {
	for len(t.buffer) == 0 && !t.done {
		if err := t.fetchPage(ctx); err != nil {
			return nil, err
		}
	}
	if len(t.buffer) == 0 {
		return nil, ErrDone
	}
	item := t.buffer[0]
	t.buffer = t.buffer[1:]
	return item, nil
}

func (t *issueTraverser) fetchPage(ctx context.Context) error {
	q := url.Values{}
	q.Set("jql", t.jql)
	q.Set("startAt", strconv.Itoa(t.startAt))
	q.Set("maxResults", strconv.Itoa(t.pageSize))
	reqURL := t.baseURL + "/rest/api/2/search?" + q.Encode()

	var page issueSearchPage
	if err := t.client.GetJSON(ctx, reqURL, &page); err != nil {
		if errors.Is(err, ErrAuthentication) || ctx.Err() != nil {
			return err
		}
		// A page lost to persistent errors is skipped, not task-fatal.
		// The empty-page guard doubles as a stop condition here.
		t.skipped++
		t.pages++
		t.startAt += t.pageSize
		t.emptyPages++
		if t.emptyPages >= 2 {
			t.done = true
		}
		log.Warn().Str("jql", t.jql).Err(err).Msg("skipping unreadable result page")
		return nil
	}

	pageIdx := t.pages
	t.pages++
	t.startAt += t.pageSize
	t.total = page.Total

	if len(page.Issues) == 0 {
		t.emptyPages++
		if t.emptyPages >= 2 {
			log.Warn().Str("jql", t.jql).Int("fetched", t.fetched).Int("total", t.total).
				Msg("two consecutive empty pages, stopping pagination early")
			t.done = true
		}
	} else {
		t.emptyPages = 0
		for i := range page.Issues {
			it, err := t.buildItem(&page.Issues[i], pageIdx)
			if err != nil {
				t.skipped++
				log.Warn().Err(err).Msg("skipping malformed issue")
				continue
			}
			t.buffer = append(t.buffer, it)
		}
		t.fetched += len(page.Issues)
	}

	if t.total >= 0 && t.fetched >= t.total {
		t.done = true
	}
	return nil
}

func (t *issueTraverser) buildItem(is *issue, pageIdx int) (*model.CrawlItem, error) {
	if is.Key == "" {
		return nil, fmt.Errorf("%w: issue without key", ErrParse)
	}
	item := &model.CrawlItem{
		ExternalID: is.Key,
		Title:      is.Fields.Summary,
		Body:       is.Fields.Description,
		PageIndex:  pageIdx,
		Link:       t.baseURL + "/browse/" + is.Key,
		Fields: map[string]string{
			"status":   is.Fields.Status.Name,
			"priority": is.Fields.Priority.Name,
			"reporter": is.Fields.Reporter.DisplayName,
			"assignee": is.Fields.Assignee.DisplayName,
			"created":  is.Fields.Created,
			"resolved": is.Fields.ResolutionDate,
		},
	}
	for _, att := range is.Fields.Attachment {
		if att.Content == "" {
			continue
		}
		item.Attachments = append(item.Attachments, model.AttachmentRef{
			URL:          att.Content,
			Filename:     att.Filename,
			DeclaredExt:  strings.ToLower(path.Ext(att.Filename)),
			DeclaredMime: att.MimeType,
		})
	}
	return item, nil
}
