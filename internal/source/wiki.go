package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	"kbharvest/internal/model"
)

func init() {
	RegisterBuilder(model.ModeWiki, func(p Params) (Traverser, error) {
		return newWikiTraverser(p)
	})
}

// wikiTraverser walks a wiki page tree depth-first from one root page. The
// root is the crawl entry point and is not emitted itself; its descendants
// are. A visited set keyed by page id guards against cycles and diamond-shaped
// hierarchies: the first visit wins, later visits are skipped. A node whose
// fetch keeps failing is dropped together with the subtree only reachable
// through it; traversal is best-effort, not all-or-nothing.
type wikiTraverser struct {
	client   *Client
	baseURL  string
	pageSize int

	stack   []wikiRef
	visited map[string]bool
	emitted int
	skipped int
}

type wikiRef struct {
	id       string
	parentID string
	// The root page is the crawl entry point: its children become items,
	// the root itself is not exported.
	root bool
}

// Wire shapes of the wiki content REST API.
type wikiPage struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Children struct {
		Page struct {
			Results []struct {
				ID string `json:"id"`
			} `json:"results"`
		} `json:"page"`
		Attachment struct {
			Results []wikiAttachment `json:"results"`
		} `json:"attachment"`
	} `json:"children"`
	Links struct {
		WebUI string `json:"webui"`
	} `json:"_links"`
}

type wikiAttachment struct {
	Title    string `json:"title"`
	Metadata struct {
		MediaType string `json:"mediaType"`
	} `json:"metadata"`
	Links struct {
		Download string `json:"download"`
	} `json:"_links"`
}

func newWikiTraverser(p Params) (*wikiTraverser, error) {
	base, rootID, err := parseWikiQuery(p.Query)
	if err != nil {
		return nil, err
	}
	if base == "" {
		base = p.BaseURL
	}
	if base == "" {
		return nil, errors.New("wiki base url is not configured and the query carries none")
	}
	if p.PageSize < 1 {
		p.PageSize = defaultPageSize
	}
	return &wikiTraverser{
		client:   p.Client,
		baseURL:  strings.TrimRight(base, "/"),
		pageSize: p.PageSize,
		stack:    []wikiRef{{id: rootID, root: true}},
		visited:  make(map[string]bool),
	}, nil
}

// parseWikiQuery accepts either a full page URL carrying a pageId parameter
// or a bare numeric page id. A full URL also supplies the base URL.
func parseWikiQuery(query string) (base, rootID string, err error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", "", errors.New("empty wiki query")
	}
	if !strings.Contains(query, "://") {
		return "", query, nil
	}
	u, err := url.Parse(query)
	if err != nil {
		return "", "", fmt.Errorf("parse start url: %w", err)
	}
	id := u.Query().Get("pageId")
	if id == "" {
		id = path.Base(u.Path)
	}
	if id == "" || id == "/" || id == "." {
		return "", "", fmt.Errorf("start url %q carries no page id", query)
	}
	return u.Scheme + "://" + u.Host, id, nil
}

func (t *wikiTraverser) Skipped() int { return t.skipped }

func (t *wikiTraverser) Next(ctx context.Context) (*model.CrawlItem, error) {
	for len(t.stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		top := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		if t.visited[top.id] {
			continue
		}
		t.visited[top.id] = true

		page, err := t.fetchPage(ctx, top.id)
		if err != nil {
			if errors.Is(err, ErrAuthentication) || ctx.Err() != nil {
				return nil, err
			}
			t.skipped++
			log.Warn().Str("page_id", top.id).Err(err).Msg("skipping unreachable page and its subtree")
			continue
		}

		// Push children in reverse so traversal emits them in source order.
		children := page.Children.Page.Results
		for i := len(children) - 1; i >= 0; i-- {
			t.stack = append(t.stack, wikiRef{id: children[i].ID, parentID: page.ID})
		}
		if top.root {
			continue
		}

		item := t.buildItem(page, top.parentID)
		t.emitted++
		return item, nil
	}
	return nil, ErrDone
}

func (t *wikiTraverser) fetchPage(ctx context.Context, id string) (*wikiPage, error) {
	reqURL := fmt.Sprintf("%s/rest/api/content/%s?expand=%s",
		t.baseURL, url.PathEscape(id),
		url.QueryEscape("body.storage,children.page,children.attachment"))
	var page wikiPage
	if err := t.client.GetJSON(ctx, reqURL, &page); err != nil {
		return nil, err
	}
	if page.ID == "" {
		return nil, fmt.Errorf("%w: page %s has no id", ErrParse, id)
	}
	return &page, nil
}

func (t *wikiTraverser) buildItem(page *wikiPage, parentID string) *model.CrawlItem {
	item := &model.CrawlItem{
		ExternalID: page.ID,
		Title:      page.Title,
		Body:       page.Body.Storage.Value,
		ParentID:   parentID,
		PageIndex:  t.emitted / t.pageSize,
	}
	if page.Links.WebUI != "" {
		item.Link = t.baseURL + page.Links.WebUI
	}
	for _, att := range page.Children.Attachment.Results {
		if att.Links.Download == "" {
			continue
		}
		item.Attachments = append(item.Attachments, model.AttachmentRef{
			URL:          t.baseURL + att.Links.Download,
			Filename:     att.Title,
			DeclaredExt:  strings.ToLower(path.Ext(att.Title)),
			DeclaredMime: att.Metadata.MediaType,
		})
	}
	return item
}
