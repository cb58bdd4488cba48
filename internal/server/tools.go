package server

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/stellarlinkco/tgvault/internal/archive"
	"github.com/stellarlinkco/tgvault/internal/dialogs"
	"github.com/stellarlinkco/tgvault/internal/peer"
	"github.com/stellarlinkco/tgvault/internal/telegram"
)

const (
	defaultListLimit     = 50
	defaultSearchLimit   = 100
	defaultMessagesLimit = 100
	maxSyncDepth         = 50000
	historyPageSize      = 100
)

// Gateway is the slice of the Telegram gateway the tools need.
type Gateway interface {
	IsAuthorized(ctx context.Context) error
	ResolvePeer(ctx context.Context, ref peer.Ref) (peer.Ref, error)
	History(ctx context.Context, ref peer.Ref, opts telegram.HistoryOptions) ([]telegram.Message, error)
}

// Resumer nudges the sync worker.
type Resumer interface {
	Resume()
}

// Dispatcher implements the five tools against the dialog index, the
// gateway and the archive.
type Dispatcher struct {
	index   *dialogs.Index
	gateway Gateway
	store   *archive.Store
	worker  Resumer
}

func NewDispatcher(index *dialogs.Index, gateway Gateway, store *archive.Store, worker Resumer) *Dispatcher {
	return &Dispatcher{index: index, gateway: gateway, store: store, worker: worker}
}

// RegisterTools adds the five tools to an MCP server.
func (d *Dispatcher) RegisterTools(srv *mcp.Server) {
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "listChannels",
		Description: "List the account's dialogs (channels, groups, private chats), most recently active first.",
	}, d.listChannels)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "searchChannels",
		Description: "Search dialogs by keyword; case-insensitive substring match on title and username.",
	}, d.searchChannels)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "getChannelMessages",
		Description: "Fetch recent messages from a channel by id or @username, optionally filtered by a regular expression (Go RE2 syntax).",
	}, d.getChannelMessages)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "scheduleMessageSync",
		Description: "Create or re-queue a background job archiving a channel's history to the given depth.",
	}, d.scheduleMessageSync)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "listMessageSyncJobs",
		Description: "List all background archive jobs and their progress.",
	}, d.listMessageSyncJobs)
}

type listChannelsArgs struct {
	Limit int `json:"limit,omitempty"`
}

type searchChannelsArgs struct {
	Keywords string `json:"keywords"`
	Limit    int    `json:"limit,omitempty"`
}

type getChannelMessagesArgs struct {
	ChannelID     any    `json:"channelId"`
	Limit         int    `json:"limit,omitempty"`
	FilterPattern string `json:"filterPattern,omitempty"`
}

type scheduleMessageSyncArgs struct {
	ChannelID any `json:"channelId"`
	Depth     int `json:"depth,omitempty"`
}

type emptyArgs struct{}

func (d *Dispatcher) listChannels(ctx context.Context, _ *mcp.CallToolRequest, args listChannelsArgs) (*mcp.CallToolResult, any, error) {
	if err := d.authorize(ctx); err != nil {
		return nil, nil, err
	}
	limit, err := limitOrDefault(args.Limit, defaultListLimit)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(d.index.List(limit))
}

func (d *Dispatcher) searchChannels(ctx context.Context, _ *mcp.CallToolRequest, args searchChannelsArgs) (*mcp.CallToolResult, any, error) {
	if err := d.authorize(ctx); err != nil {
		return nil, nil, err
	}
	if args.Keywords == "" {
		return nil, nil, fmt.Errorf("keywords must be a non-empty string")
	}
	limit, err := limitOrDefault(args.Limit, defaultSearchLimit)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(d.index.Search(args.Keywords, limit))
}

type channelMessagesResult struct {
	PeerTitle    string             `json:"peerTitle"`
	TotalFetched int                `json:"totalFetched"`
	Returned     int                `json:"returned"`
	Messages     []telegram.Message `json:"messages"`
}

func (d *Dispatcher) getChannelMessages(ctx context.Context, _ *mcp.CallToolRequest, args getChannelMessagesArgs) (*mcp.CallToolResult, any, error) {
	if err := d.authorize(ctx); err != nil {
		return nil, nil, err
	}
	ref, err := peer.Parse(args.ChannelID)
	if err != nil {
		return nil, nil, err
	}
	limit, err := limitOrDefault(args.Limit, defaultMessagesLimit)
	if err != nil {
		return nil, nil, err
	}

	var filter *regexp.Regexp
	if args.FilterPattern != "" {
		filter, err = regexp.Compile(args.FilterPattern)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid filterPattern: %v", err)
		}
	}

	title := ref.Title
	if entry, ierr := d.index.Get(ctx, ref); ierr == nil {
		title = entry.Title
		if ref.ID == 0 {
			ref = peer.FromID(entry.ID)
		}
	}

	fetched := make([]telegram.Message, 0, limit)
	offset := 0
	for len(fetched) < limit {
		chunk := limit - len(fetched)
		if chunk > historyPageSize {
			chunk = historyPageSize
		}
		msgs, err := d.gateway.History(ctx, ref, telegram.HistoryOptions{
			Limit:    chunk,
			OffsetID: offset,
		})
		if err != nil {
			return nil, nil, err
		}
		if len(msgs) == 0 {
			break
		}
		fetched = append(fetched, msgs...)
		offset = msgs[0].ID
		for _, m := range msgs {
			if m.ID < offset {
				offset = m.ID
			}
		}
		if len(msgs) < chunk {
			break
		}
	}

	matched := fetched
	if filter != nil {
		matched = make([]telegram.Message, 0, len(fetched))
		for _, m := range fetched {
			if filter.MatchString(m.Text) {
				matched = append(matched, m)
			}
		}
	}

	return jsonResult(channelMessagesResult{
		PeerTitle:    title,
		TotalFetched: len(fetched),
		Returned:     len(matched),
		Messages:     matched,
	})
}

func (d *Dispatcher) scheduleMessageSync(ctx context.Context, _ *mcp.CallToolRequest, args scheduleMessageSyncArgs) (*mcp.CallToolResult, any, error) {
	if err := d.authorize(ctx); err != nil {
		return nil, nil, err
	}
	ref, err := peer.Parse(args.ChannelID)
	if err != nil {
		return nil, nil, err
	}
	depth := args.Depth
	if depth == 0 {
		depth = archive.DefaultTargetMessages
	}
	if depth < 1 || depth > maxSyncDepth {
		return nil, nil, fmt.Errorf("depth must be between 1 and %d", maxSyncDepth)
	}

	title, kind := ref.Title, string(ref.Kind)
	if entry, ierr := d.index.Get(ctx, ref); ierr == nil {
		title, kind = entry.Title, entry.Kind
		if ref.ID == 0 {
			ref = peer.FromID(entry.ID)
		}
	} else if ref.ID == 0 {
		resolved, rerr := d.gateway.ResolvePeer(ctx, ref)
		if rerr != nil {
			return nil, nil, rerr
		}
		ref = resolved
		title, kind = resolved.Title, string(resolved.Kind)
	}

	job, err := d.store.UpsertJob(ref.Key(), title, kind, depth)
	if err != nil {
		return nil, nil, err
	}
	go d.worker.Resume()
	return jsonResult(job)
}

func (d *Dispatcher) listMessageSyncJobs(ctx context.Context, _ *mcp.CallToolRequest, _ emptyArgs) (*mcp.CallToolResult, any, error) {
	if err := d.authorize(ctx); err != nil {
		return nil, nil, err
	}
	jobs, err := d.store.ListJobs()
	if err != nil {
		return nil, nil, err
	}
	if jobs == nil {
		jobs = []*archive.Job{}
	}
	return jsonResult(jobs)
}

func (d *Dispatcher) authorize(ctx context.Context) error {
	if err := d.gateway.IsAuthorized(ctx); err != nil {
		return fmt.Errorf("telegram session check failed: %w", err)
	}
	return nil
}

func limitOrDefault(limit, def int) (int, error) {
	if limit == 0 {
		return def, nil
	}
	if limit < 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return limit, nil
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(b)}},
	}, nil, nil
}
