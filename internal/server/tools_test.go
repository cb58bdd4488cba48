package server

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/stellarlinkco/tgvault/internal/archive"
	"github.com/stellarlinkco/tgvault/internal/dialogs"
	"github.com/stellarlinkco/tgvault/internal/peer"
	"github.com/stellarlinkco/tgvault/internal/telegram"
)

type fakeGateway struct {
	authErr  error
	messages []telegram.Message
	resolved map[string]peer.Ref
}

func (g *fakeGateway) IsAuthorized(context.Context) error { return g.authErr }

func (g *fakeGateway) ResolvePeer(_ context.Context, ref peer.Ref) (peer.Ref, error) {
	if r, ok := g.resolved[ref.Username]; ok {
		return r, nil
	}
	return ref, fmt.Errorf("resolve %s: %w", ref, peer.ErrNotFound)
}

func (g *fakeGateway) History(_ context.Context, _ peer.Ref, opts telegram.HistoryOptions) ([]telegram.Message, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var out []telegram.Message
	for i := len(g.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := g.messages[i]
		if opts.OffsetID > 0 && m.ID >= opts.OffsetID {
			continue
		}
		if opts.MinID > 0 && m.ID <= opts.MinID {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

type fakeSource struct {
	dialogs []telegram.Dialog
}

func (f *fakeSource) ForEachDialog(_ context.Context, fn func(telegram.Dialog) error) error {
	for _, d := range f.dialogs {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

type countingResumer struct {
	n atomic.Int32
}

func (r *countingResumer) Resume() { r.n.Add(1) }

func newTestDispatcher(t *testing.T, g *fakeGateway) (*Dispatcher, *archive.Store, *countingResumer) {
	t.Helper()
	store, err := archive.OpenStore(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("OpenStore error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	index := dialogs.NewIndex(&fakeSource{dialogs: []telegram.Dialog{
		{Ref: peer.Ref{ID: -1001, Kind: peer.KindChannel, Title: "Alpha"}},
		{Ref: peer.Ref{ID: -1002, Kind: peer.KindChannel, Title: "Beta"}},
		{Ref: peer.Ref{ID: 42, Kind: peer.KindUser, Title: "Gamma", Username: "gamma"}},
	}})
	if err := index.Init(context.Background()); err != nil {
		t.Fatalf("index init: %v", err)
	}

	resumer := &countingResumer{}
	return NewDispatcher(index, g, store, resumer), store, resumer
}

func decodeResult(t *testing.T, res *mcp.CallToolResult, v any) {
	t.Helper()
	if res == nil || len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %+v", res)
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	if err := json.Unmarshal([]byte(text.Text), v); err != nil {
		t.Fatalf("decode result %q: %v", text.Text, err)
	}
}

func TestListChannels_Default(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeGateway{})

	res, _, err := d.listChannels(context.Background(), nil, listChannelsArgs{})
	if err != nil {
		t.Fatalf("listChannels error: %v", err)
	}
	var got []dialogs.Entry
	decodeResult(t, res, &got)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	wantIDs := []int64{-1001, -1002, 42}
	for i, e := range got {
		if e.ID != wantIDs[i] {
			t.Errorf("got[%d].ID = %d, want %d", i, e.ID, wantIDs[i])
		}
	}
	if got[2].Username != "gamma" {
		t.Errorf("username = %q, want gamma", got[2].Username)
	}
}

func TestListChannels_InvalidLimit(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeGateway{})
	if _, _, err := d.listChannels(context.Background(), nil, listChannelsArgs{Limit: -1}); err == nil {
		t.Error("negative limit should fail")
	}
}

func TestSearchChannels(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeGateway{})

	res, _, err := d.searchChannels(context.Background(), nil, searchChannelsArgs{Keywords: "beta"})
	if err != nil {
		t.Fatalf("searchChannels error: %v", err)
	}
	var got []dialogs.Entry
	decodeResult(t, res, &got)
	if len(got) != 1 || got[0].ID != -1002 {
		t.Fatalf("search beta = %+v, want one entry with id -1002", got)
	}

	res, _, _ = d.searchChannels(context.Background(), nil, searchChannelsArgs{Keywords: "GAMMA"})
	decodeResult(t, res, &got)
	if len(got) != 1 || got[0].ID != 42 {
		t.Fatalf("search GAMMA = %+v, want one entry with id 42", got)
	}

	if _, _, err := d.searchChannels(context.Background(), nil, searchChannelsArgs{}); err == nil {
		t.Error("empty keywords should fail")
	}
}

func TestGetChannelMessages_RegexFilter(t *testing.T) {
	g := &fakeGateway{messages: []telegram.Message{
		{ID: 1, Text: "hello world"},
		{ID: 2, Text: "abc123"},
		{ID: 3, Text: "xyz"},
	}}
	d, _, _ := newTestDispatcher(t, g)

	res, _, err := d.getChannelMessages(context.Background(), nil, getChannelMessagesArgs{
		ChannelID:     float64(42),
		FilterPattern: `\d+`,
	})
	if err != nil {
		t.Fatalf("getChannelMessages error: %v", err)
	}
	var got channelMessagesResult
	decodeResult(t, res, &got)
	if got.TotalFetched != 3 {
		t.Errorf("totalFetched = %d, want 3", got.TotalFetched)
	}
	if got.Returned != 1 || len(got.Messages) != 1 || got.Messages[0].Text != "abc123" {
		t.Errorf("filtered = %+v, want only abc123", got.Messages)
	}
	if got.PeerTitle != "Gamma" {
		t.Errorf("peerTitle = %q, want Gamma", got.PeerTitle)
	}
}

func TestGetChannelMessages_InvalidPattern(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeGateway{})
	_, _, err := d.getChannelMessages(context.Background(), nil, getChannelMessagesArgs{
		ChannelID:     float64(42),
		FilterPattern: "(",
	})
	if err == nil || !strings.Contains(err.Error(), "filterPattern") {
		t.Errorf("error = %v, want invalid filterPattern", err)
	}
}

func TestGetChannelMessages_InvalidChannel(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeGateway{})
	if _, _, err := d.getChannelMessages(context.Background(), nil, getChannelMessagesArgs{ChannelID: ""}); err == nil {
		t.Error("empty channelId should fail")
	}
}

func TestScheduleMessageSync(t *testing.T) {
	d, store, resumer := newTestDispatcher(t, &fakeGateway{})

	res, _, err := d.scheduleMessageSync(context.Background(), nil, scheduleMessageSyncArgs{
		ChannelID: "-1002",
		Depth:     200,
	})
	if err != nil {
		t.Fatalf("scheduleMessageSync error: %v", err)
	}
	var got archive.Job
	decodeResult(t, res, &got)
	if got.ChannelID != "-1002" || got.Status != archive.StatusPending {
		t.Errorf("job = %+v, want pending -1002", got)
	}
	if got.TargetMessageCount != 200 {
		t.Errorf("target = %d, want 200", got.TargetMessageCount)
	}
	if got.PeerTitle != "Beta" {
		t.Errorf("peerTitle = %q, want Beta (from the index)", got.PeerTitle)
	}

	waitFor(t, func() bool { return resumer.n.Load() > 0 })

	stored, err := store.GetJob("-1002")
	if err != nil || stored == nil {
		t.Fatalf("job not persisted: %v", err)
	}
}

func TestScheduleMessageSync_ByUsername(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeGateway{})

	res, _, err := d.scheduleMessageSync(context.Background(), nil, scheduleMessageSyncArgs{
		ChannelID: "@gamma",
	})
	if err != nil {
		t.Fatalf("scheduleMessageSync error: %v", err)
	}
	var got archive.Job
	decodeResult(t, res, &got)
	if got.ChannelID != "42" {
		t.Errorf("channelId = %q, want the resolved numeric key 42", got.ChannelID)
	}
	if got.TargetMessageCount != archive.DefaultTargetMessages {
		t.Errorf("target = %d, want default", got.TargetMessageCount)
	}
}

func TestScheduleMessageSync_DepthBounds(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeGateway{})
	for _, depth := range []int{-1, 50001} {
		_, _, err := d.scheduleMessageSync(context.Background(), nil, scheduleMessageSyncArgs{
			ChannelID: "-1002",
			Depth:     depth,
		})
		if err == nil {
			t.Errorf("depth %d should fail", depth)
		}
	}
}

func TestListMessageSyncJobs_SharedAcrossSessions(t *testing.T) {
	gw := &fakeGateway{}
	d1, store, _ := newTestDispatcher(t, gw)
	// A second dispatcher over the same store stands in for a second session.
	d2 := NewDispatcher(d1.index, gw, store, &countingResumer{})

	if _, _, err := d1.scheduleMessageSync(context.Background(), nil, scheduleMessageSyncArgs{
		ChannelID: "-1001",
	}); err != nil {
		t.Fatalf("scheduleMessageSync error: %v", err)
	}

	res, _, err := d2.listMessageSyncJobs(context.Background(), nil, emptyArgs{})
	if err != nil {
		t.Fatalf("listMessageSyncJobs error: %v", err)
	}
	var got []archive.Job
	decodeResult(t, res, &got)
	if len(got) != 1 || got[0].ChannelID != "-1001" {
		t.Errorf("jobs = %+v, want the job scheduled via the other session", got)
	}
}

func TestTools_Unauthorized(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeGateway{authErr: telegram.ErrUnauthorized})

	if _, _, err := d.listChannels(context.Background(), nil, listChannelsArgs{}); err == nil {
		t.Error("listChannels should surface the auth failure")
	}
	if _, _, err := d.listMessageSyncJobs(context.Background(), nil, emptyArgs{}); err == nil {
		t.Error("listMessageSyncJobs should surface the auth failure")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
