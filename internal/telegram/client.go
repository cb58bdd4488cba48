package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/stellarlinkco/tgvault/internal/peer"
)

const (
	dialogPageSize  = 100
	historyMaxLimit = 100

	closeTimeout = 5 * time.Second
)

// Authenticator supplies interactive credentials for the login flow.
// The serve command wires a terminal implementation; tests stub it.
type Authenticator interface {
	Code(ctx context.Context) (string, error)
	Password(ctx context.Context) (string, error)
}

// Dialog is one entry of the account's dialog list: the normalized peer
// reference plus the library handle needed for history calls.
type Dialog struct {
	Ref   peer.Ref
	Input tg.InputPeerClass
}

// HistoryOptions bounds a single history request. The server walks
// newest-to-oldest from OffsetID (exclusive); MinID keeps only messages
// strictly newer than the given id.
type HistoryOptions struct {
	Limit    int
	OffsetID int
	MinID    int
	MaxID    int
}

// Options configures the gateway beyond the MTProto credentials.
type Options struct {
	SessionPath string
	Logger      *zap.Logger
	Auth        Authenticator
}

// Client is the Telegram gateway. All MTProto traffic goes through the one
// underlying connection, which gotd serializes internally.
type Client struct {
	phone string
	opts  Options

	client *telegram.Client
	api    *tg.Client
	sess   *FileSession

	mu    sync.Mutex
	peers map[int64]tg.InputPeerClass

	ready  chan struct{}
	runErr chan error
	done   chan struct{}
	cancel context.CancelFunc
}

// New builds a gateway over a file-backed session. The client connects on
// Start, not here.
func New(apiID int, apiHash, phone string, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sess := &FileSession{Path: opts.SessionPath}
	cl := telegram.NewClient(apiID, apiHash, telegram.Options{
		SessionStorage: sess,
		Logger:         logger,
	})
	return &Client{
		phone:  phone,
		opts:   opts,
		client: cl,
		api:    cl.API(),
		sess:   sess,
		peers:  make(map[int64]tg.InputPeerClass),
		ready:  make(chan struct{}),
		runErr: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Start connects, authenticates and leaves the client running in the
// background until Close. It returns once the session is confirmed, so
// callers can rely on the gateway afterwards.
func (c *Client) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		defer close(c.done)
		err := c.client.Run(runCtx, func(ctx context.Context) error {
			if err := c.ensureAuth(ctx); err != nil {
				return err
			}
			close(c.ready)
			<-ctx.Done()
			return ctx.Err()
		})
		if err != nil && runCtx.Err() == nil {
			select {
			case c.runErr <- err:
			default:
			}
		}
	}()

	select {
	case <-c.ready:
		log.Printf("[telegram] connected and authorized")
		return nil
	case err := <-c.runErr:
		cancel()
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

func (c *Client) ensureAuth(ctx context.Context) error {
	status, err := c.client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("auth status: %w", classifyError(err))
	}
	if status.Authorized {
		// Confirm the persisted session with a self lookup before trusting it.
		if _, err := c.client.Self(ctx); err == nil {
			return nil
		} else if !errors.Is(classifyError(err), ErrUnauthorized) {
			return fmt.Errorf("session probe: %w", classifyError(err))
		}
	}

	if c.opts.Auth == nil {
		return fmt.Errorf("no valid session and no interactive authenticator: %w", ErrUnauthorized)
	}
	log.Printf("[telegram] starting interactive login for %s", c.phone)
	flow := auth.NewFlow(flowAuth{phone: c.phone, auth: c.opts.Auth}, auth.SendCodeOptions{})
	if err := flow.Run(ctx, c.client.Auth()); err != nil {
		return fmt.Errorf("login: %w", classifyError(err))
	}
	if _, err := c.client.Self(ctx); err != nil {
		return fmt.Errorf("post-login self lookup: %w", classifyError(err))
	}
	log.Printf("[telegram] login complete, session stored at %s", c.sess.Path)
	return nil
}

// IsAuthorized probes the session with a self lookup. A nil return means the
// session is live; ErrUnauthorized means the operator has to re-login.
func (c *Client) IsAuthorized(ctx context.Context) error {
	if _, err := c.client.Self(ctx); err != nil {
		return classifyError(err)
	}
	return nil
}

// ForEachDialog walks the full dialog list in server order (most recently
// active first), caching peer handles as it goes. The walk is finite and
// terminates when the server signals the end of the list.
func (c *Client) ForEachDialog(ctx context.Context, fn func(Dialog) error) error {
	var (
		offsetDate int
		offsetID   int
		offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}
	)
	for {
		res, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      dialogPageSize,
		})
		if err != nil {
			return classifyError(err)
		}

		var (
			dialogList []tg.DialogClass
			msgs       []tg.MessageClass
			chats      []tg.ChatClass
			users      []tg.UserClass
			lastPage   bool
		)
		switch d := res.(type) {
		case *tg.MessagesDialogs:
			dialogList, msgs, chats, users = d.Dialogs, d.Messages, d.Chats, d.Users
			lastPage = true
		case *tg.MessagesDialogsSlice:
			dialogList, msgs, chats, users = d.Dialogs, d.Messages, d.Chats, d.Users
			lastPage = len(dialogList) < dialogPageSize
		default:
			return nil
		}
		if len(dialogList) == 0 {
			return nil
		}

		entities := collectEntities(chats, users)
		c.cachePeers(entities)

		for _, d := range dialogList {
			dlg, ok := d.(*tg.Dialog)
			if !ok {
				continue
			}
			ent, ok := entities[canonicalID(dlg.Peer)]
			if !ok {
				continue
			}
			if err := fn(Dialog{Ref: ent.ref, Input: ent.input}); err != nil {
				return err
			}
		}
		if lastPage {
			return nil
		}

		last, ok := dialogList[len(dialogList)-1].(*tg.Dialog)
		if !ok {
			return nil
		}
		offsetID = last.TopMessage
		offsetDate = topMessageDate(msgs, last.TopMessage)
		if ent, ok := entities[canonicalID(last.Peer)]; ok {
			offsetPeer = ent.input
		} else {
			offsetPeer = &tg.InputPeerEmpty{}
		}
	}
}

func topMessageDate(msgs []tg.MessageClass, id int) int {
	for _, m := range msgs {
		switch msg := m.(type) {
		case *tg.Message:
			if msg.ID == id {
				return msg.Date
			}
		case *tg.MessageService:
			if msg.ID == id {
				return msg.Date
			}
		}
	}
	return 0
}

// Resolve turns a peer reference into the library handle history calls need.
// Numeric ids are served from the cache filled during dialog enumeration;
// usernames fall back to contacts.resolveUsername.
func (c *Client) Resolve(ctx context.Context, ref peer.Ref) (tg.InputPeerClass, peer.Ref, error) {
	if ref.ID != 0 {
		c.mu.Lock()
		input, ok := c.peers[ref.ID]
		c.mu.Unlock()
		if ok {
			return input, ref, nil
		}
	}
	if ref.Username != "" {
		res, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
			Username: ref.Username,
		})
		if err != nil {
			return nil, ref, classifyError(err)
		}
		entities := collectEntities(res.Chats, res.Users)
		c.cachePeers(entities)
		if ent, ok := entities[canonicalID(res.Peer)]; ok {
			return ent.input, ent.ref, nil
		}
	}
	return nil, ref, fmt.Errorf("resolve %s: %w", ref, peer.ErrNotFound)
}

// ResolvePeer resolves just the reference, without exposing the handle.
func (c *Client) ResolvePeer(ctx context.Context, ref peer.Ref) (peer.Ref, error) {
	_, resolved, err := c.Resolve(ctx, ref)
	return resolved, err
}

// History performs one bounded messages.getHistory call and normalizes the
// result. The server caps a single request at 100 messages; callers chunk.
func (c *Client) History(ctx context.Context, ref peer.Ref, opts HistoryOptions) ([]Message, error) {
	input, resolved, err := c.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 || limit > historyMaxLimit {
		limit = historyMaxLimit
	}
	res, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     input,
		OffsetID: opts.OffsetID,
		Limit:    limit,
		MinID:    opts.MinID,
		MaxID:    opts.MaxID,
	})
	if err != nil {
		return nil, classifyError(err)
	}

	var raw []tg.MessageClass
	switch m := res.(type) {
	case *tg.MessagesMessages:
		raw = m.Messages
	case *tg.MessagesMessagesSlice:
		raw = m.Messages
	case *tg.MessagesChannelMessages:
		raw = m.Messages
	}

	out := make([]Message, 0, len(raw))
	for _, m := range raw {
		if msg, ok := Normalize(m, resolved); ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// Close stops the background run loop and waits up to closeTimeout for it
// to exit.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	select {
	case <-c.done:
	case <-time.After(closeTimeout):
		log.Printf("[telegram] close timeout waiting for run loop")
	}
	return nil
}

type entity struct {
	ref   peer.Ref
	input tg.InputPeerClass
}

func collectEntities(chats []tg.ChatClass, users []tg.UserClass) map[int64]entity {
	out := make(map[int64]entity, len(chats)+len(users))
	for _, ch := range chats {
		switch v := ch.(type) {
		case *tg.Chat:
			id := peer.ChatID(v.ID)
			out[id] = entity{
				ref:   peer.Ref{ID: id, Kind: peer.KindChat, Title: v.Title},
				input: &tg.InputPeerChat{ChatID: v.ID},
			}
		case *tg.Channel:
			id := peer.ChannelID(v.ID)
			username, _ := v.GetUsername()
			out[id] = entity{
				ref: peer.Ref{
					ID:       id,
					Kind:     peer.KindChannel,
					Title:    v.Title,
					Username: strings.ToLower(username),
				},
				input: &tg.InputPeerChannel{ChannelID: v.ID, AccessHash: v.AccessHash},
			}
		}
	}
	for _, u := range users {
		v, ok := u.(*tg.User)
		if !ok {
			continue
		}
		username, _ := v.GetUsername()
		out[v.ID] = entity{
			ref: peer.Ref{
				ID:       v.ID,
				Kind:     peer.KindUser,
				Title:    strings.TrimSpace(v.FirstName + " " + v.LastName),
				Username: strings.ToLower(username),
			},
			input: &tg.InputPeerUser{UserID: v.ID, AccessHash: v.AccessHash},
		}
	}
	return out
}

func canonicalID(p tg.PeerClass) int64 {
	switch v := p.(type) {
	case *tg.PeerUser:
		return v.UserID
	case *tg.PeerChat:
		return peer.ChatID(v.ChatID)
	case *tg.PeerChannel:
		return peer.ChannelID(v.ChannelID)
	}
	return 0
}

func (c *Client) cachePeers(entities map[int64]entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ent := range entities {
		c.peers[id] = ent.input
	}
}

// flowAuth adapts the interactive Authenticator to gotd's login flow.
type flowAuth struct {
	phone string
	auth  Authenticator
}

func (f flowAuth) Phone(_ context.Context) (string, error) { return f.phone, nil }

func (f flowAuth) Code(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
	code, err := f.auth.Code(ctx)
	return strings.TrimSpace(code), err
}

func (f flowAuth) Password(ctx context.Context) (string, error) {
	return f.auth.Password(ctx)
}

func (f flowAuth) AcceptTermsOfService(_ context.Context, _ tg.HelpTermsOfService) error {
	return nil
}

func (f flowAuth) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("account is not registered; sign up is not supported")
}
