// Package proxytest provides an in-memory proxy.Client for tests and dry
// runs.
package proxytest

import (
	"context"
	"sync"

	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/proxy"
)

type Call struct {
	Op        string
	ProfileID string
	Text      string
}

// Fake records every call. Search results are keyed by keywords, and
// errors queued with FailNext are returned before normal behaviour
// resumes.
type Fake struct {
	mu       sync.Mutex
	searches map[string][]proxy.Profile
	profiles map[string]proxy.Profile
	posts    map[string][]proxy.Post
	status   map[string]models.ConnectionStatus
	errs     map[string][]error
	calls    []Call

	// Hook, when set, runs at the start of every call. A non-nil return is
	// used as the call's result.
	Hook func(ctx context.Context, op, profileID string) error
}

var _ proxy.Client = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		searches: map[string][]proxy.Profile{},
		profiles: map[string]proxy.Profile{},
		posts:    map[string][]proxy.Post{},
		status:   map[string]models.ConnectionStatus{},
		errs:     map[string][]error{},
	}
}

// AddSearch registers the profiles returned for a keyword query.
func (f *Fake) AddSearch(keywords string, profiles ...proxy.Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches[keywords] = append(f.searches[keywords], profiles...)
	for _, p := range profiles {
		f.profiles[p.ProfileID] = p
	}
}

func (f *Fake) AddPosts(profileID string, posts ...proxy.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[profileID] = append(f.posts[profileID], posts...)
}

func (f *Fake) SetStatus(profileID string, s models.ConnectionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[profileID] = s
}

// FailNext queues errors for op ("search", "like_post", ...). Each call
// to op pops one.
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], errs...)
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor returns the calls of op, or of every op when op is empty.
func (f *Fake) CallsFor(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) begin(ctx context.Context, op, profileID, text string) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Op: op, ProfileID: profileID, Text: text})
	hook := f.Hook
	var queued error
	if q := f.errs[op]; len(q) > 0 {
		queued, f.errs[op] = q[0], q[1:]
	}
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, op, profileID); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return queued
}

func (f *Fake) Search(ctx context.Context, q proxy.SearchQuery) ([]proxy.Profile, error) {
	if err := f.begin(ctx, "search", "", q.Keywords); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	res := append([]proxy.Profile(nil), f.searches[q.Keywords]...)
	if q.Limit > 0 && len(res) > q.Limit {
		res = res[:q.Limit]
	}
	return res, nil
}

func (f *Fake) GetProfile(ctx context.Context, profileID string) (proxy.Profile, error) {
	if err := f.begin(ctx, "get_profile", profileID, ""); err != nil {
		return proxy.Profile{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[profileID]
	if !ok {
		return proxy.Profile{}, proxy.ErrNotFound
	}
	return p, nil
}

func (f *Fake) SendInvitation(ctx context.Context, profileID, note string) error {
	if err := f.begin(ctx, "send_invitation", profileID, note); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status[profileID] == "" || f.status[profileID] == models.ConnectionNotConnected {
		f.status[profileID] = models.ConnectionInvited
	}
	return nil
}

func (f *Fake) GetRecentPosts(ctx context.Context, profileID string, limit int) ([]proxy.Post, error) {
	if err := f.begin(ctx, "get_recent_posts", profileID, ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	posts := append([]proxy.Post(nil), f.posts[profileID]...)
	if limit > 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

func (f *Fake) LikePost(ctx context.Context, postID string) error {
	return f.begin(ctx, "like_post", postID, "")
}

func (f *Fake) SendMessage(ctx context.Context, profileID, text string) error {
	return f.begin(ctx, "send_message", profileID, text)
}

func (f *Fake) GetConnectionStatus(ctx context.Context, profileID string) (models.ConnectionStatus, error) {
	if err := f.begin(ctx, "get_connection_status", profileID, ""); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.status[profileID]; ok {
		return s, nil
	}
	return models.ConnectionNotConnected, nil
}
