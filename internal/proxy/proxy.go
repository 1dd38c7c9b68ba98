// Package proxy talks to the LinkedIn proxy API that performs searches
// and outbound actions on behalf of an operator's LinkedIn account.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/outreach/internal/models"
)

// Client is the social-graph surface the engine depends on. Every call
// may fail with *TransientError (already retried by the implementation)
// or *FatalError.
type Client interface {
	Search(ctx context.Context, q SearchQuery) ([]Profile, error)
	GetProfile(ctx context.Context, profileID string) (Profile, error)
	SendInvitation(ctx context.Context, profileID, note string) error
	GetRecentPosts(ctx context.Context, profileID string, limit int) ([]Post, error)
	LikePost(ctx context.Context, postID string) error
	SendMessage(ctx context.Context, profileID, text string) error
	GetConnectionStatus(ctx context.Context, profileID string) (models.ConnectionStatus, error)
}

type SearchQuery struct {
	Keywords        string
	Language        string
	NetworkDistance models.NetworkDistance
	Location        string
	CompanyName     string
	CompanyDomain   string
	Limit           int
}

type Profile struct {
	ProfileID     string
	PublicID      string
	ProfileURL    string
	Name          string
	Headline      string
	CompanyDomain string
	Distance      models.NetworkDistance
	Invited       bool
	Raw           []byte
}

type Post struct {
	ID       string
	SocialID string
}

var (
	ErrAlreadyInvited = errors.New("proxy: invitation already pending")
	ErrNotFound       = errors.New("proxy: not found")
)

// TransientError is a failure worth retrying later: provider rate limits,
// 5xx responses and network errors.
type TransientError struct {
	Op         string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("proxy %s: transient (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("proxy %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError covers authentication and permission failures and malformed
// requests. Retrying will not help.
type FatalError struct {
	Op     string
	Status int
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("proxy %s: fatal (status %d): %v", e.Op, e.Status, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Resolver returns the proxy client bound to an operator's account.
type Resolver func(operatorID string) (Client, error)
