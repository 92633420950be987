// Package dispatch is the gateway's request pipeline: origin check,
// authentication, access resolution, permission check, response cache and
// the business handlers behind them.
package dispatch

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"shiftflow/pkg/access"
	"shiftflow/pkg/attachment"
	"shiftflow/pkg/auth"
	"shiftflow/pkg/background"
	"shiftflow/pkg/clock"
	"shiftflow/pkg/diagnostics"
	"shiftflow/pkg/httpx"
	"shiftflow/pkg/idp"
	"shiftflow/pkg/metrics"
	"shiftflow/pkg/ratelimit"
	"shiftflow/pkg/repo"
	"shiftflow/pkg/respcache"
	"shiftflow/pkg/session"
	"shiftflow/pkg/statebus"
)

const (
	// DegradeFail surfaces listing failures as store_unavailable.
	DegradeFail = "fail"
	// DegradeListing answers a failed listing with an empty, uncached page.
	DegradeListing = "degrade"
)

type Verifier interface {
	Verify(ctx context.Context, token string) (auth.Claims, error)
}

type Sessions interface {
	Create(ctx context.Context, user session.User, tokens session.ProviderTokens) (string, string, error)
	Verify(ctx context.Context, cookieValue string) (*session.Session, error)
	Touch(ctx context.Context, sess *session.Session) error
	Refresh(ctx context.Context, sess *session.Session) (*session.Session, error)
	Destroy(ctx context.Context, id string) error
}

type AccessResolver interface {
	Resolve(ctx context.Context, claims auth.Claims) access.Context
	Purge()
}

type Repository interface {
	ListTasks(ctx context.Context, orgID string, limit int) ([]repo.Task, error)
	CreateTask(ctx context.Context, t repo.Task) (repo.Task, error)
	UpdateTask(ctx context.Context, orgID, taskID string, p repo.TaskPatch) (repo.Task, error)
	ListMessages(ctx context.Context, orgID, taskID string, limit int) ([]repo.Message, error)
	InsertMessage(ctx context.Context, m repo.Message) (repo.Message, error)
	SetMessageAttachment(ctx context.Context, orgID, messageID, attachmentID string) (string, error)
	ListMembers(ctx context.Context, orgID string) ([]repo.Member, error)
	GetMember(ctx context.Context, orgID, membershipID string) (repo.Member, error)
	UpdateMemberStatus(ctx context.Context, orgID, membershipID, status string) (repo.Member, error)
}

type Attachments interface {
	Decode(encoded, mimeType string, sizeLimit int64) ([]byte, error)
	Store(ctx context.Context, in attachment.Input) (attachment.Record, error)
	Discard(ctx context.Context, rec attachment.Record)
	Supersede(ctx context.Context, in attachment.Input, swap attachment.Swap) (attachment.Record, error)
	Delete(ctx context.Context, orgID, attachmentID string) error
	Open(ctx context.Context, orgID, attachmentID string) (attachment.Record, []byte, error)
	MaxBytes() int64
}

type Flags interface {
	Enabled(ctx context.Context, name string) bool
	All(ctx context.Context) map[string]bool
	Update(ctx context.Context, changes map[string]bool) (map[string]bool, error)
}

type LoginFlow interface {
	BeginLogin(ctx context.Context, returnTo string) (string, error)
	Complete(ctx context.Context, state, code string) (idp.Result, error)
}

// Server holds every collaborator of the pipeline. Login, Limiter,
// Diagnostics, Bus and Background are optional.
type Server struct {
	Verifier    Verifier
	Sessions    Sessions
	Cookies     session.CookieIssuer
	Access      AccessResolver
	Store       Repository
	Attachments Attachments
	Cache       *respcache.Cache
	Flags       Flags
	Login       LoginFlow
	Limiter     ratelimit.Limiter
	Metrics     *metrics.Registry
	Diagnostics diagnostics.Sink
	Bus         statebus.Publisher
	Background  *background.Executor
	Origins     *httpx.OriginPolicy
	Logger      *zap.Logger
	Clock       clock.Clock

	RateLimitPerMinute int
	MaxBodyBytes       int64
	ListingPolicy      string

	// LoginRedirect is where a completed login lands when it carried no
	// return path.
	LoginRedirect string

	// InstanceID tags published state changes so this replica can skip
	// its own events.
	InstanceID string
}

// Router mounts the API and the login endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.HandleFunc("/api/*", s.ServeAPI)
	r.Get("/auth/login", s.handleLogin)
	r.Get("/auth/callback", s.handleCallback)
	r.HandleFunc("/auth/logout", s.handleLogout)
	return r
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Server) clock() clock.Clock { return clock.OrReal(s.Clock) }

func (s *Server) maxBody() int64 {
	if s.MaxBodyBytes <= 0 {
		return httpx.DefaultMaxBody
	}
	return s.MaxBodyBytes
}

func (s *Server) degradeListings() bool {
	return strings.EqualFold(strings.TrimSpace(s.ListingPolicy), DegradeListing)
}

func (s *Server) flagEnabled(ctx context.Context, name string) bool {
	if s.Flags == nil {
		return false
	}
	return s.Flags.Enabled(ctx, name)
}

// spawn runs best-effort work on the background executor, or inline on a
// detached context when none is configured.
func (s *Server) spawn(ctx context.Context, name string, task background.Task) {
	if s.Background != nil {
		s.Background.Go(ctx, name, task)
		return
	}
	if err := task(context.WithoutCancel(ctx)); err != nil {
		s.logger().Warn("side effect failed", zap.String("task", name), zap.Error(err))
	}
}

func routeName(r *http.Request) string {
	p := strings.TrimRight(r.URL.Path, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}
