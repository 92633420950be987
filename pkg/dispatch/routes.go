package dispatch

import (
	"context"
	"net/http"
	"time"

	"shiftflow/pkg/access"
	"shiftflow/pkg/flags"
	"shiftflow/pkg/respcache"
)

const (
	RouteSession            = "session"
	RouteListTasks          = "listTasks"
	RouteCreateTask         = "createTask"
	RouteUpdateTask         = "updateTask"
	RouteListMessages       = "listMessages"
	RoutePostMessage        = "postMessage"
	RouteReplaceAttachment  = "replaceAttachment"
	RouteDeleteAttachment   = "deleteAttachment"
	RouteGetAttachment      = "getAttachment"
	RouteListMembers        = "listMembers"
	RouteUpdateMemberStatus = "updateMemberStatus"
	RouteGetFlags           = "getFlags"
	RouteSetFlags           = "setFlags"
)

// handlerFunc returns the success status and a JSON object body.
type handlerFunc func(s *Server, ctx context.Context, c *call) (int, map[string]any, error)

type route struct {
	method  string
	roles   []access.Role
	// listing routes may degrade to an empty page when the store fails.
	listing bool
	handle  handlerFunc
}

var (
	anyRole     = []access.Role{access.RoleAdmin, access.RoleManager, access.RoleMember, access.RoleGuest}
	contributor = []access.Role{access.RoleAdmin, access.RoleManager, access.RoleMember}
	supervisor  = []access.Role{access.RoleAdmin, access.RoleManager}
	adminOnly   = []access.Role{access.RoleAdmin}
)

var routes = map[string]route{
	RouteSession:            {method: http.MethodGet, roles: anyRole, handle: (*Server).whoami},
	RouteListTasks:          {method: http.MethodGet, roles: anyRole, listing: true, handle: (*Server).listTasks},
	RouteCreateTask:         {method: http.MethodPost, roles: contributor, handle: (*Server).createTask},
	RouteUpdateTask:         {method: http.MethodPost, roles: contributor, handle: (*Server).updateTask},
	RouteListMessages:       {method: http.MethodGet, roles: anyRole, listing: true, handle: (*Server).listMessages},
	RoutePostMessage:        {method: http.MethodPost, roles: contributor, handle: (*Server).postMessage},
	RouteReplaceAttachment:  {method: http.MethodPost, roles: contributor, handle: (*Server).replaceAttachment},
	RouteDeleteAttachment:   {method: http.MethodPost, roles: supervisor, handle: (*Server).deleteAttachment},
	RouteGetAttachment:      {method: http.MethodGet, roles: anyRole, handle: (*Server).getAttachment},
	RouteListMembers:        {method: http.MethodGet, roles: supervisor, listing: true, handle: (*Server).listMembers},
	RouteUpdateMemberStatus: {method: http.MethodPost, roles: supervisor, handle: (*Server).updateMemberStatus},
	RouteGetFlags:           {method: http.MethodGet, roles: adminOnly, handle: (*Server).getFlags},
	RouteSetFlags:           {method: http.MethodPost, roles: adminOnly, handle: (*Server).setFlags},
}

// CachePolicies is the read-route allow-list of the response cache, each
// route gated by its own flag.
func CachePolicies(ttl time.Duration) map[string]respcache.Policy {
	return map[string]respcache.Policy{
		RouteSession:      {Flag: flags.CacheSession, TTL: ttl},
		RouteListTasks:    {Flag: flags.CacheListTasks, TTL: ttl},
		RouteListMessages: {Flag: flags.CacheListMessages, TTL: ttl},
		RouteListMembers:  {Flag: flags.CacheListMembers, TTL: ttl},
	}
}

// Invalidations maps each mutating route to the cached routes it makes
// stale for the acting identity.
func Invalidations() map[string][]string {
	return map[string][]string{
		RouteCreateTask:         {RouteListTasks},
		RouteUpdateTask:         {RouteListTasks},
		RoutePostMessage:        {RouteListMessages},
		RouteReplaceAttachment:  {RouteListMessages},
		RouteDeleteAttachment:   {RouteListMessages},
		RouteUpdateMemberStatus: {RouteListMembers, RouteSession},
	}
}

// Permitted reports whether role may call name. Unknown routes permit no one.
func Permitted(name string, role access.Role) bool {
	rt, ok := routes[name]
	if !ok {
		return false
	}
	for _, r := range rt.roles {
		if r == role {
			return true
		}
	}
	return false
}
