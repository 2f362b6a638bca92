package engine

import (
	"net/url"
	"strings"

	"dispatch-admin/console/internal/gateway"
)

func (e *OPARouteClassifier) buildInput(method string, u *url.URL) map[string]interface{} {
	path := ""
	if u != nil {
		path = u.Path
	}
	return map[string]interface{}{
		"method":       strings.ToUpper(method),
		"path":         path,
		"login_path":   e.loginPath,
		"refresh_path": e.refreshPath,
	}
}

func kindFromValue(v interface{}) (gateway.RouteKind, bool) {
	s, ok := v.(string)
	if !ok {
		return gateway.RouteProtected, false
	}
	switch s {
	case "public":
		return gateway.RoutePublic, true
	case "refresh":
		return gateway.RouteRefresh, true
	case "protected":
		return gateway.RouteProtected, true
	}
	return gateway.RouteProtected, false
}
