package router

import "strings"

// Method is the closed set of methods the router understands.  Families such
// as resources/* share one variant and are split further by their handler.
type Method int

const (
	MethodUnknown Method = iota
	MethodInitialize
	MethodPing
	MethodToolsList
	MethodToolsCall
	MethodAuthenticate
	MethodResources
	MethodPrompts
	MethodNotification
)

const (
	resourcesPrefix = "resources/"
	promptsPrefix   = "prompts/"
)

// Methods returns every variant, including MethodUnknown.
func Methods() []Method {
	return []Method{
		MethodUnknown,
		MethodInitialize,
		MethodPing,
		MethodToolsList,
		MethodToolsCall,
		MethodAuthenticate,
		MethodResources,
		MethodPrompts,
		MethodNotification,
	}
}

// ParseMethod maps a method name to its variant.
func ParseMethod(name string) Method {
	switch name {
	case "initialize":
		return MethodInitialize
	case "ping":
		return MethodPing
	case "tools/list":
		return MethodToolsList
	case "tools/call":
		return MethodToolsCall
	case "authenticate":
		return MethodAuthenticate
	}
	switch {
	case strings.HasPrefix(name, "notifications/"):
		return MethodNotification
	case strings.HasPrefix(name, resourcesPrefix):
		return MethodResources
	case strings.HasPrefix(name, promptsPrefix):
		return MethodPrompts
	}
	return MethodUnknown
}

// String returns a label with bounded cardinality, used in metrics.
func (m Method) String() string {
	switch m {
	case MethodInitialize:
		return "initialize"
	case MethodPing:
		return "ping"
	case MethodToolsList:
		return "tools/list"
	case MethodToolsCall:
		return "tools/call"
	case MethodAuthenticate:
		return "authenticate"
	case MethodResources:
		return "resources/*"
	case MethodPrompts:
		return "prompts/*"
	case MethodNotification:
		return "notifications/*"
	default:
		return "unknown"
	}
}
