package core

import (
	"context"
	"encoding/json"
)

// WatchEventType is the tag of a push event delivered by a stream
// subscription.
type WatchEventType string

const (
	WatchEventAdded   WatchEventType = "added"
	WatchEventUpdated WatchEventType = "updated"
	WatchEventDeleted WatchEventType = "deleted"
)

// Stream methods.
const (
	MethodWatchObjects = "kubeObjects.watch"
	MethodCancel       = ".cancel"
)

// WatchParams are the parameters of a MethodWatchObjects call.
type WatchParams struct {
	Context       string `json:"context"`
	Group         string `json:"group"`
	Version       string `json:"version"`
	Resource      string `json:"resource"`
	Namespace     string `json:"namespace,omitempty"`
	Name          string `json:"name,omitempty"`
	FieldSelector string `json:"fieldSelector,omitempty"`
	LabelSelector string `json:"labelSelector,omitempty"`
}

// CoreGroup is how the legacy (empty) API group travels on the wire.
const CoreGroup = "core"

// NewWatchParams builds the subscription parameters for res in the
// named context.
func NewWatchParams(kubeContext string, res Resource, sel Selector) WatchParams {
	gvr := res.GroupVersionResource()
	group := gvr.Group
	if group == "" {
		group = CoreGroup
	}
	return WatchParams{
		Context:       kubeContext,
		Group:         group,
		Version:       gvr.Version,
		Resource:      gvr.Resource,
		Namespace:     sel.Namespace,
		Name:          sel.Name,
		FieldSelector: sel.FieldSelector,
		LabelSelector: sel.LabelSelector,
	}
}

// StreamEvent is a single push delivered to a subscription. Either
// Err is set, or Manifest carries the object's JSON with its Type.
type StreamEvent struct {
	Type     WatchEventType
	Manifest json.RawMessage
	Err      error
}

// StreamHandler receives the push events of one subscription. It is
// called from the transport's reader and must not block.
type StreamHandler func(StreamEvent)

// StreamTransport is a duplex channel carrying correlated calls and
// standing subscriptions.
type StreamTransport interface {
	// Connect establishes the underlying connection.
	Connect(ctx context.Context) error
	// Call performs a single request and waits for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	// Subscribe registers a standing subscription and returns its id.
	Subscribe(method string, params any, handler StreamHandler) (string, error)
	// Cancel stops a subscription. Events arriving afterwards are
	// dropped.
	Cancel(id string) error
}

// StreamMessageCall is the type tag of every request frame.
const StreamMessageCall = "call"

// StreamCall is a request frame. A subscription is identified by the
// id of the call that opened it; a MethodCancel call reuses that id.
type StreamCall struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// StreamReply answers a call, or carries one push of a subscription.
type StreamReply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// WatchResult is the result of one MethodWatchObjects push. JSON and
// YAML hold the object's manifest as text.
type WatchResult struct {
	JSON  string         `json:"json"`
	YAML  string         `json:"yaml"`
	Event WatchEventType `json:"event"`
}

// StreamResultOK is the result acknowledging a MethodCancel call.
var StreamResultOK = json.RawMessage(`"ok"`)
