package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic/dynamicinformer"
	"k8s.io/client-go/tools/cache"

	"github.com/otterscale/kube-explorer/internal/core"
)

// informerSubscription is one running watch.
type informerSubscription struct {
	stop    chan struct{}
	factory dynamicinformer.DynamicSharedInformerFactory
}

// Stream is an in-process core.StreamTransport that serves
// kubeObjects.watch subscriptions with dynamic informers against the
// clusters of the kubeconfig.
type Stream struct {
	kubernetes *Kubernetes
	log        *slog.Logger

	mu   sync.Mutex
	subs map[string]*informerSubscription
}

// NewStream returns an in-process stream transport.
func NewStream(kubernetes *Kubernetes) *Stream {
	return &Stream{
		kubernetes: kubernetes,
		log:        slog.Default().With("component", "informer-stream"),
		subs:       map[string]*informerSubscription{},
	}
}

var _ core.StreamTransport = (*Stream)(nil)

// Connect checks that the kubeconfig can be loaded. There is no
// connection to keep; each subscription talks to its own cluster.
func (s *Stream) Connect(_ context.Context) error {
	_, err := s.kubernetes.rawConfig()
	return err
}

// Call is not served in process: every supported method is a
// subscription.
func (s *Stream) Call(_ context.Context, method string, _ any) (json.RawMessage, error) {
	return nil, &core.DomainError{
		Code:    core.ErrorCodeUnimplemented,
		Message: fmt.Sprintf("method %s is not supported", method),
	}
}

// Subscribe starts an informer for the resource described by params
// and forwards its add, update and delete notifications to handler.
// The informer's initial list arrives as added events.
func (s *Stream) Subscribe(method string, params any, handler core.StreamHandler) (string, error) {
	if method != core.MethodWatchObjects {
		return "", &core.DomainError{
			Code:    core.ErrorCodeUnimplemented,
			Message: fmt.Sprintf("method %s is not supported", method),
		}
	}

	p, err := decodeWatchParams(params)
	if err != nil {
		return "", err
	}

	client, err := s.kubernetes.dynamicClient(p.Context)
	if err != nil {
		return "", err
	}

	group := p.Group
	if group == core.CoreGroup {
		group = ""
	}
	gvr := schema.GroupVersionResource{Group: group, Version: p.Version, Resource: p.Resource}
	sel := core.Selector{Name: p.Name, FieldSelector: p.FieldSelector}

	factory := dynamicinformer.NewFilteredDynamicSharedInformerFactory(client, 0, p.Namespace, func(opts *metav1.ListOptions) {
		opts.LabelSelector = p.LabelSelector
		opts.FieldSelector = sel.NameFieldSelector()
	})
	informer := factory.ForResource(gvr).Informer()

	id := uuid.NewString()
	sub := &informerSubscription{
		stop:    make(chan struct{}),
		factory: factory,
	}

	emit := func(typ core.WatchEventType, obj any) {
		select {
		case <-sub.stop:
			return
		default:
		}

		if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
			obj = tombstone.Obj
		}
		u, ok := obj.(*unstructured.Unstructured)
		if !ok {
			s.log.Warn("unexpected informer object", "id", id, "type", fmt.Sprintf("%T", obj))
			return
		}

		data, err := u.MarshalJSON()
		if err != nil {
			handler(core.StreamEvent{Err: fmt.Errorf("failed to encode %s: %w", u.GetName(), err)})
			return
		}
		handler(core.StreamEvent{Type: typ, Manifest: data})
	}

	if _, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj any) { emit(core.WatchEventAdded, obj) },
		UpdateFunc: func(_, obj any) { emit(core.WatchEventUpdated, obj) },
		DeleteFunc: func(obj any) { emit(core.WatchEventDeleted, obj) },
	}); err != nil {
		return "", fmt.Errorf("failed to register informer handler: %w", err)
	}

	if err := informer.SetWatchErrorHandler(func(_ *cache.Reflector, err error) {
		select {
		case <-sub.stop:
		default:
			handler(core.StreamEvent{Err: wrapK8sError(err)})
		}
	}); err != nil {
		return "", fmt.Errorf("failed to register watch error handler: %w", err)
	}

	s.mu.Lock()
	s.subs[id] = sub
	s.mu.Unlock()

	factory.Start(sub.stop)

	s.log.Debug("subscribed", "id", id, "context", p.Context, "resource", gvr.String(), "namespace", p.Namespace)
	return id, nil
}

// Cancel stops the informer of subscription id.
func (s *Stream) Cancel(id string) error {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("subscription %s not found", id)
	}

	close(sub.stop)
	// Shutdown waits for the handler goroutines, which may be the
	// caller of Cancel.
	go sub.factory.Shutdown()
	return nil
}

// Close cancels every running subscription.
func (s *Stream) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.Cancel(id)
	}
}

// decodeWatchParams accepts the parameters either typed, as sent by
// the object cache, or as raw JSON, as relayed from a remote client.
func decodeWatchParams(params any) (core.WatchParams, error) {
	var p core.WatchParams
	switch v := params.(type) {
	case core.WatchParams:
		p = v
	case *core.WatchParams:
		p = *v
	case json.RawMessage:
		if err := json.Unmarshal(v, &p); err != nil {
			return p, &core.ErrInvalidInput{Field: "params", Message: err.Error()}
		}
	default:
		return p, &core.ErrInvalidInput{Field: "params", Message: fmt.Sprintf("unexpected type %T", params)}
	}

	if p.Context == "" || p.Version == "" || p.Resource == "" {
		return p, &core.ErrInvalidInput{Field: "params", Message: "context, version and resource are required"}
	}
	return p, nil
}
