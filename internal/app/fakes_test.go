package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/otterscale/kube-explorer/internal/core"
)

var (
	testPods        = core.Resource{GroupVersion: "v1", Kind: "Pod", Name: "pods", Namespaced: true}
	testDeployments = core.Resource{GroupVersion: "apps/v1", Kind: "Deployment", Name: "deployments", Namespaced: true}

	testContext = core.KubeContext{Name: "kind-dev", User: "admin", Cluster: "kind-dev", ClusterUID: "cluster-1"}
)

func newRaw(res core.Resource, namespace, name, rv string) *unstructured.Unstructured {
	u := &unstructured.Unstructured{}
	u.SetAPIVersion(res.GroupVersion)
	u.SetKind(res.Kind)
	u.SetNamespace(namespace)
	u.SetName(name)
	u.SetResourceVersion(rv)
	return u
}

type fakeContextRepo struct {
	contexts []core.KubeContext
}

func (f *fakeContextRepo) List(_ context.Context) ([]core.KubeContext, error) {
	return f.contexts, nil
}

type fakeDiscoveryRepo struct {
	groups []core.ResourceGroup
}

func (f *fakeDiscoveryRepo) ResourceGroups(_ context.Context, _ string) ([]core.ResourceGroup, error) {
	out := make([]core.ResourceGroup, len(f.groups))
	for i, g := range f.groups {
		out[i] = core.ResourceGroup{GroupVersion: g.GroupVersion, Resources: append([]core.Resource(nil), g.Resources...)}
	}
	return out, nil
}

// fakeObjectRepo serves objects by plural resource name.
type fakeObjectRepo struct {
	mu      sync.Mutex
	items   map[string][]*unstructured.Unstructured
	updates []string
	deletes []string
}

func newFakeObjectRepo() *fakeObjectRepo {
	return &fakeObjectRepo{items: map[string][]*unstructured.Unstructured{}}
}

func (f *fakeObjectRepo) put(res core.Resource, objs ...*unstructured.Unstructured) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[res.Name] = append(f.items[res.Name], objs...)
}

func (f *fakeObjectRepo) List(_ context.Context, _ string, res core.Resource, sel core.Selector) ([]unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []unstructured.Unstructured
	for _, u := range f.items[res.Name] {
		if sel.Namespace != "" && u.GetNamespace() != sel.Namespace {
			continue
		}
		if sel.Name != "" && u.GetName() != sel.Name {
			continue
		}
		out = append(out, *u.DeepCopy())
	}
	return out, nil
}

func (f *fakeObjectRepo) Get(_ context.Context, _ string, _ core.Resource, _, _ string) (*unstructured.Unstructured, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeObjectRepo) Update(_ context.Context, kubeContext string, _ core.Resource, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, kubeContext+":"+obj.GetNamespace()+"/"+obj.GetName())
	out := obj.DeepCopy()
	out.SetResourceVersion(fmt.Sprintf("updated-%d", len(f.updates)))
	return out, nil
}

func (f *fakeObjectRepo) Delete(_ context.Context, kubeContext string, _ core.Resource, namespace, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, kubeContext+":"+namespace+"/"+name)
	return nil
}

// fakeStream records subscriptions and lets tests push events to them.
type fakeStream struct {
	mu        sync.Mutex
	next      int
	subs      map[string]core.StreamHandler
	params    map[string]any
	cancelled []string
}

func newFakeStream() *fakeStream {
	return &fakeStream{subs: map[string]core.StreamHandler{}, params: map[string]any{}}
}

func (f *fakeStream) Connect(_ context.Context) error { return nil }

func (f *fakeStream) Call(_ context.Context, _ string, _ any) (json.RawMessage, error) {
	return nil, errors.New("not supported")
}

func (f *fakeStream) Subscribe(method string, params any, handler core.StreamHandler) (string, error) {
	if method != core.MethodWatchObjects {
		return "", fmt.Errorf("method %s is not supported", method)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("sub-%d", f.next)
	f.subs[id] = handler
	f.params[id] = params
	return id, nil
}

func (f *fakeStream) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeStream) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// pushAll delivers ev to every open subscription.
func (f *fakeStream) pushAll(ev core.StreamEvent) {
	f.mu.Lock()
	handlers := make([]core.StreamHandler, 0, len(f.subs))
	for _, h := range f.subs {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

type fakeWatchRepo struct {
	mu      sync.Mutex
	watches map[string]core.Watch
}

func newFakeWatchRepo() *fakeWatchRepo {
	return &fakeWatchRepo{watches: map[string]core.Watch{}}
}

func (f *fakeWatchRepo) List(_ context.Context) ([]core.Watch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.Watch, 0, len(f.watches))
	for _, w := range f.watches {
		out = append(out, w)
	}
	return out, nil
}

func (f *fakeWatchRepo) Save(_ context.Context, w core.Watch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watches[w.ID] = w
	return nil
}

func (f *fakeWatchRepo) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watches, id)
	return nil
}

// explorerFixture is an explorer wired on fakes.
type explorerFixture struct {
	repo    *fakeObjectRepo
	stream  *fakeStream
	cache   *core.ObjectCache
	graph   *core.GraphStore
	watches *core.WatchUseCase
	service *ExplorerService
}

func newExplorerFixture() *explorerFixture {
	repo := newFakeObjectRepo()
	repo.put(testPods,
		newRaw(testPods, "default", "web-0", "1"),
		newRaw(testPods, "default", "web-1", "1"),
	)
	repo.put(testDeployments, newRaw(testDeployments, "default", "web", "1"))

	stream := newFakeStream()
	cache := core.NewObjectCache(
		&fakeContextRepo{contexts: []core.KubeContext{testContext}},
		&fakeDiscoveryRepo{groups: []core.ResourceGroup{
			{GroupVersion: "apps/v1", Resources: []core.Resource{testDeployments}},
			{GroupVersion: "v1", Resources: []core.Resource{testPods}},
		}},
		repo,
		stream,
	)
	graph := core.NewGraphStore()
	watches := core.NewWatchUseCase(cache, graph, core.NewRelationTable(), newFakeWatchRepo())

	return &explorerFixture{
		repo:    repo,
		stream:  stream,
		cache:   cache,
		graph:   graph,
		watches: watches,
		service: NewExplorerService(cache, watches, graph),
	}
}
